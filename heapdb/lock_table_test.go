package heapdb

import (
	"sync/atomic"
	"testing"
	"time"
)

func mustAcquireShared(t *testing.T, lt *LockTable, tid TransactionID, pid PageID) {
	t.Helper()
	if err := lt.AcquireShared(tid, pid); err != nil {
		t.Fatalf("failed to acquire shared lock: %v", err)
	}
}

func mustAcquireExclusive(t *testing.T, lt *LockTable, tid TransactionID, pid PageID) {
	t.Helper()
	if err := lt.AcquireExclusive(tid, pid); err != nil {
		t.Fatalf("failed to acquire exclusive lock: %v", err)
	}
}

func expectNotHeld(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatalf("releasing an unheld lock did not fail")
	}
	if code, ok := errCodeOf(err); !ok || code != LockNotHeldError {
		t.Fatalf("expected LockNotHeldError, got %v", err)
	}
}

func TestSharedLock(t *testing.T) {
	lt := NewLockTable()
	tid1, tid2 := NewTID(), NewTID()
	pid := PageID{0, 0}
	mustAcquireShared(t, lt, tid1, pid)
	// should not block
	mustAcquireShared(t, lt, tid2, pid)
	if err := lt.ReleaseShared(tid1, pid); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := lt.ReleaseShared(tid2, pid); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	expectNotHeld(t, lt.ReleaseShared(tid1, pid))
	expectNotHeld(t, lt.ReleaseShared(tid2, pid))
}

func TestExclusiveLock(t *testing.T) {
	lt := NewLockTable()
	tid1 := NewTID()
	pid := PageID{0, 0}
	mustAcquireExclusive(t, lt, tid1, pid)
	// the same lock can be acquired twice by the same transaction
	mustAcquireExclusive(t, lt, tid1, pid)
	// an exclusive lock can be used as a shared lock
	mustAcquireShared(t, lt, tid1, pid)
	// but not released as one
	expectNotHeld(t, lt.ReleaseShared(tid1, pid))
	if err := lt.ReleaseExclusive(tid1, pid); err != nil {
		t.Fatalf("cannot release acquired lock: %v", err)
	}
	expectNotHeld(t, lt.ReleaseExclusive(tid1, pid))
}

func TestUpgradeLock(t *testing.T) {
	lt := NewLockTable()
	tid1 := NewTID()
	pid := PageID{0, 0}
	mustAcquireShared(t, lt, tid1, pid)
	mustAcquireShared(t, lt, tid1, pid)
	// upgrade
	mustAcquireExclusive(t, lt, tid1, pid)
	// an upgraded lock is no longer shared
	expectNotHeld(t, lt.ReleaseShared(tid1, pid))
	if err := lt.ReleaseExclusive(tid1, pid); err != nil {
		t.Fatalf("upgraded lock cannot be released as exclusive: %v", err)
	}
	expectNotHeld(t, lt.ReleaseExclusive(tid1, pid))
}

func TestSharedAfterExclusive(t *testing.T) {
	lt := NewLockTable()
	tid1 := NewTID()
	pid := PageID{0, 0}
	mustAcquireExclusive(t, lt, tid1, pid)
	// must not block
	mustAcquireShared(t, lt, tid1, pid)
	expectNotHeld(t, lt.ReleaseShared(tid1, pid))
	if err := lt.ReleaseExclusive(tid1, pid); err != nil {
		t.Fatalf("release failed: %v", err)
	}
}

func TestIsLocked(t *testing.T) {
	lt := NewLockTable()
	tid1, tid2 := NewTID(), NewTID()
	pid := PageID{0, 0}
	if lt.IsLocked(tid1, pid) {
		t.Fatalf("unlocked page reported locked")
	}
	mustAcquireShared(t, lt, tid1, pid)
	if !lt.IsLocked(tid1, pid) {
		t.Fatalf("shared holder not reported")
	}
	if lt.IsLocked(tid2, pid) {
		t.Fatalf("non holder reported locked")
	}
	lt.TryRelease(tid1, pid)
	if lt.IsLocked(tid1, pid) {
		t.Fatalf("released holder still reported")
	}
	// try-release of nothing is a no-op
	lt.TryRelease(tid1, pid)
}

// blockedUntil runs acquire in a goroutine and fails the test if acquire
// finishes before flag is set.  Returns a channel closed when the goroutine
// is done.
func blockedUntil(t *testing.T, flag *atomic.Bool, acquire func() error, what string) chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := acquire(); err != nil {
			t.Errorf("%s: %v", what, err)
			return
		}
		if !flag.Load() {
			t.Errorf("%s did not wait", what)
		}
	}()
	return done
}

func TestExclusiveWaitsForShared(t *testing.T) {
	lt := NewLockTable()
	tid1, tid2 := NewTID(), NewTID()
	pid := PageID{0, 0}
	mustAcquireShared(t, lt, tid1, pid)
	var flag atomic.Bool
	done := blockedUntil(t, &flag, func() error {
		return lt.AcquireExclusive(tid2, pid)
	}, "exclusive lock")
	time.Sleep(500 * time.Millisecond)
	flag.Store(true)
	if err := lt.ReleaseShared(tid1, pid); err != nil {
		t.Fatalf("failed to release acquired shared lock: %v", err)
	}
	<-done
}

func TestUpgradeWaitsForShared(t *testing.T) {
	lt := NewLockTable()
	tid1, tid2 := NewTID(), NewTID()
	pid := PageID{0, 0}
	mustAcquireShared(t, lt, tid1, pid)
	var flag atomic.Bool
	done := blockedUntil(t, &flag, func() error {
		if err := lt.AcquireShared(tid2, pid); err != nil {
			return err
		}
		return lt.AcquireExclusive(tid2, pid)
	}, "upgrade")
	time.Sleep(500 * time.Millisecond)
	flag.Store(true)
	if err := lt.ReleaseShared(tid1, pid); err != nil {
		t.Fatalf("failed to release acquired shared lock: %v", err)
	}
	<-done
}

func TestSharedWaitsForExclusive(t *testing.T) {
	lt := NewLockTable()
	tid1, tid2 := NewTID(), NewTID()
	pid := PageID{0, 0}
	mustAcquireExclusive(t, lt, tid1, pid)
	var flag atomic.Bool
	done := blockedUntil(t, &flag, func() error {
		return lt.AcquireShared(tid2, pid)
	}, "shared lock")
	time.Sleep(500 * time.Millisecond)
	flag.Store(true)
	if err := lt.ReleaseExclusive(tid1, pid); err != nil {
		t.Fatalf("failed to release acquired exclusive lock: %v", err)
	}
	<-done
}

func TestExclusiveWaitsForExclusive(t *testing.T) {
	lt := NewLockTable()
	tid1, tid2 := NewTID(), NewTID()
	pid := PageID{0, 0}
	mustAcquireExclusive(t, lt, tid1, pid)
	var flag atomic.Bool
	done := blockedUntil(t, &flag, func() error {
		return lt.AcquireExclusive(tid2, pid)
	}, "exclusive lock")
	time.Sleep(500 * time.Millisecond)
	flag.Store(true)
	if err := lt.ReleaseExclusive(tid1, pid); err != nil {
		t.Fatalf("failed to release acquired exclusive lock: %v", err)
	}
	<-done
}

func TestExclusiveWaitsForManyShared(t *testing.T) {
	lt := NewLockTable()
	const sharedCount = 1001
	pid := PageID{0, 0}
	sharedIDs := make([]TransactionID, sharedCount)
	for i := range sharedIDs {
		sharedIDs[i] = NewTID()
		mustAcquireShared(t, lt, sharedIDs[i], pid)
	}
	var released atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		tid := NewTID()
		if err := lt.AcquireExclusive(tid, pid); err != nil {
			t.Errorf("exclusive lock failed: %v", err)
			return
		}
		if n := released.Load(); n != sharedCount {
			t.Errorf("exclusive lock granted after %d of %d shared releases", n, sharedCount)
		}
	}()
	for _, tid := range sharedIDs {
		time.Sleep(time.Millisecond)
		released.Add(1)
		if err := lt.ReleaseShared(tid, pid); err != nil {
			t.Fatalf("failed to release shared lock: %v", err)
		}
	}
	<-done
}

// A reader arriving after a writer has claimed the page must wait behind the
// writer even while earlier readers still hold the lock: writers do not
// starve.
func TestSharedWaitsForPendingExclusive(t *testing.T) {
	lt := NewLockTable()
	pid := PageID{0, 0}
	shared1, shared2 := NewTID(), NewTID()
	mustAcquireShared(t, lt, shared1, pid)
	mustAcquireShared(t, lt, shared2, pid)

	var prevSharedReleased, prevExReleased atomic.Bool
	pendingExclusive := make(chan struct{})
	go func() {
		defer close(pendingExclusive)
		ex1 := NewTID()
		if err := lt.AcquireExclusive(ex1, pid); err != nil {
			t.Errorf("exclusive lock failed: %v", err)
			return
		}
		if !prevSharedReleased.Load() {
			t.Errorf("exclusive lock granted before earlier readers released")
		}
		lateShared := make(chan struct{})
		go func() {
			defer close(lateShared)
			tryShare := NewTID()
			if err := lt.AcquireShared(tryShare, pid); err != nil {
				t.Errorf("late shared lock failed: %v", err)
				return
			}
			if !prevExReleased.Load() {
				t.Errorf("late reader overtook the pending writer")
			}
			if err := lt.ReleaseShared(tryShare, pid); err != nil {
				t.Errorf("failed to release late shared lock: %v", err)
			}
		}()
		time.Sleep(500 * time.Millisecond)
		prevExReleased.Store(true)
		if err := lt.ReleaseExclusive(ex1, pid); err != nil {
			t.Errorf("failed to release exclusive lock: %v", err)
		}
		<-lateShared
	}()

	time.Sleep(500 * time.Millisecond)
	prevSharedReleased.Store(true)
	if err := lt.ReleaseShared(shared1, pid); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := lt.ReleaseShared(shared2, pid); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	<-pendingExclusive
}

// Two transactions each holding one page and requesting the other's: the
// second requester closes the cycle and must be aborted; releasing its locks
// lets the first proceed.
func TestDeadlockAbort(t *testing.T) {
	lt := NewLockTable()
	tid1, tid2 := NewTID(), NewTID()
	p1, p2 := PageID{0, 1}, PageID{0, 2}
	mustAcquireExclusive(t, lt, tid1, p1)
	mustAcquireExclusive(t, lt, tid2, p2)

	done := make(chan error, 1)
	go func() {
		// blocks on tid2, recording tid1 -> tid2
		done <- lt.AcquireExclusive(tid1, p2)
	}()
	time.Sleep(100 * time.Millisecond)

	// closes the cycle tid2 -> tid1 -> tid2
	err := lt.AcquireExclusive(tid2, p1)
	if err == nil {
		t.Fatalf("deadlock not detected")
	}
	if !IsDeadlock(err) {
		t.Fatalf("expected deadlock error, got %v", err)
	}
	// rolling the victim back unblocks the survivor
	lt.ReleaseAll(tid2)
	if err := <-done; err != nil {
		t.Fatalf("surviving transaction failed: %v", err)
	}
	if !lt.IsLocked(tid1, p2) {
		t.Fatalf("survivor does not hold the contested page")
	}
	lt.ReleaseAll(tid1)
	if lt.IsLocked(tid1, p1) || lt.IsLocked(tid1, p2) {
		t.Fatalf("ReleaseAll left locks behind")
	}
}

// Upgrade deadlock: both transactions hold shared locks and both try to
// upgrade.  The first claims the exclusive slot; the second's wait edge
// closes the cycle and it must abort.
func TestUpgradeDeadlock(t *testing.T) {
	lt := NewLockTable()
	tid1, tid2 := NewTID(), NewTID()
	pid := PageID{0, 0}
	mustAcquireShared(t, lt, tid1, pid)
	mustAcquireShared(t, lt, tid2, pid)

	done := make(chan error, 1)
	go func() {
		done <- lt.AcquireExclusive(tid1, pid)
	}()
	time.Sleep(100 * time.Millisecond)

	err := lt.AcquireExclusive(tid2, pid)
	if err == nil || !IsDeadlock(err) {
		t.Fatalf("expected deadlock error, got %v", err)
	}
	lt.ReleaseAll(tid2)
	if err := <-done; err != nil {
		t.Fatalf("surviving upgrade failed: %v", err)
	}
	lt.ReleaseAll(tid1)
}
