package heapdb

import (
	"sync"
	"testing"
)

func TestWaitGraphPointToSelf(t *testing.T) {
	g := NewWaitGraph()
	tid := NewTID()
	node := g.GetNode(tid)
	node.AddWait(tid)
	if !node.CheckCycle() {
		t.Fatalf("self edge not reported as cycle")
	}
	node.ReleaseThis()
	if node.CheckCycle() {
		t.Fatalf("cycle reported after release")
	}
}

func TestWaitGraphTwoNodes(t *testing.T) {
	g := NewWaitGraph()
	tid1, tid2 := NewTID(), NewTID()
	n1 := g.GetNode(tid1)
	n2 := g.GetNode(tid2)
	n1.AddWait(tid2)
	n2.AddWait(tid1)
	if !n1.CheckCycle() || !n2.CheckCycle() {
		t.Fatalf("two node cycle not detected from both ends")
	}
	n1.ReleaseThis()
	if n1.CheckCycle() || n2.CheckCycle() {
		t.Fatalf("cycle survived releasing one node")
	}
}

func TestWaitGraphThreeNodes(t *testing.T) {
	g := NewWaitGraph()
	tid1, tid2, tid3 := NewTID(), NewTID(), NewTID()
	n1, n2, n3 := g.GetNode(tid1), g.GetNode(tid2), g.GetNode(tid3)
	n1.AddWait(tid2)
	n2.AddWait(tid3)
	n3.AddWait(tid1)
	for i, n := range []*WaitNode{n1, n2, n3} {
		if !n.CheckCycle() {
			t.Fatalf("node %d does not see the three node cycle", i)
		}
	}
	n1.ReleaseThis()
	for i, n := range []*WaitNode{n1, n2, n3} {
		if n.CheckCycle() {
			t.Fatalf("node %d still reports a cycle after break", i)
		}
	}
	// releasing an already released graph stays quiet
	n2.ReleaseThis()
	if n3.CheckCycle() {
		t.Fatalf("cycle reappeared")
	}
}

func TestWaitGraphManyNodes(t *testing.T) {
	g := NewWaitGraph()
	const tidCount = 1000
	tids := make([]TransactionID, tidCount)
	for i := range tids {
		tids[i] = NewTID()
	}
	for i := 1; i < tidCount; i++ {
		g.GetNode(tids[i]).AddWait(tids[i-1])
	}
	g.GetNode(tids[0]).AddWait(tids[tidCount-1])
	for i, tid := range tids {
		if !g.GetNode(tid).CheckCycle() {
			t.Fatalf("ring cycle not seen from node %d", i)
		}
	}
	g.GetNode(tids[tidCount/3]).ReleaseThis()
	for i, tid := range tids {
		if g.GetNode(tid).CheckCycle() {
			t.Fatalf("cycle still seen from node %d after break", i)
		}
	}
}

func TestWaitGraphTwoCycles(t *testing.T) {
	// two triangles sharing node 2:
	//   0 -> 2 -> 1 -> 0   and   3 -> 2 -> 4 -> 3
	g := NewWaitGraph()
	tids := make([]TransactionID, 5)
	for i := range tids {
		tids[i] = NewTID()
	}
	g.GetNode(tids[0]).AddWait(tids[2])
	g.GetNode(tids[2]).AddWait(tids[1])
	g.GetNode(tids[1]).AddWait(tids[0])
	g.GetNode(tids[3]).AddWait(tids[2])
	g.GetNode(tids[2]).AddWait(tids[4])
	g.GetNode(tids[4]).AddWait(tids[3])
	for i := range tids {
		if !g.GetNode(tids[i]).CheckCycle() {
			t.Fatalf("node %d does not see a cycle", i)
		}
	}
	g.GetNode(tids[1]).ReleaseThis()
	if g.GetNode(tids[1]).CheckCycle() {
		t.Fatalf("released node sees a cycle")
	}
	// node 0 now only leads into the second cycle and is not on it
	if g.GetNode(tids[0]).CheckCycle() {
		t.Fatalf("node 0 reports a cycle it is no longer on")
	}
	if !g.GetNode(tids[2]).CheckCycle() {
		t.Fatalf("second cycle lost when first was broken")
	}
	g.GetNode(tids[0]).ReleaseThis()
	if !g.GetNode(tids[2]).CheckCycle() {
		t.Fatalf("second cycle lost when first was dismantled")
	}
	g.GetNode(tids[2]).ReleaseThis()
	for i := range tids {
		if g.GetNode(tids[i]).CheckCycle() {
			t.Fatalf("node %d sees a cycle after all breaks", i)
		}
	}
}

// The graph must tolerate cycle checks running while other goroutines add and
// remove edges; a check may miss an edge added during this round but must
// never corrupt state or report a cycle that does not exist.
func TestWaitGraphConcurrentMutation(t *testing.T) {
	g := NewWaitGraph()
	const workers = 8
	const rounds = 500
	tids := make([]TransactionID, workers)
	for i := range tids {
		tids[i] = NewTID()
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			me := tids[i]
			other := tids[(i+1)%workers]
			for r := 0; r < rounds; r++ {
				node := g.GetNode(me)
				node.AddWait(other)
				node.CheckCycle()
				node.ReleaseThis()
			}
		}(i)
	}
	wg.Wait()
	for i := range tids {
		n := g.GetNode(tids[i])
		n.ReleaseThis()
		if n.CheckCycle() {
			t.Fatalf("quiescent graph reports a cycle at node %d", i)
		}
	}
}
