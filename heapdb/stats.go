package heapdb

// Table statistics for selectivity estimation: fixed-width histograms over
// int columns, plus HyperLogLog sketches for distinct-value counts.  Built by
// a full scan of the table, so statistics reflect the table at build time.

import (
	"fmt"
	"hash/fnv"

	boom "github.com/tylertreat/BoomFilters"
)

// NumHistBins is the bucket count used for table statistics histograms.
const NumHistBins = 100

// IntHistogram is a fixed-width histogram over an integer column.
type IntHistogram struct {
	buckets []int
	// the covered value range is [minVal, maxVal); maxVal is one past the
	// largest value that will ever be added
	minVal, maxVal int64
}

// NewIntHistogram creates a histogram of the given bucket count over values
// in [min, max].  If the range holds fewer distinct values than buckets, the
// bucket count shrinks so no bucket covers less than one value.
func NewIntHistogram(buckets int, min, max int64) *IntHistogram {
	if max-min+1 < int64(buckets) {
		buckets = int(max - min + 1)
	}
	if buckets < 1 {
		buckets = 1
	}
	return &IntHistogram{
		buckets: make([]int, buckets),
		minVal:  min,
		maxVal:  max + 1,
	}
}

func (h *IntHistogram) bucketIndex(v int64) int {
	i := int((v - h.minVal) * int64(len(h.buckets)) / (h.maxVal - h.minVal))
	if i >= len(h.buckets) {
		i = len(h.buckets) - 1
	}
	return i
}

func (h *IntHistogram) valsPerBucket() float64 {
	return float64(h.maxVal-h.minVal) / float64(len(h.buckets))
}

// AddValue records one value in the histogram.
func (h *IntHistogram) AddValue(v int64) {
	if v < h.minVal || v >= h.maxVal {
		return
	}
	h.buckets[h.bucketIndex(v)]++
}

func (h *IntHistogram) intervalMin(index int) int64 {
	return (h.maxVal-h.minVal)*int64(index)/int64(len(h.buckets)) + h.minVal
}

func (h *IntHistogram) intervalMax(index int) int64 {
	return h.intervalMin(index + 1)
}

func (h *IntHistogram) totalCount() int {
	total := 0
	for _, b := range h.buckets {
		total += b
	}
	return total
}

func (h *IntHistogram) estimateEquals(v int64) float64 {
	if v < h.minVal || v >= h.maxVal {
		return 0
	}
	return float64(h.buckets[h.bucketIndex(v)]) / h.valsPerBucket()
}

// estimateInterval estimates how many recorded values fall in [left, right),
// counting whole buckets in the middle and pro-rating the partial buckets at
// the edges.
func (h *IntHistogram) estimateInterval(left, right int64) float64 {
	if left >= right || right <= h.minVal || left >= h.maxVal {
		return 0
	}
	if left < h.minVal {
		left = h.minVal
	}
	if right > h.maxVal {
		right = h.maxVal
	}
	lb := h.bucketIndex(left)
	rb := h.bucketIndex(right - 1)
	if lb == rb {
		return float64(right-left) * float64(h.buckets[lb]) / h.valsPerBucket()
	}
	mid := 0
	for i := lb + 1; i < rb; i++ {
		mid += h.buckets[i]
	}
	leftCount := float64(h.intervalMax(lb)-left) * float64(h.buckets[lb]) / h.valsPerBucket()
	rightCount := float64(right-h.intervalMin(rb)) * float64(h.buckets[rb]) / h.valsPerBucket()
	return leftCount + rightCount + float64(mid)
}

// EstimateSelectivity predicts the fraction of recorded values satisfying
// `value op v`.
func (h *IntHistogram) EstimateSelectivity(op BoolOp, v int64) float64 {
	total := h.totalCount()
	if total == 0 {
		return 0
	}
	var est float64
	switch op {
	case OpEq:
		est = h.estimateEquals(v)
	case OpNeq:
		est = float64(total) - h.estimateEquals(v)
	case OpGt:
		est = h.estimateInterval(v, h.maxVal) - h.estimateEquals(v)
	case OpGe:
		est = h.estimateInterval(v, h.maxVal)
	case OpLt:
		est = h.estimateInterval(h.minVal, v)
	case OpLe:
		est = h.estimateInterval(h.minVal, v) + h.estimateEquals(v)
	default:
		return 1.0
	}
	sel := est / float64(total)
	if sel < 0 {
		sel = 0
	}
	if sel > 1 {
		sel = 1
	}
	return sel
}

// TableStats holds per-table statistics used to estimate scan costs and
// predicate selectivities.
type TableStats struct {
	file          DBFile
	ioCostPerPage int
	totalTuples   int
	numPages      int
	histograms    map[int]*IntHistogram // by field index, int fields only
	distinct      map[int]*boom.HyperLogLog
}

// NewTableStats scans the table twice through the buffer pool under its own
// transaction: once for per-column min/max, once to populate histograms and
// distinct-value sketches.
func NewTableStats(bp *BufferPool, file DBFile, ioCostPerPage int) (*TableStats, error) {
	desc := file.Descriptor()
	ts := &TableStats{
		file:          file,
		ioCostPerPage: ioCostPerPage,
		histograms:    make(map[int]*IntHistogram),
		distinct:      make(map[int]*boom.HyperLogLog),
	}
	for i := range desc.Fields {
		hll, err := boom.NewDefaultHyperLogLog(0.01)
		if err != nil {
			return nil, HeapDBError{IllegalOperationError, fmt.Sprintf("failed to build distinct sketch: %v", err)}
		}
		ts.distinct[i] = hll
	}

	tid := NewTID()
	if err := bp.BeginTransaction(tid); err != nil {
		return nil, err
	}
	defer bp.CommitTransaction(tid)

	mins := make(map[int]int64)
	maxs := make(map[int]int64)
	iter, err := file.Iterator(tid)
	if err != nil {
		return nil, err
	}
	for {
		t, err := iter()
		if err != nil {
			return nil, err
		}
		if t == nil {
			break
		}
		ts.totalTuples++
		for i, v := range t.Fields {
			if f, ok := v.(IntField); ok {
				if cur, ok := mins[i]; !ok || f.Value < cur {
					mins[i] = f.Value
				}
				if cur, ok := maxs[i]; !ok || f.Value > cur {
					maxs[i] = f.Value
				}
			}
		}
	}

	for i := range desc.Fields {
		if desc.Fields[i].Ftype == IntType && ts.totalTuples > 0 {
			ts.histograms[i] = NewIntHistogram(NumHistBins, mins[i], maxs[i])
		}
	}

	iter, err = file.Iterator(tid)
	if err != nil {
		return nil, err
	}
	for {
		t, err := iter()
		if err != nil {
			return nil, err
		}
		if t == nil {
			break
		}
		for i, v := range t.Fields {
			var key []byte
			switch f := v.(type) {
			case IntField:
				if h, ok := ts.histograms[i]; ok {
					h.AddValue(f.Value)
				}
				key = []byte(fmt.Sprintf("%d", f.Value))
			case StringField:
				key = []byte(f.Value)
			default:
				continue
			}
			// The sketch's own 32-bit FNV-1 hash lets the last input byte reach
			// only the low bits, while the register is chosen by the high bits;
			// keys differing in their last byte would share a register.  Mixing
			// through 64-bit FNV-1a first spreads every byte into the high bits.
			mix := fnv.New64a()
			mix.Write(key)
			ts.distinct[i].Add(mix.Sum(nil))
		}
	}
	ts.numPages = file.NumPages()
	return ts, nil
}

// EstimateScanCost estimates the cost of a sequential scan: one I/O per page.
func (ts *TableStats) EstimateScanCost() float64 {
	return float64(ts.numPages) * float64(ts.ioCostPerPage)
}

// EstimateTableCardinality estimates the number of tuples a plan node with
// the given selectivity emits.
func (ts *TableStats) EstimateTableCardinality(selectivityFactor float64) int {
	return int(float64(ts.totalTuples) * selectivityFactor)
}

// TotalTuples returns the number of tuples counted at build time.
func (ts *TableStats) TotalTuples() int {
	return ts.totalTuples
}

// EstimateSelectivity predicts the selectivity of `field op v` against this
// table.  Fields without a histogram fall back to a fixed guess.
func (ts *TableStats) EstimateSelectivity(field int, op BoolOp, v DBValue) float64 {
	f, ok := v.(IntField)
	if !ok {
		return 0.5
	}
	h, ok := ts.histograms[field]
	if !ok {
		return 0.5
	}
	return h.EstimateSelectivity(op, f.Value)
}

// DistinctValues estimates the number of distinct values in the field.
func (ts *TableStats) DistinctValues(field int) int {
	hll, ok := ts.distinct[field]
	if !ok {
		return 0
	}
	return int(hll.Count())
}
