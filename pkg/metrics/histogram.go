package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Histogram records durations into fixed buckets. Bounds and every reported
// value are expressed in multiples of the histogram's unit, so a handshake
// histogram with unit time.Millisecond reports 12.5 for 12.5ms.
type Histogram struct {
	unit   time.Duration
	bounds []float64 // ascending upper bounds, inclusive

	mu     sync.Mutex
	counts []uint64 // per bucket; the last entry is +Inf
	n      uint64
	sum    float64
	min    float64
	max    float64
}

// NewHistogram creates a histogram over bounds, given in units of unit.
// Bounds are copied and sorted.
func NewHistogram(unit time.Duration, bounds []float64) *Histogram {
	if unit <= 0 {
		unit = time.Millisecond
	}
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	h := &Histogram{unit: unit, bounds: b, counts: make([]uint64, len(b)+1)}
	h.resetLocked()
	return h
}

// Unit returns the unit bounds and values are expressed in.
func (h *Histogram) Unit() time.Duration { return h.unit }

// Observe records d.
func (h *Histogram) Observe(d time.Duration) {
	h.ObserveValue(float64(d) / float64(h.unit))
}

// ObserveValue records v, already expressed in the histogram's unit.
func (h *Histogram) ObserveValue(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.counts[sort.SearchFloat64s(h.bounds, v)]++
	h.n++
	h.sum += v
	h.min = math.Min(h.min, v)
	h.max = math.Max(h.max, v)
}

// HistogramSummary is a point-in-time view of a histogram. Buckets are
// cumulative, as Prometheus expects.
type HistogramSummary struct {
	Count   uint64        `json:"count"`
	Sum     float64       `json:"sum"`
	Min     float64       `json:"min"`
	Max     float64       `json:"max"`
	Mean    float64       `json:"mean"`
	P50     float64       `json:"p50"`
	P90     float64       `json:"p90"`
	P99     float64       `json:"p99"`
	Buckets []BucketCount `json:"buckets"`
}

// BucketCount is one cumulative bucket.
type BucketCount struct {
	UpperBound float64 `json:"le"`
	Count      uint64  `json:"count"`
}

// Summary returns the current distribution. An empty histogram yields a
// zero summary with no buckets.
func (h *Histogram) Summary() HistogramSummary {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.n == 0 {
		return HistogramSummary{Buckets: []BucketCount{}}
	}

	buckets := make([]BucketCount, len(h.counts))
	var cumulative uint64
	for i, c := range h.counts {
		cumulative += c
		bound := math.Inf(1)
		if i < len(h.bounds) {
			bound = h.bounds[i]
		}
		buckets[i] = BucketCount{UpperBound: bound, Count: cumulative}
	}

	return HistogramSummary{
		Count:   h.n,
		Sum:     h.sum,
		Min:     h.min,
		Max:     h.max,
		Mean:    h.sum / float64(h.n),
		P50:     h.quantileLocked(0.50),
		P90:     h.quantileLocked(0.90),
		P99:     h.quantileLocked(0.99),
		Buckets: buckets,
	}
}

// Quantile estimates the q-quantile (0 < q <= 1) by linear interpolation
// inside the bucket holding it. It returns 0 for an empty histogram.
func (h *Histogram) Quantile(q float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.quantileLocked(q)
}

func (h *Histogram) quantileLocked(q float64) float64 {
	if h.n == 0 {
		return 0
	}
	rank := q * float64(h.n)

	var seen uint64
	for i, c := range h.counts {
		if c == 0 || float64(seen+c) < rank {
			seen += c
			continue
		}
		// The observed extremes are tighter than the bucket edges.
		lower := h.min
		if i > 0 {
			lower = math.Max(lower, h.bounds[i-1])
		}
		upper := h.max
		if i < len(h.bounds) {
			upper = math.Min(upper, h.bounds[i])
		}
		v := lower + (rank-float64(seen))/float64(c)*(upper-lower)
		return math.Min(math.Max(v, h.min), h.max)
	}
	return h.max
}

// Reset clears all observations.
func (h *Histogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resetLocked()
}

func (h *Histogram) resetLocked() {
	for i := range h.counts {
		h.counts[i] = 0
	}
	h.n = 0
	h.sum = 0
	h.min = math.Inf(1)
	h.max = math.Inf(-1)
}
