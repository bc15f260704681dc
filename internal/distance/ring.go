package distance

import (
	"sync"

	"gonum.org/v1/gonum/stat"
)

// Ring holds the most recent distance samples for one device in a
// pre-allocated circular buffer. Once full, each new sample evicts the
// oldest. It is safe for concurrent use: the pipeline writes while the
// status page reads.
type Ring struct {
	mu      sync.Mutex
	samples []float64
	head    int // next write position
	count   int // samples currently held (≤ len(samples))
}

// NewRing creates a ring with the given capacity. Non-positive capacities
// fall back to [DefaultHistory].
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultHistory
	}
	return &Ring{samples: make([]float64, capacity)}
}

// Add records a sample and returns the mean of all samples now held.
func (r *Ring) Add(v float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples[r.head] = v
	r.head = (r.head + 1) % len(r.samples)
	if r.count < len(r.samples) {
		r.count++
	}
	return r.meanLocked()
}

// Mean returns the arithmetic mean of the held samples, or [NoData].
func (r *Ring) Mean() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meanLocked()
}

func (r *Ring) meanLocked() float64 {
	if r.count == 0 {
		return NoData
	}
	return stat.Mean(r.valuesLocked(), nil)
}

// Values returns a copy of the held samples, oldest first.
func (r *Ring) Values() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.valuesLocked()
}

func (r *Ring) valuesLocked() []float64 {
	out := make([]float64, 0, r.count)
	start := (r.head - r.count + len(r.samples)) % len(r.samples)
	for i := 0; i < r.count; i++ {
		out = append(out, r.samples[(start+i)%len(r.samples)])
	}
	return out
}

// Len returns the number of samples held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the fixed capacity.
func (r *Ring) Cap() int {
	return len(r.samples)
}

// Reset discards all samples.
func (r *Ring) Reset() {
	r.mu.Lock()
	r.head = 0
	r.count = 0
	r.mu.Unlock()
}
