package wcdb

import (
	"math"
	"time"
)

const (
	// DefaultMaxExpectingDuration caps the time a batch may hold the write
	// transaction.
	DefaultMaxExpectingDuration = 10 * time.Millisecond
	// DefaultInitialBudget is the batch budget used until history is usable.
	DefaultInitialBudget = 5 * time.Millisecond

	samplerSlots = 10
)

type sample struct {
	within time.Duration
	total  time.Duration
}

// Sampler adapts the batch time budget to the share of each step actually
// spent migrating rows. It keeps the last ten samples.
type Sampler struct {
	maxExpecting time.Duration
	initial      time.Duration
	samples      [samplerSlots]sample
	next         int
	count        int
}

// NewSampler returns a sampler; zero durations select the defaults.
func NewSampler(maxExpecting, initial time.Duration) *Sampler {
	if maxExpecting <= 0 {
		maxExpecting = DefaultMaxExpectingDuration
	}
	if initial <= 0 {
		initial = DefaultInitialBudget
	}
	return &Sampler{maxExpecting: maxExpecting, initial: initial}
}

// Record adds the time spent inside the batch loop and the total time of
// the step, evicting the oldest sample once ten are held.
func (s *Sampler) Record(within, total time.Duration) {
	s.samples[s.next] = sample{within: within, total: total}
	s.next = (s.next + 1) % samplerSlots
	if s.count < samplerSlots {
		s.count++
	}
}

// Budget returns the time the next batch may spend moving rows.
func (s *Sampler) Budget() time.Duration {
	var within, total float64
	for i := 0; i < s.count; i++ {
		within += float64(s.samples[i].within)
		total += float64(s.samples[i].total)
	}
	if total <= 0 {
		return s.initial
	}
	b := float64(s.maxExpecting) * within / total
	if math.IsNaN(b) || b <= 0 || b > float64(s.maxExpecting) {
		return s.initial
	}
	return time.Duration(b)
}
