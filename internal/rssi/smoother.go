// Package rssi smooths repeated signal-strength observations with an
// exponential moving average so one bad reading cannot flip a proximity tier.
package rssi

import (
	"math"
	"sync"
)

const DefaultAlpha = 0.3

// Smooth folds sample into previous. A nil previous starts the series.
func Smooth(previous *float64, sample int, alpha float64) float64 {
	if previous == nil || math.IsNaN(*previous) || math.IsInf(*previous, 0) {
		return float64(sample)
	}
	return alpha*float64(sample) + (1-alpha)*(*previous)
}

type Smoother struct {
	Alpha float64
}

// NewSmoother clamps alpha into (0, 1]; out of range values fall back to DefaultAlpha.
func NewSmoother(alpha float64) Smoother {
	if alpha <= 0 || alpha > 1 || math.IsNaN(alpha) {
		alpha = DefaultAlpha
	}
	return Smoother{Alpha: alpha}
}

func (s Smoother) Next(previous *float64, sample int) float64 {
	alpha := s.Alpha
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return Smooth(previous, sample, alpha)
}

// Tracker holds one smoothing state per observed address for a single
// scan session. It is safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	smoother Smoother
	values   map[string]float64
}

func NewTracker(s Smoother) *Tracker {
	return &Tracker{smoother: s, values: make(map[string]float64)}
}

// Observe records a raw reading for addr and returns the smoothed value.
func (t *Tracker) Observe(addr string, sample int) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var prev *float64
	if v, ok := t.values[addr]; ok {
		prev = &v
	}
	next := t.smoother.Next(prev, sample)
	t.values[addr] = next
	return next
}

func (t *Tracker) Value(addr string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.values[addr]
	return v, ok
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.values)
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	t.values = make(map[string]float64)
	t.mu.Unlock()
}
