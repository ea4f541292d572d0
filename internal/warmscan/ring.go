package warmscan

import (
	"sync"

	"presenceguard/internal/model"
)

// Ring is a fixed-capacity sample buffer; the oldest sample is evicted when
// full. Readers always receive copies.
type Ring struct {
	mu    sync.RWMutex
	buf   []model.SensorSample
	start int
	n     int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]model.SensorSample, capacity)}
}

// Push appends s and reports whether an older sample was evicted.
func (r *Ring) Push(s model.SensorSample) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = s
		r.n++
		return false
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
	return true
}

func (r *Ring) Latest() (model.SensorSample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.n == 0 {
		return model.SensorSample{}, false
	}
	return copySample(r.buf[(r.start+r.n-1)%len(r.buf)]), true
}

// All returns the buffered samples, oldest first.
func (r *Ring) All() []model.SensorSample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.SensorSample, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, copySample(r.buf[(r.start+i)%len(r.buf)]))
	}
	return out
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}

func (r *Ring) Cap() int {
	return len(r.buf)
}

func copySample(s model.SensorSample) model.SensorSample {
	if s.GPS != nil {
		fix := *s.GPS
		s.GPS = &fix
	}
	if s.WiFi != nil {
		assoc := *s.WiFi
		s.WiFi = &assoc
	}
	if s.Bluetooth != nil {
		readings := make([]model.BluetoothReading, len(s.Bluetooth))
		copy(readings, s.Bluetooth)
		for i := range readings {
			if readings[i].Beacon != nil {
				ad := *readings[i].Beacon
				ad.Signature = append([]byte(nil), ad.Signature...)
				ad.Raw = append([]byte(nil), ad.Raw...)
				readings[i].Beacon = &ad
			}
		}
		s.Bluetooth = readings
	}
	if s.Faults != nil {
		s.Faults = append([]model.SignalFault(nil), s.Faults...)
	}
	return s
}
