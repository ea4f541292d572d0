package events

import (
	"sync"
	"time"

	"presenceguard/internal/model"
)

// Store is a bounded in-memory buffer of recent status events.
type Store struct {
	mu    sync.RWMutex
	buf   []model.StatusEvent
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(ev model.StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, ev)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = ev
}

func (s *Store) List(limit int) []model.StatusEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.StatusEvent, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.StatusEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.StatusEvent, 0)
	for _, ev := range s.buf {
		if !ev.Timestamp.Before(ts) {
			out = append(out, ev)
		}
	}
	return out
}

// ForStudent returns the buffered events for one student, oldest first.
func (s *Store) ForStudent(studentID string, limit int) []model.StatusEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.StatusEvent, 0)
	for i := len(s.buf) - 1; i >= 0; i-- {
		if s.buf[i].StudentID != studentID {
			continue
		}
		out = append(out, s.buf[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
