package metrics

import (
	"sync"
	"time"

	"presenceguard/internal/model"
)

// Store keeps the latest verification per student, evicting the least
// recently updated student once the limit is reached.
type Store struct {
	mu        sync.RWMutex
	byStudent map[string]model.VerificationScore
	updatedAt map[string]time.Time
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byStudent: make(map[string]model.VerificationScore),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
	}
}

func (s *Store) Update(score model.VerificationScore) {
	if score.StudentID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byStudent[score.StudentID] = score
	s.updatedAt[score.StudentID] = time.Now().UTC()
	if len(s.byStudent) > s.limit {
		s.evictOldest(score.StudentID)
	}
}

func (s *Store) Get(studentID string) (model.VerificationScore, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.byStudent[studentID]
	if !ok {
		return model.VerificationScore{}, time.Time{}, false
	}
	return v, s.updatedAt[studentID], true
}

func (s *Store) GetAll() map[string]model.VerificationScore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.VerificationScore, len(s.byStudent))
	for id, v := range s.byStudent {
		out[id] = v
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byStudent)
}

func (s *Store) evictOldest(keep string) {
	var oldestStudent string
	var oldest time.Time
	for student, ts := range s.updatedAt {
		if student == keep {
			continue
		}
		if oldestStudent == "" || ts.Before(oldest) {
			oldestStudent = student
			oldest = ts
		}
	}
	if oldestStudent != "" {
		delete(s.byStudent, oldestStudent)
		delete(s.updatedAt, oldestStudent)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byStudent = make(map[string]model.VerificationScore)
	s.updatedAt = make(map[string]time.Time)
}
