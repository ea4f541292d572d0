package trust

import (
	"context"
	"sync"

	"presenceguard/internal/model"
)

// Store persists trust records and their audit trail. LoadTrustRecord
// reports false when the student has never logged in. SaveTransition writes
// the new record and its audit entry together: either both land or neither.
type Store interface {
	LoadTrustRecord(ctx context.Context, studentID string) (model.DeviceTrustRecord, bool, error)
	SaveTransition(ctx context.Context, rec model.DeviceTrustRecord, t model.TrustTransition) error
}

type MemoryStore struct {
	mu          sync.RWMutex
	records     map[string]model.DeviceTrustRecord
	transitions []model.TrustTransition
	limit       int
}

func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryStore{records: make(map[string]model.DeviceTrustRecord), limit: limit}
}

func (m *MemoryStore) LoadTrustRecord(_ context.Context, studentID string) (model.DeviceTrustRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[studentID]
	return copyRecord(rec), ok, nil
}

func (m *MemoryStore) SaveTransition(_ context.Context, rec model.DeviceTrustRecord, t model.TrustTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.StudentID] = copyRecord(rec)
	if len(m.transitions) >= m.limit {
		m.transitions = m.transitions[1:]
	}
	m.transitions = append(m.transitions, t)
	return nil
}

// Transitions returns the audit entries for studentID, oldest first.
func (m *MemoryStore) Transitions(studentID string) []model.TrustTransition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.TrustTransition, 0)
	for _, t := range m.transitions {
		if t.StudentID == studentID {
			out = append(out, t)
		}
	}
	return out
}

func copyRecord(rec model.DeviceTrustRecord) model.DeviceTrustRecord {
	if rec.CooldownEndsAt != nil {
		ends := *rec.CooldownEndsAt
		rec.CooldownEndsAt = &ends
	}
	if rec.Request != nil {
		req := *rec.Request
		rec.Request = &req
	}
	return rec
}
