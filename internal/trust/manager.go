package trust

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"presenceguard/internal/model"
)

// Manager serializes transitions per student and persists every change with
// an audit entry. Transitions for different students run in parallel.
type Manager struct {
	store  Store
	logger *slog.Logger
	locks  *keyedMutex
	now    func() time.Time

	mu       sync.RWMutex
	policy   Policy
	observer func(model.TrustTransition)
}

func NewManager(store Store, policy Policy, logger *slog.Logger) *Manager {
	if store == nil {
		store = NewMemoryStore(0)
	}
	return &Manager{
		store:  store,
		logger: logger,
		locks:  newKeyedMutex(),
		now:    func() time.Time { return time.Now().UTC() },
		policy: policy,
	}
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) SetPolicy(p Policy) {
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
}

func (m *Manager) Policy() Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

// OnTransition registers fn to receive every persisted transition.
func (m *Manager) OnTransition(fn func(model.TrustTransition)) {
	m.mu.Lock()
	m.observer = fn
	m.mu.Unlock()
}

func (m *Manager) AttemptLogin(ctx context.Context, studentID, deviceID string) (model.TransitionResult, error) {
	policy := m.Policy()
	return m.apply(ctx, studentID, func(rec model.DeviceTrustRecord, now time.Time) (model.DeviceTrustRecord, model.TransitionResult, error) {
		return Login(rec, deviceID, policy, now)
	})
}

func (m *Manager) Approve(ctx context.Context, studentID string) (model.TransitionResult, error) {
	return m.apply(ctx, studentID, Approve)
}

func (m *Manager) Deny(ctx context.Context, studentID string) (model.TransitionResult, error) {
	return m.apply(ctx, studentID, Deny)
}

// Status evaluates eligibility now. An expired switch that needs no admin
// approval is activated and persisted on the way.
func (m *Manager) Status(ctx context.Context, studentID string) (model.DeviceStatus, error) {
	rec, err := m.Record(ctx, studentID)
	if err != nil {
		return model.DeviceStatus{}, err
	}
	return Status(rec, m.now()), nil
}

// Record returns the effective record for studentID, or an empty NoDevice
// record for a student that never logged in.
func (m *Manager) Record(ctx context.Context, studentID string) (model.DeviceTrustRecord, error) {
	if studentID == "" {
		return model.DeviceTrustRecord{}, ErrInvalidStudent
	}
	unlock := m.locks.Lock(studentID)
	defer unlock()
	rec, err := m.load(ctx, studentID)
	if err != nil {
		return rec, err
	}
	return m.settle(ctx, rec, m.now())
}

type transitionFunc func(model.DeviceTrustRecord, time.Time) (model.DeviceTrustRecord, model.TransitionResult, error)

func (m *Manager) apply(ctx context.Context, studentID string, fn transitionFunc) (model.TransitionResult, error) {
	if studentID == "" {
		return model.TransitionResult{}, ErrInvalidStudent
	}
	unlock := m.locks.Lock(studentID)
	defer unlock()

	now := m.now()
	rec, err := m.load(ctx, studentID)
	if err != nil {
		return model.TransitionResult{}, err
	}
	rec, err = m.settle(ctx, rec, now)
	if err != nil {
		return model.TransitionResult{}, err
	}
	next, res, err := fn(rec, now)
	if err != nil {
		return res, err
	}
	if Changed(res.Outcome) {
		if err := m.persist(ctx, next, res.DeviceID, res.Outcome, res.From, now); err != nil {
			return res, err
		}
	}
	if m.logger != nil {
		level := slog.LevelInfo
		if res.Outcome == model.OutcomeSwitchRejected {
			level = slog.LevelWarn
		}
		m.logger.Log(ctx, level, "device trust transition",
			"student_id", studentID,
			"device_id", res.DeviceID,
			"outcome", res.Outcome,
			"from", res.From,
			"to", res.To,
		)
	}
	return res, nil
}

func (m *Manager) load(ctx context.Context, studentID string) (model.DeviceTrustRecord, error) {
	rec, ok, err := m.store.LoadTrustRecord(ctx, studentID)
	if err != nil {
		return model.DeviceTrustRecord{}, fmt.Errorf("load trust record: %w", err)
	}
	if !ok {
		rec = model.DeviceTrustRecord{StudentID: studentID}
	}
	return rec, nil
}

// settle persists a lazy auto-activation so the audit trail records it.
func (m *Manager) settle(ctx context.Context, rec model.DeviceTrustRecord, now time.Time) (model.DeviceTrustRecord, error) {
	if now.Before(rec.UpdatedAt) {
		return rec, ErrStaleState
	}
	from := rec.Status
	device := rec.PendingDeviceID
	eff, activated := Effective(rec, now)
	if !activated {
		return eff, nil
	}
	if err := m.persist(ctx, eff, device, model.OutcomeAutoActivated, from, eff.UpdatedAt); err != nil {
		return rec, err
	}
	return eff, nil
}

func (m *Manager) persist(ctx context.Context, rec model.DeviceTrustRecord, deviceID string, outcome model.TransitionOutcome, from model.ActivationStatus, at time.Time) error {
	t := model.TrustTransition{
		ID:        uuid.NewString(),
		StudentID: rec.StudentID,
		DeviceID:  deviceID,
		Outcome:   outcome,
		From:      from,
		To:        rec.Status,
		At:        at,
	}
	if rec.Request != nil {
		t.Context = map[string]string{
			"request_id":       rec.Request.ID,
			"cooldown_ends_at": rec.Request.CooldownEndsAt.Format(time.RFC3339),
		}
	}
	if err := m.store.SaveTransition(ctx, rec, t); err != nil {
		return fmt.Errorf("save trust transition: %w", err)
	}
	m.mu.RLock()
	observer := m.observer
	m.mu.RUnlock()
	if observer != nil {
		observer(t)
	}
	return nil
}
