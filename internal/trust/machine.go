// Package trust implements the per-student device trust state machine.
//
// Transitions are pure functions of (record, event, now). Cooldown expiry is
// evaluated lazily whenever a record is read, so there is no timer per
// student; Manager adds persistence and per-student serialization on top.
package trust

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"presenceguard/internal/model"
)

var (
	ErrStaleState      = errors.New("trust record is newer than evaluation time")
	ErrNoPendingSwitch = errors.New("no pending device switch")
	ErrInvalidDevice   = errors.New("device id is required")
	ErrInvalidStudent  = errors.New("student id is required")
)

const DefaultCooldown = 48 * time.Hour

type Policy struct {
	Cooldown             time.Duration
	RequireAdminApproval bool
}

func DefaultPolicy() Policy {
	return Policy{Cooldown: DefaultCooldown, RequireAdminApproval: true}
}

func (p Policy) cooldown() time.Duration {
	if p.Cooldown <= 0 {
		return DefaultCooldown
	}
	return p.Cooldown
}

// Effective applies lazy cooldown expiry. The second result is true when an
// expired switch that needs no admin approval was activated.
func Effective(rec model.DeviceTrustRecord, now time.Time) (model.DeviceTrustRecord, bool) {
	if rec.Status != model.StatusPendingSwitch || rec.CooldownEndsAt == nil {
		return rec, false
	}
	if now.Before(*rec.CooldownEndsAt) {
		return rec, false
	}
	if rec.Request != nil && !rec.Request.RequiresAdminApproval {
		at := *rec.CooldownEndsAt
		rec.PrimaryDeviceID = rec.PendingDeviceID
		rec.Status = model.StatusActive
		clearSwitch(&rec)
		rec.UpdatedAt = at
		return rec, true
	}
	rec.Status = model.StatusCooldownExpiredAwait
	return rec, false
}

// Login evaluates a login from deviceID. Logins from a third device while a
// switch is pending are refused with OutcomeSwitchRejected and leave the
// record untouched.
func Login(rec model.DeviceTrustRecord, deviceID string, p Policy, now time.Time) (model.DeviceTrustRecord, model.TransitionResult, error) {
	if deviceID == "" {
		return rec, model.TransitionResult{}, ErrInvalidDevice
	}
	if now.Before(rec.UpdatedAt) {
		return rec, model.TransitionResult{}, ErrStaleState
	}
	rec, _ = Effective(rec, now)
	from := rec.Status
	out := rec
	outcome := model.OutcomeUnchanged

	switch rec.Status {
	case model.StatusNoDevice:
		out.PrimaryDeviceID = deviceID
		out.Status = model.StatusActive
		out.UpdatedAt = now
		outcome = model.OutcomeActivated
	case model.StatusActive:
		if deviceID == rec.PrimaryDeviceID {
			break
		}
		ends := now.Add(p.cooldown())
		out.Status = model.StatusPendingSwitch
		out.PendingDeviceID = deviceID
		out.CooldownEndsAt = &ends
		out.Request = &model.DeviceSwitchRequest{
			ID:                    uuid.NewString(),
			StudentID:             rec.StudentID,
			CurrentDeviceID:       rec.PrimaryDeviceID,
			RequestedDeviceID:     deviceID,
			RequestedAt:           now,
			CooldownEndsAt:        ends,
			RequiresAdminApproval: p.RequireAdminApproval,
		}
		out.UpdatedAt = now
		outcome = model.OutcomeSwitchRequested
	case model.StatusPendingSwitch, model.StatusCooldownExpiredAwait:
		if deviceID == rec.PrimaryDeviceID || deviceID == rec.PendingDeviceID {
			outcome = model.OutcomeSwitchPending
		} else {
			outcome = model.OutcomeSwitchRejected
		}
	}
	return out, result(out, deviceID, outcome, from, now), nil
}

// Approve activates the pending device.
func Approve(rec model.DeviceTrustRecord, now time.Time) (model.DeviceTrustRecord, model.TransitionResult, error) {
	if now.Before(rec.UpdatedAt) {
		return rec, model.TransitionResult{}, ErrStaleState
	}
	rec, _ = Effective(rec, now)
	if !switchPending(rec.Status) {
		return rec, model.TransitionResult{}, ErrNoPendingSwitch
	}
	from := rec.Status
	device := rec.PendingDeviceID
	req := rec.Request
	rec.PrimaryDeviceID = device
	rec.Status = model.StatusActive
	clearSwitch(&rec)
	rec.UpdatedAt = now
	res := result(rec, device, model.OutcomeApproved, from, now)
	res.Request = req
	return rec, res, nil
}

// Deny discards the switch request and keeps the current primary device.
func Deny(rec model.DeviceTrustRecord, now time.Time) (model.DeviceTrustRecord, model.TransitionResult, error) {
	if now.Before(rec.UpdatedAt) {
		return rec, model.TransitionResult{}, ErrStaleState
	}
	rec, _ = Effective(rec, now)
	if !switchPending(rec.Status) {
		return rec, model.TransitionResult{}, ErrNoPendingSwitch
	}
	from := rec.Status
	device := rec.PendingDeviceID
	req := rec.Request
	rec.Status = model.StatusActive
	clearSwitch(&rec)
	rec.UpdatedAt = now
	res := result(rec, device, model.OutcomeDenied, from, now)
	res.Request = req
	return rec, res, nil
}

// Status reports eligibility at now. CanMarkAttendance is true only while
// the record is Active.
func Status(rec model.DeviceTrustRecord, now time.Time) model.DeviceStatus {
	rec, _ = Effective(rec, now)
	st := model.DeviceStatus{
		StudentID:         rec.StudentID,
		State:             rec.Status,
		PrimaryDeviceID:   rec.PrimaryDeviceID,
		PendingDeviceID:   rec.PendingDeviceID,
		IsActive:          rec.Status == model.StatusActive,
		CanMarkAttendance: rec.Status == model.StatusActive,
	}
	if switchPending(rec.Status) {
		st.RequiresAdminApproval = rec.Request == nil || rec.Request.RequiresAdminApproval
	}
	if rec.Status == model.StatusPendingSwitch && rec.CooldownEndsAt != nil {
		if left := rec.CooldownEndsAt.Sub(now); left > 0 {
			st.CooldownRemainingSeconds = int64(math.Ceil(left.Seconds()))
		}
	}
	return st
}

func switchPending(s model.ActivationStatus) bool {
	return s == model.StatusPendingSwitch || s == model.StatusCooldownExpiredAwait
}

func clearSwitch(rec *model.DeviceTrustRecord) {
	rec.PendingDeviceID = ""
	rec.CooldownEndsAt = nil
	rec.Request = nil
}

func result(rec model.DeviceTrustRecord, deviceID string, outcome model.TransitionOutcome, from model.ActivationStatus, now time.Time) model.TransitionResult {
	return model.TransitionResult{
		StudentID: rec.StudentID,
		DeviceID:  deviceID,
		Outcome:   outcome,
		From:      from,
		To:        rec.Status,
		Request:   rec.Request,
		Status:    Status(rec, now),
		At:        now,
	}
}

// Changed reports whether an outcome mutated the record.
func Changed(outcome model.TransitionOutcome) bool {
	switch outcome {
	case model.OutcomeActivated, model.OutcomeSwitchRequested, model.OutcomeApproved,
		model.OutcomeDenied, model.OutcomeAutoActivated:
		return true
	}
	return false
}
