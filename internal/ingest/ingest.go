// Package ingest consumes admin decisions on pending device switches and
// applies them to the device trust manager.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"presenceguard/internal/model"
	"presenceguard/internal/trust"
)

type Action string

const (
	ActionApprove Action = "approve"
	ActionDeny    Action = "deny"
)

// Decision is one admin verdict on a student's pending device switch.
type Decision struct {
	StudentID string    `json:"student_id"`
	Action    Action    `json:"decision"`
	Admin     string    `json:"admin,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// Decider applies decisions. *engine.Engine satisfies it.
type Decider interface {
	Approve(ctx context.Context, studentID string) (model.TransitionResult, error)
	Deny(ctx context.Context, studentID string) (model.TransitionResult, error)
}

func SendNonBlocking(ctx context.Context, out chan<- Decision, d Decision, logger *slog.Logger) bool {
	select {
	case out <- d:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("decision channel full, dropping decision", "student_id", d.StudentID, "decision", d.Action)
		}
		return false
	}
}

// Dispatch applies decisions from in until ctx ends or in is closed.
func Dispatch(ctx context.Context, in <-chan Decision, decider Decider, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-in:
			if !ok {
				return
			}
			Apply(ctx, decider, d, logger)
		}
	}
}

// Apply runs one decision. A decision for a student without a pending
// switch is logged and dropped; replays are harmless.
func Apply(ctx context.Context, decider Decider, d Decision, logger *slog.Logger) (model.TransitionResult, error) {
	var (
		res model.TransitionResult
		err error
	)
	switch d.Action {
	case ActionApprove:
		res, err = decider.Approve(ctx, d.StudentID)
	case ActionDeny:
		res, err = decider.Deny(ctx, d.StudentID)
	default:
		err = ErrUnknownAction
	}
	if logger != nil {
		switch {
		case errors.Is(err, trust.ErrNoPendingSwitch):
			logger.Info("decision ignored, no pending switch", "student_id", d.StudentID, "decision", d.Action, "source", d.Source)
		case err != nil:
			logger.Warn("decision failed", "student_id", d.StudentID, "decision", d.Action, "source", d.Source, "err", err)
		default:
			logger.Info("decision applied", "student_id", d.StudentID, "decision", d.Action, "outcome", res.Outcome, "admin", d.Admin)
		}
	}
	return res, err
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
