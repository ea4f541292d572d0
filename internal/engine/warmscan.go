package engine

import (
	"context"
	"fmt"
	"time"

	"presenceguard/internal/events"
	"presenceguard/internal/model"
	"presenceguard/internal/rssi"
	"presenceguard/internal/warmscan"
)

type WarmScanRequest struct {
	StudentID    string    `json:"student_id"`
	ClassID      uint32    `json:"class_id"`
	SessionStart time.Time `json:"session_start"`
}

type scanSession struct {
	classID uint32
	sampler *warmscan.Sampler
	tracker *rssi.Tracker
}

func (e *Engine) mailboxCollectors(studentID string) warmscan.Collectors {
	box := e.mailboxes.Get(studentID)
	return warmscan.Collectors{GPS: box, WiFi: box, Bluetooth: box}
}

// StartWarmScan schedules sampling for the student ahead of sessionStart.
// A finished scan for the same student is replaced; a running one is not.
func (e *Engine) StartWarmScan(ctx context.Context, req WarmScanRequest) (warmscan.Window, error) {
	if req.StudentID == "" || req.ClassID == 0 || req.SessionStart.IsZero() {
		return warmscan.Window{}, fmt.Errorf("%w: student_id, class_id and session_start are required", ErrInvalidRequest)
	}
	if _, err := e.Reference(ctx, req.ClassID); err != nil {
		return warmscan.Window{}, err
	}
	cfg := e.config()

	e.mu.Lock()
	if s, ok := e.scans[req.StudentID]; ok && s.sampler.Running() {
		e.mu.Unlock()
		return warmscan.Window{}, warmscan.ErrAlreadyRunning
	}
	tracker := rssi.NewTracker(rssi.NewSmoother(cfg.Smoothing.Alpha))
	sampler := warmscan.NewSampler(
		warmscan.OptionsFromConfig(cfg, req.ClassID),
		e.collectFn(req.StudentID),
		e.codec(cfg),
		tracker,
		e.logger,
	).WithClock(e.now).OnSample(e.prom.ObserveSample)
	if err := sampler.Start(e.base, req.SessionStart); err != nil {
		e.mu.Unlock()
		return warmscan.Window{}, err
	}
	e.scans[req.StudentID] = &scanSession{classID: req.ClassID, sampler: sampler, tracker: tracker}
	e.mu.Unlock()

	e.updateScanGauge()
	window := sampler.Window()
	e.emit(ctx, model.StatusEvent{
		Type:      events.TypeWarmScanStarted,
		StudentID: req.StudentID,
		ClassID:   req.ClassID,
		Detail: map[string]string{
			"window_start": window.Start.Format(time.RFC3339),
			"window_end":   window.End.Format(time.RFC3339),
		},
	})
	go e.watchScan(req.StudentID, req.ClassID, sampler)
	return window, nil
}

func (e *Engine) watchScan(studentID string, classID uint32, sampler *warmscan.Sampler) {
	<-sampler.Done()
	e.updateScanGauge()
	st := sampler.Stats()
	e.emit(context.Background(), model.StatusEvent{
		Type:      events.TypeWarmScanStopped,
		StudentID: studentID,
		ClassID:   classID,
		Detail: map[string]string{
			"samples":   fmt.Sprint(st.Samples),
			"partial":   fmt.Sprint(st.Partial),
			"timeouts":  fmt.Sprint(st.Timeouts),
			"errors":    fmt.Sprint(st.Errors),
			"discarded": fmt.Sprint(st.Discarded),
		},
	})
}

// StopWarmScan cancels the student's warm scan. Stopping a finished scan
// is a no-op; the buffered samples stay readable.
func (e *Engine) StopWarmScan(studentID string) error {
	s := e.session(studentID)
	if s == nil {
		return ErrNoWarmScan
	}
	s.sampler.Stop()
	return nil
}

func (e *Engine) LatestSample(studentID string) (model.SensorSample, bool) {
	s := e.session(studentID)
	if s == nil {
		return model.SensorSample{}, false
	}
	return s.sampler.Latest()
}

func (e *Engine) Samples(studentID string) []model.SensorSample {
	s := e.session(studentID)
	if s == nil {
		return nil
	}
	return s.sampler.All()
}

func (e *Engine) WarmScanStats(studentID string) (warmscan.Stats, warmscan.Window, bool) {
	s := e.session(studentID)
	if s == nil {
		return warmscan.Stats{}, warmscan.Window{}, false
	}
	return s.sampler.Stats(), s.sampler.Window(), true
}

// Stop cancels every warm scan.
func (e *Engine) Stop() {
	e.mu.Lock()
	sessions := make([]*scanSession, 0, len(e.scans))
	for _, s := range e.scans {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()
	for _, s := range sessions {
		s.sampler.Stop()
	}
}

func (e *Engine) session(studentID string) *scanSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scans[studentID]
}

func (e *Engine) updateScanGauge() {
	e.mu.Lock()
	running := 0
	for _, s := range e.scans {
		if s.sampler.Running() {
			running++
		}
	}
	e.mu.Unlock()
	e.prom.SetWarmScans(running)
}
