// Package engine is the attendance verification and device trust core. It
// resolves classroom reference data, consults device trust, fuses sensor
// evidence and records every decision.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"presenceguard/internal/collect"
	"presenceguard/internal/config"
	"presenceguard/internal/events"
	"presenceguard/internal/fusion"
	"presenceguard/internal/metrics"
	"presenceguard/internal/model"
	"presenceguard/internal/normalize"
	"presenceguard/internal/rssi"
	"presenceguard/internal/storage"
	"presenceguard/internal/trust"
	"presenceguard/internal/warmscan"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNoSample       = errors.New("no warm-scan sample available")
	ErrNoWarmScan     = errors.New("no warm scan for student")
)

// Deps are the collaborators an Engine records to. Nil fields get in-memory
// defaults; Store may stay nil when persistence is disabled.
type Deps struct {
	Logger     *slog.Logger
	Metrics    *metrics.Store
	Prometheus *metrics.Collectors
	Events     *events.Store
	Publisher  events.Publisher
	Store      storage.Store
	TrustStore trust.Store
	Mailboxes  *collect.Mailboxes
	// CollectorsFor overrides the per-student sensor sources; the default
	// reads the student's mailbox.
	CollectorsFor func(studentID string) warmscan.Collectors
}

type Engine struct {
	logger    *slog.Logger
	metrics   *metrics.Store
	prom      *metrics.Collectors
	events    *events.Store
	publisher events.Publisher
	store     storage.Store
	trust     *trust.Manager
	mailboxes *collect.Mailboxes
	collectFn func(string) warmscan.Collectors

	cfg    atomic.Value
	refs   atomic.Value
	scorer atomic.Value

	mu    sync.Mutex
	scans map[string]*scanSession
	base  context.Context

	deDupe  *DedupeCache
	started time.Time
	now     func() time.Time
}

type VerifyRequest struct {
	StudentID    string             `json:"student_id"`
	ClassID      uint32             `json:"class_id"`
	SessionToken *uint32            `json:"session_token,omitempty"`
	Sample       model.SensorSample `json:"sample"`
}

func NewEngine(cfg *config.Config, deps Deps) *Engine {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewStore(cfg.Metrics.StoreLimit)
	}
	if deps.Events == nil {
		deps.Events = events.NewStore(cfg.Events.StoreLimit)
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	if deps.TrustStore == nil {
		deps.TrustStore = trust.NewMemoryStore(0)
	}
	if deps.Mailboxes == nil {
		deps.Mailboxes = collect.NewMailboxes(cfg.WarmScan.ReadingTTL)
	}
	e := &Engine{
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		prom:      deps.Prometheus,
		events:    deps.Events,
		publisher: deps.Publisher,
		store:     deps.Store,
		trust:     trust.NewManager(deps.TrustStore, policyFromConfig(cfg), deps.Logger),
		mailboxes: deps.Mailboxes,
		collectFn: deps.CollectorsFor,
		scans:     make(map[string]*scanSession),
		base:      context.Background(),
		deDupe:    NewDedupeCache(),
		started:   time.Now().UTC(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	if e.collectFn == nil {
		e.collectFn = e.mailboxCollectors
	}
	e.trust.OnTransition(e.recordTransition)
	e.apply(cfg)
	return e
}

// WithClock replaces the engine clock, including the trust manager's.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.trust.WithClock(now)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.apply(cfg)
	e.trust.SetPolicy(policyFromConfig(cfg))
}

func (e *Engine) apply(cfg *config.Config) {
	e.cfg.Store(cfg)
	e.refs.Store(buildCatalog(cfg))
	e.scorer.Store(fusion.NewScorer(fusion.ParamsFromConfig(cfg), fusion.ClassifierFromConfig(cfg)))
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) fusionScorer() *fusion.Scorer {
	return e.scorer.Load().(*fusion.Scorer).WithClock(e.now)
}

func policyFromConfig(cfg *config.Config) trust.Policy {
	return trust.Policy{Cooldown: cfg.Trust.Cooldown, RequireAdminApproval: cfg.Trust.RequireAdminApproval}
}

// Start binds background work such as warm scans to ctx.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.base = ctx
	e.mu.Unlock()
}

func (e *Engine) Started() time.Time {
	return e.started
}

// Verify scores one sample for a student in a class and records the result.
// Beacons are re-verified from their raw payload, so a sample built outside
// the codec cannot vouch for itself. A repeat of the same request inside the
// dedupe window returns the earlier decision while the student's device
// eligibility is unchanged.
func (e *Engine) Verify(ctx context.Context, req VerifyRequest) (model.VerificationScore, error) {
	if req.StudentID == "" || req.ClassID == 0 {
		return model.VerificationScore{}, fmt.Errorf("%w: student_id and class_id are required", ErrInvalidRequest)
	}
	cfg := e.config()
	now := e.now()
	status, err := e.trust.Status(ctx, req.StudentID)
	if err != nil {
		return model.VerificationScore{}, err
	}
	req.Sample = warmscan.VerifyBeacons(req.Sample, e.codec(cfg))
	key := verificationKey(req, status)
	if window := cfg.Scoring.DedupeWindow; window > 0 {
		if prev, ok := e.deDupe.Lookup(key, now, window); ok {
			return prev, nil
		}
	}

	ref, err := e.Reference(ctx, req.ClassID)
	if err != nil {
		return model.VerificationScore{}, err
	}
	score, err := e.fusionScorer().Score(req.Sample, fusion.Input{
		Reference:     ref,
		SessionTokens: e.sessionTokens(cfg, req.ClassID, req.SessionToken, now),
		Eligibility:   fusion.Eligibility{CanMarkAttendance: status.CanMarkAttendance, State: status.State},
	})
	if err != nil {
		return model.VerificationScore{}, err
	}
	score.ID = uuid.NewString()
	score.StudentID = req.StudentID
	if window := cfg.Scoring.DedupeWindow; window > 0 {
		e.deDupe.Remember(key, score, now, window)
	}
	e.recordVerification(ctx, score)
	return score, nil
}

// VerifyLatest verifies the most recent warm-scan sample for the student.
func (e *Engine) VerifyLatest(ctx context.Context, studentID string, classID uint32, token *uint32) (model.VerificationScore, error) {
	sample, ok := e.LatestSample(studentID)
	if !ok {
		return model.VerificationScore{}, ErrNoSample
	}
	if classID == 0 {
		if s := e.session(studentID); s != nil {
			classID = s.classID
		}
	}
	return e.Verify(ctx, VerifyRequest{StudentID: studentID, ClassID: classID, SessionToken: token, Sample: sample})
}

// AssembleSample turns device readings into a sample for classID, smoothing
// through the student's warm-scan tracker when one is active.
func (e *Engine) AssembleSample(studentID string, classID uint32, r normalize.Readings) model.SensorSample {
	cfg := e.config()
	tracker := rssi.NewTracker(rssi.NewSmoother(cfg.Smoothing.Alpha))
	if s := e.session(studentID); s != nil && s.classID == classID {
		tracker = s.tracker
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	return warmscan.Assemble(ts, r.GPS, r.WiFi, r.Scans, tracker, e.codec(cfg))
}

// PushReadings stores device readings for the student's collectors.
func (e *Engine) PushReadings(studentID string, r normalize.Readings) {
	e.mailboxes.Get(studentID).Push(r)
}

func (e *Engine) DeviceStatus(ctx context.Context, studentID string) (model.DeviceStatus, error) {
	return e.trust.Status(ctx, studentID)
}

// AttemptLogin runs the device trust transition for a login. The optional
// login-time sample is attached to the emitted event for auditing.
func (e *Engine) AttemptLogin(ctx context.Context, studentID, deviceID string, sample *model.SensorSample) (model.TransitionResult, error) {
	res, err := e.trust.AttemptLogin(ctx, studentID, deviceID)
	if err != nil {
		return res, err
	}
	if res.Outcome == model.OutcomeSwitchRejected || res.Outcome == model.OutcomeSwitchPending {
		detail := map[string]string{"outcome": string(res.Outcome), "device_id": deviceID}
		for k, v := range sampleDetail(sample) {
			detail[k] = v
		}
		e.emit(ctx, model.StatusEvent{Type: events.TypeTrustTransition, StudentID: studentID, Detail: detail})
	}
	return res, nil
}

func (e *Engine) Approve(ctx context.Context, studentID string) (model.TransitionResult, error) {
	return e.trust.Approve(ctx, studentID)
}

func (e *Engine) Deny(ctx context.Context, studentID string) (model.TransitionResult, error) {
	return e.trust.Deny(ctx, studentID)
}

func (e *Engine) TrustRecord(ctx context.Context, studentID string) (model.DeviceTrustRecord, error) {
	return e.trust.Record(ctx, studentID)
}

func (e *Engine) Metrics() *metrics.Store {
	return e.metrics
}

func (e *Engine) Events() *events.Store {
	return e.events
}

func (e *Engine) Store() storage.Store {
	return e.store
}

func (e *Engine) recordVerification(ctx context.Context, score model.VerificationScore) {
	e.metrics.Update(score)
	e.prom.ObserveVerification(score)
	if e.logger != nil {
		level := slog.LevelInfo
		if score.Verdict == model.VerdictReject {
			level = slog.LevelWarn
		}
		e.logger.Log(ctx, level, "verification scored",
			"student_id", score.StudentID,
			"class_id", score.ClassID,
			"verdict", score.Verdict,
			"confidence", score.FinalConfidence,
			"factors", score.ContributingFactors,
		)
	}
	if e.store != nil {
		if err := e.store.SaveVerification(ctx, score); err != nil && e.logger != nil {
			e.logger.Warn("save verification failed", "student_id", score.StudentID, "err", err)
		}
	}
	factors := ""
	if len(score.ContributingFactors) > 0 {
		data, _ := json.Marshal(score.ContributingFactors)
		factors = string(data)
	}
	e.emit(ctx, model.StatusEvent{
		Type:      events.TypeVerification,
		StudentID: score.StudentID,
		ClassID:   score.ClassID,
		Detail: map[string]string{
			"verification_id": score.ID,
			"verdict":         string(score.Verdict),
			"confidence":      strconv.FormatFloat(score.FinalConfidence, 'f', 4, 64),
			"factors":         factors,
		},
	})
}

func (e *Engine) recordTransition(t model.TrustTransition) {
	e.prom.ObserveTransition(t)
	detail := map[string]string{
		"outcome":   string(t.Outcome),
		"from":      string(t.From),
		"to":        string(t.To),
		"device_id": t.DeviceID,
	}
	for k, v := range t.Context {
		detail[k] = v
	}
	e.emit(context.Background(), model.StatusEvent{Type: events.TypeTrustTransition, StudentID: t.StudentID, Detail: detail})
}

func (e *Engine) emit(ctx context.Context, ev model.StatusEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	e.events.Add(ev)
	_ = e.publisher.Publish(ctx, ev)
}

func sampleDetail(sample *model.SensorSample) map[string]string {
	if sample == nil {
		return nil
	}
	out := map[string]string{
		"login_gps":       strconv.FormatBool(sample.GPS != nil),
		"login_bluetooth": strconv.Itoa(len(sample.Bluetooth)),
	}
	if sample.WiFi != nil {
		out["login_ssid"] = sample.WiFi.SSID
	}
	return out
}

// verificationKey identifies a request together with the device trust state
// it was scored under.
func verificationKey(req VerifyRequest, status model.DeviceStatus) string {
	token := ""
	if req.SessionToken != nil {
		token = strconv.FormatUint(uint64(*req.SessionToken), 10)
	}
	sample, _ := json.Marshal(req.Sample)
	h := sha256.New()
	h.Write([]byte(req.StudentID + "|" + strconv.FormatUint(uint64(req.ClassID), 10) + "|" + token + "|"))
	h.Write([]byte(string(status.State) + "|" + status.PrimaryDeviceID + "|" + strconv.FormatBool(status.CanMarkAttendance) + "|"))
	h.Write(sample)
	return hex.EncodeToString(h.Sum(nil))
}
