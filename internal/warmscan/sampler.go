// Package warmscan samples sensors periodically ahead of a class session so
// that a verification at scan time has fresh, smoothed readings to score.
package warmscan

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"presenceguard/internal/beacon"
	"presenceguard/internal/config"
	"presenceguard/internal/model"
	"presenceguard/internal/rssi"
)

var (
	ErrAlreadyRunning   = errors.New("warm scan already running")
	ErrWindowElapsed    = errors.New("warm scan window already elapsed")
	ErrCollectorTimeout = errors.New("collector timed out")
)

const (
	FaultTimeout = "collector_timeout"
	FaultError   = "collector_error"
)

type GPSCollector interface {
	CurrentFix(ctx context.Context) (*model.GPSFix, error)
}

type WiFiCollector interface {
	CurrentAssociation(ctx context.Context) (*model.WiFiAssociation, error)
}

type BluetoothCollector interface {
	Scan(ctx context.Context, duration time.Duration) ([]model.ScanResult, error)
}

// Collectors groups the sensor sources; a nil collector yields an absent
// signal every cycle.
type Collectors struct {
	GPS       GPSCollector
	WiFi      WiFiCollector
	Bluetooth BluetoothCollector
}

type Options struct {
	ClassID          uint32
	Interval         time.Duration
	Lead             time.Duration
	Trailing         time.Duration
	Capacity         int
	CollectorTimeout time.Duration
	ProbeScan        time.Duration
	EscalatedScan    time.Duration
}

func OptionsFromConfig(cfg *config.Config, classID uint32) Options {
	w := cfg.WarmScan
	return Options{
		ClassID:          classID,
		Interval:         w.Interval,
		Lead:             w.Lead,
		Trailing:         w.Trailing,
		Capacity:         w.Capacity,
		CollectorTimeout: w.CollectorTimeout,
		ProbeScan:        w.ProbeScan,
		EscalatedScan:    w.EscalatedScan,
	}
}

// Stats counts every cycle outcome so no sample disappears unaccounted.
type Stats struct {
	Cycles     int64     `json:"cycles"`
	Samples    int64     `json:"samples"`
	Partial    int64     `json:"partial"`
	Timeouts   int64     `json:"timeouts"`
	Errors     int64     `json:"errors"`
	Escalated  int64     `json:"escalated"`
	Discarded  int64     `json:"discarded"`
	Evicted    int64     `json:"evicted"`
	LastSample time.Time `json:"last_sample"`
}

type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type Sampler struct {
	opts       Options
	collectors Collectors
	codec      *beacon.Codec
	tracker    *rssi.Tracker
	ring       *Ring
	logger     *slog.Logger
	now        func() time.Time
	registered func(model.BluetoothReading) bool
	onSample   func(model.SensorSample)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	window  Window

	cycles, samples, partial, timeouts, errs, escalated, discarded, evicted atomic.Int64

	lastSample atomic.Value
}

func NewSampler(opts Options, collectors Collectors, codec *beacon.Codec, tracker *rssi.Tracker, logger *slog.Logger) *Sampler {
	def := config.DefaultConfig().WarmScan
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.Capacity <= 0 {
		opts.Capacity = def.Capacity
	}
	if opts.CollectorTimeout <= 0 {
		opts.CollectorTimeout = def.CollectorTimeout
	}
	if opts.ProbeScan <= 0 {
		opts.ProbeScan = def.ProbeScan
	}
	if opts.EscalatedScan < opts.ProbeScan {
		opts.EscalatedScan = opts.ProbeScan
	}
	if tracker == nil {
		tracker = rssi.NewTracker(rssi.NewSmoother(rssi.DefaultAlpha))
	}
	done := make(chan struct{})
	close(done)
	s := &Sampler{
		opts:       opts,
		collectors: collectors,
		codec:      codec,
		tracker:    tracker,
		ring:       NewRing(opts.Capacity),
		logger:     logger,
		now:        time.Now,
		done:       done,
	}
	s.registered = func(r model.BluetoothReading) bool {
		return r.Beacon != nil && r.Beacon.ClassID == s.opts.ClassID
	}
	return s
}

func (s *Sampler) WithClock(now func() time.Time) *Sampler {
	s.now = now
	return s
}

// WithRegistered replaces the predicate deciding whether a probe scan found
// a known beacon; an unsuccessful probe escalates to a long scan.
func (s *Sampler) WithRegistered(fn func(model.BluetoothReading) bool) *Sampler {
	if fn != nil {
		s.registered = fn
	}
	return s
}

// OnSample registers fn to observe every buffered sample.
func (s *Sampler) OnSample(fn func(model.SensorSample)) *Sampler {
	s.onSample = fn
	return s
}

// Start schedules sampling for the window around sessionStart. It returns
// immediately; the loop waits for the window to open, samples at once and
// then every Interval until the window closes, Stop is called, or ctx ends.
func (s *Sampler) Start(ctx context.Context, sessionStart time.Time) error {
	window := Window{Start: sessionStart.Add(-s.opts.Lead), End: sessionStart.Add(s.opts.Trailing)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if !s.now().Before(window.End) {
		return ErrWindowElapsed
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.window = window
	go s.loop(ctx, window, s.done)

	if s.logger != nil {
		s.logger.Info("warm scan scheduled",
			"class_id", s.opts.ClassID,
			"window_start", window.Start,
			"window_end", window.End,
			"interval", s.opts.Interval.String(),
		)
	}
	return nil
}

// Stop cancels sampling and waits for the loop to exit. It is safe to call
// at any time, any number of times.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-done
}

// Done is closed when the current run ends.
func (s *Sampler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sampler) Window() Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

func (s *Sampler) Latest() (model.SensorSample, bool) {
	return s.ring.Latest()
}

func (s *Sampler) All() []model.SensorSample {
	return s.ring.All()
}

func (s *Sampler) Stats() Stats {
	st := Stats{
		Cycles:    s.cycles.Load(),
		Samples:   s.samples.Load(),
		Partial:   s.partial.Load(),
		Timeouts:  s.timeouts.Load(),
		Errors:    s.errs.Load(),
		Escalated: s.escalated.Load(),
		Discarded: s.discarded.Load(),
		Evicted:   s.evicted.Load(),
	}
	if v, ok := s.lastSample.Load().(time.Time); ok {
		st.LastSample = v
	}
	return st
}

func (s *Sampler) loop(ctx context.Context, window Window, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
	}()

	if wait := window.Start.Sub(s.now()); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	end := time.NewTimer(window.End.Sub(s.now()))
	defer end.Stop()

	s.Cycle(ctx)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-end.C:
			if s.logger != nil {
				s.logger.Info("warm scan window closed", "class_id", s.opts.ClassID, "samples", s.samples.Load())
			}
			return
		case <-ticker.C:
			s.Cycle(ctx)
		}
	}
}

// Cycle runs one sampling round and buffers the result. The sample is
// discarded, and counted as such, when ctx ended while collectors ran.
func (s *Sampler) Cycle(ctx context.Context) (model.SensorSample, bool) {
	s.cycles.Add(1)
	sample := s.collect(ctx)
	if ctx.Err() != nil {
		s.discarded.Add(1)
		return model.SensorSample{}, false
	}
	if s.ring.Push(sample) {
		s.evicted.Add(1)
	}
	s.samples.Add(1)
	if sample.Partial() {
		s.partial.Add(1)
	}
	s.lastSample.Store(sample.Timestamp)
	if s.onSample != nil {
		s.onSample(sample)
	}
	return sample, true
}

func (s *Sampler) collect(ctx context.Context) model.SensorSample {
	var (
		g      errgroup.Group
		fix    *model.GPSFix
		assoc  *model.WiFiAssociation
		scans  []model.ScanResult
		faults [3]*model.SignalFault
	)
	if s.collectors.GPS != nil {
		g.Go(func() error {
			v, err := call(ctx, s.opts.CollectorTimeout, s.collectors.GPS.CurrentFix)
			fix, faults[0] = v, s.fault(model.SignalGPS, err)
			return nil
		})
	}
	if s.collectors.WiFi != nil {
		g.Go(func() error {
			v, err := call(ctx, s.opts.CollectorTimeout, s.collectors.WiFi.CurrentAssociation)
			assoc, faults[1] = v, s.fault(model.SignalWiFi, err)
			return nil
		})
	}
	if s.collectors.Bluetooth != nil {
		g.Go(func() error {
			v, err := s.scan(ctx)
			scans, faults[2] = v, s.fault(model.SignalBluetooth, err)
			return nil
		})
	}
	_ = g.Wait()

	sample := Assemble(s.now(), fix, assoc, scans, s.tracker, s.codec)
	for _, f := range faults {
		if f != nil {
			sample.Faults = append(sample.Faults, *f)
		}
	}
	return sample
}

// scan probes briefly and escalates to a long discovery only when the probe
// saw no registered beacon. A failed escalation keeps the probe results and
// still reports the error.
func (s *Sampler) scan(ctx context.Context) ([]model.ScanResult, error) {
	probe, err := s.scanFor(ctx, s.opts.ProbeScan)
	if err != nil {
		return nil, err
	}
	for _, r := range Assemble(time.Time{}, nil, nil, probe, nil, s.codec).Bluetooth {
		if s.registered(r) {
			return probe, nil
		}
	}
	if s.opts.EscalatedScan <= s.opts.ProbeScan {
		return probe, nil
	}
	s.escalated.Add(1)
	long, err := s.scanFor(ctx, s.opts.EscalatedScan)
	if err != nil {
		return probe, err
	}
	return append(probe, long...), nil
}

func (s *Sampler) scanFor(ctx context.Context, d time.Duration) ([]model.ScanResult, error) {
	return call(ctx, d+s.opts.CollectorTimeout, func(ctx context.Context) ([]model.ScanResult, error) {
		return s.collectors.Bluetooth.Scan(ctx, d)
	})
}

func (s *Sampler) fault(signal model.Signal, err error) *model.SignalFault {
	if err == nil {
		return nil
	}
	reason := FaultError
	if errors.Is(err, ErrCollectorTimeout) {
		reason = FaultTimeout
		s.timeouts.Add(1)
	} else {
		s.errs.Add(1)
	}
	if s.logger != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("collector failed", "signal", signal, "reason", reason, "err", err)
	}
	return &model.SignalFault{Signal: signal, Reason: reason}
}

// call bounds fn by timeout even when fn ignores its context. A result that
// arrives after the deadline is dropped.
func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		ch <- result{v, err}
	}()
	var zero T
	select {
	case r := <-ch:
		if r.err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return zero, ErrCollectorTimeout
		}
		return r.v, r.err
	case <-cctx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, ErrCollectorTimeout
	}
}
