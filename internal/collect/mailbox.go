// Package collect adapts readings pushed by a student's device into the
// collector interfaces the warm-scan sampler pulls from.
package collect

import (
	"context"
	"sync"
	"time"

	"presenceguard/internal/model"
	"presenceguard/internal/normalize"
)

const DefaultTTL = time.Minute

type stampedScan struct {
	scan model.ScanResult
	at   time.Time
}

// Mailbox holds the most recent readings for one device. Readings older than
// the TTL are reported as absent.
type Mailbox struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	gps    *model.GPSFix
	gpsAt  time.Time
	wifi   *model.WiFiAssociation
	wifiAt time.Time
	scans  map[string]stampedScan
	notify chan struct{}
}

func NewMailbox(ttl time.Duration) *Mailbox {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Mailbox{
		ttl:    ttl,
		now:    time.Now,
		scans:  make(map[string]stampedScan),
		notify: make(chan struct{}),
	}
}

func (m *Mailbox) WithClock(now func() time.Time) *Mailbox {
	m.now = now
	return m
}

func (m *Mailbox) PushGPS(fix model.GPSFix, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if at.Before(m.gpsAt) {
		return
	}
	m.gps, m.gpsAt = &fix, at
}

func (m *Mailbox) PushWiFi(assoc model.WiFiAssociation, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if at.Before(m.wifiAt) {
		return
	}
	m.wifi, m.wifiAt = &assoc, at
}

// PushBluetooth records scan results and wakes any Scan waiting for them.
func (m *Mailbox) PushBluetooth(scans []model.ScanResult, at time.Time) {
	if len(scans) == 0 {
		return
	}
	m.mu.Lock()
	for _, s := range scans {
		if s.Address == "" {
			continue
		}
		if prev, ok := m.scans[s.Address]; ok && at.Before(prev.at) {
			continue
		}
		m.scans[s.Address] = stampedScan{scan: s, at: at}
	}
	close(m.notify)
	m.notify = make(chan struct{})
	m.mu.Unlock()
}

// Push applies a normalized device snapshot.
func (m *Mailbox) Push(r normalize.Readings) {
	at := r.Timestamp
	if at.IsZero() {
		at = m.now()
	}
	if r.GPS != nil {
		m.PushGPS(*r.GPS, at)
	}
	if r.WiFi != nil {
		m.PushWiFi(*r.WiFi, at)
	}
	if r.HasScan {
		m.PushBluetooth(r.Scans, at)
	}
}

func (m *Mailbox) CurrentFix(context.Context) (*model.GPSFix, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gps == nil || m.stale(m.gpsAt) {
		return nil, nil
	}
	fix := *m.gps
	return &fix, nil
}

func (m *Mailbox) CurrentAssociation(context.Context) (*model.WiFiAssociation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.wifi == nil || m.stale(m.wifiAt) {
		return nil, nil
	}
	assoc := *m.wifi
	return &assoc, nil
}

// Scan returns fresh scan results. With none buffered it waits up to
// duration for the device to push some.
func (m *Mailbox) Scan(ctx context.Context, duration time.Duration) ([]model.ScanResult, error) {
	m.mu.Lock()
	out := m.fresh()
	wait := m.notify
	m.mu.Unlock()
	if len(out) > 0 || duration <= 0 {
		return out, nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case <-wait:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fresh(), nil
}

func (m *Mailbox) fresh() []model.ScanResult {
	out := make([]model.ScanResult, 0, len(m.scans))
	for addr, s := range m.scans {
		if m.stale(s.at) {
			delete(m.scans, addr)
			continue
		}
		out = append(out, s.scan)
	}
	return out
}

func (m *Mailbox) stale(at time.Time) bool {
	return m.now().Sub(at) > m.ttl
}

// Mailboxes keys one mailbox per student.
type Mailboxes struct {
	mu    sync.Mutex
	ttl   time.Duration
	boxes map[string]*Mailbox
}

func NewMailboxes(ttl time.Duration) *Mailboxes {
	return &Mailboxes{ttl: ttl, boxes: make(map[string]*Mailbox)}
}

func (m *Mailboxes) Get(studentID string) *Mailbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	box, ok := m.boxes[studentID]
	if !ok {
		box = NewMailbox(m.ttl)
		m.boxes[studentID] = box
	}
	return box
}

func (m *Mailboxes) Remove(studentID string) {
	m.mu.Lock()
	delete(m.boxes, studentID)
	m.mu.Unlock()
}

