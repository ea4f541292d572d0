package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"presenceguard/internal/beacon"
	"presenceguard/internal/config"
	"presenceguard/internal/events"
	"presenceguard/internal/fusion"
	"presenceguard/internal/logging"
	"presenceguard/internal/model"
	"presenceguard/internal/normalize"
	"presenceguard/internal/storage"
	"presenceguard/internal/warmscan"
)

const (
	testClass  = 4021
	testSecret = "lecture-hall-secret"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Beacon.Secret = testSecret
	cfg.Classrooms = []config.ClassroomConfig{{
		ClassID:      testClass,
		Latitude:     12.9716,
		Longitude:    77.5946,
		RadiusMeters: 60,
		Networks:     []config.NetworkConfig{{SSID: "CampusNet", BSSID: "aa-bb-cc-dd-ee-01"}},
	}}
	cfg.WarmScan.Interval = 10 * time.Millisecond
	cfg.WarmScan.CollectorTimeout = 50 * time.Millisecond
	cfg.WarmScan.ProbeScan = time.Millisecond
	cfg.WarmScan.EscalatedScan = 2 * time.Millisecond
	return cfg
}

func newEngineForTest(cfg *config.Config) *Engine {
	return NewEngine(cfg, Deps{Logger: logging.Discard()})
}

func currentBeacon(t *testing.T, cfg *config.Config) []byte {
	t.Helper()
	rot := beacon.Rotation{Keys: beacon.StaticKeyring{Default: []byte(testSecret)}, Interval: cfg.Beacon.RotationInterval}
	token, ok := rot.Current(testClass, time.Now())
	if !ok {
		t.Fatalf("no rotation token")
	}
	raw, err := beacon.Encode(beacon.Advertisement{ClassID: testClass, SessionToken: token, FacultyID: 11}, []byte(testSecret))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

func strongReadings(t *testing.T, cfg *config.Config) normalize.Readings {
	return normalize.Readings{
		Timestamp: time.Now().UTC(),
		GPS:       &model.GPSFix{Latitude: 12.9716, Longitude: 77.5946, AccuracyMeters: 8},
		WiFi:      &model.WiFiAssociation{SSID: "CampusNet", BSSID: "AA:BB:CC:DD:EE:01", RSSI: -52},
		Scans:     []model.ScanResult{{Address: "C0:FF:EE:00:00:01", RSSI: -45, Payload: currentBeacon(t, cfg)}},
		HasScan:   true,
	}
}

func TestVerifyAcceptsActiveDevice(t *testing.T) {
	cfg := testConfig()
	eng := newEngineForTest(cfg)
	ctx := context.Background()
	if _, err := eng.AttemptLogin(ctx, "s-1", "phone-a", nil); err != nil {
		t.Fatalf("login: %v", err)
	}
	sample := eng.AssembleSample("s-1", testClass, strongReadings(t, cfg))
	score, err := eng.Verify(ctx, VerifyRequest{StudentID: "s-1", ClassID: testClass, Sample: sample})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if score.Verdict != model.VerdictAccept || score.FinalConfidence != 1 {
		t.Fatalf("expected accept, got %v %v %v", score.Verdict, score.FinalConfidence, score.ContributingFactors)
	}
	if score.ID == "" || score.StudentID != "s-1" {
		t.Fatalf("score not stamped: %+v", score)
	}
	if _, _, ok := eng.Metrics().Get("s-1"); !ok {
		t.Fatalf("metrics store not updated")
	}
	var sawVerification bool
	for _, ev := range eng.Events().ForStudent("s-1", 0) {
		if ev.Type == events.TypeVerification && ev.Detail["verdict"] == "accept" {
			sawVerification = true
		}
	}
	if !sawVerification {
		t.Fatalf("verification event missing")
	}
}

func TestVerifyRejectsWithoutTrustedDevice(t *testing.T) {
	cfg := testConfig()
	eng := newEngineForTest(cfg)
	sample := eng.AssembleSample("s-2", testClass, strongReadings(t, cfg))
	score, err := eng.Verify(context.Background(), VerifyRequest{StudentID: "s-2", ClassID: testClass, Sample: sample})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if score.Verdict != model.VerdictReject || !score.HasFactor(model.FactorDeviceIneligible) {
		t.Fatalf("expected device_ineligible rejection, got %v", score.ContributingFactors)
	}
}

func TestVerifyRejectsDuringPendingSwitch(t *testing.T) {
	cfg := testConfig()
	eng := newEngineForTest(cfg)
	ctx := context.Background()
	eng.AttemptLogin(ctx, "s-1", "phone-a", nil)
	res, err := eng.AttemptLogin(ctx, "s-1", "phone-b", nil)
	if err != nil || res.Outcome != model.OutcomeSwitchRequested {
		t.Fatalf("expected switch request, got %+v %v", res, err)
	}
	sample := eng.AssembleSample("s-1", testClass, strongReadings(t, cfg))
	score, _ := eng.Verify(ctx, VerifyRequest{StudentID: "s-1", ClassID: testClass, Sample: sample})
	if score.Verdict != model.VerdictReject || !score.HasFactor(model.FactorDeviceIneligible) {
		t.Fatalf("pending switch must reject, got %+v", score)
	}
	if _, err := eng.Approve(ctx, "s-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	st, _ := eng.DeviceStatus(ctx, "s-1")
	if !st.CanMarkAttendance || st.PrimaryDeviceID != "phone-b" {
		t.Fatalf("unexpected status after approval %+v", st)
	}
}

func TestVerifyUnknownClass(t *testing.T) {
	eng := newEngineForTest(testConfig())
	_, err := eng.Verify(context.Background(), VerifyRequest{
		StudentID: "s-1",
		ClassID:   999,
		Sample:    model.SensorSample{GPS: &model.GPSFix{Latitude: 1, Longitude: 1}},
	})
	if !errors.Is(err, fusion.ErrReferenceUnavailable) {
		t.Fatalf("expected ErrReferenceUnavailable, got %v", err)
	}
	if _, err := eng.Verify(context.Background(), VerifyRequest{ClassID: testClass}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestVerifyDedupesRepeats(t *testing.T) {
	cfg := testConfig()
	eng := newEngineForTest(cfg)
	ctx := context.Background()
	eng.AttemptLogin(ctx, "s-1", "phone-a", nil)
	req := VerifyRequest{StudentID: "s-1", ClassID: testClass, Sample: eng.AssembleSample("s-1", testClass, strongReadings(t, cfg))}
	first, err := eng.Verify(ctx, req)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	second, err := eng.Verify(ctx, req)
	if err != nil {
		t.Fatalf("verify again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected deduped score, got %s and %s", first.ID, second.ID)
	}
}

func TestDedupeDoesNotOutliveTrustChange(t *testing.T) {
	cfg := testConfig()
	eng := newEngineForTest(cfg)
	ctx := context.Background()
	eng.AttemptLogin(ctx, "s-1", "phone-a", nil)
	req := VerifyRequest{StudentID: "s-1", ClassID: testClass, Sample: eng.AssembleSample("s-1", testClass, strongReadings(t, cfg))}
	first, err := eng.Verify(ctx, req)
	if err != nil || first.Verdict != model.VerdictAccept {
		t.Fatalf("expected accept, got %+v %v", first, err)
	}
	res, err := eng.AttemptLogin(ctx, "s-1", "phone-b", nil)
	if err != nil || res.Outcome != model.OutcomeSwitchRequested {
		t.Fatalf("expected switch request, got %+v %v", res, err)
	}
	second, err := eng.Verify(ctx, req)
	if err != nil {
		t.Fatalf("verify after switch: %v", err)
	}
	if second.Verdict != model.VerdictReject || !second.HasFactor(model.FactorDeviceIneligible) {
		t.Fatalf("pending switch must reject the repeated sample, got %v %v", second.Verdict, second.ContributingFactors)
	}
	if second.ID == first.ID {
		t.Fatalf("cached accept returned after trust change")
	}
	if _, err := eng.Deny(ctx, "s-1"); err != nil {
		t.Fatalf("deny: %v", err)
	}
	third, err := eng.Verify(ctx, req)
	if err != nil {
		t.Fatalf("verify after deny: %v", err)
	}
	if third.Verdict != model.VerdictAccept {
		t.Fatalf("expected accept once phone-a is trusted again, got %v", third.ContributingFactors)
	}
}

func TestVerifyIgnoresUnsignedBeacon(t *testing.T) {
	cfg := testConfig()
	eng := newEngineForTest(cfg)
	ctx := context.Background()
	eng.AttemptLogin(ctx, "s-1", "phone-a", nil)
	forged := uint32(12345)
	sample := eng.AssembleSample("s-1", testClass, strongReadings(t, cfg))
	sample.Bluetooth = []model.BluetoothReading{{
		Address:      "C0:FF:EE:00:00:09",
		RSSI:         -40,
		SmoothedRSSI: -40,
		Beacon:       &beacon.Advertisement{Version: beacon.Version1, ClassID: testClass, SessionToken: forged},
	}}
	score, err := eng.Verify(ctx, VerifyRequest{StudentID: "s-1", ClassID: testClass, SessionToken: &forged, Sample: sample})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if score.Verdict != model.VerdictReject || !score.HasFactor(model.FactorBeaconNotValidated) {
		t.Fatalf("beacon without a signed payload must reject, got %v %v", score.Verdict, score.ContributingFactors)
	}
	if score.BluetoothScore != 0 {
		t.Fatalf("expected no bluetooth credit, got %v", score.BluetoothScore)
	}
}

func TestVerifyRechecksTamperedBeacon(t *testing.T) {
	cfg := testConfig()
	eng := newEngineForTest(cfg)
	ctx := context.Background()
	eng.AttemptLogin(ctx, "s-1", "phone-a", nil)
	sample := eng.AssembleSample("s-1", testClass, strongReadings(t, cfg))
	if len(sample.Bluetooth) != 1 || sample.Bluetooth[0].Beacon == nil {
		t.Fatalf("expected a verified beacon, got %+v", sample.Bluetooth)
	}
	raw := append([]byte(nil), sample.Bluetooth[0].Beacon.Raw...)
	raw[len(raw)-1] ^= 0x01
	tampered := *sample.Bluetooth[0].Beacon
	tampered.Raw = raw
	sample.Bluetooth[0].Beacon = &tampered
	score, err := eng.Verify(ctx, VerifyRequest{StudentID: "s-1", ClassID: testClass, Sample: sample})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if score.Verdict != model.VerdictReject || !score.HasFactor(model.FactorBluetoothSignature) {
		t.Fatalf("expected signature rejection, got %v", score.ContributingFactors)
	}
}

func TestExplicitSessionTokenMustMatch(t *testing.T) {
	cfg := testConfig()
	eng := newEngineForTest(cfg)
	ctx := context.Background()
	eng.AttemptLogin(ctx, "s-1", "phone-a", nil)
	other := uint32(12345)
	sample := eng.AssembleSample("s-1", testClass, strongReadings(t, cfg))
	score, err := eng.Verify(ctx, VerifyRequest{StudentID: "s-1", ClassID: testClass, SessionToken: &other, Sample: sample})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if score.Verdict != model.VerdictReject || !score.HasFactor(model.FactorBluetoothExpired) {
		t.Fatalf("expected token mismatch rejection, got %v", score.ContributingFactors)
	}
}

func TestStorageReferenceTakesPrecedence(t *testing.T) {
	store, err := storage.NewSQLite(fmt.Sprintf("file:test_%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	// Stored classroom is far away from the configured one.
	if err := store.SaveReference(ctx, model.Reference{ClassID: testClass, Geofence: &model.Geofence{Latitude: 48.85, Longitude: 2.35, RadiusMeters: 50}}); err != nil {
		t.Fatalf("save reference: %v", err)
	}
	cfg := testConfig()
	eng := NewEngine(cfg, Deps{Store: store})
	ref, err := eng.Reference(ctx, testClass)
	if err != nil {
		t.Fatalf("reference: %v", err)
	}
	if ref.Geofence.Latitude != 48.85 {
		t.Fatalf("expected stored reference, got %+v", ref.Geofence)
	}
	eng.AttemptLogin(ctx, "s-1", "phone-a", nil)
	score, err := eng.Verify(ctx, VerifyRequest{StudentID: "s-1", ClassID: testClass, Sample: eng.AssembleSample("s-1", testClass, strongReadings(t, cfg))})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !score.HasFactor(model.FactorGPSOutsideGeofence) {
		t.Fatalf("expected stored geofence to be used, got %v", score.ContributingFactors)
	}
	saved, err := store.RecentVerifications(ctx, "s-1", 5)
	if err != nil || len(saved) != 1 || saved[0].ID != score.ID {
		t.Fatalf("verification not persisted: %v %v", saved, err)
	}
}

func TestTrustTransitionsBecomeEvents(t *testing.T) {
	eng := newEngineForTest(testConfig())
	ctx := context.Background()
	eng.AttemptLogin(ctx, "s-1", "phone-a", nil)
	eng.AttemptLogin(ctx, "s-1", "phone-b", nil)
	eng.AttemptLogin(ctx, "s-1", "phone-c", &model.SensorSample{WiFi: &model.WiFiAssociation{SSID: "Cafe"}})
	eng.Deny(ctx, "s-1")

	var outcomes []string
	for _, ev := range eng.Events().ForStudent("s-1", 0) {
		if ev.Type == events.TypeTrustTransition {
			outcomes = append(outcomes, ev.Detail["outcome"])
		}
	}
	want := []string{"activated", "switch_requested", "switch_in_progress", "denied"}
	if fmt.Sprint(outcomes) != fmt.Sprint(want) {
		t.Fatalf("outcomes %v, want %v", outcomes, want)
	}
}

type staticCollectors struct {
	readings normalize.Readings
}

func (s staticCollectors) CurrentFix(context.Context) (*model.GPSFix, error) {
	return s.readings.GPS, nil
}

func (s staticCollectors) CurrentAssociation(context.Context) (*model.WiFiAssociation, error) {
	return s.readings.WiFi, nil
}

func (s staticCollectors) Scan(context.Context, time.Duration) ([]model.ScanResult, error) {
	return s.readings.Scans, nil
}

func TestWarmScanFeedsVerifyLatest(t *testing.T) {
	cfg := testConfig()
	src := staticCollectors{readings: strongReadings(t, cfg)}
	eng := NewEngine(cfg, Deps{CollectorsFor: func(string) warmscan.Collectors {
		return warmscan.Collectors{GPS: src, WiFi: src, Bluetooth: src}
	}})
	defer eng.Stop()
	ctx := context.Background()
	eng.AttemptLogin(ctx, "s-1", "phone-a", nil)

	if _, err := eng.VerifyLatest(ctx, "s-1", testClass, nil); !errors.Is(err, ErrNoSample) {
		t.Fatalf("expected ErrNoSample, got %v", err)
	}
	if _, err := eng.StartWarmScan(ctx, WarmScanRequest{StudentID: "s-1", ClassID: testClass, SessionStart: time.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := eng.StartWarmScan(ctx, WarmScanRequest{StudentID: "s-1", ClassID: testClass, SessionStart: time.Now().Add(time.Minute)}); !errors.Is(err, warmscan.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := eng.LatestSample("s-1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no warm-scan sample")
		}
		time.Sleep(5 * time.Millisecond)
	}
	score, err := eng.VerifyLatest(ctx, "s-1", 0, nil)
	if err != nil {
		t.Fatalf("verify latest: %v", err)
	}
	if score.Verdict != model.VerdictAccept {
		t.Fatalf("expected accept from warm sample, got %v", score.ContributingFactors)
	}
	if err := eng.StopWarmScan("s-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := eng.StopWarmScan("s-1"); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if err := eng.StopWarmScan("nobody"); !errors.Is(err, ErrNoWarmScan) {
		t.Fatalf("expected ErrNoWarmScan, got %v", err)
	}
	if len(eng.Samples("s-1")) == 0 {
		t.Fatalf("samples should remain readable after stop")
	}
}

func TestUpdateConfigChangesThreshold(t *testing.T) {
	cfg := testConfig()
	eng := newEngineForTest(cfg)
	ctx := context.Background()
	eng.AttemptLogin(ctx, "s-1", "phone-a", nil)
	readings := strongReadings(t, cfg)
	readings.GPS = nil

	score, _ := eng.Verify(ctx, VerifyRequest{StudentID: "s-1", ClassID: testClass, Sample: eng.AssembleSample("s-1", testClass, readings)})
	if score.Verdict != model.VerdictReject {
		t.Fatalf("0.7 confidence should fail the default threshold")
	}

	next := testConfig()
	next.Scoring.Threshold = 0.6
	next.Scoring.DedupeWindow = 0
	eng.UpdateConfig(next)
	readings.Timestamp = readings.Timestamp.Add(time.Second)
	score, _ = eng.Verify(ctx, VerifyRequest{StudentID: "s-1", ClassID: testClass, Sample: eng.AssembleSample("s-1", testClass, readings)})
	if score.Verdict != model.VerdictAccept {
		t.Fatalf("expected accept under lowered threshold, got %v %v", score.FinalConfidence, score.ContributingFactors)
	}
}
