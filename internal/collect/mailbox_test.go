package collect

import (
	"context"
	"testing"
	"time"

	"presenceguard/internal/model"
	"presenceguard/internal/normalize"
)

func TestMailboxExpiresStaleReadings(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	box := NewMailbox(time.Minute).WithClock(func() time.Time { return now })
	box.PushGPS(model.GPSFix{Latitude: 1, Longitude: 2}, now.Add(-30*time.Second))
	box.PushWiFi(model.WiFiAssociation{SSID: "CampusNet"}, now.Add(-2*time.Minute))

	fix, err := box.CurrentFix(context.Background())
	if err != nil || fix == nil || fix.Latitude != 1 {
		t.Fatalf("expected fresh fix, got %v %v", fix, err)
	}
	assoc, err := box.CurrentAssociation(context.Background())
	if err != nil || assoc != nil {
		t.Fatalf("expected stale wifi to be absent, got %v", assoc)
	}
}

func TestMailboxIgnoresOlderReadings(t *testing.T) {
	now := time.Now()
	box := NewMailbox(time.Minute)
	box.PushGPS(model.GPSFix{Latitude: 2}, now)
	box.PushGPS(model.GPSFix{Latitude: 1}, now.Add(-time.Second))
	fix, _ := box.CurrentFix(context.Background())
	if fix.Latitude != 2 {
		t.Fatalf("older reading replaced newer one")
	}
}

func TestScanReturnsBufferedResults(t *testing.T) {
	box := NewMailbox(time.Minute)
	box.PushBluetooth([]model.ScanResult{{Address: "AA", RSSI: -50}, {Address: "", RSSI: -10}}, time.Now())
	got, err := box.Scan(context.Background(), time.Second)
	if err != nil || len(got) != 1 || got[0].Address != "AA" {
		t.Fatalf("unexpected scan %v %v", got, err)
	}
}

func TestScanWaitsForPush(t *testing.T) {
	box := NewMailbox(time.Minute)
	go func() {
		time.Sleep(20 * time.Millisecond)
		box.PushBluetooth([]model.ScanResult{{Address: "BB", RSSI: -60}}, time.Now())
	}()
	got, err := box.Scan(context.Background(), 2*time.Second)
	if err != nil || len(got) != 1 || got[0].Address != "BB" {
		t.Fatalf("unexpected scan %v %v", got, err)
	}
}

func TestScanTimesOutEmpty(t *testing.T) {
	box := NewMailbox(time.Minute)
	start := time.Now()
	got, err := box.Scan(context.Background(), 20*time.Millisecond)
	if err != nil || len(got) != 0 {
		t.Fatalf("unexpected scan %v %v", got, err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("scan returned before its duration")
	}
}

func TestPushSnapshot(t *testing.T) {
	box := NewMailbox(time.Minute)
	box.Push(normalize.Readings{
		GPS:     &model.GPSFix{Latitude: 3},
		WiFi:    &model.WiFiAssociation{SSID: "CampusNet"},
		Scans:   []model.ScanResult{{Address: "CC", RSSI: -70}},
		HasScan: true,
	})
	if fix, _ := box.CurrentFix(context.Background()); fix == nil {
		t.Fatalf("gps not applied")
	}
	if got, _ := box.Scan(context.Background(), 0); len(got) != 1 {
		t.Fatalf("scan not applied")
	}
}

func TestMailboxesPerStudent(t *testing.T) {
	boxes := NewMailboxes(time.Minute)
	a := boxes.Get("s-1")
	if boxes.Get("s-1") != a || boxes.Get("s-2") == a {
		t.Fatalf("mailboxes not keyed per student")
	}
	boxes.Remove("s-1")
	if boxes.Get("s-1") == a {
		t.Fatalf("removed mailbox returned again")
	}
}
