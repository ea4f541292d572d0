package normalize

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSnapshotWithAliases(t *testing.T) {
	var obj map[string]any
	raw := `{
		"Timestamp": "2026-03-02T08:55:00Z",
		"location": {"latitude": 12.97, "lng": "77.59", "accuracy": 8},
		"wifi": {"ssid": "CampusNet", "bssid": "aa-bb-cc-dd-ee-ff", "rssi": -61},
		"ble": [{"addr": "c0:ff:ee:00:00:01", "rssi": -58, "payload": "0x0101"}]
	}`
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	r, err := Snapshot(obj, nil)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !r.Timestamp.Equal(time.Date(2026, 3, 2, 8, 55, 0, 0, time.UTC)) {
		t.Fatalf("timestamp: %v", r.Timestamp)
	}
	if r.GPS == nil || r.GPS.Longitude != 77.59 || r.GPS.AccuracyMeters != 8 {
		t.Fatalf("gps: %+v", r.GPS)
	}
	if r.WiFi == nil || r.WiFi.BSSID != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("wifi: %+v", r.WiFi)
	}
	if !r.HasScan || len(r.Scans) != 1 || r.Scans[0].RSSI != -58 || len(r.Scans[0].Payload) != 2 {
		t.Fatalf("scans: %+v", r.Scans)
	}
}

func TestSnapshotMissingSignals(t *testing.T) {
	r, err := Snapshot(map[string]any{"ts": "1772441700000"}, nil)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if r.GPS != nil || r.WiFi != nil || r.HasScan {
		t.Fatalf("expected no signals: %+v", r)
	}
	if r.Timestamp.UnixMilli() != 1772441700000 {
		t.Fatalf("unix ms timestamp: %v", r.Timestamp)
	}
}

func TestSnapshotRejectsBadGPS(t *testing.T) {
	if _, err := Snapshot(map[string]any{"gps": map[string]any{"lat": 1.0}}, nil); err == nil {
		t.Fatalf("expected error for gps without lon")
	}
}

func TestBSSID(t *testing.T) {
	cases := map[string]string{
		"aa:bb:cc:dd:ee:ff": "AA:BB:CC:DD:EE:FF",
		"AABB.CCDD.EEFF":    "AA:BB:CC:DD:EE:FF",
		"  ":                "",
		"abc":               "ABC",
	}
	for in, want := range cases {
		if got := BSSID(in); got != want {
			t.Fatalf("BSSID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPayload(t *testing.T) {
	b, err := Payload("01:02:ff")
	if err != nil || len(b) != 3 || b[2] != 0xff {
		t.Fatalf("hex payload: %v %v", b, err)
	}
	b, err = Payload("AQL/")
	if err != nil || len(b) != 3 || b[0] != 0x01 {
		t.Fatalf("base64 payload: %v %v", b, err)
	}
	if _, err := Payload("zz!"); err == nil {
		t.Fatalf("expected error")
	}
}
