// Package normalize turns loosely-typed sensor readings pushed by devices
// into the collector types used by the sampler and scorer.
package normalize

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"presenceguard/internal/model"
)

// Readings is one device snapshot after normalization.
type Readings struct {
	Timestamp time.Time
	GPS       *model.GPSFix
	WiFi      *model.WiFiAssociation
	Scans     []model.ScanResult
	// HasScan distinguishes "scanned, heard nothing" from "no scan data".
	HasScan bool
}

// Snapshot normalizes a decoded JSON object. Field names are matched case
// insensitively against common aliases.
func Snapshot(obj map[string]any, loc *time.Location) (Readings, error) {
	if loc == nil {
		loc = time.UTC
	}
	fields := lowerKeys(obj)
	out := Readings{Timestamp: time.Now().UTC()}
	if ts := firstString(fields, "timestamp", "time", "ts", "captured_at"); ts != "" {
		parsed, err := ParseTimestamp(ts, loc)
		if err != nil {
			return Readings{}, fmt.Errorf("parse timestamp: %w", err)
		}
		out.Timestamp = parsed.UTC()
	}
	if raw, ok := firstMap(fields, "gps", "location", "fix"); ok {
		fix, err := gpsFix(raw)
		if err != nil {
			return Readings{}, fmt.Errorf("gps: %w", err)
		}
		out.GPS = fix
	}
	if raw, ok := firstMap(fields, "wifi", "wi_fi", "network"); ok {
		out.WiFi = wifiAssociation(raw)
	}
	if list, ok := firstList(fields, "bluetooth", "ble", "beacons", "scan"); ok {
		out.HasScan = true
		for i, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return Readings{}, fmt.Errorf("bluetooth[%d]: expected object", i)
			}
			res, err := scanResult(m)
			if err != nil {
				return Readings{}, fmt.Errorf("bluetooth[%d]: %w", i, err)
			}
			out.Scans = append(out.Scans, res)
		}
	}
	return out, nil
}

func gpsFix(obj map[string]any) (*model.GPSFix, error) {
	f := lowerKeys(obj)
	lat, okLat := firstFloat(f, "lat", "latitude")
	lon, okLon := firstFloat(f, "lon", "lng", "longitude")
	if !okLat || !okLon {
		return nil, errors.New("lat and lon required")
	}
	acc, _ := firstFloat(f, "accuracy_m", "accuracy", "accuracy_meters")
	return &model.GPSFix{Latitude: lat, Longitude: lon, AccuracyMeters: math.Abs(acc)}, nil
}

func wifiAssociation(obj map[string]any) *model.WiFiAssociation {
	f := lowerKeys(obj)
	ssid := firstString(f, "ssid", "network_name")
	if ssid == "" {
		return nil
	}
	rssi, _ := firstFloat(f, "rssi", "signal", "level")
	return &model.WiFiAssociation{
		SSID:  ssid,
		BSSID: BSSID(firstString(f, "bssid", "mac", "ap")),
		RSSI:  int(math.Round(rssi)),
	}
}

func scanResult(obj map[string]any) (model.ScanResult, error) {
	f := lowerKeys(obj)
	addr := strings.ToUpper(firstString(f, "address", "addr", "mac"))
	if addr == "" {
		return model.ScanResult{}, errors.New("address required")
	}
	rssi, ok := firstFloat(f, "rssi", "signal")
	if !ok {
		return model.ScanResult{}, errors.New("rssi required")
	}
	res := model.ScanResult{Address: addr, RSSI: int(math.Round(rssi))}
	if p := firstString(f, "payload", "advertisement", "data"); p != "" {
		b, err := Payload(p)
		if err != nil {
			return model.ScanResult{}, err
		}
		res.Payload = b
	}
	return res, nil
}

// BSSID canonicalizes a MAC address to upper-case colon form. Values that are
// not six octets are returned as bare upper-case hex.
func BSSID(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'F':
			b.WriteRune(r)
		case r >= 'a' && r <= 'f':
			b.WriteRune(r - 'a' + 'A')
		}
	}
	digits := b.String()
	if len(digits) != 12 {
		return digits
	}
	parts := make([]string, 0, 6)
	for i := 0; i < 12; i += 2 {
		parts = append(parts, digits[i:i+2])
	}
	return strings.Join(parts, ":")
}

// Payload decodes advertisement bytes given as hex (optionally 0x-prefixed or
// separated by ':' / '-' / spaces) or standard base64.
func Payload(value string) ([]byte, error) {
	v := strings.TrimSpace(value)
	v = strings.TrimPrefix(strings.TrimPrefix(v, "0x"), "0X")
	cleaned := strings.NewReplacer(":", "", "-", "", " ", "").Replace(v)
	if len(cleaned)%2 == 0 && isHex(cleaned) {
		return hex.DecodeString(cleaned)
	}
	if b, err := base64.StdEncoding.DecodeString(v); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(v); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("payload is neither hex nor base64")
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F') {
			return false
		}
	}
	return true
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}

func lowerKeys(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			s = fmt.Sprint(t)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func firstFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch t := m[k].(type) {
		case float64:
			return t, true
		case int:
			return float64(t), true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func firstMap(m map[string]any, keys ...string) (map[string]any, bool) {
	for _, k := range keys {
		if v, ok := m[k].(map[string]any); ok {
			return v, true
		}
	}
	return nil, false
}

func firstList(m map[string]any, keys ...string) ([]any, bool) {
	for _, k := range keys {
		if v, ok := m[k].([]any); ok {
			return v, true
		}
	}
	return nil, false
}
