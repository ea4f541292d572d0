package warmscan

import (
	"sort"
	"time"

	"presenceguard/internal/beacon"
	"presenceguard/internal/model"
	"presenceguard/internal/rssi"
)

// Assemble builds one sample from raw collector output. Each scan result is
// smoothed through tracker and its payload verified by codec; either may be
// nil, in which case raw RSSI is used and payloads are ignored.
func Assemble(ts time.Time, fix *model.GPSFix, assoc *model.WiFiAssociation, scans []model.ScanResult, tracker *rssi.Tracker, codec *beacon.Codec) model.SensorSample {
	sample := model.SensorSample{Timestamp: ts.UTC(), GPS: fix, WiFi: assoc}
	for _, scan := range dedupeScans(scans) {
		reading := model.BluetoothReading{
			Address:      scan.Address,
			RSSI:         scan.RSSI,
			SmoothedRSSI: float64(scan.RSSI),
		}
		if tracker != nil {
			reading.SmoothedRSSI = tracker.Observe(scan.Address, scan.RSSI)
		}
		if len(scan.Payload) > 0 && codec != nil {
			applyBeacon(&reading, scan.Payload, codec)
		}
		sample.Bluetooth = append(sample.Bluetooth, reading)
	}
	return sample
}

// VerifyBeacons re-runs codec over the raw payload of every Bluetooth reading
// in sample and returns a copy. A reading that claims a beacon without the
// raw bytes it was decoded from loses the beacon.
func VerifyBeacons(sample model.SensorSample, codec *beacon.Codec) model.SensorSample {
	if len(sample.Bluetooth) == 0 {
		return sample
	}
	readings := make([]model.BluetoothReading, len(sample.Bluetooth))
	for i, r := range sample.Bluetooth {
		claimed := r.Beacon
		r.Beacon = nil
		if claimed != nil {
			r.BeaconError = beacon.ErrorKind(beacon.ErrMalformedPayload)
			r.ClaimedClassID = 0
			if len(claimed.Raw) > 0 && codec != nil {
				r.BeaconError = ""
				applyBeacon(&r, claimed.Raw, codec)
			}
		}
		readings[i] = r
	}
	sample.Bluetooth = readings
	return sample
}

func applyBeacon(reading *model.BluetoothReading, raw []byte, codec *beacon.Codec) {
	ad, err := codec.Verify(raw)
	if err == nil {
		reading.Beacon = &ad
		return
	}
	reading.BeaconError = beacon.ErrorKind(err)
	reading.ClaimedClassID = ad.ClassID
}

// dedupeScans keeps the last observation per address, ordered by address.
func dedupeScans(scans []model.ScanResult) []model.ScanResult {
	if len(scans) == 0 {
		return nil
	}
	byAddr := make(map[string]model.ScanResult, len(scans))
	for _, s := range scans {
		if s.Address == "" {
			continue
		}
		byAddr[s.Address] = s
	}
	out := make([]model.ScanResult, 0, len(byAddr))
	for _, s := range byAddr {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
