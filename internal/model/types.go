package model

import (
	"time"

	"presenceguard/internal/beacon"
)

type Verdict string

const (
	VerdictAccept Verdict = "accept"
	VerdictReject Verdict = "reject"
)

// Factor names one reason a verification scored low or was rejected.
type Factor string

const (
	FactorGPSMissing          Factor = "gps_missing"
	FactorGPSOutsideGeofence  Factor = "gps_outside_geofence"
	FactorGPSAccuracyPoor     Factor = "gps_accuracy_poor"
	FactorWiFiMissing         Factor = "wifi_missing"
	FactorWiFiSSIDOnly        Factor = "wifi_ssid_only"
	FactorWiFiUnknownNetwork  Factor = "wifi_unknown_network"
	FactorWiFiNoReference     Factor = "wifi_no_reference_networks"
	FactorBluetoothMissing    Factor = "bluetooth_missing"
	FactorBluetoothNoMatch    Factor = "bluetooth_no_matching_beacon"
	FactorBluetoothSignature  Factor = "bluetooth_signature_invalid"
	FactorBluetoothExpired    Factor = "bluetooth_token_expired"
	FactorBluetoothOutOfRange Factor = "bluetooth_out_of_range"
	FactorBelowThreshold      Factor = "confidence_below_threshold"
	FactorBeaconNotValidated  Factor = "beacon_not_validated"
	FactorDeviceIneligible    Factor = "device_ineligible"
)

type GPSFix struct {
	Latitude       float64 `json:"lat"`
	Longitude      float64 `json:"lon"`
	AccuracyMeters float64 `json:"accuracy_m"`
}

type WiFiAssociation struct {
	SSID  string `json:"ssid"`
	BSSID string `json:"bssid"`
	RSSI  int    `json:"rssi"`
}

// BluetoothReading is one scanned address after smoothing and decoding.
// Beacon is set only when the advertisement decoded and verified;
// BeaconError carries the codec failure otherwise, with ClaimedClassID
// set when the payload still decoded.
type BluetoothReading struct {
	Address        string                `json:"address"`
	RSSI           int                   `json:"rssi"`
	SmoothedRSSI   float64               `json:"smoothed_rssi"`
	Beacon         *beacon.Advertisement `json:"beacon,omitempty"`
	BeaconError    string                `json:"beacon_error,omitempty"`
	ClaimedClassID uint32                `json:"claimed_class_id,omitempty"`
}

// ScanResult is one raw Bluetooth observation as reported by a collector.
type ScanResult struct {
	Address string `json:"address"`
	RSSI    int    `json:"rssi"`
	Payload []byte `json:"payload,omitempty"`
}

type Signal string

const (
	SignalGPS       Signal = "gps"
	SignalWiFi      Signal = "wifi"
	SignalBluetooth Signal = "bluetooth"
)

// SignalFault records a collector failure for one signal of a sample. The
// signal is usually absent; a failed escalated Bluetooth scan keeps the
// probe readings.
type SignalFault struct {
	Signal Signal `json:"signal"`
	Reason string `json:"reason"`
}

type SensorSample struct {
	Timestamp time.Time          `json:"timestamp"`
	GPS       *GPSFix            `json:"gps,omitempty"`
	WiFi      *WiFiAssociation   `json:"wifi,omitempty"`
	Bluetooth []BluetoothReading `json:"bluetooth,omitempty"`
	Faults    []SignalFault      `json:"faults,omitempty"`
}

// Partial reports whether any signal is missing from the sample.
func (s SensorSample) Partial() bool {
	return s.GPS == nil || s.WiFi == nil || len(s.Bluetooth) == 0
}

// Empty reports whether there is nothing to fuse.
func (s SensorSample) Empty() bool {
	return s.GPS == nil && s.WiFi == nil && len(s.Bluetooth) == 0
}

type Geofence struct {
	Latitude     float64 `json:"lat" yaml:"lat"`
	Longitude    float64 `json:"lon" yaml:"lon"`
	RadiusMeters float64 `json:"radius_m" yaml:"radius_m"`
}

type CampusNetwork struct {
	SSID  string `json:"ssid" yaml:"ssid"`
	BSSID string `json:"bssid" yaml:"bssid"`
}

// Reference is the classroom data a verification is checked against.
type Reference struct {
	ClassID  uint32          `json:"class_id"`
	Geofence *Geofence       `json:"geofence,omitempty"`
	Networks []CampusNetwork `json:"networks,omitempty"`
}

type VerificationScore struct {
	ID                  string    `json:"id"`
	StudentID           string    `json:"student_id"`
	ClassID             uint32    `json:"class_id"`
	GPSScore            float64   `json:"gps_score"`
	WiFiScore           float64   `json:"wifi_score"`
	BluetoothScore      float64   `json:"bluetooth_score"`
	FinalConfidence     float64   `json:"final_confidence"`
	Verdict             Verdict   `json:"verdict"`
	ContributingFactors []Factor  `json:"contributing_factors"`
	Proximity           string    `json:"proximity"`
	SampledAt           time.Time `json:"sampled_at"`
	EvaluatedAt         time.Time `json:"evaluated_at"`
}

// HasFactor reports whether f is among the contributing factors.
func (v VerificationScore) HasFactor(f Factor) bool {
	for _, got := range v.ContributingFactors {
		if got == f {
			return true
		}
	}
	return false
}

type ActivationStatus string

const (
	StatusNoDevice             ActivationStatus = ""
	StatusActive               ActivationStatus = "active"
	StatusPendingSwitch        ActivationStatus = "pending_switch"
	StatusCooldownExpiredAwait ActivationStatus = "cooldown_expired_awaiting_approval"
)

type DeviceSwitchRequest struct {
	ID                    string    `json:"id"`
	StudentID             string    `json:"student_id"`
	CurrentDeviceID       string    `json:"current_device_id"`
	RequestedDeviceID     string    `json:"requested_device_id"`
	RequestedAt           time.Time `json:"requested_at"`
	CooldownEndsAt        time.Time `json:"cooldown_ends_at"`
	RequiresAdminApproval bool      `json:"requires_admin_approval"`
}

type DeviceTrustRecord struct {
	StudentID       string               `json:"student_id"`
	PrimaryDeviceID string               `json:"primary_device_id,omitempty"`
	Status          ActivationStatus     `json:"status"`
	CooldownEndsAt  *time.Time           `json:"cooldown_ends_at,omitempty"`
	PendingDeviceID string               `json:"pending_device_id,omitempty"`
	Request         *DeviceSwitchRequest `json:"request,omitempty"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

type DeviceStatus struct {
	StudentID                string           `json:"student_id"`
	State                    ActivationStatus `json:"state"`
	PrimaryDeviceID          string           `json:"primary_device_id,omitempty"`
	PendingDeviceID          string           `json:"pending_device_id,omitempty"`
	IsActive                 bool             `json:"is_active"`
	CanMarkAttendance        bool             `json:"can_mark_attendance"`
	CooldownRemainingSeconds int64            `json:"cooldown_remaining_seconds"`
	RequiresAdminApproval    bool             `json:"requires_admin_approval"`
}

type TransitionOutcome string

const (
	OutcomeActivated       TransitionOutcome = "activated"
	OutcomeUnchanged       TransitionOutcome = "unchanged"
	OutcomeSwitchRequested TransitionOutcome = "switch_requested"
	OutcomeSwitchPending   TransitionOutcome = "switch_pending"
	OutcomeSwitchRejected  TransitionOutcome = "switch_in_progress"
	OutcomeApproved        TransitionOutcome = "approved"
	OutcomeDenied          TransitionOutcome = "denied"
	OutcomeAutoActivated   TransitionOutcome = "auto_activated"
)

// TransitionResult is what a login attempt or admin decision produced.
type TransitionResult struct {
	StudentID string               `json:"student_id"`
	DeviceID  string               `json:"device_id,omitempty"`
	Outcome   TransitionOutcome    `json:"outcome"`
	From      ActivationStatus     `json:"from"`
	To        ActivationStatus     `json:"to"`
	Request   *DeviceSwitchRequest `json:"request,omitempty"`
	Status    DeviceStatus         `json:"status"`
	At        time.Time            `json:"at"`
}

// TrustTransition is the audit entry written for every trust record change.
type TrustTransition struct {
	ID        string            `json:"id"`
	StudentID string            `json:"student_id"`
	DeviceID  string            `json:"device_id,omitempty"`
	Outcome   TransitionOutcome `json:"outcome"`
	From      ActivationStatus  `json:"from"`
	To        ActivationStatus  `json:"to"`
	At        time.Time         `json:"at"`
	Context   map[string]string `json:"context,omitempty"`
}

type StatusEvent struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"type"`
	StudentID string            `json:"student_id"`
	ClassID   uint32            `json:"class_id,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}
