// Package fusion combines GPS, Wi-Fi and Bluetooth evidence into a single
// explainable attendance verdict.
package fusion

import (
	"errors"
	"math"
	"time"

	"presenceguard/internal/beacon"
	"presenceguard/internal/config"
	"presenceguard/internal/geo"
	"presenceguard/internal/model"
	"presenceguard/internal/normalize"
	"presenceguard/internal/proximity"
)

var (
	ErrIncompleteSample     = errors.New("sample has no signals to fuse")
	ErrReferenceUnavailable = errors.New("classroom reference data unavailable")
)

type Weights struct {
	GPS       float64
	WiFi      float64
	Bluetooth float64
}

type TierScores struct {
	VeryNear float64
	Good     float64
	Fair     float64
}

type Params struct {
	Weights              Weights
	Threshold            float64
	SSIDOnlyCredit       float64
	TierScores           TierScores
	MaxGPSAccuracyMeters float64
}

func DefaultParams() Params {
	return Params{
		Weights:              Weights{GPS: 0.3, WiFi: 0.3, Bluetooth: 0.4},
		Threshold:            0.85,
		SSIDOnlyCredit:       0.5,
		TierScores:           TierScores{VeryNear: 1.0, Good: 0.7, Fair: 0.4},
		MaxGPSAccuracyMeters: 100,
	}
}

func ParamsFromConfig(cfg *config.Config) Params {
	s := cfg.Scoring
	return Params{
		Weights:              Weights{GPS: s.Weights.GPS, WiFi: s.Weights.WiFi, Bluetooth: s.Weights.Bluetooth},
		Threshold:            s.Threshold,
		SSIDOnlyCredit:       s.SSIDOnlyCredit,
		TierScores:           TierScores{VeryNear: s.TierScores.VeryNear, Good: s.TierScores.Good, Fair: s.TierScores.Fair},
		MaxGPSAccuracyMeters: s.MaxGPSAccuracyMeters,
	}
}

func ClassifierFromConfig(cfg *config.Config) proximity.Classifier {
	return proximity.Classifier{VeryNear: cfg.Proximity.VeryNear, Good: cfg.Proximity.Good, Fair: cfg.Proximity.Fair}
}

// Eligibility is the device-trust answer for the student being verified.
type Eligibility struct {
	CanMarkAttendance bool
	State             model.ActivationStatus
}

type Input struct {
	Reference model.Reference
	// SessionTokens lists the tokens accepted for the active session; empty
	// means any token that survived codec verification is accepted.
	SessionTokens []uint32
	Eligibility   Eligibility
}

// Scorer is stateless after construction and safe for concurrent use.
type Scorer struct {
	params     Params
	classifier proximity.Classifier
	now        func() time.Time
}

func NewScorer(params Params, classifier proximity.Classifier) *Scorer {
	w := params.Weights
	if w.GPS < 0 || w.WiFi < 0 || w.Bluetooth < 0 || w.GPS+w.WiFi+w.Bluetooth <= 0 {
		params.Weights = DefaultParams().Weights
	}
	if params.Threshold <= 0 {
		params.Threshold = DefaultParams().Threshold
	}
	return &Scorer{params: params, classifier: classifier, now: time.Now}
}

func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	cp := *s
	cp.now = now
	return &cp
}

func (s *Scorer) Params() Params {
	return s.params
}

func (s *Scorer) Score(sample model.SensorSample, in Input) (model.VerificationScore, error) {
	if sample.Empty() {
		return model.VerificationScore{}, ErrIncompleteSample
	}
	if in.Reference.Geofence == nil {
		return model.VerificationScore{}, ErrReferenceUnavailable
	}
	var factors []model.Factor

	gps, f := s.scoreGPS(sample.GPS, *in.Reference.Geofence)
	factors = append(factors, f...)
	wifi, f := s.scoreWiFi(sample.WiFi, in.Reference.Networks)
	factors = append(factors, f...)
	bt, tier, validated, f := s.scoreBluetooth(sample.Bluetooth, in.Reference.ClassID, in.SessionTokens)
	factors = append(factors, f...)

	w := s.params.Weights
	final := (w.GPS*gps + w.WiFi*wifi + w.Bluetooth*bt) / (w.GPS + w.WiFi + w.Bluetooth)
	final = math.Max(0, math.Min(1, final))

	verdict := model.VerdictAccept
	if final < s.params.Threshold {
		verdict = model.VerdictReject
		factors = append(factors, model.FactorBelowThreshold)
	}
	if !validated {
		verdict = model.VerdictReject
		factors = append(factors, model.FactorBeaconNotValidated)
	}
	if !in.Eligibility.CanMarkAttendance {
		verdict = model.VerdictReject
		factors = append(factors, model.FactorDeviceIneligible)
	}
	if factors == nil {
		factors = []model.Factor{}
	}
	return model.VerificationScore{
		ClassID:             in.Reference.ClassID,
		GPSScore:            gps,
		WiFiScore:           wifi,
		BluetoothScore:      bt,
		FinalConfidence:     final,
		Verdict:             verdict,
		ContributingFactors: factors,
		Proximity:           tier.String(),
		SampledAt:           sample.Timestamp,
		EvaluatedAt:         s.now().UTC(),
	}, nil
}

func (s *Scorer) scoreGPS(fix *model.GPSFix, fence model.Geofence) (float64, []model.Factor) {
	if fix == nil || !geo.ValidCoordinate(fix.Latitude, fix.Longitude) {
		return 0, []model.Factor{model.FactorGPSMissing}
	}
	if limit := s.params.MaxGPSAccuracyMeters; limit > 0 && fix.AccuracyMeters > limit {
		return 0, []model.Factor{model.FactorGPSAccuracyPoor}
	}
	if !geo.Within(fence.Latitude, fence.Longitude, fence.RadiusMeters, fix.Latitude, fix.Longitude, fix.AccuracyMeters) {
		return 0, []model.Factor{model.FactorGPSOutsideGeofence}
	}
	return 1, nil
}

func (s *Scorer) scoreWiFi(assoc *model.WiFiAssociation, networks []model.CampusNetwork) (float64, []model.Factor) {
	if assoc == nil || assoc.SSID == "" {
		return 0, []model.Factor{model.FactorWiFiMissing}
	}
	if len(networks) == 0 {
		return 0, []model.Factor{model.FactorWiFiNoReference}
	}
	bssid := normalize.BSSID(assoc.BSSID)
	ssidMatch := false
	for _, n := range networks {
		if n.SSID != assoc.SSID {
			continue
		}
		ssidMatch = true
		if bssid != "" && normalize.BSSID(n.BSSID) == bssid {
			return 1, nil
		}
	}
	if ssidMatch {
		return s.params.SSIDOnlyCredit, []model.Factor{model.FactorWiFiSSIDOnly}
	}
	return 0, []model.Factor{model.FactorWiFiUnknownNetwork}
}

func (s *Scorer) scoreBluetooth(readings []model.BluetoothReading, classID uint32, tokens []uint32) (float64, proximity.Tier, bool, []model.Factor) {
	if len(readings) == 0 {
		return 0, proximity.OutOfRange, false, []model.Factor{model.FactorBluetoothMissing}
	}
	var best *model.BluetoothReading
	var sawInvalid, sawExpired bool
	for i := range readings {
		r := &readings[i]
		if r.Beacon == nil {
			if r.ClaimedClassID != classID {
				continue
			}
			switch r.BeaconError {
			case beacon.ErrorKind(beacon.ErrInvalidSignature):
				sawInvalid = true
			case beacon.ErrorKind(beacon.ErrExpiredToken):
				sawExpired = true
			}
			continue
		}
		if r.Beacon.ClassID != classID {
			continue
		}
		if len(tokens) > 0 && !containsToken(tokens, r.Beacon.SessionToken) {
			sawExpired = true
			continue
		}
		if best == nil || r.SmoothedRSSI > best.SmoothedRSSI {
			best = r
		}
	}
	if best == nil {
		var factors []model.Factor
		if sawInvalid {
			factors = append(factors, model.FactorBluetoothSignature)
		}
		if sawExpired {
			factors = append(factors, model.FactorBluetoothExpired)
		}
		if len(factors) == 0 {
			factors = append(factors, model.FactorBluetoothNoMatch)
		}
		return 0, proximity.OutOfRange, false, factors
	}
	tier := s.classifier.Classify(best.SmoothedRSSI)
	switch tier {
	case proximity.VeryNear:
		return s.params.TierScores.VeryNear, tier, true, nil
	case proximity.Good:
		return s.params.TierScores.Good, tier, true, nil
	case proximity.Fair:
		return s.params.TierScores.Fair, tier, true, nil
	}
	return 0, tier, true, []model.Factor{model.FactorBluetoothOutOfRange}
}

func containsToken(tokens []uint32, token uint32) bool {
	for _, t := range tokens {
		if t == token {
			return true
		}
	}
	return false
}
