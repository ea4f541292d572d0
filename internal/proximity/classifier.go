package proximity

import "math"

// Tier is a discrete proximity bucket; higher values mean more confidence.
type Tier int

const (
	OutOfRange Tier = iota
	Fair
	Good
	VeryNear
)

// NoReading is the sentinel RSSI meaning nothing was heard.
const NoReading = 0.0

func (t Tier) String() string {
	switch t {
	case VeryNear:
		return "very_near"
	case Good:
		return "good"
	case Fair:
		return "fair"
	}
	return "out_of_range"
}

// IsEligible reports whether a tier may count toward attendance.
func IsEligible(t Tier) bool {
	return t != OutOfRange
}

// Classifier maps smoothed RSSI (dBm) to a Tier. Each field is the lower
// bound, inclusive, of its tier.
type Classifier struct {
	VeryNear float64
	Good     float64
	Fair     float64
}

func DefaultClassifier() Classifier {
	return Classifier{VeryNear: -50, Good: -65, Fair: -80}
}

// Classify is monotonic in rssi over negative readings. NoReading (0) and NaN
// are the exception: they mean nothing was heard and classify as OutOfRange,
// below the tier of any real reading.
func (c Classifier) Classify(rssi float64) Tier {
	if rssi == NoReading || math.IsNaN(rssi) {
		return OutOfRange
	}
	switch {
	case rssi >= c.VeryNear:
		return VeryNear
	case rssi >= c.Good:
		return Good
	case rssi >= c.Fair:
		return Fair
	}
	return OutOfRange
}
