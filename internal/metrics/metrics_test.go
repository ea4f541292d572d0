package metrics

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"presenceguard/internal/model"
)

func TestStoreEvictsLeastRecent(t *testing.T) {
	s := NewStore(2)
	for i := 0; i < 3; i++ {
		s.Update(model.VerificationScore{StudentID: fmt.Sprintf("s-%d", i)})
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 students, got %d", s.Len())
	}
	if _, _, ok := s.Get("s-2"); !ok {
		t.Fatalf("newest student evicted")
	}
	s.Update(model.VerificationScore{})
	if s.Len() != 2 {
		t.Fatalf("score without student should be ignored")
	}
}

func TestCollectorsExpose(t *testing.T) {
	c := NewCollectors()
	c.ObserveVerification(model.VerificationScore{
		Verdict:             model.VerdictReject,
		FinalConfidence:     0.15,
		ContributingFactors: []model.Factor{model.FactorGPSMissing, model.FactorBelowThreshold},
	})
	c.ObserveTransition(model.TrustTransition{Outcome: model.OutcomeSwitchRequested})
	c.ObserveSample(model.SensorSample{GPS: &model.GPSFix{}})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`presenceguard_verification_factors_total{factor="gps_missing"} 1`,
		`presenceguard_trust_transitions_total{outcome="switch_requested"} 1`,
		`presenceguard_verifications_total{verdict="reject"} 1`,
		`presenceguard_warmscan_samples_total{kind="partial"} 1`,
		`presenceguard_verification_confidence_count 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNilCollectorsAreNoops(t *testing.T) {
	var c *Collectors
	c.ObserveVerification(model.VerificationScore{})
	c.ObserveTransition(model.TrustTransition{})
	c.SetWarmScans(3)
}
