package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"presenceguard/internal/model"
)

// Collectors owns the engine's Prometheus series on a private registry so
// tests and multiple engines never collide on the default one.
type Collectors struct {
	registry      *prometheus.Registry
	verifications *prometheus.CounterVec
	confidence    prometheus.Histogram
	factors       *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	samples       *prometheus.CounterVec
	warmScans     prometheus.Gauge
}

func NewCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presenceguard",
			Name:      "verifications_total",
			Help:      "Attendance verifications by verdict.",
		}, []string{"verdict"}),
		confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "presenceguard",
			Name:      "verification_confidence",
			Help:      "Final fused confidence of verifications.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 1},
		}),
		factors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presenceguard",
			Name:      "verification_factors_total",
			Help:      "Contributing factors reported on verifications.",
		}, []string{"factor"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presenceguard",
			Name:      "trust_transitions_total",
			Help:      "Device trust transitions by outcome.",
		}, []string{"outcome"}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presenceguard",
			Name:      "warmscan_samples_total",
			Help:      "Warm-scan samples buffered, by completeness.",
		}, []string{"kind"}),
		warmScans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presenceguard",
			Name:      "warmscans_active",
			Help:      "Warm-scan samplers currently running.",
		}),
	}
	c.registry.MustRegister(
		c.verifications, c.confidence, c.factors, c.transitions, c.samples, c.warmScans,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collectors) ObserveVerification(score model.VerificationScore) {
	if c == nil {
		return
	}
	c.verifications.WithLabelValues(string(score.Verdict)).Inc()
	c.confidence.Observe(score.FinalConfidence)
	for _, f := range score.ContributingFactors {
		c.factors.WithLabelValues(string(f)).Inc()
	}
}

func (c *Collectors) ObserveTransition(t model.TrustTransition) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(string(t.Outcome)).Inc()
}

func (c *Collectors) ObserveSample(s model.SensorSample) {
	if c == nil {
		return
	}
	kind := "complete"
	if s.Partial() {
		kind = "partial"
	}
	c.samples.WithLabelValues(kind).Inc()
}

func (c *Collectors) SetWarmScans(n int) {
	if c == nil {
		return
	}
	c.warmScans.Set(float64(n))
}

func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
