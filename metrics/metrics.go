// Package metrics exposes Prometheus instrumentation for the authorization and token endpoints.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for grant issuance. A nil *Metrics records nothing.
type Metrics struct {
	// Token requests by grant type and outcome ("success" or the OAuth error code)
	TokenRequests *prometheus.CounterVec

	// Authorization requests by outcome ("code", "redirect_login", "consent_required", ...)
	AuthorizeOutcomes *prometheus.CounterVec

	// Single-use redemption collisions by token kind
	RedemptionConflicts *prometheus.CounterVec

	// Token endpoint latency by grant type
	TokenLatency *prometheus.HistogramVec
}

// New registers the metrics with reg. Pass prometheus.DefaultRegisterer in production and a fresh
// registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TokenRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "grantsrv_token_requests_total",
			Help: "Token endpoint requests by grant type and outcome",
		}, []string{"grant_type", "outcome"}),

		AuthorizeOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "grantsrv_authorize_outcomes_total",
			Help: "Authorization endpoint outcomes",
		}, []string{"outcome"}),

		RedemptionConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "grantsrv_redemption_conflicts_total",
			Help: "Codes and refresh tokens presented after they were redeemed or while in flight",
		}, []string{"kind"}),

		TokenLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grantsrv_token_duration_seconds",
			Help:    "Duration of token endpoint requests by grant type",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"grant_type"}),
	}
}

// ObserveToken records the outcome and duration of a token request.
func (m *Metrics) ObserveToken(grantType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	if grantType == "" {
		grantType = "none"
	}
	m.TokenRequests.WithLabelValues(grantType, outcome).Inc()
	m.TokenLatency.WithLabelValues(grantType).Observe(d.Seconds())
}

func (m *Metrics) IncrementAuthorize(outcome string) {
	if m != nil {
		m.AuthorizeOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncrementRedemptionConflict(kind string) {
	if m != nil {
		m.RedemptionConflicts.WithLabelValues(kind).Inc()
	}
}
