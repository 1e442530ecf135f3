package executor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the dispatch counters exported on /metrics.
type Metrics struct {
	attempts     *prometheus.CounterVec
	rateLimits   *prometheus.CounterVec
	switches     *prometheus.CounterVec
	refreshes    *prometheus.CounterVec
	tokens       *prometheus.CounterVec
	accountsLive prometheus.Gauge
}

// NewMetrics creates the dispatch counters and registers them with reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "antigravity_dispatch_attempts_total",
				Help: "Backend requests by model family, endpoint and status",
			},
			[]string{"family", "endpoint", "status"},
		),
		rateLimits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "antigravity_rate_limit_marks_total",
				Help: "Accounts marked rate-limited by model family and cause",
			},
			[]string{"family", "cause"},
		),
		switches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "antigravity_account_switches_total",
				Help: "Account switches by reason",
			},
			[]string{"reason"},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "antigravity_token_refreshes_total",
				Help: "Access token refreshes by outcome",
			},
			[]string{"outcome"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "antigravity_token_usage_total",
				Help: "Tokens reported by the backend",
			},
			[]string{"family", "type"},
		),
		accountsLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "antigravity_accounts",
				Help: "Number of accounts currently managed",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.attempts, m.rateLimits, m.switches, m.refreshes, m.tokens, m.accountsLive)
	}
	return m
}

func (m *Metrics) observeAttempt(family, endpoint string, status int) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.attempts.WithLabelValues(family, endpoint, label).Inc()
}

func (m *Metrics) observeRateLimit(family, cause string) {
	if m == nil {
		return
	}
	m.rateLimits.WithLabelValues(family, cause).Inc()
}

func (m *Metrics) observeSwitch(reason string) {
	if m == nil {
		return
	}
	m.switches.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeRefresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeTokens(family string, input, output, reasoning int64) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(family, "input").Add(float64(input))
	m.tokens.WithLabelValues(family, "output").Add(float64(output))
	m.tokens.WithLabelValues(family, "reasoning").Add(float64(reasoning))
}

func (m *Metrics) setAccounts(n int) {
	if m == nil {
		return
	}
	m.accountsLive.Set(float64(n))
}
