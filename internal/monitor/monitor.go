package monitor

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"moff.io/vault-wallet/internal/wallet"
)

// Metrics holds every collector the service exports.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	DispatchAttempts        *prometheus.CounterVec
	DispatchAttemptDuration *prometheus.HistogramVec
	DispatchResults         *prometheus.CounterVec

	SessionState       *prometheus.GaugeVec
	PollTotal          *prometheus.CounterVec
	VaultTVL           prometheus.Gauge
	VaultUsers         prometheus.Gauge
	PairingURIsEmitted prometheus.Counter
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer to
// export them on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency distributions.",
			Buckets: []float64{0.1, 0.3, 0.5, 1.0, 2.0, 5.0},
		}, []string{"method", "path"}),
		DispatchAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_wallet_dispatch_attempts_total",
			Help: "Transaction dispatch attempts by transport and outcome.",
		}, []string{"transport", "outcome"}),
		DispatchAttemptDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_wallet_dispatch_attempt_duration_seconds",
			Help:    "Time spent in one transport attempt, including user approval.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 90, 120},
		}, []string{"transport"}),
		DispatchResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_wallet_dispatch_results_total",
			Help: "Final dispatch results by outcome.",
		}, []string{"outcome"}),
		SessionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_wallet_session_state",
			Help: "1 for the current wallet session state, 0 otherwise.",
		}, []string{"state"}),
		PollTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_wallet_poll_total",
			Help: "Balance and stats polls by result.",
		}, []string{"result"}),
		VaultTVL: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_wallet_vault_tvl_stx",
			Help: "Total value locked in the vault as last polled.",
		}),
		VaultUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_wallet_vault_users",
			Help: "Registered vault users as last polled.",
		}),
		PairingURIsEmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_wallet_pairing_uris_total",
			Help: "Pairing URIs handed to the user.",
		}),
	}
}

func (m *Metrics) ObserveAttempt(transport, outcome string, elapsed time.Duration) {
	m.DispatchAttempts.WithLabelValues(transport, outcome).Inc()
	m.DispatchAttemptDuration.WithLabelValues(transport).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveResult(outcome string) {
	m.DispatchResults.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePoll(result string) {
	m.PollTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveProtocol(tvl decimal.Decimal, users uint64) {
	m.VaultTVL.Set(tvl.InexactFloat64())
	m.VaultUsers.Set(float64(users))
}

var sessionStates = []wallet.State{
	wallet.StateDisconnected,
	wallet.StatePairing,
	wallet.StateActive,
	wallet.StateExpired,
	wallet.StateClosed,
}

// ObserveSnapshot sets the session state gauge; register it with Manager.Subscribe.
func (m *Metrics) ObserveSnapshot(s wallet.Snapshot) {
	for _, st := range sessionStates {
		v := 0.0
		if st == s.State {
			v = 1
		}
		m.SessionState.WithLabelValues(st.String()).Set(v)
	}
}

// ObservePairingURI counts pairing URIs; register it with Manager.OnPairingURI.
func (m *Metrics) ObservePairingURI(string) {
	m.PairingURIsEmitted.Inc()
}

// PrometheusMiddleware records request counts and latency per route template.
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()

		c.Next()

		if path == "" {
			return
		}
		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
