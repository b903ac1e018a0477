package session

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result labels for session operations.
const (
	resultOK                 = "ok"
	resultInvalidCredentials = "invalid_credentials"
	resultInvalidToken       = "invalid_token"
	resultValidation         = "validation"
	resultInternal           = "internal"
)

// Metrics counts session operations by outcome.
type Metrics struct {
	ops      *prometheus.CounterVec
	replays  prometheus.Counter
	duration *prometheus.HistogramVec
}

// NewMetrics registers the session collectors on reg.
// A nil reg yields unregistered collectors, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "authd_session_operations_total",
			Help: "Session operations by operation and result.",
		}, []string{"op", "result"}),
		replays: f.NewCounter(prometheus.CounterOpts{
			Name: "authd_refresh_token_replays_total",
			Help: "Refresh attempts presenting a token already revoked by rotation.",
		}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authd_session_operation_duration_seconds",
			Help:    "Session operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(op, resultOf(err)).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) replay() {
	if m == nil {
		return
	}
	m.replays.Inc()
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return resultOK
	case IsValidation(err):
		return resultValidation
	case errors.Is(err, ErrInvalidCredentials):
		return resultInvalidCredentials
	case IsAuth(err):
		return resultInvalidToken
	default:
		return resultInternal
	}
}
