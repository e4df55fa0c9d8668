package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the session counters exported on /metrics.
type Metrics struct {
	issued     prometheus.Counter
	rotations  *prometheus.CounterVec
	replays    prometheus.Counter
	logouts    *prometheus.CounterVec
	casRetries prometheus.Counter
}

// NewMetrics creates the session counters and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "session",
			Name:      "issued_total",
			Help:      "Sessions issued (login, registration or federated callback).",
		}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "session",
			Name:      "rotations_total",
			Help:      "Refresh rotations by result.",
		}, []string{"result"}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "session",
			Name:      "replays_detected_total",
			Help:      "Refresh tokens presented after leaving the refresh set.",
		}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "session",
			Name:      "logouts_total",
			Help:      "Logouts by result.",
		}, []string{"result"}),
		casRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "session",
			Name:      "cas_conflicts_total",
			Help:      "Refresh-set writes that lost a version race and were retried.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.issued, m.rotations, m.replays, m.logouts, m.casRetries)
	}
	return m
}

const (
	resultOK      = "ok"
	resultInvalid = "invalid"
	resultReplay  = "replay"
	resultError   = "error"
	resultRemoved = "removed"
	resultAbsent  = "absent"
)
