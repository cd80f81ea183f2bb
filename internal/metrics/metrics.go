package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "scanconsole"

// Poll outcomes.
const (
	PollOK        = "ok"
	PollTransient = "transient_error"
	PollNotFound  = "not_found"
)

// Metrics is safe to use through a nil pointer, which disables collection.
type Metrics struct {
	PollsTotal          *prometheus.CounterVec // labels: outcome
	SessionsStarted     prometheus.Counter
	SessionsFinished    *prometheus.CounterVec // labels: status
	PreflightRejections *prometheus.CounterVec // labels: reason
	SyntheticProgress   prometheus.Gauge
	ActivePollers       prometheus.Gauge
}

// New registers the collectors on reg (prometheus.DefaultRegisterer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		PollsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_polls_total",
			Help:      "Total number of backend status polls by outcome",
		}, []string{"outcome"}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of scan sessions launched",
		}),
		SessionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Total number of scan sessions that reached a terminal status",
		}, []string{"status"}),
		PreflightRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preflight_rejections_total",
			Help:      "Scan start requests rejected before reaching the backend scan-start call",
		}, []string{"reason"}),
		SyntheticProgress: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "synthetic_progress_percent",
			Help:      "Current synthetic progress of the active session",
		}),
		ActivePollers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_poll_loops",
			Help:      "Number of running status poll loops",
		}),
	}
}

func (m *Metrics) IncPoll(outcome string) {
	if m == nil {
		return
	}
	m.PollsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

func (m *Metrics) IncFinished(status string) {
	if m == nil {
		return
	}
	m.SessionsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) IncRejected(reason string) {
	if m == nil {
		return
	}
	m.PreflightRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetSynthetic(p float64) {
	if m == nil {
		return
	}
	m.SyntheticProgress.Set(p)
}

func (m *Metrics) PollerStarted() {
	if m == nil {
		return
	}
	m.ActivePollers.Inc()
}

func (m *Metrics) PollerStopped() {
	if m == nil {
		return
	}
	m.ActivePollers.Dec()
}
