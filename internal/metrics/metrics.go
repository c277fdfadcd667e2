package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the reconciliation engine's Prometheus collectors.
type Metrics struct {
	submissions       *prometheus.CounterVec
	finalized         *prometheus.CounterVec
	replayed          prometheus.Counter
	malformed         prometheus.Counter
	transient         *prometheus.CounterVec
	resubscribes      prometheus.Counter
	merges            prometheus.Counter
	lateConfirmations prometheus.Counter
	notifySent        prometheus.Counter
	notifyDropped     prometheus.Counter
	queueDepth        prometheus.Gauge
	cursorHeight      prometheus.Gauge
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "aidledger_submissions_total",
				Help: "Submissions by result (accepted, rejected, invalid)",
			}, []string{"result"}),
			finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "aidledger_records_finalized_total",
				Help: "Records moved to a terminal status, by status, cause and path",
			}, []string{"status", "cause", "path"}),
			replayed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "aidledger_replayed_events_total",
				Help: "Ledger events inserted by the replay subscriber",
			}),
			malformed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "aidledger_malformed_events_total",
				Help: "Ledger events skipped because they could not be decoded",
			}),
			transient: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "aidledger_transient_errors_total",
				Help: "Transient ledger observation errors, by operation",
			}, []string{"op"}),
			resubscribes: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "aidledger_resubscribes_total",
				Help: "Event stream re-subscriptions after failure",
			}),
			merges: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "aidledger_record_merges_total",
				Help: "Replayed records folded into a submitted record",
			}),
			lateConfirmations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "aidledger_late_confirmations_total",
				Help: "Ledger confirmations seen for records already failed by timeout",
			}),
			notifySent: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "aidledger_notifications_sent_total",
				Help: "Finalization notifications delivered to sinks",
			}),
			notifyDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "aidledger_notifications_dropped_total",
				Help: "Finalization notifications dropped (dedupe or sink error)",
			}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "aidledger_waiter_queue_depth",
				Help: "Records queued for confirmation",
			}),
			cursorHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "aidledger_replay_cursor_height",
				Help: "Highest ledger block processed by the replay subscriber",
			}),
		}
		prometheus.MustRegister(
			metrics.submissions,
			metrics.finalized,
			metrics.replayed,
			metrics.malformed,
			metrics.transient,
			metrics.resubscribes,
			metrics.merges,
			metrics.lateConfirmations,
			metrics.notifySent,
			metrics.notifyDropped,
			metrics.queueDepth,
			metrics.cursorHeight,
		)
	})
	return metrics
}

func (m *Metrics) Submission(result string) {
	if m != nil {
		m.submissions.WithLabelValues(result).Inc()
	}
}

// Finalized counts a terminal transition. path is "waiter", "replay" or "sweep".
func (m *Metrics) Finalized(status, cause, path string) {
	if m != nil {
		m.finalized.WithLabelValues(status, cause, path).Inc()
	}
}

func (m *Metrics) Replayed() {
	if m != nil {
		m.replayed.Inc()
	}
}

func (m *Metrics) Malformed() {
	if m != nil {
		m.malformed.Inc()
	}
}

func (m *Metrics) Transient(op string) {
	if m != nil {
		m.transient.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) Resubscribed() {
	if m != nil {
		m.resubscribes.Inc()
	}
}

func (m *Metrics) Merged() {
	if m != nil {
		m.merges.Inc()
	}
}

func (m *Metrics) LateConfirmation() {
	if m != nil {
		m.lateConfirmations.Inc()
	}
}

func (m *Metrics) NotificationSent() {
	if m != nil {
		m.notifySent.Inc()
	}
}

func (m *Metrics) NotificationDropped() {
	if m != nil {
		m.notifyDropped.Inc()
	}
}

func (m *Metrics) QueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) CursorHeight(h uint64) {
	if m != nil {
		m.cursorHeight.Set(float64(h))
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
