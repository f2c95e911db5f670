// Package metrics exports enrichment task progress as Prometheus metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/track-enricher/internal/model"
)

// Metrics turns task snapshots into counters and gauges. Observe is meant to
// be registered as a coordinator observer.
type Metrics struct {
	processed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	finished  *prometheus.CounterVec
	active    *prometheus.GaugeVec
	restarts  *prometheus.GaugeVec
	total     *prometheus.GaugeVec

	mu   sync.Mutex
	seen map[string]progress
	done map[string]time.Time
}

type progress struct {
	processed, failed int
	last              time.Time
}

// doneRetention bounds how long a finished task id is remembered for
// discarding late snapshots.
const doneRetention = time.Hour

// New registers the enrichment metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		processed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enricher_records_processed_total",
			Help: "Records handed to a strategy, by task kind",
		}, []string{"kind"}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enricher_records_failed_total",
			Help: "Records left missing after a batch, by task kind",
		}, []string{"kind"}),
		finished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enricher_tasks_finished_total",
			Help: "Tasks that reached a terminal status",
		}, []string{"kind", "status"}),
		active: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "enricher_task_active",
			Help: "1 while a task of the kind is running",
		}, []string{"kind"}),
		restarts: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "enricher_task_restarts",
			Help: "Consecutive supervised restarts of the current task",
		}, []string{"kind"}),
		total: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "enricher_task_total_records",
			Help: "Estimated records in the current pass",
		}, []string{"kind"}),
		seen: make(map[string]progress),
		done: make(map[string]time.Time),
	}
}

// Observe records a task snapshot. Counters advance by the change since the
// previous snapshot of the same task. Snapshots are delivered outside the
// coordinator's lock, so ones older than the last seen for the task, and
// any that arrive after the task finished, are dropped.
func (m *Metrics) Observe(t model.Task) {
	kind := string(t.Kind)

	m.mu.Lock()
	if _, finished := m.done[t.ID]; finished {
		m.mu.Unlock()
		return
	}
	prev, ok := m.seen[t.ID]
	if ok && t.LastUpdate.Before(prev.last) {
		m.mu.Unlock()
		return
	}
	if t.Status.Terminal() {
		delete(m.seen, t.ID)
		m.done[t.ID] = t.LastUpdate
		m.pruneDone(t.LastUpdate)
	} else {
		m.seen[t.ID] = progress{
			processed: max(t.Processed, prev.processed),
			failed:    max(t.Failed, prev.failed),
			last:      t.LastUpdate,
		}
	}
	m.mu.Unlock()

	if d := t.Processed - prev.processed; d > 0 {
		m.processed.WithLabelValues(kind).Add(float64(d))
	}
	if d := t.Failed - prev.failed; d > 0 {
		m.failed.WithLabelValues(kind).Add(float64(d))
	}
	m.restarts.WithLabelValues(kind).Set(float64(t.Restarts))
	m.total.WithLabelValues(kind).Set(float64(t.Total))

	if t.Status.Terminal() {
		m.active.WithLabelValues(kind).Set(0)
		m.finished.WithLabelValues(kind, string(t.Status)).Inc()
		return
	}
	m.active.WithLabelValues(kind).Set(1)
}

// pruneDone forgets finished ids older than doneRetention. Caller holds mu.
func (m *Metrics) pruneDone(now time.Time) {
	for id, at := range m.done {
		if now.Sub(at) > doneRetention {
			delete(m.done, id)
		}
	}
}
