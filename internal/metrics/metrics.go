// Package metrics exports sync pass statistics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bisync/internal/fs"
	syncer "bisync/internal/sync"
)

const namespace = "bisync"

// Recorder turns orchestrator events into Prometheus samples.
type Recorder struct {
	passes   *prometheus.CounterVec
	items    *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	duration prometheus.Histogram
	state    *prometheus.GaugeVec
	lastPass prometheus.Gauge
}

// NewRecorder 创建指标并注册到 reg
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		passes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Help:      "Sync passes by terminal status",
				Namespace: namespace,
				Name:      "passes_total",
			},
			// status: done, aborted, failed
			[]string{"status"},
		),
		items: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Help:      "Propagated items by instruction and outcome",
				Namespace: namespace,
				Name:      "items_total",
			},
			// instruction: new, removed, renamed, conflict, updated, error
			// outcome: success, error, aborted
			[]string{"instruction", "outcome"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Help:      "File bytes transferred by successful items",
				Namespace: namespace,
				Name:      "transferred_bytes_total",
			},
			// direction: up, down
			[]string{"direction"},
		),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Help:      "Distribution of sync pass durations",
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Buckets:   []float64{.1, 1, 10, 60, 300, 1800},
		}),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Help:      "1 for the state the orchestrator is in, 0 otherwise",
				Namespace: namespace,
				Name:      "state",
			},
			[]string{"state"},
		),
		lastPass: prometheus.NewGauge(prometheus.GaugeOpts{
			Help:      "Unix time the last pass finished",
			Namespace: namespace,
			Name:      "last_pass_timestamp_seconds",
		}),
	}
	reg.MustRegister(r.passes, r.items, r.bytes, r.duration, r.state, r.lastPass)
	return r
}

// Observe records one event. Events it does not track are ignored.
func (r *Recorder) Observe(ev syncer.Event) {
	switch e := ev.(type) {
	case syncer.StateChanged:
		r.state.WithLabelValues(e.From.String()).Set(0)
		r.state.WithLabelValues(e.To.String()).Set(1)
	case syncer.ItemCompleted:
		r.items.WithLabelValues(e.Item.Instruction.String(), e.Outcome.String()).Inc()
		if e.Outcome == syncer.OutcomeSuccess && transfersContent(&e.Item) {
			r.bytes.WithLabelValues(e.Item.Direction.String()).Add(float64(e.Item.Size))
		}
	case syncer.Finished:
		res := e.Result
		r.passes.WithLabelValues(res.Status.String()).Inc()
		r.duration.Observe(res.Duration().Seconds())
		r.lastPass.Set(float64(res.FinishedAt.Unix()))
	}
}

// transfersContent reports whether a successful item moved file bytes.
func transfersContent(it *syncer.SyncItem) bool {
	if it.Kind != fs.KindFile {
		return false
	}
	switch it.Instruction {
	case syncer.InstructionNew, syncer.InstructionUpdated, syncer.InstructionConflict:
		return true
	}
	return false
}

// Handler serves the samples gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
