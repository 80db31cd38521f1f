// Package metrics exports simulation activity to Prometheus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qubicDB/spikesim/pkg/concurrency"
	"github.com/qubicDB/spikesim/pkg/core"
)

const namespace = "spikesim"

// Recorder turns worker tick reports into Prometheus series.
// It implements concurrency.TickObserver and concurrency.SessionForgetter.
type Recorder struct {
	registry *prometheus.Registry

	ticks     *prometheus.CounterVec
	spikes    *prometheus.CounterVec
	delivered prometheus.Counter
	scheduled prometheus.Counter
	duration  *prometheus.HistogramVec

	// in-flight events per session, summed by the pending gauge
	pending   map[core.SessionID]int
	pendingMu sync.Mutex
}

// NewRecorder builds a recorder on its own registry. activeSessions backs
// the sessions gauge and may be nil.
func NewRecorder(activeSessions func() int) *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Recorder{
		registry: reg,
		pending:  make(map[core.SessionID]int),

		// ticks by the operation that advanced them: step, run, frame_tick
		ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Simulation ticks executed",
		}, []string{"op"}),

		spikes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spikes_total",
			Help:      "Neuron firings",
		}, []string{"op"}),

		delivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Spike events delivered to their target neuron",
		}),

		scheduled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_scheduled_total",
			Help:      "Spike events scheduled by firing neurons",
		}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of one advancing operation",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"op"}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_events",
		Help:      "Spike events in flight across all sessions",
	}, func() float64 {
		r.pendingMu.Lock()
		defer r.pendingMu.Unlock()
		total := 0
		for _, n := range r.pending {
			total += n
		}
		return float64(total)
	})

	if activeSessions != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Live simulation sessions",
		}, func() float64 { return float64(activeSessions()) })
	}

	return r
}

// ObserveTicks records one advancing operation
func (r *Recorder) ObserveTicks(id core.SessionID, st concurrency.TickStats) {
	op := st.Op.String()
	r.ticks.WithLabelValues(op).Add(float64(st.Ticks))
	r.spikes.WithLabelValues(op).Add(float64(st.Spikes))
	r.delivered.Add(float64(st.Delivered))
	r.scheduled.Add(float64(st.Scheduled))
	r.duration.WithLabelValues(op).Observe(st.Duration.Seconds())

	r.pendingMu.Lock()
	r.pending[id] = st.Pending
	r.pendingMu.Unlock()
}

// ForgetSession drops the pending-event contribution of a removed session
func (r *Recorder) ForgetSession(id core.SessionID) {
	r.pendingMu.Lock()
	delete(r.pending, id)
	r.pendingMu.Unlock()
}

// Registry returns the registry the recorder writes to
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
