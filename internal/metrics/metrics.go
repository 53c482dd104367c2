// ============================================================================
// Metrics
// Responsibility: collect and expose prometheus metrics for the control loop
// ============================================================================
//
// Metric families:
//
//   1. Counters:
//      - robot_steps_total: completed control-loop steps
//      - robot_action_repetitions_total: late actions covered by repeating
//        the previous one
//      - robot_step_errors_total{kind}: steps terminated with an error
//
//   2. Histograms:
//      - robot_checkpoint_seconds{checkpoint}: duration of the six internal
//        step checkpoints (get-observation, append-observation, status,
//        get-action, apply-action, append-applied)
//
//   3. Gauges:
//      - robot_loop_running: 1 while the backend loop is alive
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the prometheus instruments of one backend. All methods
// are safe on a nil receiver so that metrics stay strictly optional for
// library users.
type Collector struct {
	registry *prometheus.Registry

	steps       prometheus.Counter
	repetitions prometheus.Counter
	stepErrors  *prometheus.CounterVec
	checkpoints *prometheus.HistogramVec
	loopRunning prometheus.Gauge
}

// NewCollector creates and registers all instruments on a private registry,
// so multiple backends in one process do not collide.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "robot_steps_total",
			Help: "Total number of completed control-loop steps",
		}),
		repetitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "robot_action_repetitions_total",
			Help: "Total number of late actions covered by repeating the previous one",
		}),
		stepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "robot_step_errors_total",
			Help: "Total number of steps terminated with an error",
		}, []string{"kind"}),
		checkpoints: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "robot_checkpoint_seconds",
			Help: "Duration of the internal step checkpoints in seconds",
			Buckets: []float64{
				0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005,
				0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
			},
		}, []string{"checkpoint"}),
		loopRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "robot_loop_running",
			Help: "1 while the backend loop is alive, 0 after termination",
		}),
	}

	c.registry.MustRegister(c.steps)
	c.registry.MustRegister(c.repetitions)
	c.registry.MustRegister(c.stepErrors)
	c.registry.MustRegister(c.checkpoints)
	c.registry.MustRegister(c.loopRunning)

	return c
}

// RecordStep counts one completed step.
func (c *Collector) RecordStep() {
	if c == nil {
		return
	}
	c.steps.Inc()
}

// RecordRepetition counts one repeated action.
func (c *Collector) RecordRepetition() {
	if c == nil {
		return
	}
	c.repetitions.Inc()
}

// RecordStepError counts a step that ended with the given error kind.
func (c *Collector) RecordStepError(kind string) {
	if c == nil {
		return
	}
	c.stepErrors.WithLabelValues(kind).Inc()
}

// ObserveCheckpoint records the duration of one named checkpoint.
func (c *Collector) ObserveCheckpoint(name string, d time.Duration) {
	if c == nil {
		return
	}
	c.checkpoints.WithLabelValues(name).Observe(d.Seconds())
}

// SetLoopRunning publishes the loop liveness.
func (c *Collector) SetLoopRunning(running bool) {
	if c == nil {
		return
	}
	if running {
		c.loopRunning.Set(1)
	} else {
		c.loopRunning.Set(0)
	}
}

// Handler returns the scrape handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer serves the collector on /metrics. It blocks, so callers run
// it in its own goroutine.
func (c *Collector) StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
