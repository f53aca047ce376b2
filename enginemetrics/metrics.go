// Package enginemetrics provides optional Prometheus instrumentation for
// the command queue and dispatcher: commands-total/active-commands/
// per-command-duration collectors backed by real Prometheus types
// instead of hand-rolled atomic counters.
package enginemetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder instruments a single connection's command queue. A nil
// *Recorder is a no-op on every method, so wiring it is optional.
type Recorder struct {
	commandsTotal   *prometheus.CounterVec
	commandErrors   *prometheus.CounterVec
	activeCommands  prometheus.Gauge
	commandDuration *prometheus.HistogramVec
	queueDepth      prometheus.Gauge
	fatalErrors     prometheus.Counter
	idleSignals     prometheus.Counter
}

// NewRecorder registers a connection's metrics on reg. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() in tests. constLabels is typically
// {"session": cfg.SessionID} so multiple connections don't collide.
func NewRecorder(reg prometheus.Registerer, constLabels prometheus.Labels) *Recorder {
	r := &Recorder{
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "imap_client",
			Name:        "commands_total",
			Help:        "Total commands sent, labeled by command name.",
			ConstLabels: constLabels,
		}, []string{"command"}),
		commandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "imap_client",
			Name:        "command_errors_total",
			Help:        "Total commands that ended in an error (protocol or fatal), labeled by command name.",
			ConstLabels: constLabels,
		}, []string{"command"}),
		activeCommands: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "imap_client",
			Name:        "active_commands",
			Help:        "1 while a command is in flight, 0 otherwise.",
			ConstLabels: constLabels,
		}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "imap_client",
			Name:        "command_duration_seconds",
			Help:        "Round-trip duration from send to terminal outcome, labeled by command name.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"command"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "imap_client",
			Name:        "queue_depth",
			Help:        "Number of commands waiting to be sent.",
			ConstLabels: constLabels,
		}),
		fatalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "imap_client",
			Name:        "fatal_errors_total",
			Help:        "Total fatal errors funneled to connection teardown.",
			ConstLabels: constLabels,
		}),
		idleSignals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "imap_client",
			Name:        "idle_signals_total",
			Help:        "Total times the queue drained and fired the idle signal.",
			ConstLabels: constLabels,
		}),
	}
	if reg != nil {
		reg.MustRegister(r.commandsTotal, r.commandErrors, r.activeCommands,
			r.commandDuration, r.queueDepth, r.fatalErrors, r.idleSignals)
	}
	return r
}

// CommandStarted records that command name was sent.
func (r *Recorder) CommandStarted(name string) {
	if r == nil {
		return
	}
	r.commandsTotal.WithLabelValues(name).Inc()
	r.activeCommands.Set(1)
}

// CommandFinished records a command's round-trip duration and whether it
// ended in an error: a NO/BAD protocol error or a fatal transport,
// timeout or compile failure.
func (r *Recorder) CommandFinished(name string, d time.Duration, failed bool) {
	if r == nil {
		return
	}
	r.activeCommands.Set(0)
	r.commandDuration.WithLabelValues(name).Observe(d.Seconds())
	if failed {
		r.commandErrors.WithLabelValues(name).Inc()
	}
}

// SetQueueDepth reports the number of commands still waiting to be sent.
func (r *Recorder) SetQueueDepth(n int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(n))
}

// IncFatal records a fatal error funneled to connection teardown.
func (r *Recorder) IncFatal() {
	if r == nil {
		return
	}
	r.fatalErrors.Inc()
}

// IncIdle records the queue draining and firing the idle signal.
func (r *Recorder) IncIdle() {
	if r == nil {
		return
	}
	r.idleSignals.Inc()
}
