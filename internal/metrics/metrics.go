// Package metrics holds the prometheus collectors for dispatch and streams.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mattjoyce/stepgate/internal/protocol"
)

// UnknownStep is the step label used for ids that are not registered.
const UnknownStep = "_unknown"

// Collectors groups the server's metrics. A nil *Collectors is valid and
// records nothing.
type Collectors struct {
	stepsDispatched *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	conversations   prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		stepsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stepgate",
				Name:      "steps_dispatched_total",
				Help:      "Dispatched steps by step id and outcome.",
			},
			[]string{"step", "outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "stepgate",
				Name:      "step_duration_seconds",
				Help:      "Step dispatch latency.",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"step"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stepgate",
			Name:      "steps_in_flight",
			Help:      "Steps currently executing on streaming conversations.",
		}),
		conversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stepgate",
			Name:      "conversations_active",
			Help:      "Open RunSteps conversations.",
		}),
	}

	reg.MustRegister(c.stepsDispatched, c.stepDuration, c.inFlight, c.conversations)
	return c
}

// ObserveDispatch records one completed dispatch.
func (c *Collectors) ObserveDispatch(step string, outcome protocol.Outcome, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.stepsDispatched.WithLabelValues(step, string(outcome)).Inc()
	c.stepDuration.WithLabelValues(step).Observe(elapsed.Seconds())
}

// StepStarted increments the in-flight gauge.
func (c *Collectors) StepStarted() {
	if c == nil {
		return
	}
	c.inFlight.Inc()
}

// StepFinished decrements the in-flight gauge.
func (c *Collectors) StepFinished() {
	if c == nil {
		return
	}
	c.inFlight.Dec()
}

// ConversationOpened increments the active conversation gauge.
func (c *Collectors) ConversationOpened() {
	if c == nil {
		return
	}
	c.conversations.Inc()
}

// ConversationClosed decrements the active conversation gauge.
func (c *Collectors) ConversationClosed() {
	if c == nil {
		return
	}
	c.conversations.Dec()
}
