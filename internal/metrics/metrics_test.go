package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/stepgate/internal/protocol"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObserveDispatch("echo", protocol.OutcomeSuccess, 10*time.Millisecond)
	c.ObserveDispatch("echo", protocol.OutcomeSuccess, 20*time.Millisecond)
	c.ObserveDispatch(UnknownStep, protocol.OutcomeError, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.stepsDispatched.WithLabelValues("echo", "SUCCESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsDispatched.WithLabelValues(UnknownStep, "ERROR")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.stepDuration))

	c.StepStarted()
	c.StepStarted()
	c.StepFinished()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.inFlight))

	c.ConversationOpened()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.conversations))
	c.ConversationClosed()
	assert.Equal(t, 0.0, testutil.ToFloat64(c.conversations))
}

func TestNilCollectors(t *testing.T) {
	var c *Collectors
	assert.NotPanics(t, func() {
		c.ObserveDispatch("echo", protocol.OutcomeSuccess, time.Second)
		c.StepStarted()
		c.StepFinished()
		c.ConversationOpened()
		c.ConversationClosed()
	})
}
