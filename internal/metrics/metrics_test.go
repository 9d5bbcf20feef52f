package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveMutation("ok", time.Millisecond)
	m.ObserveMutation("ok", time.Millisecond)
	m.ObserveMutation("error", time.Millisecond)
	m.SignalsDelivered(3)
	m.SignalsExpired(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.mutations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mutations.WithLabelValues("error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.signalsDelivered))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.signalsExpired))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveMutation("ok", time.Second)
		m.QueueDepth(3)
		m.SignalSent()
		m.SignalsDelivered(1)
		m.SignalsExpired(1)
		m.NotifierDrop()
	})
}
