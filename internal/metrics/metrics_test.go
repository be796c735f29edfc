package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordKeySelection("openai", "next")
	m.RecordKeyError("openai", true)
	m.RecordKeyExhausted("openai")
	m.RecordDelivery("ctx", "ok")
	m.RecordBroadcast("memory_update")
	m.SetQueueLength(3)
	m.RecordMemoryWrite("ns", time.Millisecond, nil)
	m.RecordModelCall("openai", "gpt", "ok", time.Second)
	m.RecordFusion("weighted")
	m.RecordTaskTransition("pending", "ready")
	m.RecordHTTPRequest("GET", "/", "200", 0.1)
}

func TestRecordCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordKeySelection("openai", "best")
	m.RecordKeySelection("openai", "best")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.KeySelections.WithLabelValues("openai", "best")))

	m.RecordKeyError("groq", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KeyErrors.WithLabelValues("groq", "true")))

	m.RecordMemoryWrite("agents", time.Millisecond, errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MemoryWrites.WithLabelValues("agents", "error")))

	m.RecordModelCall("anthropic", "claude", "timed_out", 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelCalls.WithLabelValues("anthropic", "claude", "timed_out")))
	m.RecordModelCall("anthropic", "claude", "succeeded", time.Second)
	assert.Equal(t, 1, testutil.CollectAndCount(m.ModelLatency))

	m.SetQueueLength(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.BrokerQueueLength))
}

func TestSeparateRegistries(t *testing.T) {
	// two instances must not collide on registration
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}
