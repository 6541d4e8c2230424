package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/courier/internal/message"
)

func TestCounters(t *testing.T) {
	m := New(Gauges{})

	m.Submitted(message.PriorityHigh)
	m.Submitted(message.PriorityHigh)
	m.Submitted(message.Priority(7))
	m.Rejected()
	m.Sent()
	m.Unsolicited()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.submitted.WithLabelValues("high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submitted.WithLabelValues("7")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unsolicited))
}

func TestCompletedObservesLatencyForMatches(t *testing.T) {
	m := New(Gauges{})
	sentAt := time.Now().Add(-2 * time.Second)

	m.Completed(sentAt, message.Matched(message.InboundEvent{Sender: "p", Text: "ok"}))
	m.Completed(sentAt, message.TimedOut())
	m.Completed(time.Time{}, message.SendFailed(errors.New("x")))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.completed.WithLabelValues("matched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.completed.WithLabelValues("timed_out")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.completed.WithLabelValues("send_failed")))

	out, err := m.Registry.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range out {
		if mf.GetName() != "courier_reply_latency_seconds" {
			continue
		}
		found = true
		h := mf.GetMetric()[0].GetHistogram()
		assert.EqualValues(t, 1, h.GetSampleCount())
		assert.InDelta(t, 2.0, h.GetSampleSum(), 0.5)
	}
	assert.True(t, found)
}

func TestGaugesSampleAtScrape(t *testing.T) {
	depth := 0
	m := New(Gauges{
		QueueDepth: func() int { return depth },
		InFlight:   func() int { return 2 },
	})

	depth = 5
	assert.Equal(t, 5.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.inFlight))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.pending))

	err := testutil.GatherAndCompare(m.Registry, strings.NewReader(`
# HELP courier_queue_depth Requests waiting in the queue.
# TYPE courier_queue_depth gauge
courier_queue_depth 5
`), "courier_queue_depth")
	assert.NoError(t, err)
}
