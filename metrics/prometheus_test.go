package metrics

import (
	"testing"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPrometheusDefaults(t *testing.T) {
	p := NewPrometheus(nil, "")
	assert.Equal(t, prometheus.DefaultRegisterer, p.reg)
	assert.Equal(t, "mmate", p.namespace)
}

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "test")

	p.RecordRequest("jobs", messaging.OutcomeSuccess, 20*time.Millisecond)
	p.RecordRequest("jobs", messaging.OutcomeSuccess, 30*time.Millisecond)
	p.RecordRequest("jobs", messaging.OutcomeTimeout, 200*time.Millisecond)
	p.RecordRequest("jobs", messaging.OutcomeRejected, 0)
	p.RecordDiscarded("jobs")
	p.RecordRequestReceived("jobs")
	p.RecordHandlerFailure("jobs")
	p.RecordResponse("jobs", true)
	p.RecordResponse("jobs", false)
	p.RecordInactive("response_server", "jobs", messaging.ReasonCancelled)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.requests.WithLabelValues("jobs", messaging.OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.requests.WithLabelValues("jobs", messaging.OutcomeTimeout)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.requests.WithLabelValues("jobs", messaging.OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.discarded.WithLabelValues("jobs")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.received.WithLabelValues("jobs")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.handlerFailures.WithLabelValues("jobs")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.responses.WithLabelValues("jobs", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.responses.WithLabelValues("jobs", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.inactiveHolders.WithLabelValues("response_server", "jobs", messaging.ReasonCancelled)))

	// rejected requests never reached the broker and are not timed
	assert.Equal(t, 1, testutil.CollectAndCount(p.requestDuration))

	count, err := testutil.GatherAndCount(reg, "test_request_client_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestPrometheusRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "once")

	assert.NotPanics(t, func() {
		p.RecordDiscarded("a")
		p.RecordDiscarded("b")
	})
	assert.Equal(t, 2, testutil.CollectAndCount(p.discarded))
}
