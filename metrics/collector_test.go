package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	phase "github.com/goliatone/go-phase"
	"github.com/goliatone/go-phase/events"
)

func event(t events.Type, caseID, phaseID string, at time.Time) events.Event {
	e := events.New(t, caseID)
	e.PhaseID = phaseID
	e.Timestamp = at
	return e
}

func TestCollectorObserve(t *testing.T) {
	c := NewCollector("phase")
	now := time.Now()

	c.Observe(event(events.PipelineStarted, "a", "", now))
	c.Observe(event(events.PhaseStarted, "a", "intake", now))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ActivePipelines))

	done := event(events.PhaseCompleted, "a", "intake", now.Add(2*time.Second))
	done.Attempt = 1
	c.Observe(done)
	assert.Equal(t, 1, testutil.CollectAndCount(c.PhaseDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Events.WithLabelValues("phase.completed", "intake")))

	failed := event(events.PhaseFailed, "a", "drafting", now)
	failed.Classification = "timeout_error"
	failed.Action = "retry-with-exponential-backoff"
	c.Observe(failed)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Failures.WithLabelValues("drafting", "timeout_error", "retry-with-exponential-backoff")))

	halted := event(events.PhaseFailed, "a", "drafting", now)
	halted.NeedsOperator = true
	halted.PipelineStatus = phase.PipelineFailed
	c.Observe(halted)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.NeedsOperator))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.ActivePipelines))

	c.Observe(event(events.PhaseSkipped, "a", "drafting", now))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.NeedsOperator))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ActivePipelines))

	c.Observe(event(events.PipelineCompleted, "a", "", now))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.ActivePipelines))
}

func TestCollectorAttachAndServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("phase")
	require.NoError(t, c.Register(reg))
	assert.Error(t, c.Register(reg), "double registration is rejected")

	sink := events.NewSink()
	defer sink.Close()
	sub := c.Attach(sink)
	defer sub.Unsubscribe()

	sink.Publish(event(events.PipelineStarted, "a", "", time.Now()))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.ActivePipelines) == 1
	}, time.Second, 5*time.Millisecond)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	res, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "phase_active_pipelines 1"))
}
