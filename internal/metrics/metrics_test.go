package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.cscs.ch/openchami/chamicore-bmc/pkg/types"
)

func TestCollector_Counts(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	handle := types.JobHandle{ID: "JID_1"}
	c.ObserveStatus(handle, types.JobStatus{State: types.JobStateRunning})
	c.ObserveStatus(handle, types.JobStatus{State: types.JobStateCompleted})
	c.ObserveStatus(handle, types.JobStatus{})
	c.ObserveRetry(handle, 1, errors.New("reset"))
	c.ObserveRetry(handle, 2, errors.New("reset"))
	c.ObserveOutcome(handle, types.JobStatus{State: types.JobStateFailed}, errors.New("job failed"))
	c.ObserveReset(types.ResetTypeGracefulShutdown, nil)
	c.ObserveReset(types.ResetTypeOn, errors.New("boom"))

	assert.InDelta(t, 1, testutil.ToFloat64(c.statusChanges.WithLabelValues("Running")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.statusChanges.WithLabelValues("Unknown")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(c.retries), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.outcomes.WithLabelValues("Failed", "error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.resets.WithLabelValues("GracefulShutdown", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.resets.WithLabelValues("On", "error")), 0)

	families, err := c.Registry().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, family := range families {
		names = append(names, family.GetName())
		if family.GetName() == "chamicore_bmc_job_poll_retries_total" {
			assert.Equal(t, dto.MetricType_COUNTER, family.GetType())
		}
	}
	assert.ElementsMatch(t, []string{
		"chamicore_bmc_job_status_changes_total",
		"chamicore_bmc_job_poll_retries_total",
		"chamicore_bmc_job_outcomes_total",
		"chamicore_bmc_resets_total",
	}, names)
}

func TestCollector_Push(t *testing.T) {
	t.Parallel()

	var pushes atomic.Int32
	var lastPath atomic.Value
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushes.Add(1)
		lastPath.Store(r.Method + " " + r.URL.Path)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(gateway.Close)

	c := NewCollector()
	c.ObserveRetry(types.JobHandle{ID: "JID_1"}, 1, nil)

	require.NoError(t, c.Push(context.Background(), gateway.URL, "chamicore-bmc", "bmc01"))
	assert.Equal(t, int32(1), pushes.Load())
	assert.Equal(t, "PUT /metrics/job/chamicore-bmc/instance/bmc01", lastPath.Load())
}

func TestCollector_PushFailure(t *testing.T) {
	t.Parallel()

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(gateway.Close)

	c := NewCollector()
	err := c.Push(context.Background(), gateway.URL, "chamicore-bmc", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pushing metrics")

	require.Error(t, c.Push(context.Background(), " ", "chamicore-bmc", ""))
}
