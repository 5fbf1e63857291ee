// Package metrics exposes job and power counters for Prometheus and pushes
// them to a Pushgateway at the end of a command.
package metrics

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"git.cscs.ch/openchami/chamicore-bmc/pkg/types"
)

const namespace = "chamicore_bmc"

// Collector counts lifecycle notifications. It implements jobs.Observer and
// power.ResetObserver.
type Collector struct {
	registry *prometheus.Registry

	statusChanges *prometheus.CounterVec
	retries       prometheus.Counter
	outcomes      *prometheus.CounterVec
	resets        *prometheus.CounterVec
}

// NewCollector registers the counters on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_status_changes_total",
			Help:      "Job snapshots that differed from the previous poll, by state.",
		}, []string{"state"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_poll_retries_total",
			Help:      "Transient job poll failures.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_outcomes_total",
			Help:      "Completion waits by final state and result.",
		}, []string{"state", "result"}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_total",
			Help:      "Reset actions issued, by reset type and result.",
		}, []string{"reset_type", "result"}),
	}
	c.registry.MustRegister(c.statusChanges, c.retries, c.outcomes, c.resets)
	return c
}

// Registry returns the registry holding the counters.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveStatus counts a job state change.
func (c *Collector) ObserveStatus(_ types.JobHandle, status types.JobStatus) {
	c.statusChanges.WithLabelValues(stateLabel(status.State)).Inc()
}

// ObserveRetry counts a transient poll failure.
func (c *Collector) ObserveRetry(types.JobHandle, int, error) {
	c.retries.Inc()
}

// ObserveOutcome counts a finished wait by final state and result.
func (c *Collector) ObserveOutcome(_ types.JobHandle, status types.JobStatus, err error) {
	c.outcomes.WithLabelValues(stateLabel(status.State), result(err)).Inc()
}

// ObserveReset counts a reset request by type and result.
func (c *Collector) ObserveReset(resetType types.ResetType, err error) {
	c.resets.WithLabelValues(string(resetType), result(err)).Inc()
}

// Push sends the counters to the Pushgateway at url under job, grouped by instance.
func (c *Collector) Push(ctx context.Context, url, job, instance string) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("pushgateway url is required")
	}
	pusher := push.New(url, job).Gatherer(c.registry)
	if instance != "" {
		pusher = pusher.Grouping("instance", instance)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics: %w", err)
	}
	return nil
}

func stateLabel(state types.JobState) string {
	if state == "" {
		return string(types.JobStateUnknown)
	}
	return string(state)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
