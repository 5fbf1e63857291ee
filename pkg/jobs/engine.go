// Package jobs drives server-issued jobs to a terminal state: it polls job and
// task resources, classifies snapshots, and rides out controller outages under
// a bounded retry budget.
package jobs

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"git.cscs.ch/openchami/chamicore-bmc/pkg/redfish"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/types"
)

const (
	defaultPollInterval         = 5 * time.Second
	defaultScheduleTimeout      = 5 * time.Minute
	defaultRealtimeTimeout      = 30 * time.Minute
	defaultStagedTimeout        = 2 * time.Hour
	defaultRetryAttempts        = 20
	defaultRetryWindow          = 2 * time.Hour
	defaultReconnectInterval    = 30 * time.Second
	defaultControllerResetGrace = 6 * time.Minute

	tracerName = "git.cscs.ch/openchami/chamicore-bmc/pkg/jobs"
)

// Config controls polling cadence, ceilings, and the retry budget. Zero values
// fall back to defaults.
type Config struct {
	PollInterval    time.Duration
	ScheduleTimeout time.Duration
	RealtimeTimeout time.Duration
	StagedTimeout   time.Duration
	// RetryAttempts and RetryWindow bound consecutive transient failures,
	// whichever is reached first.
	RetryAttempts int
	RetryWindow   time.Duration
	// ReconnectInterval caps the delay between polls while the endpoint is unreachable.
	ReconnectInterval time.Duration
	// ControllerResetGrace is the outage tolerated while the controller restarts.
	ControllerResetGrace time.Duration
	// ManagerPath pins the manager whose job collections are polled. It is
	// discovered when empty.
	ManagerPath string
}

type runtimeConfig struct {
	pollInterval         time.Duration
	scheduleTimeout      time.Duration
	realtimeTimeout      time.Duration
	stagedTimeout        time.Duration
	retryAttempts        int
	retryWindow          time.Duration
	reconnectInterval    time.Duration
	controllerResetGrace time.Duration
	managerPath          string
	now                  func() time.Time
	sleep                func(context.Context, time.Duration) error
	jitter               func(time.Duration) time.Duration
}

// Prober checks raw reachability of the endpoint host without authentication.
type Prober interface {
	Probe(ctx context.Context, host string) error
}

// WaitOptions tunes one wait call.
type WaitOptions struct {
	// Timeout overrides the per-kind ceiling.
	Timeout time.Duration
	// PollInterval overrides the configured cadence.
	PollInterval time.Duration
	// ControllerReset marks the job as one that restarts the controller: outages
	// up to the controller-reset grace are tolerated past the attempt budget.
	ControllerReset bool
}

// Engine polls jobs on one endpoint.
type Engine struct {
	client   *redfish.Client
	cfg      runtimeConfig
	prober   Prober
	observer Observer
	tracer   trace.Tracer
	log      zerolog.Logger
	managers *redfish.MemberResolver

	mu       sync.Mutex
	terminal map[string]types.JobStatus
	working  map[string]string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = logger.With().Str("component", "job-engine").Logger()
	}
}

// WithObserver registers a lifecycle observer.
func WithObserver(observer Observer) Option {
	return func(e *Engine) {
		if observer != nil {
			e.observer = observer
		}
	}
}

// WithProber sets the connectivity probe used during outages.
func WithProber(prober Prober) Option {
	return func(e *Engine) {
		e.prober = prober
	}
}

// WithTracerProvider sets the tracer provider. Defaults to the global provider.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(e *Engine) {
		if provider != nil {
			e.tracer = provider.Tracer(tracerName)
		}
	}
}

// New creates a job engine over a resource client.
func New(client *redfish.Client, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		client:   client,
		cfg:      normalizeConfig(cfg),
		observer: NopObserver{},
		tracer:   otel.Tracer(tracerName),
		log:      zerolog.Nop(),
		managers: redfish.NewMemberResolver(),
		terminal: make(map[string]types.JobStatus),
		working:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WaitUntilScheduled polls until the job is Scheduled or further along. A job
// that fails before being scheduled returns a *FailureError.
func (e *Engine) WaitUntilScheduled(ctx context.Context, handle types.JobHandle, opts WaitOptions) (types.JobStatus, error) {
	ceiling := func(types.JobKind) time.Duration {
		if opts.Timeout > 0 {
			return opts.Timeout
		}
		return e.cfg.scheduleTimeout
	}
	return e.wait(ctx, "scheduled", handle, opts, ceiling, func(status types.JobStatus) bool {
		return status.State.Rank() >= types.JobStateScheduled.Rank()
	})
}

// WaitUntilComplete polls until the job reaches a terminal state. Completed
// returns the snapshot; Failed and CompletedWithErrors return the snapshot and
// a *FailureError. Waiting again on a terminal handle returns the cached
// snapshot without polling.
func (e *Engine) WaitUntilComplete(ctx context.Context, handle types.JobHandle, opts WaitOptions) (types.JobStatus, error) {
	ceiling := func(kind types.JobKind) time.Duration {
		if opts.Timeout > 0 {
			return opts.Timeout
		}
		return e.timeoutForKind(kind)
	}
	return e.wait(ctx, "complete", handle, opts, ceiling, func(status types.JobStatus) bool {
		return status.State.IsTerminal()
	})
}

// Confirm polls until the job is readable once, proving it exists.
func (e *Engine) Confirm(ctx context.Context, handle types.JobHandle, opts WaitOptions) (types.JobStatus, error) {
	ceiling := func(types.JobKind) time.Duration {
		if opts.Timeout > 0 {
			return opts.Timeout
		}
		return e.cfg.scheduleTimeout
	}
	return e.wait(ctx, "present", handle, opts, ceiling, func(types.JobStatus) bool { return true })
}

// Status polls the job once.
func (e *Engine) Status(ctx context.Context, handle types.JobHandle) (types.JobStatus, error) {
	if cached, ok := e.cachedTerminal(handle); ok {
		return cached, nil
	}
	status, err := e.poll(ctx, handle)
	if err != nil {
		return types.JobStatus{}, err
	}
	if status.State.IsTerminal() {
		e.storeTerminal(handle, status)
	}
	return status, nil
}

// Forget drops cached state for a job, for example after deleting it.
func (e *Engine) Forget(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.terminal, jobID)
	delete(e.working, jobID)
}

func (e *Engine) timeoutForKind(kind types.JobKind) time.Duration {
	switch kind {
	case types.JobKindRealtime, types.JobKindExport:
		return e.cfg.realtimeTimeout
	default:
		// staged, update, repository, and not-yet-known kinds get the long ceiling
		return e.cfg.stagedTimeout
	}
}

func (e *Engine) wait(
	ctx context.Context,
	phase string,
	handle types.JobHandle,
	opts WaitOptions,
	ceiling func(types.JobKind) time.Duration,
	done func(types.JobStatus) bool,
) (status types.JobStatus, err error) {
	if handle.IsZero() {
		return types.JobStatus{}, redfish.NewError(redfish.ErrInvalidRequest, "wait "+phase, 0, "job handle is empty", nil)
	}

	ctx, span := e.tracer.Start(ctx, "jobs.wait_"+phase, trace.WithAttributes(
		attribute.String("job.id", handle.ID),
		attribute.Bool("job.controller_reset", opts.ControllerReset),
	))
	defer func() {
		span.SetAttributes(attribute.String("job.state", string(status.State)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if phase == "complete" {
			e.observer.ObserveOutcome(handle, status, err)
		}
	}()

	if cached, ok := e.cachedTerminal(handle); ok {
		e.log.Debug().Str("job_id", handle.ID).Str("state", string(cached.State)).Msg("job already terminal")
		if cached.State.IsFailure() {
			return cached, failureFor(cached)
		}
		return cached, nil
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = e.cfg.pollInterval
	}

	started := e.cfg.now()
	kind := handle.Kind
	deadline := started.Add(ceiling(kind))

	budget := e.newRetryBudget()
	var (
		last        types.JobStatus
		outageStart time.Time
		attempts    int
	)

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return last, contextError(ctxErr, "wait "+phase+" "+handle.ID)
		}

		snapshot, pollErr := e.poll(ctx, handle)
		delay := interval

		switch {
		case pollErr == nil:
			if !outageStart.IsZero() {
				e.log.Info().Str("job_id", handle.ID).Dur("outage", e.cfg.now().Sub(outageStart)).Msg("endpoint reachable again")
			}
			outageStart = time.Time{}
			attempts = 0
			budget.Reset()

			if changed(last, snapshot) {
				e.observer.ObserveStatus(handle, snapshot)
				e.log.Debug().
					Str("job_id", handle.ID).
					Str("state", string(snapshot.State)).
					Str("raw_state", snapshot.RawState).
					Str("message", snapshot.Message).
					Msg("job snapshot")
			}
			last = snapshot

			if snapshot.Kind != types.JobKindUnknown && kind == types.JobKindUnknown {
				kind = snapshot.Kind
				deadline = started.Add(ceiling(kind))
			}

			if snapshot.State.IsTerminal() {
				e.storeTerminal(handle, snapshot)
				if snapshot.State.IsFailure() {
					return snapshot, failureFor(snapshot)
				}
			}
			if done(snapshot) {
				return snapshot, nil
			}

		case errors.Is(pollErr, redfish.ErrCancelled), errors.Is(pollErr, redfish.ErrTimeout):
			return last, pollErr

		case redfish.IsTransient(pollErr):
			attempts++
			if outageStart.IsZero() {
				outageStart = e.cfg.now()
			}
			e.observer.ObserveRetry(handle, attempts, pollErr)

			next := budget.NextBackOff()
			if next == backoff.Stop {
				outage := e.cfg.now().Sub(outageStart)
				if !opts.ControllerReset || outage >= e.cfg.controllerResetGrace {
					return last, fmt.Errorf("job %s: retry budget exhausted after %d attempts over %s: %w",
						handle.ID, attempts, outage.Round(time.Second), pollErr)
				}
				next = e.cfg.reconnectInterval
			}
			delay = next + e.cfg.jitter(next/10)

			e.log.Warn().
				Err(pollErr).
				Str("job_id", handle.ID).
				Int("attempt", attempts).
				Dur("retry_in", delay).
				Msg("job poll failed; retrying")
			e.probe(ctx)

		default:
			// auth failures, session invalidation, unknown handles: never retried
			return last, pollErr
		}

		now := e.cfg.now()
		if !now.Before(deadline) {
			message := last.Message
			if message == "" {
				message = fmt.Sprintf("job %s still %s after %s", handle.ID, last.State, deadline.Sub(started))
			}
			return last, redfish.NewError(redfish.ErrTimeout, "wait "+phase+" "+handle.ID, 0, message, nil)
		}
		if remaining := deadline.Sub(now); delay > remaining {
			delay = remaining
		}
		if sleepErr := e.cfg.sleep(ctx, delay); sleepErr != nil {
			return last, contextError(sleepErr, "wait "+phase+" "+handle.ID)
		}
	}
}

func (e *Engine) probe(ctx context.Context) {
	if e.prober == nil || e.client.Transport() == nil {
		return
	}
	host := e.client.Transport().Host()
	if err := e.prober.Probe(ctx, host); err != nil {
		e.log.Warn().Err(err).Str("host", host).Msg("endpoint unreachable")
		return
	}
	e.log.Debug().Str("host", host).Msg("endpoint reachable; service not answering")
}

// poll reads one snapshot. The handle's own path is tried first, then the
// manager job collections, then the task service; a 404 on one moves to the
// next. A handle found nowhere is an error.
func (e *Engine) poll(ctx context.Context, handle types.JobHandle) (types.JobStatus, error) {
	e.mu.Lock()
	working, known := e.working[handle.ID]
	e.mu.Unlock()
	if known {
		return e.read(ctx, working)
	}

	tried := make(map[string]bool)
	var lastErr error

	candidates := redfish.JobPollPaths(handle, managerFromCollection(handle.Collection, e.cfg.managerPath))
	for attempt := 0; attempt < 2; attempt++ {
		for _, path := range candidates {
			if tried[path] {
				continue
			}
			tried[path] = true

			status, err := e.read(ctx, path)
			if err == nil {
				e.mu.Lock()
				e.working[handle.ID] = path
				e.mu.Unlock()
				return status, nil
			}
			if !errors.Is(err, redfish.ErrNotSupported) {
				return types.JobStatus{}, err
			}
			lastErr = err
		}

		// second pass: discover the manager when the handle did not name one
		managerPath, err := e.managers.Resolve(ctx, e.client, redfish.ManagersPath, "")
		if err != nil {
			break
		}
		candidates = redfish.JobPollPaths(handle, managerPath)
	}

	return types.JobStatus{}, redfish.NewError(redfish.ErrNotSupported, "poll "+handle.ID, 404,
		fmt.Sprintf("job %s not found in any job or task collection", handle.ID), lastErr)
}

func (e *Engine) read(ctx context.Context, path string) (types.JobStatus, error) {
	entity, err := e.client.GetEntity(ctx, path)
	if err != nil {
		return types.JobStatus{}, err
	}
	return ParseStatus(entity, path, e.cfg.now()), nil
}

func (e *Engine) cachedTerminal(handle types.JobHandle) (types.JobStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	status, ok := e.terminal[handle.ID]
	return status, ok
}

func (e *Engine) storeTerminal(handle types.JobHandle, status types.JobStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.terminal[handle.ID]; !ok {
		e.terminal[handle.ID] = status
	}
}

func (e *Engine) newRetryBudget() backoff.BackOff {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     e.cfg.pollInterval,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         e.cfg.reconnectInterval,
		MaxElapsedTime:      e.cfg.retryWindow,
		Stop:                backoff.Stop,
		Clock:               clockFunc(e.cfg.now),
	}
	budget := backoff.WithMaxRetries(exp, uint64(e.cfg.retryAttempts))
	budget.Reset()
	return budget
}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

func changed(previous, next types.JobStatus) bool {
	return previous.State != next.State || previous.Message != next.Message || previous.RawState != next.RawState
}

func managerFromCollection(collection, configured string) string {
	if strings.TrimSpace(configured) != "" {
		return configured
	}
	parts := strings.Split(strings.Trim(collection, "/"), "/")
	// redfish/v1/Managers/<id>/...
	if len(parts) >= 4 && strings.EqualFold(parts[2], "Managers") {
		return "/" + strings.Join(parts[:4], "/")
	}
	return ""
}

func contextError(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return redfish.NewError(redfish.ErrTimeout, op, 0, "", err)
	}
	return redfish.NewError(redfish.ErrCancelled, op, 0, "", err)
}

func normalizeConfig(cfg Config) runtimeConfig {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	scheduleTimeout := cfg.ScheduleTimeout
	if scheduleTimeout <= 0 {
		scheduleTimeout = defaultScheduleTimeout
	}

	realtimeTimeout := cfg.RealtimeTimeout
	if realtimeTimeout <= 0 {
		realtimeTimeout = defaultRealtimeTimeout
	}

	stagedTimeout := cfg.StagedTimeout
	if stagedTimeout <= 0 {
		stagedTimeout = defaultStagedTimeout
	}

	retryAttempts := cfg.RetryAttempts
	if retryAttempts <= 0 {
		retryAttempts = defaultRetryAttempts
	}

	retryWindow := cfg.RetryWindow
	if retryWindow <= 0 {
		retryWindow = defaultRetryWindow
	}

	reconnectInterval := cfg.ReconnectInterval
	if reconnectInterval <= 0 {
		reconnectInterval = defaultReconnectInterval
	}
	if reconnectInterval < pollInterval {
		reconnectInterval = pollInterval
	}

	controllerResetGrace := cfg.ControllerResetGrace
	if controllerResetGrace <= 0 {
		controllerResetGrace = defaultControllerResetGrace
	}

	return runtimeConfig{
		pollInterval:         pollInterval,
		scheduleTimeout:      scheduleTimeout,
		realtimeTimeout:      realtimeTimeout,
		stagedTimeout:        stagedTimeout,
		retryAttempts:        retryAttempts,
		retryWindow:          retryWindow,
		reconnectInterval:    reconnectInterval,
		controllerResetGrace: controllerResetGrace,
		managerPath:          strings.TrimRight(strings.TrimSpace(cfg.ManagerPath), "/"),
		now:                  time.Now,
		sleep:                sleepWithContext,
		jitter:               cryptoJitter,
	}
}

func sleepWithContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func cryptoJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	value, err := rand.Int(rand.Reader, big.NewInt(max.Nanoseconds()+1))
	if err != nil {
		return 0
	}
	return time.Duration(value.Int64())
}
