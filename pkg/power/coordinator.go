// Package power drives the managed machine through power transitions and
// observes convergence across short periods of endpoint unavailability.
package power

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"git.cscs.ch/openchami/chamicore-bmc/pkg/redfish"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/types"
)

const (
	defaultPollInterval         = 15 * time.Second
	defaultShutdownGrace        = 5 * time.Minute
	defaultForceOffTimeout      = 2 * time.Minute
	defaultPowerOnTimeout       = 5 * time.Minute
	defaultInactivityBudget     = 2 * time.Minute
	defaultControllerResetGrace = 6 * time.Minute

	resetAction = "#ComputerSystem.Reset"
	tracerName  = "git.cscs.ch/openchami/chamicore-bmc/pkg/power"
)

// Config controls the reboot state machine. Zero values fall back to defaults.
type Config struct {
	PollInterval time.Duration
	// ShutdownGrace is how long a graceful shutdown may take before ForceOff.
	ShutdownGrace   time.Duration
	ForceOffTimeout time.Duration
	PowerOnTimeout  time.Duration
	// InactivityBudget bounds how long the endpoint may stay unreachable.
	InactivityBudget time.Duration
	// ControllerResetGrace replaces InactivityBudget for controller-reset operations.
	ControllerResetGrace time.Duration
	// SystemID selects the computer system; the first one is used when empty.
	SystemID string
}

type runtimeConfig struct {
	pollInterval         time.Duration
	shutdownGrace        time.Duration
	forceOffTimeout      time.Duration
	powerOnTimeout       time.Duration
	inactivityBudget     time.Duration
	controllerResetGrace time.Duration
	systemID             string
	now                  func() time.Time
	sleep                func(context.Context, time.Duration) error
}

// RebootOptions tunes one reboot.
type RebootOptions struct {
	// ShutdownGrace overrides the configured grace, for example 15 minutes for
	// OS-mediated shutdowns.
	ShutdownGrace time.Duration
	// ControllerReset extends the inactivity budget to the controller-reset grace.
	ControllerReset bool
}

// Reachability checks the endpoint host out of band.
type Reachability interface {
	Probe(ctx context.Context, host string) error
}

// ResetObserver is notified of every reset action issued.
type ResetObserver interface {
	ObserveReset(resetType types.ResetType, err error)
}

// Coordinator drives one computer system.
type Coordinator struct {
	client   *redfish.Client
	systems  *redfish.MemberResolver
	prober   Reachability
	observer ResetObserver
	cfg      runtimeConfig
	tracer   trace.Tracer
	log      zerolog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.log = logger.With().Str("component", "power-coordinator").Logger()
	}
}

// WithReachability sets the probe consulted when the endpoint stops answering.
func WithReachability(prober Reachability) Option {
	return func(c *Coordinator) {
		c.prober = prober
	}
}

// WithResetObserver registers a reset observer.
func WithResetObserver(observer ResetObserver) Option {
	return func(c *Coordinator) {
		c.observer = observer
	}
}

// WithTracerProvider sets the tracer provider. Defaults to the global provider.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(c *Coordinator) {
		if provider != nil {
			c.tracer = provider.Tracer(tracerName)
		}
	}
}

// New creates a power coordinator.
func New(client *redfish.Client, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		client:  client,
		systems: redfish.NewMemberResolver(),
		cfg:     normalizeConfig(cfg),
		tracer:  otel.Tracer(tracerName),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SystemPath returns the resolved computer system path.
func (c *Coordinator) SystemPath(ctx context.Context) (string, error) {
	return c.systems.Resolve(ctx, c.client, redfish.SystemsPath, c.cfg.systemID)
}

// State reads the current power state once.
func (c *Coordinator) State(ctx context.Context) (types.PowerState, error) {
	systemPath, err := c.SystemPath(ctx)
	if err != nil {
		return types.PowerStateUnknown, err
	}
	state, _, err := c.read(ctx, systemPath)
	return state, err
}

// Reboot power-cycles the machine: an Off machine is powered on; an On machine
// is shut down gracefully, forced off when the grace expires, and powered on.
// It returns as soon as the On reset is accepted; waiting for the host to come
// back is left to the job being driven.
func (c *Coordinator) Reboot(ctx context.Context, opts RebootOptions) (err error) {
	ctx, span := c.tracer.Start(ctx, "power.reboot", trace.WithAttributes(
		attribute.Bool("power.controller_reset", opts.ControllerReset),
	))
	defer endSpan(span, &err)

	systemPath, err := c.SystemPath(ctx)
	if err != nil {
		return fmt.Errorf("resolving system: %w", err)
	}

	state, target, err := c.readTolerant(ctx, systemPath, opts)
	if err != nil {
		return err
	}
	c.log.Info().Str("system", systemPath).Str("power_state", string(state)).Msg("reboot requested")

	if state != types.PowerStateOff {
		if err := c.shutdown(ctx, systemPath, target, state, opts); err != nil {
			return err
		}
	}
	if err := c.resetTolerant(ctx, systemPath, target, types.ResetTypeOn, types.PowerStateOn, opts); err != nil {
		return err
	}
	c.log.Info().Str("system", systemPath).Msg("power on accepted")
	return nil
}

// PowerOn powers the machine on and waits until it reports On.
func (c *Coordinator) PowerOn(ctx context.Context) (err error) {
	ctx, span := c.tracer.Start(ctx, "power.on")
	defer endSpan(span, &err)

	systemPath, err := c.SystemPath(ctx)
	if err != nil {
		return fmt.Errorf("resolving system: %w", err)
	}
	state, target, err := c.readTolerant(ctx, systemPath, RebootOptions{})
	if err != nil {
		return err
	}
	if state == types.PowerStateOn {
		return nil
	}
	return c.powerOn(ctx, systemPath, target, RebootOptions{})
}

// PowerOff shuts the machine down, gracefully unless force is set, and waits
// until it reports Off.
func (c *Coordinator) PowerOff(ctx context.Context, force bool) (err error) {
	ctx, span := c.tracer.Start(ctx, "power.off", trace.WithAttributes(attribute.Bool("power.force", force)))
	defer endSpan(span, &err)

	systemPath, err := c.SystemPath(ctx)
	if err != nil {
		return fmt.Errorf("resolving system: %w", err)
	}
	state, target, err := c.readTolerant(ctx, systemPath, RebootOptions{})
	if err != nil {
		return err
	}
	if state == types.PowerStateOff {
		return nil
	}
	if force {
		return c.forceOff(ctx, systemPath, target, RebootOptions{})
	}
	return c.shutdown(ctx, systemPath, target, state, RebootOptions{})
}

func (c *Coordinator) shutdown(ctx context.Context, systemPath, target string, state types.PowerState, opts RebootOptions) error {
	grace := opts.ShutdownGrace
	if grace <= 0 {
		grace = c.cfg.shutdownGrace
	}

	if state != types.PowerStatePoweringOff {
		if err := c.resetTolerant(ctx, systemPath, target, types.ResetTypeGracefulShutdown, types.PowerStateOff, opts); err != nil {
			return err
		}
	}

	reached, err := c.waitFor(ctx, systemPath, types.PowerStateOff, grace, opts)
	if err != nil {
		return err
	}
	if reached {
		return nil
	}

	c.log.Warn().Str("system", systemPath).Dur("grace", grace).Msg("graceful shutdown did not finish; forcing off")
	return c.forceOff(ctx, systemPath, target, opts)
}

func (c *Coordinator) forceOff(ctx context.Context, systemPath, target string, opts RebootOptions) error {
	if err := c.resetTolerant(ctx, systemPath, target, types.ResetTypeForceOff, types.PowerStateOff, opts); err != nil {
		return err
	}
	reached, err := c.waitFor(ctx, systemPath, types.PowerStateOff, c.cfg.forceOffTimeout, opts)
	if err != nil {
		return err
	}
	if !reached {
		return redfish.NewError(redfish.ErrTimeout, "power off "+systemPath, 0,
			fmt.Sprintf("system still not Off %s after ForceOff", c.cfg.forceOffTimeout), nil)
	}
	return nil
}

func (c *Coordinator) powerOn(ctx context.Context, systemPath, target string, opts RebootOptions) error {
	if err := c.resetTolerant(ctx, systemPath, target, types.ResetTypeOn, types.PowerStateOn, opts); err != nil {
		return err
	}
	reached, err := c.waitFor(ctx, systemPath, types.PowerStateOn, c.cfg.powerOnTimeout, opts)
	if err != nil {
		return err
	}
	if !reached {
		return redfish.NewError(redfish.ErrTimeout, "power on "+systemPath, 0,
			fmt.Sprintf("system still not On %s after power on", c.cfg.powerOnTimeout), nil)
	}
	c.log.Info().Str("system", systemPath).Msg("system powered on")
	return nil
}

// resetTolerant issues a reset, retrying only transport-level failures on the
// poll cadence. A rejected reset is accepted when the system already reports
// the wanted state.
func (c *Coordinator) resetTolerant(
	ctx context.Context,
	systemPath, target string,
	resetType types.ResetType,
	want types.PowerState,
	opts RebootOptions,
) error {
	tracker := c.newInactivity(opts)
	for {
		_, err := c.client.Post(ctx, target, map[string]any{"ResetType": string(resetType)})
		if c.observer != nil {
			c.observer.ObserveReset(resetType, err)
		}
		if err == nil {
			c.log.Info().Str("system", systemPath).Str("reset_type", string(resetType)).Msg("reset issued")
			return nil
		}

		if !redfish.IsTransient(err) || redfish.StatusOf(err) != 0 {
			state, _, readErr := c.read(ctx, systemPath)
			if readErr == nil && state == want {
				c.log.Debug().Str("reset_type", string(resetType)).Str("power_state", string(state)).Msg("reset rejected; already in state")
				return nil
			}
			if !redfish.IsTransient(err) {
				return fmt.Errorf("issuing %s: %w", resetType, err)
			}
		}

		if abortErr := tracker.fail(ctx, c, err); abortErr != nil {
			return fmt.Errorf("issuing %s: %w", resetType, abortErr)
		}
		if sleepErr := c.cfg.sleep(ctx, c.cfg.pollInterval); sleepErr != nil {
			return contextError(sleepErr, "reset "+string(resetType))
		}
	}
}

// waitFor polls until the system reports want or within elapses. Transient
// failures are tolerated for the inactivity budget.
func (c *Coordinator) waitFor(
	ctx context.Context,
	systemPath string,
	want types.PowerState,
	within time.Duration,
	opts RebootOptions,
) (bool, error) {
	deadline := c.cfg.now().Add(within)
	tracker := c.newInactivity(opts)

	for {
		state, _, err := c.read(ctx, systemPath)
		switch {
		case err == nil:
			tracker.ok()
			if state == want {
				return true, nil
			}
		case redfish.IsTransient(err):
			if abortErr := tracker.fail(ctx, c, err); abortErr != nil {
				return false, abortErr
			}
		default:
			return false, err
		}

		now := c.cfg.now()
		if !now.Before(deadline) {
			return false, nil
		}
		delay := c.cfg.pollInterval
		if remaining := deadline.Sub(now); delay > remaining {
			delay = remaining
		}
		if sleepErr := c.cfg.sleep(ctx, delay); sleepErr != nil {
			return false, contextError(sleepErr, "wait for "+string(want))
		}
	}
}

// readTolerant reads the state, tolerating transient failures for the inactivity budget.
func (c *Coordinator) readTolerant(ctx context.Context, systemPath string, opts RebootOptions) (types.PowerState, string, error) {
	tracker := c.newInactivity(opts)
	for {
		state, target, err := c.read(ctx, systemPath)
		if err == nil {
			return state, target, nil
		}
		if !redfish.IsTransient(err) {
			return types.PowerStateUnknown, "", err
		}
		if abortErr := tracker.fail(ctx, c, err); abortErr != nil {
			return types.PowerStateUnknown, "", abortErr
		}
		if sleepErr := c.cfg.sleep(ctx, c.cfg.pollInterval); sleepErr != nil {
			return types.PowerStateUnknown, "", contextError(sleepErr, "read power state")
		}
	}
}

func (c *Coordinator) read(ctx context.Context, systemPath string) (types.PowerState, string, error) {
	system, err := c.client.GetEntity(ctx, systemPath)
	if err != nil {
		return types.PowerStateUnknown, "", err
	}
	target := system.ActionTarget(resetAction)
	if target == "" {
		target = systemPath + "/Actions/ComputerSystem.Reset"
	}
	return types.ParsePowerState(system.String("PowerState")), target, nil
}

// inactivity tracks how long the endpoint has been unreachable. Once the budget
// is spent, the probe decides: an unreachable host aborts, a reachable host
// whose service is still down gets one more budget.
type inactivity struct {
	budget time.Duration
	since  time.Time
	probed bool
}

func (c *Coordinator) newInactivity(opts RebootOptions) *inactivity {
	budget := c.cfg.inactivityBudget
	if opts.ControllerReset && c.cfg.controllerResetGrace > budget {
		budget = c.cfg.controllerResetGrace
	}
	return &inactivity{budget: budget}
}

func (i *inactivity) ok() {
	i.since = time.Time{}
	i.probed = false
}

func (i *inactivity) fail(ctx context.Context, c *Coordinator, err error) error {
	now := c.cfg.now()
	if i.since.IsZero() {
		i.since = now
	}
	c.log.Warn().Err(err).Dur("unreachable_for", now.Sub(i.since)).Msg("endpoint not answering; retrying")

	if now.Sub(i.since) < i.budget {
		return nil
	}
	if !i.probed && c.prober != nil && c.client.Transport() != nil {
		i.probed = true
		if probeErr := c.prober.Probe(ctx, c.client.Transport().Host()); probeErr == nil {
			c.log.Info().Msg("host reachable; extending wait")
			i.since = now
			return nil
		}
	}
	return fmt.Errorf("endpoint unreachable for %s: %w", now.Sub(i.since).Round(time.Second), err)
}

func endSpan(span trace.Span, err *error) {
	if err != nil && *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
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

	shutdownGrace := cfg.ShutdownGrace
	if shutdownGrace <= 0 {
		shutdownGrace = defaultShutdownGrace
	}

	forceOffTimeout := cfg.ForceOffTimeout
	if forceOffTimeout <= 0 {
		forceOffTimeout = defaultForceOffTimeout
	}

	powerOnTimeout := cfg.PowerOnTimeout
	if powerOnTimeout <= 0 {
		powerOnTimeout = defaultPowerOnTimeout
	}

	inactivityBudget := cfg.InactivityBudget
	if inactivityBudget <= 0 {
		inactivityBudget = defaultInactivityBudget
	}

	controllerResetGrace := cfg.ControllerResetGrace
	if controllerResetGrace <= 0 {
		controllerResetGrace = defaultControllerResetGrace
	}

	return runtimeConfig{
		pollInterval:         pollInterval,
		shutdownGrace:        shutdownGrace,
		forceOffTimeout:      forceOffTimeout,
		powerOnTimeout:       powerOnTimeout,
		inactivityBudget:     inactivityBudget,
		controllerResetGrace: controllerResetGrace,
		systemID:             cfg.SystemID,
		now:                  time.Now,
		sleep:                sleepWithContext,
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
