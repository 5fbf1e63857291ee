// Package mejo is the workflow-facing facade over one managed endpoint. Each
// operation builds a payload, submits it through the resource client, and
// hands any job handle to the job engine and, when needed, the power
// coordinator.
package mejo

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"git.cscs.ch/openchami/chamicore-bmc/pkg/jobs"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/power"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/redfish"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/types"
)

// SettingsApplyTimeKey is the annotation carrying the apply-time policy on settings PATCHes.
const SettingsApplyTimeKey = "@Redfish.SettingsApplyTime"

// Config bundles the endpoint and the engine and coordinator settings.
type Config struct {
	Endpoint redfish.Endpoint
	Jobs     jobs.Config
	Power    power.Config
}

type options struct {
	logger        zerolog.Logger
	observers     jobs.Observers
	resetObserver power.ResetObserver
	tracer        trace.TracerProvider
	prober        *power.Prober
	noProbe       bool
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger shared by every layer.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithJobObserver registers a job lifecycle observer. It may be given more than once.
func WithJobObserver(observer jobs.Observer) Option {
	return func(o *options) {
		if observer != nil {
			o.observers = append(o.observers, observer)
		}
	}
}

// WithResetObserver registers a power reset observer.
func WithResetObserver(observer power.ResetObserver) Option {
	return func(o *options) {
		o.resetObserver = observer
	}
}

// WithTracerProvider sets the tracer provider for engine and coordinator spans.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(o *options) {
		o.tracer = provider
	}
}

// WithProber replaces the default connectivity probe.
func WithProber(prober power.Prober) Option {
	return func(o *options) {
		o.prober = &prober
		o.noProbe = false
	}
}

// WithoutProbe disables the out-of-band connectivity probe.
func WithoutProbe() Option {
	return func(o *options) {
		o.noProbe = true
	}
}

// Client drives workflows against one managed endpoint. Calls are blocking
// and meant to be serialised by the caller.
type Client struct {
	cfg      Config
	opts     []Option
	rf       *redfish.Client
	engine   *jobs.Engine
	power    *power.Coordinator
	managers *redfish.MemberResolver
	log      zerolog.Logger

	// controllerReset is set by ResetController and cleared by the next
	// successful wait.
	controllerReset atomic.Bool
}

// New builds a client for cfg.Endpoint.
func New(cfg Config, opts ...Option) (*Client, error) {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	rf, err := redfish.New(cfg.Endpoint, redfish.WithClientLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("creating endpoint client: %w", err)
	}

	engineOpts := []jobs.Option{jobs.WithLogger(o.logger), jobs.WithTracerProvider(o.tracer)}
	powerOpts := []power.Option{power.WithLogger(o.logger), power.WithTracerProvider(o.tracer)}
	if len(o.observers) > 0 {
		engineOpts = append(engineOpts, jobs.WithObserver(o.observers))
	}
	if o.resetObserver != nil {
		powerOpts = append(powerOpts, power.WithResetObserver(o.resetObserver))
	}
	if !o.noProbe {
		prober := power.Prober{}
		if o.prober != nil {
			prober = *o.prober
		}
		engineOpts = append(engineOpts, jobs.WithProber(prober))
		powerOpts = append(powerOpts, power.WithReachability(prober))
	}

	return &Client{
		cfg:      cfg,
		opts:     opts,
		rf:       rf,
		engine:   jobs.New(rf, cfg.Jobs, engineOpts...),
		power:    power.New(rf, cfg.Power, powerOpts...),
		managers: redfish.NewMemberResolver(),
		log:      o.logger.With().Str("component", "mejo").Logger(),
	}, nil
}

// Resources exposes the underlying resource client.
func (c *Client) Resources() *redfish.Client {
	return c.rf
}

// OpenSession logs in with user and password and returns a client that
// authenticates with the session token.
func (c *Client) OpenSession(ctx context.Context, user, password string) (*Client, redfish.Session, error) {
	session, err := c.rf.CreateSession(ctx, user, password)
	if err != nil {
		return nil, redfish.Session{}, err
	}
	cfg := c.cfg
	cfg.Endpoint.Auth = redfish.TokenAuth{Token: session.Token}
	sessionClient, err := New(cfg, c.opts...)
	if err != nil {
		return nil, redfish.Session{}, err
	}
	return sessionClient, session, nil
}

// CloseSession logs the session out.
func (c *Client) CloseSession(ctx context.Context, session redfish.Session) error {
	return c.rf.DeleteSession(ctx, session)
}

// ApplySettings PATCHes payload to a settings resource with the apply-time
// policy attached. The caller's payload is not modified.
func (c *Client) ApplySettings(ctx context.Context, path string, payload map[string]any, policy types.ApplyTimePolicy) (redfish.Submission, error) {
	op := "apply settings " + path
	if err := policy.Validate(); err != nil {
		return redfish.Submission{}, redfish.NewError(redfish.ErrInvalidRequest, op, 0, err.Error(), nil)
	}

	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body[SettingsApplyTimeKey] = policy.Payload()

	sub, err := c.rf.Patch(ctx, path, body)
	if err != nil {
		return sub, err
	}
	c.logSubmission(op, sub)
	return sub, nil
}

// InvokeAction POSTs payload to an action URL.
func (c *Client) InvokeAction(ctx context.Context, path string, payload map[string]any) (redfish.Submission, error) {
	sub, err := c.rf.Post(ctx, path, payload)
	if err != nil {
		return sub, err
	}
	c.logSubmission("invoke "+path, sub)
	return sub, nil
}

// DeleteResource DELETEs path.
func (c *Client) DeleteResource(ctx context.Context, path string) (redfish.Submission, error) {
	sub, err := c.rf.Delete(ctx, path)
	if err != nil {
		return sub, err
	}
	c.logSubmission("delete "+path, sub)
	return sub, nil
}

// WaitUntilScheduled polls the job until it is Scheduled or further along.
func (c *Client) WaitUntilScheduled(ctx context.Context, handle types.JobHandle, opts jobs.WaitOptions) (types.JobStatus, error) {
	opts = c.waitOptions(opts)
	status, err := c.engine.WaitUntilScheduled(ctx, handle, opts)
	c.settle(err)
	return status, err
}

// WaitUntilComplete polls the job to a terminal state.
func (c *Client) WaitUntilComplete(ctx context.Context, handle types.JobHandle, opts jobs.WaitOptions) (types.JobStatus, error) {
	opts = c.waitOptions(opts)
	status, err := c.engine.WaitUntilComplete(ctx, handle, opts)
	c.settle(err)
	return status, err
}

// JobStatus reads one snapshot of the job.
func (c *Client) JobStatus(ctx context.Context, handle types.JobHandle) (types.JobStatus, error) {
	return c.engine.Status(ctx, handle)
}

// Run drives a submission through its apply-time policy: Immediate waits for
// completion, OnReset waits for scheduling then reboots and waits, and
// AtMaintenanceWindowStart confirms the job exists. A submission without a job
// applied synchronously and yields an empty outcome.
func (c *Client) Run(ctx context.Context, sub redfish.Submission, policy types.ApplyTimePolicy, opts jobs.WaitOptions) (jobs.Outcome, error) {
	if !sub.HasJob() {
		return jobs.Outcome{}, nil
	}
	opts = c.waitOptions(opts)
	rebooter := jobs.RebootFunc(func(ctx context.Context) error {
		return c.power.Reboot(ctx, power.RebootOptions{ControllerReset: opts.ControllerReset})
	})
	outcome, err := c.engine.Drive(ctx, *sub.Handle, policy, rebooter, opts)
	c.settle(err)
	return outcome, err
}

// Reboot power-cycles the machine.
func (c *Client) Reboot(ctx context.Context, opts power.RebootOptions) error {
	if c.controllerReset.Load() {
		opts.ControllerReset = true
	}
	err := c.power.Reboot(ctx, opts)
	c.settle(err)
	return err
}

// PowerOn powers the machine on.
func (c *Client) PowerOn(ctx context.Context) error {
	return c.power.PowerOn(ctx)
}

// PowerOff powers the machine off, forcibly when force is set.
func (c *Client) PowerOff(ctx context.Context, force bool) error {
	return c.power.PowerOff(ctx, force)
}

// PowerState reads the current power state.
func (c *Client) PowerState(ctx context.Context) (types.PowerState, error) {
	return c.power.State(ctx)
}

// Download streams the resource at path into localFile and returns the byte count.
func (c *Client) Download(ctx context.Context, path, localFile string) (int64, error) {
	return c.rf.Download(ctx, path, localFile)
}

func (c *Client) waitOptions(opts jobs.WaitOptions) jobs.WaitOptions {
	if c.controllerReset.Load() {
		opts.ControllerReset = true
	}
	return opts
}

func (c *Client) settle(err error) {
	if err == nil {
		c.controllerReset.Store(false)
	}
}

func (c *Client) managerPath(ctx context.Context) (string, error) {
	if path := strings.TrimSpace(c.cfg.Jobs.ManagerPath); path != "" {
		return path, nil
	}
	return c.managers.Resolve(ctx, c.rf, redfish.ManagersPath, "")
}

func (c *Client) logSubmission(op string, sub redfish.Submission) {
	event := c.log.Info().Str("op", op)
	if sub.HasJob() {
		event = event.Str("job_id", sub.Handle.ID)
	} else {
		event = event.Bool("no_job", true)
	}
	event.Msg("request accepted")
}
