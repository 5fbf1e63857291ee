package power

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.cscs.ch/openchami/chamicore-bmc/internal/redfishtest"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/redfish"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

type stubProbe struct {
	calls atomic.Int32
	err   error
}

func (p *stubProbe) Probe(context.Context, string) error {
	p.calls.Add(1)
	return p.err
}

type resetRecorder struct {
	mu     sync.Mutex
	resets []types.ResetType
	errs   int
}

func (r *resetRecorder) ObserveReset(resetType types.ResetType, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, resetType)
	if err != nil {
		r.errs++
	}
}

func newTestCoordinator(t *testing.T, server *redfishtest.Server, cfg Config, opts ...Option) (*Coordinator, *fakeClock) {
	t.Helper()
	client, err := redfish.New(redfish.Endpoint{Address: server.URL})
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	coordinator := New(client, cfg, opts...)
	coordinator.cfg.now = clock.Now
	coordinator.cfg.sleep = clock.Sleep
	return coordinator, clock
}

func TestReboot_GracefulShutdownThenOn(t *testing.T) {
	t.Parallel()

	server := redfishtest.New()
	t.Cleanup(server.Close)
	recorder := &resetRecorder{}
	coordinator, _ := newTestCoordinator(t, server, Config{}, WithResetObserver(recorder))

	require.NoError(t, coordinator.Reboot(context.Background(), RebootOptions{}))

	assert.Equal(t, []string{"GracefulShutdown", "On"}, server.Resets())
	assert.Equal(t, "On", server.PowerState())
	assert.Equal(t, []types.ResetType{types.ResetTypeGracefulShutdown, types.ResetTypeOn}, recorder.resets)
	assert.Zero(t, recorder.errs)
}

func TestReboot_ForcesOffAfterGrace(t *testing.T) {
	t.Parallel()

	server := redfishtest.New(redfishtest.WithIgnoredGracefulShutdown())
	t.Cleanup(server.Close)
	coordinator, clock := newTestCoordinator(t, server, Config{ShutdownGrace: time.Minute})
	start := clock.Now()

	require.NoError(t, coordinator.Reboot(context.Background(), RebootOptions{}))

	assert.Equal(t, []string{"GracefulShutdown", "ForceOff", "On"}, server.Resets())
	assert.Equal(t, "On", server.PowerState())
	assert.GreaterOrEqual(t, clock.Now().Sub(start), time.Minute)
}

func TestReboot_PerCallGraceOverridesConfig(t *testing.T) {
	t.Parallel()

	server := redfishtest.New(redfishtest.WithGracefulShutdownPolls(30))
	t.Cleanup(server.Close)
	coordinator, _ := newTestCoordinator(t, server, Config{ShutdownGrace: time.Minute})

	require.NoError(t, coordinator.Reboot(context.Background(), RebootOptions{ShutdownGrace: 15 * time.Minute}))

	assert.Equal(t, []string{"GracefulShutdown", "On"}, server.Resets())
}

func TestReboot_OffSystemIsOnlyPoweredOn(t *testing.T) {
	t.Parallel()

	server := redfishtest.New(redfishtest.WithPowerState("Off"))
	t.Cleanup(server.Close)
	coordinator, _ := newTestCoordinator(t, server, Config{})

	require.NoError(t, coordinator.Reboot(context.Background(), RebootOptions{}))

	assert.Equal(t, []string{"On"}, server.Resets())
	assert.Equal(t, "On", server.PowerState())
}

func TestReboot_ReturnsOnceOnIsAccepted(t *testing.T) {
	t.Parallel()

	server := redfishtest.New(redfishtest.WithPowerOnPolls(1000))
	t.Cleanup(server.Close)
	coordinator, clock := newTestCoordinator(t, server, Config{PowerOnTimeout: time.Minute})
	start := clock.Now()

	require.NoError(t, coordinator.Reboot(context.Background(), RebootOptions{}))

	assert.Equal(t, []string{"GracefulShutdown", "On"}, server.Resets())
	assert.Equal(t, "PoweringOn", server.PowerState())
	assert.Less(t, clock.Now().Sub(start), time.Minute)
}

func TestPowerOn_WaitsForOnState(t *testing.T) {
	t.Parallel()

	server := redfishtest.New(redfishtest.WithPowerState("Off"), redfishtest.WithPowerOnPolls(1000))
	t.Cleanup(server.Close)
	coordinator, _ := newTestCoordinator(t, server, Config{PowerOnTimeout: time.Minute})

	err := coordinator.PowerOn(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, redfish.ErrTimeout)
	assert.Equal(t, []string{"On"}, server.Resets())
}

func TestReboot_ToleratesShortOutage(t *testing.T) {
	t.Parallel()

	server := redfishtest.New()
	t.Cleanup(server.Close)
	coordinator, _ := newTestCoordinator(t, server, Config{})

	_, err := coordinator.SystemPath(context.Background())
	require.NoError(t, err)
	server.GoOffline(3)

	require.NoError(t, coordinator.Reboot(context.Background(), RebootOptions{}))
	assert.Equal(t, []string{"GracefulShutdown", "On"}, server.Resets())
}

func TestReboot_AbortsWhenHostUnreachable(t *testing.T) {
	t.Parallel()

	server := redfishtest.New()
	t.Cleanup(server.Close)
	probe := &stubProbe{err: errors.New("no route to host")}
	coordinator, _ := newTestCoordinator(t, server, Config{
		PollInterval:     15 * time.Second,
		InactivityBudget: 30 * time.Second,
	}, WithReachability(probe))

	_, err := coordinator.SystemPath(context.Background())
	require.NoError(t, err)
	server.GoOffline(1000)

	err = coordinator.Reboot(context.Background(), RebootOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, redfish.ErrTransientNetwork)
	assert.Contains(t, err.Error(), "endpoint unreachable")
	assert.Equal(t, int32(1), probe.calls.Load())
	assert.Empty(t, server.Resets())
}

func TestReboot_ReachableHostExtendsWait(t *testing.T) {
	t.Parallel()

	server := redfishtest.New()
	t.Cleanup(server.Close)
	probe := &stubProbe{}
	coordinator, _ := newTestCoordinator(t, server, Config{
		PollInterval:     15 * time.Second,
		InactivityBudget: 30 * time.Second,
	}, WithReachability(probe))

	_, err := coordinator.SystemPath(context.Background())
	require.NoError(t, err)
	server.GoOffline(4)

	require.NoError(t, coordinator.Reboot(context.Background(), RebootOptions{}))
	assert.Equal(t, int32(1), probe.calls.Load())
	assert.Equal(t, []string{"GracefulShutdown", "On"}, server.Resets())
}

func TestReboot_ControllerResetExtendsBudget(t *testing.T) {
	t.Parallel()

	server := redfishtest.New()
	t.Cleanup(server.Close)
	coordinator, _ := newTestCoordinator(t, server, Config{
		PollInterval:     15 * time.Second,
		InactivityBudget: 30 * time.Second,
	})

	_, err := coordinator.SystemPath(context.Background())
	require.NoError(t, err)
	server.GoOffline(12)

	require.NoError(t, coordinator.Reboot(context.Background(), RebootOptions{ControllerReset: true}))
	assert.Equal(t, "On", server.PowerState())
}

func TestPowerOff_Force(t *testing.T) {
	t.Parallel()

	server := redfishtest.New()
	t.Cleanup(server.Close)
	coordinator, _ := newTestCoordinator(t, server, Config{})

	require.NoError(t, coordinator.PowerOff(context.Background(), true))
	assert.Equal(t, []string{"ForceOff"}, server.Resets())

	state, err := coordinator.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.PowerStateOff, state)
}

func TestPowerOnAndOff_NoopWhenAlreadyThere(t *testing.T) {
	t.Parallel()

	server := redfishtest.New()
	t.Cleanup(server.Close)
	coordinator, _ := newTestCoordinator(t, server, Config{})

	require.NoError(t, coordinator.PowerOn(context.Background()))
	server.SetPowerState("Off")
	require.NoError(t, coordinator.PowerOff(context.Background(), false))

	assert.Empty(t, server.Resets())
}

func TestReboot_Cancelled(t *testing.T) {
	t.Parallel()

	server := redfishtest.New(redfishtest.WithIgnoredGracefulShutdown())
	t.Cleanup(server.Close)
	coordinator, _ := newTestCoordinator(t, server, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := coordinator.Reboot(ctx, RebootOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, redfish.ErrCancelled)
}
