package mejo

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.cscs.ch/openchami/chamicore-bmc/internal/redfishtest"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/jobs"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/power"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/redfish"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/types"
)

const (
	jobsPath     = redfishtest.ManagerPath + "/Jobs/"
	biosSettings = redfishtest.SystemPath + "/Bios/Settings"
)

func newTestClient(t *testing.T, server *redfishtest.Server, opts ...Option) *Client {
	t.Helper()
	client, err := New(Config{
		Endpoint: redfish.Endpoint{
			Address: server.URL,
			Auth:    redfish.BasicAuth{User: "root", Password: "calvin"},
		},
		Jobs:  jobs.Config{PollInterval: 5 * time.Millisecond, ReconnectInterval: 5 * time.Millisecond},
		Power: power.Config{PollInterval: 5 * time.Millisecond},
	}, append([]Option{WithoutProbe()}, opts...)...)
	require.NoError(t, err)
	return client
}

func TestApplySettings_ImmediateCompletes(t *testing.T) {
	t.Parallel()

	server := redfishtest.New(redfishtest.WithBasicAuth("root", "calvin"))
	t.Cleanup(server.Close)
	server.OnSubmit(http.MethodPatch, biosSettings, redfishtest.Reply{Status: http.StatusAccepted, Location: jobsPath + "JID_1001"})
	server.AddJob(jobsPath+"JID_1001",
		redfishtest.JobStep{State: "Running", Message: "Applying", Percent: 50, JobType: "RealTimeNoRebootConfiguration"},
		redfishtest.JobStep{State: "Completed", Message: "Job completed successfully.", Percent: 100, JobType: "RealTimeNoRebootConfiguration"},
	)
	client := newTestClient(t, server)

	payload := map[string]any{"Attributes": map[string]any{"BootMode": "Uefi"}}
	sub, err := client.ApplySettings(context.Background(), biosSettings, payload, types.Immediate())
	require.NoError(t, err)
	require.True(t, sub.HasJob())
	assert.Equal(t, "JID_1001", sub.Handle.ID)
	assert.NotContains(t, payload, SettingsApplyTimeKey)

	patches := server.RequestsTo(http.MethodPatch, biosSettings)
	require.Len(t, patches, 1)
	assert.Equal(t, map[string]any{"ApplyTime": "Immediate"}, patches[0].Body[SettingsApplyTimeKey])

	outcome, err := client.Run(context.Background(), sub, types.Immediate(), jobs.WaitOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.JobStateCompleted, outcome.Status.State)
	assert.Equal(t, types.JobKindRealtime, outcome.Status.Kind)
	assert.False(t, outcome.Rebooted)
	assert.Empty(t, server.Resets())
}

func TestRun_OnResetRebootsThroughCoordinator(t *testing.T) {
	t.Parallel()

	server := redfishtest.New(redfishtest.WithBasicAuth("root", "calvin"))
	t.Cleanup(server.Close)
	server.OnSubmit(http.MethodPatch, biosSettings, redfishtest.Reply{Status: http.StatusAccepted, Location: jobsPath + "JID_1002"})
	server.AddJob(jobsPath+"JID_1002",
		redfishtest.JobStep{State: "Scheduled", Message: "Task successfully scheduled.", Percent: 0, JobType: "BIOSConfiguration", HoldUntilPowerOn: true},
		redfishtest.JobStep{State: "Running", Message: "Applying", Percent: 40, JobType: "BIOSConfiguration"},
		redfishtest.JobStep{State: "Completed", Message: "Job completed successfully.", Percent: 100, JobType: "BIOSConfiguration"},
	)
	client := newTestClient(t, server)

	sub, err := client.ApplySettings(context.Background(), biosSettings, map[string]any{"Attributes": map[string]any{}}, types.OnReset())
	require.NoError(t, err)

	outcome, err := client.Run(context.Background(), sub, types.OnReset(), jobs.WaitOptions{})
	require.NoError(t, err)
	assert.True(t, outcome.Rebooted)
	assert.Equal(t, types.JobStateCompleted, outcome.Status.State)
	assert.Equal(t, []string{"GracefulShutdown", "On"}, server.Resets())
	assert.Equal(t, "On", server.PowerState())
}

func TestRun_MaintenanceWindowIsDeferred(t *testing.T) {
	t.Parallel()

	server := redfishtest.New()
	t.Cleanup(server.Close)
	server.OnSubmit(http.MethodPatch, biosSettings, redfishtest.Reply{Status: http.StatusAccepted, Location: jobsPath + "JID_1003"})
	server.AddJob(jobsPath+"JID_1003", redfishtest.JobStep{State: "Scheduled", Message: "Task successfully scheduled.", Percent: -1})
	client := newTestClient(t, server)

	start := time.Date(2026, 11, 1, 2, 0, 0, 0, time.UTC)
	policy := types.MaintenanceWindow(start, time.Hour)
	sub, err := client.ApplySettings(context.Background(), biosSettings, map[string]any{"Attributes": map[string]any{}}, policy)
	require.NoError(t, err)

	patches := server.RequestsTo(http.MethodPatch, biosSettings)
	require.Len(t, patches, 1)
	applyTime, ok := patches[0].Body[SettingsApplyTimeKey].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "AtMaintenanceWindowStart", applyTime["ApplyTime"])
	assert.Equal(t, "2026-11-01T02:00:00Z", applyTime["MaintenanceWindowStartTime"])
	assert.EqualValues(t, 3600, applyTime["MaintenanceWindowDurationInSeconds"])

	outcome, err := client.Run(context.Background(), sub, policy, jobs.WaitOptions{})
	require.NoError(t, err)
	assert.True(t, outcome.Deferred)
	assert.Equal(t, types.JobStateScheduled, outcome.Status.State)
	assert.Empty(t, server.Resets())
}

func TestApplySettings_RejectsWindowWithoutStart(t *testing.T) {
	t.Parallel()

	server := redfishtest.New()
	t.Cleanup(server.Close)
	client := newTestClient(t, server)

	_, err := client.ApplySettings(context.Background(), biosSettings, map[string]any{},
		types.ApplyTimePolicy{ApplyTime: types.ApplyTimeAtMaintenanceWindowStart})
	require.Error(t, err)
	assert.ErrorIs(t, err, redfish.ErrInvalidRequest)
	assert.Empty(t, server.RequestsTo(http.MethodPatch, biosSettings))
}

func TestRun_NoJobIsEmptyOutcome(t *testing.T) {
	t.Parallel()

	server := redfishtest.New()
	t.Cleanup(server.Close)
	server.OnSubmit(http.MethodPatch, redfishtest.ManagerPath, redfishtest.Reply{Status: http.StatusOK, Body: map[string]any{"Id": "iDRAC.Embedded.1"}})
	client := newTestClient(t, server)

	sub, err := client.ApplySettings(context.Background(), redfishtest.ManagerPath, map[string]any{"DateTime": "2026-01-01T00:00:00Z"}, types.Immediate())
	require.NoError(t, err)
	assert.False(t, sub.HasJob())

	outcome, err := client.Run(context.Background(), sub, types.Immediate(), jobs.WaitOptions{})
	require.NoError(t, err)
	assert.True(t, outcome.Handle.IsZero())
}

func TestWaitUntilComplete_FailedJob(t *testing.T) {
	t.Parallel()

	server := redfishtest.New()
	t.Cleanup(server.Close)
	server.OnSubmit(http.MethodPost, redfishtest.ManagerPath+"/Actions/Oem/EID_674_Manager.ImportSystemConfiguration",
		redfishtest.Reply{Status: http.StatusAccepted, Location: jobsPath + "JID_1004"})
	server.AddJob(jobsPath+"JID_1004",
		redfishtest.JobStep{State: "Failed", Message: "Unable to apply the configuration.", Percent: 100},
	)
	client := newTestClient(t, server)

	sub, err := client.InvokeAction(context.Background(),
		redfishtest.ManagerPath+"/Actions/Oem/EID_674_Manager.ImportSystemConfiguration",
		map[string]any{"ShareParameters": map[string]any{"Target": "ALL"}})
	require.NoError(t, err)
	require.True(t, sub.HasJob())

	status, err := client.WaitUntilComplete(context.Background(), *sub.Handle, jobs.WaitOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, redfish.ErrJobFailed)
	assert.Equal(t, types.JobStateFailed, status.State)
	assert.Equal(t, "Unable to apply the configuration.", status.Message)
}

func TestOpenSession_UsesToken(t *testing.T) {
	t.Parallel()

	server := redfishtest.New(redfishtest.WithBasicAuth("root", "calvin"))
	t.Cleanup(server.Close)
	client := newTestClient(t, server)

	sessionClient, session, err := client.OpenSession(context.Background(), "root", "calvin")
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token)

	state, err := sessionClient.PowerState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.PowerStateOn, state)

	require.NoError(t, sessionClient.CloseSession(context.Background(), session))
}

func TestPowerControl(t *testing.T) {
	t.Parallel()

	server := redfishtest.New()
	t.Cleanup(server.Close)
	client := newTestClient(t, server)

	require.NoError(t, client.PowerOff(context.Background(), true))
	assert.Equal(t, "Off", server.PowerState())
	require.NoError(t, client.PowerOn(context.Background()))
	assert.Equal(t, "On", server.PowerState())
	assert.Equal(t, []string{"ForceOff", "On"}, server.Resets())
}

func TestReboot_FromOff(t *testing.T) {
	t.Parallel()

	server := redfishtest.New(redfishtest.WithPowerState("Off"))
	t.Cleanup(server.Close)
	client := newTestClient(t, server)

	require.NoError(t, client.Reboot(context.Background(), power.RebootOptions{}))
	assert.Equal(t, []string{"On"}, server.Resets())
}

func TestDownload(t *testing.T) {
	t.Parallel()

	server := redfishtest.New()
	t.Cleanup(server.Close)
	server.AddResource("/download/tsr.zip", map[string]any{"content": "support-archive"})
	client := newTestClient(t, server)

	target := filepath.Join(t.TempDir(), "tsr.zip")
	written, err := client.Download(context.Background(), "/download/tsr.zip", target)
	require.NoError(t, err)
	assert.EqualValues(t, len("support-archive"), written)

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "support-archive", string(content))
}
