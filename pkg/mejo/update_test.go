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
	"git.cscs.ch/openchami/chamicore-bmc/pkg/redfish"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/types"
)

func writeImage(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))
	return path
}

func TestUploadAndInstall_DiscoversPushURI(t *testing.T) {
	t.Parallel()

	server := redfishtest.New()
	t.Cleanup(server.Close)
	server.OnUpload(redfishtest.Reply{Status: http.StatusAccepted, Location: jobsPath + "JID_2001"})
	server.AddJob(jobsPath+"JID_2001",
		redfishtest.JobStep{State: "Downloading", Message: "Downloading", Percent: 10, JobType: "FirmwareUpdate"},
		redfishtest.JobStep{State: "Completed", Message: "Job completed successfully.", Percent: 100, JobType: "FirmwareUpdate"},
	)
	client := newTestClient(t, server)
	image := writeImage(t, "BIOS_X1.EXE", 4096)

	sub, err := client.UploadAndInstall(context.Background(), "", types.UpdateDescriptor{
		Path:    image,
		Policy:  types.Immediate(),
		Targets: []string{"/redfish/v1/UpdateService/FirmwareInventory/BIOS"},
	})
	require.NoError(t, err)
	require.True(t, sub.HasJob())

	uploads := server.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "BIOS_X1.EXE", uploads[0].Filename)
	assert.EqualValues(t, 4096, uploads[0].Size)
	assert.Equal(t, "Immediate", uploads[0].Parameters["@Redfish.OperationApplyTime"])
	assert.Equal(t, []any{"/redfish/v1/UpdateService/FirmwareInventory/BIOS"}, uploads[0].Parameters["Targets"])

	status, err := client.WaitUntilComplete(context.Background(), *sub.Handle, jobs.WaitOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.JobStateCompleted, status.State)
	assert.Equal(t, types.JobKindUpdate, status.Kind)
}

func TestUploadAndInstall_MaintenanceWindowParameters(t *testing.T) {
	t.Parallel()

	server := redfishtest.New()
	t.Cleanup(server.Close)
	server.OnUpload(redfishtest.Reply{Status: http.StatusAccepted, Location: jobsPath + "JID_2002"})
	client := newTestClient(t, server)

	start := time.Date(2026, 12, 24, 22, 0, 0, 0, time.UTC)
	_, err := client.UploadAndInstall(context.Background(), redfishtest.MultipartPath, types.UpdateDescriptor{
		Path:     writeImage(t, "fw.bin", 16),
		Filename: "renamed.bin",
		Policy:   types.MaintenanceWindow(start, 2*time.Hour),
		Oem:      map[string]any{"Oem": map[string]any{"Dell": map[string]any{"InstallUpon": "NextReboot"}}},
	})
	require.NoError(t, err)

	uploads := server.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "renamed.bin", uploads[0].Filename)
	params := uploads[0].Parameters
	assert.Equal(t, "AtMaintenanceWindowStart", params["@Redfish.OperationApplyTime"])
	assert.Equal(t, map[string]any{
		"MaintenanceWindowStartTime":         "2026-12-24T22:00:00Z",
		"MaintenanceWindowDurationInSeconds": float64(7200),
	}, params["@Redfish.MaintenanceWindow"])
	assert.Contains(t, params, "Oem")
}

func TestUploadAndInstall_MissingFile(t *testing.T) {
	t.Parallel()

	server := redfishtest.New()
	t.Cleanup(server.Close)
	client := newTestClient(t, server)

	_, err := client.UploadAndInstall(context.Background(), redfishtest.MultipartPath, types.UpdateDescriptor{
		Path: filepath.Join(t.TempDir(), "absent.bin"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, redfish.ErrInvalidRequest)
	assert.Empty(t, server.Uploads())
}

func TestUploadAndInstall_NoPushURI(t *testing.T) {
	t.Parallel()

	server := redfishtest.New()
	t.Cleanup(server.Close)
	server.AddResource(redfish.UpdateServicePath, map[string]any{"Id": "UpdateService"})
	client := newTestClient(t, server)

	_, err := client.UploadAndInstall(context.Background(), "", types.UpdateDescriptor{Path: writeImage(t, "fw.bin", 8)})
	require.Error(t, err)
	assert.ErrorIs(t, err, redfish.ErrNotSupported)
}

func TestSimpleUpdate(t *testing.T) {
	t.Parallel()

	server := redfishtest.New()
	t.Cleanup(server.Close)
	target := "/redfish/v1/UpdateService/Actions/UpdateService.SimpleUpdate"
	server.OnSubmit(http.MethodPost, target, redfishtest.Reply{Status: http.StatusAccepted, Location: "/redfish/v1/TaskService/Tasks/JID_2003"})
	client := newTestClient(t, server)

	sub, err := client.SimpleUpdate(context.Background(), "http://repo.example/fw.exe", types.UpdateDescriptor{
		TransferProtocol: "http",
		Policy:           types.OnReset(),
	})
	require.NoError(t, err)
	require.True(t, sub.HasJob())
	assert.Equal(t, "JID_2003", sub.Handle.ID)

	posts := server.RequestsTo(http.MethodPost, target)
	require.Len(t, posts, 1)
	assert.Equal(t, "http://repo.example/fw.exe", posts[0].Body["ImageURI"])
	assert.Equal(t, "HTTP", posts[0].Body["TransferProtocol"])
	assert.Equal(t, "OnReset", posts[0].Body["@Redfish.OperationApplyTime"])
}
