package main

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.cscs.ch/openchami/chamicore-bmc/pkg/redfish"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/types"
)

func TestParseHandle(t *testing.T) {
	t.Parallel()

	bare := parseHandle(" JID_123 ")
	assert.Equal(t, "JID_123", bare.ID)
	assert.Empty(t, bare.Location)

	located := parseHandle("/redfish/v1/Managers/iDRAC.Embedded.1/Jobs/JID_456")
	assert.Equal(t, "JID_456", located.ID)
	assert.Equal(t, "/redfish/v1/Managers/iDRAC.Embedded.1/Jobs/JID_456", located.Location)
}

func TestPolicyFlags(t *testing.T) {
	t.Parallel()

	immediate := policyFlags{applyTime: "immediate"}
	policy, err := immediate.policy()
	require.NoError(t, err)
	assert.Equal(t, types.ApplyTimeImmediate, policy.ApplyTime)

	onReset := policyFlags{applyTime: "on-reset"}
	policy, err = onReset.policy()
	require.NoError(t, err)
	assert.Equal(t, types.ApplyTimeOnReset, policy.ApplyTime)

	window := policyFlags{applyTime: "maintenance-window", windowStart: "2026-01-02T03:00:00Z", windowDuration: 2 * time.Hour}
	policy, err = window.policy()
	require.NoError(t, err)
	assert.Equal(t, types.ApplyTimeAtMaintenanceWindowStart, policy.ApplyTime)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC), policy.WindowStart.UTC())
	assert.Equal(t, 2*time.Hour, policy.WindowDuration)

	missing := policyFlags{applyTime: "maintenance-window"}
	_, err = missing.policy()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--window-start")

	_, err = (&policyFlags{applyTime: "later"}).policy()
	require.Error(t, err)
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, exitJobFailed, exitCode(redfish.NewError(redfish.ErrJobFailed, "wait", 0, "failed", nil)))
	assert.Equal(t, exitTimeout, exitCode(fmt.Errorf("waiting: %w", redfish.ErrTimeout)))
	assert.Equal(t, exitAuth, exitCode(redfish.NewError(redfish.ErrAuthFailure, "get", 401, "", nil)))
	assert.Equal(t, 1, exitCode(fmt.Errorf("boom")))
}

func TestReadPayload(t *testing.T) {
	t.Parallel()

	payload, err := readPayload(strings.NewReader(`{"Attributes":{"BootMode":"Uefi"}}`), "-")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"Attributes": map[string]any{"BootMode": "Uefi"}}, payload)

	_, err = readPayload(strings.NewReader("not json"), "-")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding payload")
}

func TestPrintStatus(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	printStatus(&out, types.JobStatus{ID: "JID_1", State: types.JobStateFailed, Reason: "failed", Message: "bad attribute"})
	assert.Equal(t, "job JID_1: Failed (failed): bad attribute\n", out.String())

	out.Reset()
	printStatus(&out, types.JobStatus{})
	assert.Empty(t, out.String())
}

func TestResetObserversToleratesNil(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		resetObservers{}.ObserveReset(types.ResetTypeOn, nil)
	})
}
