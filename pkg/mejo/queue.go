package mejo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"git.cscs.ch/openchami/chamicore-bmc/pkg/jobs"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/redfish"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/types"
)

const (
	// ClearAllJobID clears every job and pending configuration in the vendor queue.
	ClearAllJobID = "JID_CLEARALL"

	managerResetAction = "#Manager.Reset"
	jobsExpand         = "*($levels=1)"
)

// ListJobs returns a snapshot of every job in the manager job queue.
func (c *Client) ListJobs(ctx context.Context) ([]types.JobStatus, error) {
	manager, err := c.managerPath(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving manager: %w", err)
	}
	collection := manager + "/Jobs"

	members, err := c.rf.GetCollection(ctx, collection, redfish.CollectionOptions{Expand: jobsExpand})
	if err != nil {
		return nil, err
	}

	out := make([]types.JobStatus, 0, len(members))
	for _, member := range members {
		source := member.ODataID()
		// endpoints that ignore $expand return bare references
		if _, expanded := member["Id"]; !expanded && source != "" {
			member, err = c.rf.GetEntity(ctx, source)
			if err != nil {
				return nil, fmt.Errorf("reading job %s: %w", source, err)
			}
		}
		out = append(out, jobs.ParseStatus(member, source, time.Now()))
	}
	return out, nil
}

// DeleteJob removes one job from the manager job queue.
func (c *Client) DeleteJob(ctx context.Context, jobID string) (redfish.Submission, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return redfish.Submission{}, redfish.NewError(redfish.ErrInvalidRequest, "delete job", 0, "job id is required", nil)
	}
	manager, err := c.managerPath(ctx)
	if err != nil {
		return redfish.Submission{}, fmt.Errorf("resolving manager: %w", err)
	}
	sub, err := c.DeleteResource(ctx, manager+"/Jobs/"+jobID)
	if err != nil {
		return sub, err
	}
	c.engine.Forget(jobID)
	return sub, nil
}

// ClearJobQueue deletes every job through the vendor job service.
func (c *Client) ClearJobQueue(ctx context.Context) (redfish.Submission, error) {
	manager, err := c.managerPath(ctx)
	if err != nil {
		return redfish.Submission{}, fmt.Errorf("resolving manager: %w", err)
	}
	target := fmt.Sprintf("/redfish/v1/Dell/Managers/%s/DellJobService/Actions/DellJobService.DeleteJobQueue",
		redfish.MemberID(manager))
	return c.InvokeAction(ctx, target, map[string]any{"JobID": ClearAllJobID})
}

// ResetController restarts the management controller. Until the next
// successful wait, waits and reboots tolerate the longer controller-reset
// outage.
func (c *Client) ResetController(ctx context.Context) (redfish.Submission, error) {
	manager, err := c.managerPath(ctx)
	if err != nil {
		return redfish.Submission{}, fmt.Errorf("resolving manager: %w", err)
	}
	entity, err := c.rf.GetEntity(ctx, manager)
	if err != nil {
		return redfish.Submission{}, err
	}
	target := entity.ActionTarget(managerResetAction)
	if target == "" {
		target = manager + "/Actions/Manager.Reset"
	}

	sub, err := c.InvokeAction(ctx, target, map[string]any{"ResetType": string(types.ResetTypeGracefulRestart)})
	if err != nil {
		return sub, err
	}
	c.controllerReset.Store(true)
	c.log.Warn().Str("manager", manager).Msg("controller reset requested; expecting an outage")
	return sub, nil
}
