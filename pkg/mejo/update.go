package mejo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"git.cscs.ch/openchami/chamicore-bmc/pkg/redfish"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/types"
)

const (
	operationApplyTimeKey = "@Redfish.OperationApplyTime"
	maintenanceWindowKey  = "@Redfish.MaintenanceWindow"
	simpleUpdateAction    = "#UpdateService.SimpleUpdate"
)

// UploadAndInstall streams a firmware package to the multipart push URI and
// returns the update job. When path is empty the URI is read from the update
// service. The local file is closed before the call returns, so no handle is
// held while the job is polled.
func (c *Client) UploadAndInstall(ctx context.Context, path string, update types.UpdateDescriptor) (redfish.Submission, error) {
	op := "upload " + update.Path
	if err := update.Policy.Validate(); err != nil {
		return redfish.Submission{}, redfish.NewError(redfish.ErrInvalidRequest, op, 0, err.Error(), nil)
	}
	if strings.TrimSpace(update.Path) == "" {
		return redfish.Submission{}, redfish.NewError(redfish.ErrInvalidRequest, op, 0, "update file path is required", nil)
	}

	if strings.TrimSpace(path) == "" {
		service, err := c.rf.GetEntity(ctx, redfish.UpdateServicePath)
		if err != nil {
			return redfish.Submission{}, fmt.Errorf("reading update service: %w", err)
		}
		path = service.String("MultipartHttpPushUri")
		if path == "" {
			return redfish.Submission{}, redfish.NewError(redfish.ErrNotSupported, op, 0, "update service advertises no MultipartHttpPushUri", nil)
		}
	}

	file, err := os.Open(update.Path)
	if err != nil {
		return redfish.Submission{}, redfish.NewError(redfish.ErrInvalidRequest, op, 0, "", fmt.Errorf("opening update file: %w", err))
	}
	filename := update.Filename
	if filename == "" {
		filename = filepath.Base(update.Path)
	}

	sub, err := c.rf.MultipartUpload(ctx, path, updateParameters(update), filename, file)
	_ = file.Close()
	if err != nil {
		return sub, err
	}
	c.logSubmission(op, sub)
	return sub, nil
}

// SimpleUpdate asks the endpoint to fetch an image from imageURI itself.
func (c *Client) SimpleUpdate(ctx context.Context, imageURI string, update types.UpdateDescriptor) (redfish.Submission, error) {
	op := "simple update " + imageURI
	if strings.TrimSpace(imageURI) == "" {
		return redfish.Submission{}, redfish.NewError(redfish.ErrInvalidRequest, op, 0, "image URI is required", nil)
	}
	if err := update.Policy.Validate(); err != nil {
		return redfish.Submission{}, redfish.NewError(redfish.ErrInvalidRequest, op, 0, err.Error(), nil)
	}

	service, err := c.rf.GetEntity(ctx, redfish.UpdateServicePath)
	if err != nil {
		return redfish.Submission{}, fmt.Errorf("reading update service: %w", err)
	}
	target := service.ActionTarget(simpleUpdateAction)
	if target == "" {
		return redfish.Submission{}, redfish.NewError(redfish.ErrNotSupported, op, 0, "update service has no SimpleUpdate action", nil)
	}

	payload := updateParameters(update)
	payload["ImageURI"] = imageURI
	if update.TransferProtocol != "" {
		payload["TransferProtocol"] = strings.ToUpper(update.TransferProtocol)
	}

	sub, err := c.rf.Post(ctx, target, payload)
	if err != nil {
		return sub, err
	}
	c.logSubmission(op, sub)
	return sub, nil
}

func updateParameters(update types.UpdateDescriptor) map[string]any {
	params := make(map[string]any, len(update.Oem)+3)
	for k, v := range update.Oem {
		params[k] = v
	}
	if len(update.Targets) > 0 {
		params["Targets"] = append([]string(nil), update.Targets...)
	}

	policy := update.Policy.Payload()
	params[operationApplyTimeKey] = policy["ApplyTime"]
	if update.Policy.ApplyTime == types.ApplyTimeAtMaintenanceWindowStart {
		window := make(map[string]any, 2)
		for _, key := range []string{"MaintenanceWindowStartTime", "MaintenanceWindowDurationInSeconds"} {
			if v, ok := policy[key]; ok {
				window[key] = v
			}
		}
		params[maintenanceWindowKey] = window
	}
	return params
}
