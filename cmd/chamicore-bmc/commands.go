package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"git.cscs.ch/openchami/chamicore-bmc/internal/events"
	"git.cscs.ch/openchami/chamicore-bmc/internal/metrics"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/jobs"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/power"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/redfish"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/types"
)

const (
	exitJobFailed = 2
	exitTimeout   = 3
	exitAuth      = 4
)

type resetObservers struct {
	collector *metrics.Collector
	publisher *events.Publisher
}

func (r resetObservers) ObserveReset(resetType types.ResetType, err error) {
	if r.collector != nil {
		r.collector.ObserveReset(resetType, err)
	}
	if r.publisher != nil {
		r.publisher.ObserveReset(resetType, err)
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, redfish.ErrJobFailed):
		return exitJobFailed
	case errors.Is(err, redfish.ErrTimeout):
		return exitTimeout
	case errors.Is(err, redfish.ErrAuthFailure), errors.Is(err, redfish.ErrSessionInvalidated):
		return exitAuth
	default:
		return 1
	}
}

// policyFlags are the apply-time flags shared by submitting commands.
type policyFlags struct {
	applyTime      string
	windowStart    string
	windowDuration time.Duration
}

func (f *policyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.applyTime, "apply-time", "immediate", "When to apply: immediate, on-reset, or maintenance-window")
	cmd.Flags().StringVar(&f.windowStart, "window-start", "", "Maintenance window start (RFC3339)")
	cmd.Flags().DurationVar(&f.windowDuration, "window-duration", time.Hour, "Maintenance window duration")
}

func (f *policyFlags) policy() (types.ApplyTimePolicy, error) {
	applyTime, err := types.ParseApplyTime(f.applyTime)
	if err != nil {
		return types.ApplyTimePolicy{}, err
	}
	if applyTime != types.ApplyTimeAtMaintenanceWindowStart {
		return types.ApplyTimePolicy{ApplyTime: applyTime}, nil
	}
	if strings.TrimSpace(f.windowStart) == "" {
		return types.ApplyTimePolicy{}, fmt.Errorf("--window-start is required with --apply-time %s", f.applyTime)
	}
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(f.windowStart))
	if err != nil {
		return types.ApplyTimePolicy{}, fmt.Errorf("parsing --window-start: %w", err)
	}
	return types.MaintenanceWindow(start, f.windowDuration), nil
}

// waitFlags control how a submitted job is followed.
type waitFlags struct {
	noWait  bool
	timeout time.Duration
}

func (f *waitFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.noWait, "no-wait", false, "Return after submission without polling the job")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Override the per-kind wait ceiling")
}

func (a *app) follow(cmd *cobra.Command, sub redfish.Submission, policy types.ApplyTimePolicy, wait waitFlags) error {
	out := cmd.OutOrStdout()
	if !sub.HasJob() {
		fmt.Fprintln(out, "applied (no job)")
		return nil
	}
	fmt.Fprintf(out, "job %s submitted\n", sub.Handle.ID)
	if wait.noWait {
		return nil
	}

	outcome, err := a.client.Run(cmd.Context(), sub, policy, jobs.WaitOptions{Timeout: wait.timeout})
	printStatus(out, outcome.Status)
	if err != nil {
		return err
	}
	switch {
	case outcome.Deferred:
		fmt.Fprintf(out, "job %s deferred; it will run at the next reset or maintenance window\n", sub.Handle.ID)
	case outcome.Rebooted:
		fmt.Fprintf(out, "job %s completed after reboot\n", sub.Handle.ID)
	}
	return nil
}

func powerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "power",
		Short: "Read or change the machine power state",
	}

	state := &cobra.Command{
		Use:   "state",
		Short: "Show the current power state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			current, err := a.client.PowerState(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), current)
			return nil
		},
	}

	on := &cobra.Command{
		Use:   "on",
		Short: "Power the machine on",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.client.PowerOn(cmd.Context())
		},
	}

	var force bool
	off := &cobra.Command{
		Use:   "off",
		Short: "Shut the machine down",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.client.PowerOff(cmd.Context(), force)
		},
	}
	off.Flags().BoolVar(&force, "force", false, "Force off instead of a graceful shutdown")

	var rebootOpts power.RebootOptions
	reboot := &cobra.Command{
		Use:   "reboot",
		Short: "Power-cycle the machine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.client.Reboot(cmd.Context(), rebootOpts); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "power on accepted")
			return nil
		},
	}
	reboot.Flags().DurationVar(&rebootOpts.ShutdownGrace, "grace", 0, "Graceful shutdown budget before forcing off")
	reboot.Flags().BoolVar(&rebootOpts.ControllerReset, "controller-reset", false, "Tolerate a controller restart while rebooting")

	cmd.AddCommand(state, on, off, reboot)
	return cmd
}

func settingsCmd(a *app) *cobra.Command {
	var (
		payloadFile string
		policy      policyFlags
		wait        waitFlags
	)
	cmd := &cobra.Command{
		Use:   "settings <settings-path>",
		Short: "PATCH attributes to a settings resource and follow the job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), payloadFile)
			if err != nil {
				return err
			}
			p, err := policy.policy()
			if err != nil {
				return err
			}
			sub, err := a.client.ApplySettings(cmd.Context(), args[0], payload, p)
			if err != nil {
				return err
			}
			return a.follow(cmd, sub, p, wait)
		},
	}
	cmd.Flags().StringVarP(&payloadFile, "file", "f", "-", "JSON payload file, - for stdin")
	policy.register(cmd)
	wait.register(cmd)
	return cmd
}

func actionCmd(a *app) *cobra.Command {
	var (
		payloadFile string
		wait        waitFlags
	)
	cmd := &cobra.Command{
		Use:   "action <action-path>",
		Short: "POST to an action and follow the job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{}
			if payloadFile != "" {
				var err error
				if payload, err = readPayload(cmd.InOrStdin(), payloadFile); err != nil {
					return err
				}
			}
			sub, err := a.client.InvokeAction(cmd.Context(), args[0], payload)
			if err != nil {
				return err
			}
			return a.follow(cmd, sub, types.Immediate(), wait)
		},
	}
	cmd.Flags().StringVarP(&payloadFile, "file", "f", "", "JSON payload file, - for stdin")
	wait.register(cmd)
	return cmd
}

func updateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Install firmware packages",
	}

	var (
		target   string
		targets  []string
		uploadPF policyFlags
		uploadWF waitFlags
	)
	upload := &cobra.Command{
		Use:   "upload <file>",
		Short: "Stream a package to the multipart push URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := uploadPF.policy()
			if err != nil {
				return err
			}
			sub, err := a.client.UploadAndInstall(cmd.Context(), target, types.UpdateDescriptor{
				Path:    args[0],
				Policy:  p,
				Targets: targets,
			})
			if err != nil {
				return err
			}
			return a.follow(cmd, sub, p, uploadWF)
		},
	}
	upload.Flags().StringVar(&target, "push-uri", "", "Override the multipart push URI")
	upload.Flags().StringSliceVar(&targets, "target", nil, "Restrict the update to these resource URIs")
	uploadPF.register(upload)
	uploadWF.register(upload)

	var (
		protocol string
		simplePF policyFlags
		simpleWF waitFlags
	)
	simple := &cobra.Command{
		Use:   "simple <image-uri>",
		Short: "Ask the endpoint to fetch and install an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := simplePF.policy()
			if err != nil {
				return err
			}
			sub, err := a.client.SimpleUpdate(cmd.Context(), args[0], types.UpdateDescriptor{
				Policy:           p,
				TransferProtocol: protocol,
			})
			if err != nil {
				return err
			}
			return a.follow(cmd, sub, p, simpleWF)
		},
	}
	simple.Flags().StringVar(&protocol, "protocol", "", "Transfer protocol (HTTP, HTTPS, NFS, CIFS)")
	simplePF.register(simple)
	simpleWF.register(simple)

	cmd.AddCommand(upload, simple)
	return cmd
}

func jobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage the job queue",
	}

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List jobs in the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			listed, err := a.client.ListJobs(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tPERCENT\tTYPE\tMESSAGE")
			for _, job := range listed {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", job.ID, job.State, percent(job.PercentComplete), job.JobType, job.Message)
			}
			return w.Flush()
		},
	}

	var (
		scheduledOnly bool
		timeout       time.Duration
	)
	wait := &cobra.Command{
		Use:   "wait <job-id|location>",
		Short: "Poll a job until it is terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handle := parseHandle(args[0])
			opts := jobs.WaitOptions{Timeout: timeout}
			var (
				status types.JobStatus
				err    error
			)
			if scheduledOnly {
				status, err = a.client.WaitUntilScheduled(cmd.Context(), handle, opts)
			} else {
				status, err = a.client.WaitUntilComplete(cmd.Context(), handle, opts)
			}
			printStatus(cmd.OutOrStdout(), status)
			return err
		},
	}
	wait.Flags().BoolVar(&scheduledOnly, "scheduled", false, "Return once the job is scheduled")
	wait.Flags().DurationVar(&timeout, "timeout", 0, "Override the per-kind wait ceiling")

	deleteJob := &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := a.client.DeleteJob(cmd.Context(), args[0])
			return err
		},
	}

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Delete every job and pending configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := a.client.ClearJobQueue(cmd.Context())
			return err
		},
	}

	cmd.AddCommand(list, wait, deleteJob, clear)
	return cmd
}

func controllerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Manage the management controller",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Restart the management controller",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := a.client.ResetController(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "controller reset requested")
			return nil
		},
	})
	return cmd
}

func downloadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "download <path> <local-file>",
		Short: "Stream a resource body to a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			written, err := a.client.Download(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", written, args[1])
			return nil
		},
	}
}

func sessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage login sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "login",
		Short: "Create a session and print its token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, session, err := a.client.OpenSession(cmd.Context(), a.cfg.Username, a.cfg.Password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "export CHAMICORE_BMC_TOKEN=%s\n", session.Token)
			return nil
		},
	})
	return cmd
}

func parseHandle(arg string) types.JobHandle {
	arg = strings.TrimSpace(arg)
	if strings.Contains(arg, "/") {
		if handle, ok := redfish.ParseJobLocation(arg); ok {
			return handle
		}
	}
	return types.JobHandle{ID: arg}
}

func readPayload(stdin io.Reader, path string) (map[string]any, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}

	payload := map[string]any{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return payload, nil
}

func printStatus(out io.Writer, status types.JobStatus) {
	if status.ID == "" {
		return
	}
	fmt.Fprintf(out, "job %s: %s", status.ID, status.State)
	if status.Reason != "" {
		fmt.Fprintf(out, " (%s)", status.Reason)
	}
	if status.Message != "" {
		fmt.Fprintf(out, ": %s", status.Message)
	}
	fmt.Fprintln(out)
}

func percent(value *int) string {
	if value == nil {
		return "-"
	}
	return fmt.Sprintf("%d%%", *value)
}
