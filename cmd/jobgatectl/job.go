package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/cordum/jobgate/core/jobs"
	"github.com/spf13/cobra"
)

func newCmdJob(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Submit and manage jobs",
	}
	cmd.AddCommand(
		newCmdJobSubmit(opts),
		newCmdJobStop(opts),
		newCmdJobDelete(opts),
		newCmdJobStatus(opts),
		newCmdJobList(opts),
		newCmdJobLogs(opts),
	)
	return cmd
}

// submitJobOptions defines flags for job submit.
type submitJobOptions struct {
	submissionID string
	runtimeEnv   string
	metadata     []string
	numCPUs      float64
	numGPUs      float64
	memory       int64
	jsonOut      bool
}

func (o *submitJobOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.submissionID, "submission-id", "", "submission id (generated when empty)")
	cmd.Flags().StringVar(&o.runtimeEnv, "runtime-env", "", "runtime env JSON (inline or path)")
	cmd.Flags().StringSliceVar(&o.metadata, "metadata", nil, "metadata key=value pairs")
	cmd.Flags().Float64Var(&o.numCPUs, "entrypoint-num-cpus", 0, "CPUs reserved for the entrypoint")
	cmd.Flags().Float64Var(&o.numGPUs, "entrypoint-num-gpus", 0, "GPUs reserved for the entrypoint")
	cmd.Flags().Int64Var(&o.memory, "entrypoint-memory", 0, "memory in bytes reserved for the entrypoint")
	cmd.Flags().BoolVar(&o.jsonOut, "json", false, "output JSON response")
}

func (o *submitJobOptions) request(cmd *cobra.Command, entrypoint string) (*jobs.SubmitRequest, error) {
	req := &jobs.SubmitRequest{
		Entrypoint:   entrypoint,
		SubmissionID: strings.TrimSpace(o.submissionID),
	}
	if strings.TrimSpace(o.runtimeEnv) != "" {
		decoded, err := parseJSONArg(o.runtimeEnv)
		if err != nil {
			return nil, err
		}
		env, ok := decoded.(map[string]any)
		if !ok {
			return nil, errors.New("runtime env must be a JSON object")
		}
		req.RuntimeEnv = env
	}
	if len(o.metadata) > 0 {
		req.Metadata = make(map[string]string, len(o.metadata))
		for _, kv := range o.metadata {
			key, val, ok := strings.Cut(kv, "=")
			if !ok || strings.TrimSpace(key) == "" {
				return nil, fmt.Errorf("metadata %q must be key=value", kv)
			}
			req.Metadata[strings.TrimSpace(key)] = val
		}
	}
	if cmd.Flags().Changed("entrypoint-num-cpus") {
		req.EntrypointNumCPUs = &o.numCPUs
	}
	if cmd.Flags().Changed("entrypoint-num-gpus") {
		req.EntrypointNumGPUs = &o.numGPUs
	}
	if cmd.Flags().Changed("entrypoint-memory") {
		req.EntrypointMemory = &o.memory
	}
	return req, nil
}

func newCmdJobSubmit(opts *globalOptions) *cobra.Command {
	o := &submitJobOptions{}
	cmd := &cobra.Command{
		Use:   "submit -- <entrypoint...>",
		Short: "Submit a job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := o.request(cmd, strings.Join(args, " "))
			if err != nil {
				return err
			}
			resp, err := opts.client().SubmitJob(cmd.Context(), req)
			if err != nil {
				return err
			}
			if o.jsonOut {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.SubmissionID)
			return nil
		},
	}
	o.addFlags(cmd)
	return cmd
}

func newCmdJobStop(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a submission job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().StopJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func newCmdJobDelete(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a finished submission job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().DeleteJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func newCmdJobStatus(opts *globalOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show a job's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := opts.client().GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), job)
			}
			line := string(job.Status)
			if job.Message != "" {
				line += ": " + job.Message
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output full job JSON")
	return cmd
}

func newCmdJobList(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := opts.client().ListJobs(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
}

func newCmdJobLogs(opts *globalOptions) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Print a job's logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if !follow {
				logs, err := opts.client().GetJobLogs(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(out, logs)
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			err := opts.client().TailJobLogs(ctx, args[0], func(chunk string) error {
				_, err := fmt.Fprint(out, chunk)
				return err
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream logs until the job ends")
	return cmd
}

func parseJSONArg(value string) (any, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if _, err := os.Stat(value); err == nil {
		// #nosec G304 -- CLI explicitly reads local files provided by the operator.
		data, err := os.ReadFile(value)
		if err != nil {
			return nil, err
		}
		return parseJSONBytes(data)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return parseJSONBytes([]byte(value))
}

func parseJSONBytes(data []byte) (any, error) {
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	return out, nil
}
