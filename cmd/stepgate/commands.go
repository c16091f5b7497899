package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/stepgate/internal/auth"
	"github.com/mattjoyce/stepgate/internal/doctor"
	"github.com/mattjoyce/stepgate/internal/manifest"
	"github.com/mattjoyce/stepgate/internal/protocol"
	"github.com/mattjoyce/stepgate/internal/rpc"
	"github.com/mattjoyce/stepgate/internal/steps"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newManifestCmd() *cobra.Command {
	var addr, name string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Print the manifest of a running server, or of this binary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				registry, err := steps.Registry()
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), manifest.New(name, currentVersion(), registry).Build())
			}

			client, err := rpc.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			m, err := client.GetManifest(ctx)
			if err != nil {
				return fmt.Errorf("get manifest from %s: %w", addr, err)
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gRPC address of a running server (local manifest when empty)")
	cmd.Flags().StringVar(&name, "name", "stepgate", "Service name for the local manifest")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	return cmd
}

func newStepsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "steps",
		Short: "List the steps built into this binary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry, err := steps.Registry()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tINPUTS")
			for _, def := range registry.Definitions() {
				inputs := ""
				for i, f := range def.Inputs {
					if i > 0 {
						inputs += ", "
					}
					inputs += f.Name
					if f.Required {
						inputs += "*"
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", def.ID, def.Name, inputs)
			}
			return tw.Flush()
		},
	}
}

func newRunCmd() *cobra.Command {
	var addr, payload, baseURL, token, requestID string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run <step> [<step>...]",
		Short: "Run steps on a server; several steps share one RunSteps conversation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body map[string]any
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &body); err != nil {
					return fmt.Errorf("--payload must be a JSON object: %w", err)
				}
			}
			md := auth.Metadata{auth.KeyBaseURL: baseURL, auth.KeyAccessToken: token}

			client, err := rpc.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var envs []*protocol.ResultEnvelope
			if len(args) == 1 {
				env, err := client.RunStep(ctx, md, &protocol.WorkRequest{StepID: args[0], Payload: body, RequestID: requestID})
				if err != nil {
					return fmt.Errorf("run %s: %w", args[0], err)
				}
				envs = append(envs, env)
			} else {
				reqs := make([]*protocol.WorkRequest, 0, len(args))
				for i, id := range args {
					reqs = append(reqs, &protocol.WorkRequest{StepID: id, Payload: body, RequestID: fmt.Sprintf("%d", i+1)})
				}
				envs, err = client.RunBatch(ctx, md, reqs)
				if err != nil {
					return fmt.Errorf("run steps: %w", err)
				}
			}

			failed := false
			for _, env := range envs {
				if err := printJSON(cmd.OutOrStdout(), env); err != nil {
					return err
				}
				if env.Outcome != protocol.OutcomeSuccess {
					failed = true
				}
			}
			if failed {
				return errReported
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:50051", "gRPC address of the server")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON object passed to every step")
	cmd.Flags().StringVar(&baseURL, "base-url", os.Getenv("STEPGATE_BASE_URL"), "Records API base URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("STEPGATE_ACCESS_TOKEN"), "Records API access token")
	cmd.Flags().StringVar(&requestID, "request-id", "", "Correlation id for a single step")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Overall timeout")
	return cmd
}

func newDoctorCmd() *cobra.Command {
	var configPath string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and steps for problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			registry, err := steps.Registry()
			if err != nil {
				return err
			}
			result := doctor.New(cfg, registry).Validate()

			out := cmd.OutOrStdout()
			if jsonOut {
				if err := printJSON(out, result); err != nil {
					return err
				}
			} else {
				for _, issue := range result.Errors {
					fmt.Fprintf(out, "ERROR   [%s] %s %s\n", issue.Category, issue.Field, issue.Message)
				}
				for _, issue := range result.Warnings {
					fmt.Fprintf(out, "WARNING [%s] %s %s\n", issue.Category, issue.Field, issue.Message)
				}
				if result.Valid {
					fmt.Fprintln(out, "OK")
				}
			}
			if !result.Valid {
				return errReported
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("STEPGATE_CONFIG"), "Path to configuration file")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the result as JSON")
	return cmd
}

type versionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

func newVersionCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versionInfo{Version: currentVersion(), Commit: "unknown"}
			if rev := readBuildSetting("vcs.revision"); rev != "" {
				if len(rev) > 12 {
					rev = rev[:12]
				}
				info.Commit = rev
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stepgate %s\ncommit: %s\n", info.Version, info.Commit)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output version metadata as JSON")
	return cmd
}
