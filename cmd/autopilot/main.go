// Package main provides the CLI entry point for the autopilot driver.
//
// autopilot drives a prompt through an LLM backend to completion,
// either under a single AutopilotLoop or the dual-agent
// plan/execute/review coordinator, journaling every iteration and
// publishing lifecycle events any number of observer connections can
// subscribe to.
//
// # Basic Usage
//
// Run one task to completion:
//
//	autopilot run --config autopilot.yaml --prompt "add retry logic to the http client"
//
// Serve the observer websocket endpoint alongside a long-lived driver:
//
//	autopilot serve --config autopilot.yaml --addr :8090
//
// Check backend readiness:
//
//	autopilot status --config autopilot.yaml
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/autocode/driver/internal/config"
	"github.com/autocode/driver/internal/domain"
	"github.com/autocode/driver/pkg/driver"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "autopilot",
		Short:   "Autopilot - autonomous multi-iteration coding driver",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Long: `Autopilot drives a prompt through an LLM backend to completion,
journaling every iteration and publishing lifecycle events observers
can subscribe to over a websocket.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildServeCmd(),
		buildStatusCmd(),
	)

	return rootCmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildRunCmd() *cobra.Command {
	var (
		configPath    string
		prompt        string
		workDir       string
		maxIterations int
		dual          bool
		toolset       []string
		showTimeline  bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one task to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			if prompt == "" {
				return fmt.Errorf("--prompt is required")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			d, err := driver.New(cfg, 0)
			if err != nil {
				return fmt.Errorf("wire driver: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := d.Start(ctx); err != nil {
				return err
			}
			defer d.Stop(context.Background())

			mode := domain.ModeSingle
			if dual {
				mode = domain.ModeDual
			}
			task := domain.Task{
				Prompt:           prompt,
				WorkingDirectory: workDir,
				MaxIterations:    maxIterations,
				PerCallTimeoutMs: cfg.Task.PerCallTimeoutMs,
				OverallTimeoutMs: cfg.Task.OverallTimeoutMs,
				AllowedToolset:   toolset,
				ContinueOnError:  cfg.Task.ContinueOnError,
				Mode:             mode,
			}

			result, err := d.RunAutopilot(ctx, task)
			out := cmd.OutOrStdout()
			encoded, encErr := json.MarshalIndent(result, "", "  ")
			if encErr == nil {
				fmt.Fprintln(out, string(encoded))
			}
			if showTimeline && result.Session.ID != "" {
				if timeline, tErr := d.Timeline(result.Session.ID); tErr == nil {
					fmt.Fprintln(out, timeline)
				}
			}
			if err != nil {
				return err
			}
			if !result.Success {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Task prompt")
	cmd.Flags().StringVar(&workDir, "workdir", ".", "Working directory for the task")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 10, "Maximum iterations before giving up")
	cmd.Flags().BoolVar(&dual, "dual", false, "Run under the dual-agent plan/execute/review coordinator")
	cmd.Flags().StringSliceVar(&toolset, "tool", nil, "Allowed tool name (repeatable)")
	cmd.Flags().BoolVar(&showTimeline, "timeline", false, "Print the session's event timeline after the run")
	return cmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the observer websocket endpoint alongside a long-lived driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			d, err := driver.New(cfg, 0)
			if err != nil {
				return fmt.Errorf("wire driver: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := d.Start(ctx); err != nil {
				return err
			}
			defer d.Stop(context.Background())

			mux := http.NewServeMux()
			mux.Handle("/observe", d.ObserverTransport())

			server := &http.Server{Addr: addr, Handler: mux}
			go func() {
				<-ctx.Done()
				_ = server.Close()
			}()

			fmt.Fprintf(cmd.OutOrStdout(), "observer endpoint listening on %s/observe\n", addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&addr, "addr", ":8090", "Listen address for the observer websocket endpoint")
	return cmd
}

func buildStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check backend readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			d, err := driver.New(cfg, 0)
			if err != nil {
				return fmt.Errorf("wire driver: %w", err)
			}

			status, err := d.Readiness.Refresh(cmd.Context())
			encoded, encErr := json.MarshalIndent(status, "", "  ")
			if encErr == nil {
				fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			}
			if err != nil {
				return err
			}
			if !status.CanProceed {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}
