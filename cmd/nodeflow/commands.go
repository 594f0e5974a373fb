package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/nodeflow/internal/api"
	"github.com/rendis/nodeflow/internal/diagram"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/scheduler"
	"github.com/rendis/nodeflow/internal/service"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/telemetry"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/internal/xjson"
	"github.com/rendis/nodeflow/pkg/mcp"
	"github.com/rendis/nodeflow/pkg/schema"
)

const shutdownTimeout = 15 * time.Second

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "nodeflow",
		Short:         "Workflow definition and execution engine for dependent HTTP calls",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "path to a JSON or YAML config file (default: ~/.nodeflow/settings.json)")

	root.AddCommand(
		newServeCommand(),
		newMCPCommand(),
		newValidateCommand(),
		newVersionCommand(),
	)
	return root
}

func configFromFlags(cmd *cobra.Command) (Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("NODEFLOW_CONFIG")
	}
	return loadConfig(path)
}

// app is the wired core shared by serve and mcp.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	svc       *service.Service
	telemetry telemetry.ShutdownFunc
}

func openApp(ctx context.Context, cfg Config) (*app, error) {
	logger := logging.New(os.Stderr, cfg.LogLevel)

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, version)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	if dir := filepath.Dir(cfg.Storage.Path); cfg.Storage.Path != "" && cfg.Storage.Driver != store.DriverMemory {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			_ = shutdownTelemetry(ctx)
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	st, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		_ = shutdownTelemetry(ctx)
		return nil, fmt.Errorf("open store: %w", err)
	}

	opts, err := cfg.serviceOptions(logger)
	if err != nil {
		_ = st.Close()
		_ = shutdownTelemetry(ctx)
		return nil, err
	}
	svc, err := service.New(st, opts)
	if err != nil {
		_ = st.Close()
		_ = shutdownTelemetry(ctx)
		return nil, err
	}

	if n, err := svc.RecoverInterrupted(ctx); err != nil {
		logger.Warn("recovering interrupted executions failed", "error", err)
	} else if n > 0 {
		logger.Info("closed executions interrupted by a previous shutdown", "count", n)
	}

	logger.Info("nodeflow core ready",
		"version", version,
		"storage", cfg.Storage.Driver,
		"pool_size", cfg.Engine.PoolSize,
	)
	return &app{cfg: cfg, logger: logger, store: st, svc: svc, telemetry: shutdownTelemetry}, nil
}

// close drains runs, then releases the store and flushes telemetry.
func (rt *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.svc.Shutdown(ctx); err != nil {
		rt.logger.Warn("service shutdown", "error", err)
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("store close", "error", err)
	}
	if err := rt.telemetry(ctx); err != nil {
		rt.logger.Warn("telemetry shutdown", "error", err)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the cron triggers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFromFlags(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg Config) error {
	rt, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	sched, err := scheduler.NewScheduler(cfg.Triggers, rt.svc, rt.logger)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(rt.svc, rt.logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("HTTP API listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	rt.logger.Info("shutting down")
	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// SSE streams of still-running executions end when the service stops
	// them, so stop runs before waiting on open connections.
	if err := rt.svc.Shutdown(shutdownCtx); err != nil {
		rt.logger.Warn("service shutdown", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func newMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFromFlags(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.close()
			return mcp.NewServer(rt.svc, version, rt.logger).Serve(ctx)
		},
	}
}

func newValidateCommand() *cobra.Command {
	var (
		name    string
		mermaid bool
	)
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow JSON file without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := validateFile(args[0], name)
			if err != nil {
				return err
			}
			if mermaid && res.Valid() {
				model, err := diagram.Build(res.def, nil)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), diagram.RenderMermaid(model))
				return nil
			}
			out, err := xjson.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if !res.Valid() {
				return fmt.Errorf("%s: %d validation error(s)", args[0], len(res.Errors))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "workflow name (default: the file name without extension)")
	cmd.Flags().BoolVar(&mermaid, "mermaid", false, "print the DAG as a Mermaid flowchart when the workflow is valid")
	return cmd
}

// validateFile runs the same checks as workflow creation against a file.
func validateFile(path, name string) (*validationReport, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	def, err := validation.ParseDefinition(name, doc)
	if err != nil {
		return nil, err
	}
	v, err := validation.NewWorkflowValidator(nil, nil)
	if err != nil {
		return nil, err
	}
	res := v.Validate(def)
	res.Sort()
	return &validationReport{ValidationResult: res, Name: name, Nodes: len(def.Nodes), def: def}, nil
}

type validationReport struct {
	*schema.ValidationResult
	Name  string `json:"name"`
	Nodes int    `json:"nodes"`

	def *schema.WorkflowDefinition
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
