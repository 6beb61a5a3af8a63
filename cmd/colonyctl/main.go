// Command colonyctl manages the colony register: strains, animals, breeding
// cages, litters, task requests, projects, family trees and exports.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"mousecolony/internal/config"
	"mousecolony/internal/core"
	"mousecolony/internal/observability"
)

var exitFunc = os.Exit

func main() {
	code := cli(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	root := newRootCommand(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if closeErr := a.teardown(); err == nil {
		err = closeErr
	}
	if err != nil {
		if _, writeErr := fmt.Fprintf(stderr, "colonyctl: %v\n", err); writeErr != nil {
			return 1
		}
		return 1
	}
	return 0
}

// globalFlags override the loaded configuration when set.
type globalFlags struct {
	configPath    string
	storageDriver string
	sqlitePath    string
	logLevel      string
	metricsFile   string
	traceFile     string
}

// app holds the per-invocation wiring shared by the subcommands.
type app struct {
	stdout io.Writer
	stderr io.Writer
	flags  globalFlags

	cfg       config.Config
	logger    *slog.Logger
	registry  *prometheus.Registry
	svc       *core.Service
	traceSink io.WriteCloser
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "colonyctl",
		Short:         "Colony identity and lifecycle records",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configPath, "config", "", "path to a YAML config file")
	pf.StringVar(&a.flags.storageDriver, "storage-driver", "", "storage driver: memory, sqlite or postgres")
	pf.StringVar(&a.flags.sqlitePath, "sqlite-path", "", "SQLite database file")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.StringVar(&a.flags.metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")
	pf.StringVar(&a.flags.traceFile, "trace-file", "", "append operation spans as JSON lines to this file")

	root.AddCommand(
		strainCommand(a),
		animalCommand(a),
		projectCommand(a),
		cageCommand(a),
		requestCommand(a),
		treeCommand(a),
		exportCommand(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.flags.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("storage-driver") {
		cfg.Storage.Driver = a.flags.storageDriver
	}
	if flags.Changed("sqlite-path") {
		cfg.Storage.SQLitePath = a.flags.sqlitePath
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = a.flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		a.logger = slog.New(slog.NewJSONHandler(a.stderr, handlerOpts))
	} else {
		a.logger = slog.New(slog.NewTextHandler(a.stderr, handlerOpts))
	}
	logger := core.NewSlogLogger(a.logger)

	a.registry = prometheus.NewRegistry()
	recorder, err := observability.NewPrometheusRecorder(a.registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	opts := []core.Option{
		core.WithLogger(logger),
		core.WithAuditRecorder(core.NewLogAuditRecorder(logger)),
		core.WithMetricsRecorder(recorder),
		core.WithDefaultTubeStart(cfg.Litter.DefaultTubeStart),
	}
	if a.flags.traceFile != "" {
		f, err := os.OpenFile(a.flags.traceFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		a.traceSink = f
		opts = append(opts, core.WithTracer(core.NewJSONTracer(f)))
	}

	store, err := core.OpenPersistentStore(cfg.StorageConfig(), core.NewDefaultRulesEngine())
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	a.svc = core.NewService(store, opts...)
	a.logger.Debug("store opened", "driver", cfg.Storage.Driver)
	return nil
}

// teardown releases what setup opened. It runs after every invocation.
func (a *app) teardown() error {
	var firstErr error
	if a.svc != nil {
		if err := a.svc.Close(); err != nil {
			firstErr = fmt.Errorf("close store: %w", err)
		}
		a.svc = nil
	}
	if a.traceSink != nil {
		if err := a.traceSink.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close trace file: %w", err)
		}
		a.traceSink = nil
	}
	if a.flags.metricsFile != "" && a.registry != nil {
		if err := prometheus.WriteToTextfile(a.flags.metricsFile, a.registry); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("write metrics: %w", err)
		}
	}
	return firstErr
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
