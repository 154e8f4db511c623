// Command loom runs and resumes declarative workflows: sequential shell/
// external-CLI steps, goal-seek loops, and MapReduce fan-out across
// isolated git worktrees, with durable checkpointing (spec.md §6 "CLI
// surface").
//
// Grounded on the teacher's cmd/main/main.go: a cobra root command with a
// cobra.OnInitialize chain (config then logging), persistent flags bound
// through viper, and one subcommand per external interface the core
// exposes.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/loomwork/loom/internal/config"
	"github.com/loomwork/loom/internal/errclass"
	"github.com/loomwork/loom/internal/logging"
	"github.com/loomwork/loom/internal/version"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger

	rootCmd = &cobra.Command{
		Use:     "loom",
		Short:   "Run and resume declarative multi-agent workflows",
		Long:    "loom drives declarative workflow definitions through an external code-assistant CLI and shell commands across git worktrees, with checkpointed resume and MapReduce fan-out.",
		Version: version.GetVersionString(),
	}
)

func init() {
	cobra.OnInitialize(initConfig, initLogging, initTelemetry)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $LOOM_STORAGE_DIR/config.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(sessionsCmd)

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRemoveCmd)
	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsPruneCmd)
	checkpointsPruneCmd.Flags().Int("keep", 10, "number of most recent checkpoint versions to keep")
	sessionsCmd.AddCommand(sessionsListCmd)
}

func initConfig() {
	if err := config.InitViper(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "loom: config init: %v\n", err)
	}
}

func initLogging() {
	loaded, err := config.Load()
	if err != nil {
		logger = logging.New(logging.Options{})
		logger.Error("failed to load configuration, using defaults", "error", err)
		return
	}
	cfg = loaded
	logger = logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
}

// initTelemetry registers a process-wide SDK TracerProvider so
// orchestrator.tracer's spans are sampled and carry a service resource,
// even with no exporter wired yet (no OTLP dependency is part of the
// example pack's stack — only the core otel/otel-sdk/otel-trace modules
// are). Grounded on the shape of the teacher's
// internal/telemetry/otel_plugin.go SetupOpenTelemetryWithGenkit, minus
// its OTLP HTTP exporter and Genkit span-processor registration.
func initTelemetry() {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName("loom"),
			semconv.ServiceVersion(version.GetVersion()),
		),
	)
	if err != nil {
		return
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
}

// exitCode maps a workflow's terminal error onto spec.md §6's exit-code
// contract: 0 success, 1 workflow failure, 2 configuration error, 130
// interrupted.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch errclass.ClassOf(err) {
	case errclass.Configuration:
		return 2
	case errclass.Cancelled:
		return 130
	default:
		return 1
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "loom: %v\n", err)
		os.Exit(exitCode(err))
	}
}
