package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ivasilyev/matryoshka/internal/config"
	"github.com/ivasilyev/matryoshka/internal/dispatch"
	"github.com/ivasilyev/matryoshka/internal/errors"
	"github.com/ivasilyev/matryoshka/internal/logging"
	"github.com/ivasilyev/matryoshka/internal/output"
	"github.com/ivasilyev/matryoshka/internal/progress"
	"github.com/ivasilyev/matryoshka/internal/ssh"
	"github.com/ivasilyev/matryoshka/internal/target"
	"github.com/ivasilyev/matryoshka/internal/template"
	"github.com/ivasilyev/matryoshka/internal/unit"
)

var (
	// Build-time variables (set via -ldflags)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	// loaded by PreRunE for RunE
	var cfg *config.Config

	rootCmd := &cobra.Command{
		Use:   "matryoshka -i <table> -o <dir> -s <template> [flags]",
		Short: "Expand a command template over a table and run the commands locally or over SSH",
		Long: `matryoshka turns every row of a tab-delimited table into a command by
substituting $0, $1, ... in the template with the row's fields, then runs the
commands on this machine or spreads them over SSH nodes.

Each target gets an executor unit written to the output directory, launched
detached as "nohup nice -n 19 matryoshka unit <descriptor>". Every command's
combined output is appended to <unit>_stdout_<n>.log.

Without --nodes the run is local and always waits for completion. With
--nodes the output directory must be shared between this machine and every
node.

Node entries are host[:user[:password[:port]]], given as a comma-separated
list or as a file with one entry per line.

Environment variables: ` + strings.Join(config.EnvVarNames(), ", ") + `

Examples:
  # Run locally with 4 worker slots
  matryoshka -i samples.tsv -o /shared/out -t 4 -s 'gzip -k $0'

  # Spread over two nodes and wait for them
  matryoshka -i samples.tsv -o /shared/out -n 'node1:alice,node2:alice:secret:2222' -w -s 'bwa mem ref.fa $0 $1'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: false,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			configManager := config.NewManager()
			if err := configManager.BindFlags(cmd.Flags()); err != nil {
				return &SetupError{Message: fmt.Sprintf("failed to bind flags: %v", err)}
			}

			loaded, err := configManager.Load()
			if err != nil {
				return &SetupError{Message: fmt.Sprintf("failed to load configuration: %v", err)}
			}
			if err := loaded.CheckRequired(); err != nil {
				return &SetupError{Message: err.Error()}
			}
			cfg = loaded
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, environment{
				fs:     afero.NewOsFs(),
				stdout: cmd.OutOrStdout(),
				stderr: cmd.ErrOrStderr(),
				dialer: ssh.NewDialer(cfg.ConnectTimeout),
				spawn:  dispatch.SpawnProcess,
			})
		},
	}

	flags := rootCmd.Flags()
	flags.StringP("input", "i", "", "Tab-delimited table file, one command per row (required)")
	flags.StringP("output", "o", "", "Output directory for units and logs (required)")
	flags.BoolP("wait", "w", false, "Wait for remote units to finish; local runs always wait")
	flags.IntP("threads", "t", 1, "Worker slots per unit")
	flags.StringP("nodes", "n", "", "Node file or comma-separated host[:user[:password[:port]]] list")
	flags.StringP("string", "s", "", "Command template with $<index> placeholders (required)")
	flags.String("binary", "", "Executable that runs units (default: this executable)")
	flags.Duration("connect-timeout", ssh.DefaultTimeout, "SSH connect and handshake timeout")
	flags.String("log-level", "info", "Log level (debug, info, error, critical)")
	flags.String("log-format", "text", "Log format (json, text)")
	flags.String("output-format", "text", "Report format (text, json)")
	flags.Bool("progress", false, "Show dispatch progress bar")
	flags.Bool("no-color", false, "Disable colored report")

	rootCmd.AddCommand(newVersionCmd(), newUnitCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "matryoshka %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", buildTime)
		},
	}
}

// newUnitCmd runs one executor unit; the dispatchers launch it
func newUnitCmd() *cobra.Command {
	var logLevel, logFormat string

	cmd := &cobra.Command{
		Use:    unit.ModeArg + " <descriptor>",
		Short:  "Run an executor unit descriptor",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logConfig := logging.ConfigFromStrings(logLevel, logFormat, false)
			if _, err := unit.RunFile(cmd.Context(), afero.NewOsFs(), args[0], logConfig); err != nil {
				return &SetupError{Message: err.Error()}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "debug", "Log level of the unit master log")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format of the unit master log")
	return cmd
}

// environment holds what run needs from the outside world
type environment struct {
	fs     afero.Fs
	stdout io.Writer
	stderr io.Writer
	dialer ssh.Dialer
	spawn  dispatch.Spawner
}

// run expands the table, dispatches the units and prints the report. Node
// and command failures are reported but never make it fail.
func run(ctx context.Context, cfg *config.Config, env environment) error {
	outputDir, err := filepath.Abs(cfg.Output)
	if err != nil {
		return &SetupError{Message: fmt.Sprintf("invalid output directory: %v", err)}
	}
	if err := env.fs.MkdirAll(outputDir, 0o755); err != nil {
		return &SetupError{Message: fmt.Sprintf("failed to create output directory: %v", err)}
	}

	mode, err := output.ParseMode(cfg.OutputFormat)
	if err != nil {
		return &SetupError{Message: err.Error()}
	}

	binary, err := resolveBinary(cfg.Binary)
	if err != nil {
		return &SetupError{Message: err.Error()}
	}

	rc := &dispatch.RunContext{
		OutputDir: outputDir,
		Wait:      cfg.Wait,
		Threads:   cfg.Threads,
		Binary:    binary,
		Program:   programName(),
	}

	logger, err := logging.NewFileLogger(env.fs, rc.MasterLog(),
		logging.ConfigFromStrings(cfg.LogLevel, cfg.LogFormat, false))
	if err != nil {
		return &SetupError{Message: fmt.Sprintf("failed to initialize logger: %v", err)}
	}
	defer logger.Close()

	rc.Fs = env.fs
	rc.Logger = logger
	logger.Info("main process started", "pid", os.Getpid(), "args", strings.Join(os.Args, " "))
	if cfg.ConfigFile != "" {
		logger.LogConfigLoad(cfg.ConfigFile)
	}

	commands, err := template.ExpandFile(env.fs, cfg.Input, cfg.Template)
	if err != nil {
		return abort(logger, err)
	}
	logger.Info("commands expanded", "input", cfg.Input, "count", len(commands))

	var report *dispatch.Report
	if !cfg.Remote() {
		logger.Info("using local strategy", "threads", cfg.Threads)
		tracker := progress.NewTracker(1, env.stderr, cfg.ShowProgress)
		rc.OnResult = func(r dispatch.NodeResult) { tracker.Update(r.Target, r.Succeeded()) }

		local := &dispatch.Local{Spawn: env.spawn}
		report, err = local.Dispatch(ctx, rc, commands)
		tracker.Finish()
	} else {
		report, err = dispatchRemote(ctx, cfg, rc, env, commands)
	}
	if err != nil {
		return abort(logger, err)
	}

	collector := errors.NewErrorCollector()
	for _, r := range report.Results {
		collector.Add(r.Err)
	}
	logger.Info("run finished",
		"launched", report.Succeeded(),
		"failed", report.Failed(),
		"dropped", len(report.Dropped),
		"errors", collector.Summary())
	if collector.HasErrors() {
		logger.Error("some targets were not launched",
			"authentication", collector.CountByType(errors.AuthenticationErrorType),
			"connection", collector.CountByType(errors.ConnectionErrorType),
			"command_failed", collector.CountByType(errors.CommandFailedErrorType))
	}

	if err := output.NewFormatter(mode, env.stdout, cfg.NoColor).Format(report); err != nil {
		return &ExecutionError{Message: fmt.Sprintf("failed to write report: %v", err)}
	}
	return nil
}

func dispatchRemote(ctx context.Context, cfg *config.Config, rc *dispatch.RunContext, env environment, commands []string) (*dispatch.Report, error) {
	logger := rc.Logger

	nodes, source, err := target.Resolve(env.fs, cfg.Nodes)
	if err != nil {
		return nil, err
	}
	logger.LogTargetParsing(source, len(nodes))

	alive, probes, err := target.Alive(ctx, nodes, func(ctx context.Context, node target.Node) error {
		return ssh.Probe(ctx, env.dialer, node)
	}, logger.Slog())

	var dropped []target.ProbeResult
	for _, p := range probes {
		if p.Err != nil {
			logger.LogNodeDropped(p.Node, p.Err)
			dropped = append(dropped, p)
		}
	}
	if err != nil {
		return nil, err
	}

	logger.Info("using remote strategy", "nodes", len(alive), "wait", cfg.Wait)
	tracker := progress.NewTracker(len(alive), env.stderr, cfg.ShowProgress)
	rc.OnResult = func(r dispatch.NodeResult) { tracker.Update(r.Target, r.Succeeded()) }
	defer tracker.Finish()

	report, err := dispatch.NewRemote(env.dialer).Dispatch(ctx, rc, alive, commands)
	if err != nil {
		return nil, err
	}
	report.Dropped = dropped
	return report, nil
}

// abort logs a run-ending error. Fatal error types are setup failures; any
// other error stopped a run whose inputs were valid.
func abort(logger *logging.Logger, err error) error {
	errorType := errors.TypeOf(err)
	logger.Critical("run aborted", "type", errorType.String(), "error", err.Error())
	if errorType.Fatal() {
		return &SetupError{Message: err.Error()}
	}
	return &ExecutionError{Message: err.Error()}
}

// resolveBinary returns the executable units are launched with
func resolveBinary(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate own executable: %w", err)
	}
	return exe, nil
}

// programName is the base name of the top-level logs
func programName() string {
	name := filepath.Base(os.Args[0])
	if ext := filepath.Ext(name); ext != "" && ext != name {
		name = strings.TrimSuffix(name, ext)
	}
	return name
}

// ExecutionError represents a run that could not complete (exit code 1)
type ExecutionError struct {
	Message string
}

func (e *ExecutionError) Error() string {
	return e.Message
}

// SetupError represents an error during setup/configuration (exit code 2)
type SetupError struct {
	Message string
}

func (e *SetupError) Error() string {
	return e.Message
}

// getExitCode determines the appropriate exit code based on error type
// Returns:
//   - 0: Success, including runs where nodes or commands failed
//   - 1: Units could not be written or the report could not be written
//   - 2: Setup error (missing flags, malformed rows, no alive nodes, etc.)
func getExitCode(err error) int {
	if err == nil {
		return 0
	}

	switch err.(type) {
	case *SetupError:
		return 2
	case *ExecutionError:
		return 1
	default:
		// cobra flag parsing and argument errors
		return 2
	}
}
