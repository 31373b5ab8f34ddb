package unit

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/ivasilyev/matryoshka/internal/errors"
	"github.com/ivasilyev/matryoshka/internal/executor"
	"github.com/ivasilyev/matryoshka/internal/logging"
	"github.com/ivasilyev/matryoshka/internal/stats"
)

// Record is the outcome of one command inside a unit
type Record struct {
	Iteration int
	Command   string
	LogPath   string
	Err       error
}

// Succeeded reports whether the command ran to a zero exit
func (r Record) Succeeded() bool {
	return r.Err == nil
}

// CommandFunc spawns argv and returns its merged stdout and stderr
type CommandFunc func(ctx context.Context, argv []string) ([]byte, error)

// ExecCommand runs argv as a child process without a shell, with stdout
// and stderr merged into one stream.
func ExecCommand(ctx context.Context, argv []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	return cmd.CombinedOutput()
}

// Runner executes a descriptor's commands and logs each outcome
type Runner struct {
	Fs     afero.Fs
	Logger *logging.Logger
	Exec   CommandFunc
}

// NewRunner creates a runner writing command logs to fs
func NewRunner(fs afero.Fs, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Runner{Fs: fs, Logger: logger, Exec: ExecCommand}
}

// Run executes every command of desc and returns one record per command,
// ordered like desc.Commands. A failing command never stops the others.
func (r *Runner) Run(ctx context.Context, desc Descriptor) ([]Record, stats.Statistics) {
	tracker := stats.NewTracker(len(desc.Commands))

	if !desc.MultiSlot() {
		records := make([]Record, 0, len(desc.Commands))
		for iteration, command := range desc.Commands {
			records = append(records, r.runOne(ctx, desc, command, iteration, tracker))
		}
		return records, tracker.Snapshot()
	}

	tasks := make([]executor.Task[Record], len(desc.Commands))
	for i, command := range desc.Commands {
		tasks[i] = executor.Task[Record]{
			Name: command,
			Run: func(ctx context.Context) (Record, error) {
				r.Logger.Debug("worker picked command", "pid", os.Getpid(), "command", command)
				return r.runOne(ctx, desc, command, iterationOf(desc.Commands, command), tracker), nil
			},
		}
	}

	results := executor.Run(ctx, executor.NewPool(desc.Parallelism, r.Logger.Slog()), tasks)

	records := make([]Record, len(results))
	for i, res := range results {
		records[i] = res.Value
		if res.Err != nil {
			// the task itself never errors, so this is a panic or an unstarted task
			records[i] = Record{
				Iteration: i,
				Command:   desc.Commands[i],
				LogPath:   desc.StdoutLog(i),
				Err:       errors.NewCommandFailedError("command did not run", res.Err),
			}
			r.Logger.LogCommandFailure(records[i].Command, i, records[i].LogPath, records[i].Err)
			tracker.Record(false, 0)
		}
	}
	return records, tracker.Snapshot()
}

// iterationOf returns the first position of command in commands
func iterationOf(commands []string, command string) int {
	for i, c := range commands {
		if c == command {
			return i
		}
	}
	return -1
}

// runOne spawns a single command and appends its output to the iteration log
func (r *Runner) runOne(ctx context.Context, desc Descriptor, command string, iteration int, tracker *stats.Tracker) Record {
	rec := Record{
		Iteration: iteration,
		Command:   command,
		LogPath:   desc.StdoutLog(iteration),
	}

	r.Logger.LogCommandStart(command, iteration, rec.LogPath)

	argv := strings.Fields(command)
	if len(argv) == 0 {
		rec.Err = errors.NewCommandFailedError("empty command", nil)
		r.Logger.LogCommandFailure(command, iteration, rec.LogPath, rec.Err)
		tracker.Record(false, 0)
		return rec
	}

	out, runErr := r.Exec(ctx, argv)
	var exitErr *exec.ExitError
	if runErr == nil || len(out) > 0 || stderrors.As(runErr, &exitErr) {
		if err := AppendFile(r.Fs, rec.LogPath, out); err != nil {
			runErr = multierror.Append(runErr, err)
		}
	}

	if runErr != nil {
		rec.Err = errors.NewCommandFailedError(fmt.Sprintf("command %q failed", command), runErr)
		r.Logger.LogCommandFailure(command, iteration, rec.LogPath, rec.Err)
		tracker.Record(false, int64(len(out)))
		return rec
	}

	r.Logger.LogCommandSuccess(command, iteration, rec.LogPath)
	tracker.Record(true, int64(len(out)))
	return rec
}

// AppendFile appends data to path, creating the file when missing
func AppendFile(fs afero.Fs, path string, data []byte) error {
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	return f.Close()
}

// RunFile is the entry point of the "unit" mode: it loads the descriptor at
// path, logs to "<mask>_master.log" and runs every command.
func RunFile(ctx context.Context, fs afero.Fs, path string, logConfig logging.Config) ([]Record, error) {
	u, err := Load(fs, path)
	if err != nil {
		return nil, err
	}
	desc := u.Descriptor

	logger, err := logging.NewFileLogger(fs, desc.MasterLog(), logConfig)
	if err != nil {
		return nil, err
	}
	defer logger.Close()

	logger.Info("launching unit",
		"command", strings.Join(os.Args, " "),
		"pid", os.Getpid(),
		"descriptor", path,
		"commands", len(desc.Commands),
		"parallelism", desc.Parallelism)

	records, summary := NewRunner(fs, logger).Run(ctx, desc)

	logger.Info("COMPLETED",
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"bytes", summary.BytesCollected,
		"duration_ms", summary.Elapsed().Milliseconds())

	return records, nil
}
