package dispatch

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ivasilyev/matryoshka/internal/errors"
	"github.com/ivasilyev/matryoshka/internal/unit"
)

// Spawner runs argv in dir and returns its merged stdout and stderr
type Spawner func(ctx context.Context, dir string, argv []string) ([]byte, error)

// SpawnProcess runs argv as a child process in dir and waits for it
func SpawnProcess(ctx context.Context, dir string, argv []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Local runs the whole batch as one unit on this machine
type Local struct {
	Spawn Spawner
}

// NewLocal creates a local dispatcher spawning real processes
func NewLocal() *Local {
	return &Local{Spawn: SpawnProcess}
}

// Dispatch writes the "unit_local" descriptor and runs it to completion,
// whatever rc.Wait says. The launcher's output goes to the program log.
func (l *Local) Dispatch(ctx context.Context, rc *RunContext, commands []string) (*Report, error) {
	logger := rc.logger()

	u, err := unit.Generate(rc.Fs, commands, rc.Mask(LocalTarget), rc.Threads)
	if err != nil {
		return nil, err
	}
	argv := u.LaunchCommand(rc.Launcher, rc.Binary)

	result := NodeResult{
		Target:   LocalTarget,
		Unit:     u.Path,
		Commands: len(u.Descriptor.Commands),
		Launch:   unit.ShellJoin(argv),
		Waited:   true,
	}

	logger.Info("dispatching local unit",
		"unit", u.Path,
		"commands", result.Commands,
		"slots", u.Descriptor.Parallelism,
		"launch", result.Launch)

	start := time.Now()
	out, runErr := l.Spawn(ctx, rc.OutputDir, argv)
	result.Duration = time.Since(start)
	result.Output = len(out)

	if err := rc.appendOutput("", out); err != nil {
		runErr = multierror.Append(runErr, err)
	}

	if runErr != nil {
		result.Err = errors.NewCommandFailedError(fmt.Sprintf("local unit %s failed", u.Path), runErr)
		logger.Critical("local unit crashed",
			"unit", u.Path,
			"launch", result.Launch,
			"error", result.Err.Error())
	} else {
		logger.Info("local unit finished",
			"unit", u.Path,
			"duration_ms", result.Duration.Milliseconds())
	}

	rc.observe(result)
	return &Report{Mode: LocalTarget, Results: []NodeResult{result}}, nil
}
