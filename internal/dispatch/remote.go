package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/ivasilyev/matryoshka/internal/errors"
	"github.com/ivasilyev/matryoshka/internal/executor"
	"github.com/ivasilyev/matryoshka/internal/logging"
	"github.com/ivasilyev/matryoshka/internal/partition"
	"github.com/ivasilyev/matryoshka/internal/ssh"
	"github.com/ivasilyev/matryoshka/internal/target"
	"github.com/ivasilyev/matryoshka/internal/unit"
)

// detach keeps a fire-and-forget unit alive once the session is closed
const detach = " >/dev/null 2>&1 </dev/null &"

// Remote spreads the batch over SSH nodes, one unit per node
type Remote struct {
	Dialer     ssh.Dialer
	Strategies []ssh.Strategy // nil means ssh.Strategies
}

// NewRemote creates a remote dispatcher using dialer
func NewRemote(dialer ssh.Dialer) *Remote {
	return &Remote{Dialer: dialer}
}

type job struct {
	node target.Node
	unit *unit.Unit
}

// Dispatch chops commands across nodes, writes "unit_<host>" for each and
// launches every unit in parallel. A node that fails is logged and reported;
// it never fails the run.
func (r *Remote) Dispatch(ctx context.Context, rc *RunContext, nodes []target.Node, commands []string) (*Report, error) {
	if len(nodes) == 0 {
		return nil, errors.NewNoAliveNodesError("no nodes to dispatch to", nil)
	}

	chunks, err := partition.Chop(commands, len(nodes))
	if err != nil {
		return nil, err
	}

	names := unitNames(nodes)
	jobs := make([]job, len(nodes))
	for i, node := range nodes {
		u, err := unit.Generate(rc.Fs, chunks[i], rc.Mask(names[i]), rc.Threads)
		if err != nil {
			return nil, err
		}
		jobs[i] = job{node: node, unit: u}
	}

	tasks := make([]executor.Task[NodeResult], len(jobs))
	for i, j := range jobs {
		tasks[i] = executor.Task[NodeResult]{
			Name: j.node.String(),
			Run: func(ctx context.Context) (NodeResult, error) {
				result := r.launch(ctx, rc, j)
				rc.observe(result)
				return result, nil
			},
		}
	}

	results := executor.Run(ctx, executor.NewPool(len(tasks), rc.logger().Slog()), tasks)

	report := &Report{Mode: "remote", Results: make([]NodeResult, len(results))}
	for i, res := range results {
		report.Results[i] = res.Value
		if res.Err != nil {
			j := jobs[i]
			report.Results[i] = NodeResult{
				Target:   j.node.String(),
				Unit:     j.unit.Path,
				Commands: len(j.unit.Descriptor.Commands),
				Err:      res.Err,
				Duration: res.Duration,
			}
			rc.logger().LogDispatchFailure(j.node, j.unit.Path, res.Err)
			rc.observe(report.Results[i])
		}
	}
	return report, nil
}

// unitNames names each node's unit after its host. A host listed more than
// once gets its port appended, and the node's position when that still
// collides, so no two nodes share a descriptor.
func unitNames(nodes []target.Node) []string {
	hosts := make(map[string]int, len(nodes))
	for _, node := range nodes {
		hosts[node.Host]++
	}

	names := make([]string, len(nodes))
	taken := make(map[string]int, len(nodes))
	for i, node := range nodes {
		names[i] = node.Host
		if hosts[node.Host] > 1 {
			names[i] = fmt.Sprintf("%s_%d", node.Host, node.Port)
		}
		taken[names[i]]++
	}
	for i, name := range names {
		if taken[name] > 1 {
			names[i] = fmt.Sprintf("%s_%d", name, i)
		}
	}
	return names
}

// RemoteCommand is the shell line run on a node for a unit
func RemoteCommand(rc *RunContext, u *unit.Unit) string {
	line := fmt.Sprintf("cd %s; %s", unit.ShellJoin([]string{rc.OutputDir}), u.LaunchLine(rc.Launcher, rc.Binary))
	if !rc.Wait {
		line += detach
	}
	return line
}

func (r *Remote) launch(ctx context.Context, rc *RunContext, j job) (result NodeResult) {
	logger := rc.logger().With("unit", j.unit.Path)
	command := RemoteCommand(rc, j.unit)

	result = NodeResult{
		Target:   j.node.String(),
		Unit:     j.unit.Path,
		Commands: len(j.unit.Descriptor.Commands),
		Launch:   command,
		Waited:   rc.Wait,
	}
	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
	}()

	strategies := r.Strategies
	if strategies == nil {
		strategies = ssh.Strategies
	}

	session, strategy, err := ssh.ConnectWith(ctx, r.Dialer, j.node, strategies, func(s string, err error) {
		logger.LogStrategyRejected(j.node, s, err)
	})
	if err != nil {
		return r.fail(logger, result, j.node, err)
	}
	defer session.Close()

	result.Strategy = strategy
	logger.LogConnection(j.node, strategy)

	if rc.Wait {
		out, err := session.Run(command)
		result.Output = len(out)
		if logErr := rc.appendOutput(j.node.String(), out); logErr != nil {
			logger.Error("failed to collect unit output", "host", j.node.Host, "error", logErr.Error())
		}
		if err != nil {
			return r.fail(logger, result, j.node, errors.NewCommandFailedError(
				fmt.Sprintf("unit %s failed on %s", j.unit.Path, j.node), err))
		}
	} else if err := session.Start(command); err != nil {
		return r.fail(logger, result, j.node, errors.ClassifyError(err))
	}

	logger.LogDispatch(j.node, command, rc.Wait)
	return result
}

func (r *Remote) fail(logger *logging.Logger, result NodeResult, node target.Node, err error) NodeResult {
	result.Err = err
	logger.LogDispatchFailure(node, result.Launch, err)
	return result
}
