package unit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	mErrors "github.com/ivasilyev/matryoshka/internal/errors"
	"github.com/ivasilyev/matryoshka/internal/logging"
	"github.com/ivasilyev/matryoshka/internal/template"
)

func TestNormalize(t *testing.T) {
	got := Normalize([]string{"b 1", "", "a 2", "b 1", "  ", "a 1"})
	assert.Equal(t, []string{"a 1", "a 2", "b 1"}, got)
}

func TestGenerateAndLoad(t *testing.T) {
	fs := afero.NewMemMapFs()

	u, err := Generate(fs, []string{"echo b", "echo a", "echo b"}, "/out/unit_node1", 4)
	require.NoError(t, err)

	assert.Equal(t, "/out/unit_node1.yaml", u.Path)
	assert.Equal(t, []string{"echo a", "echo b"}, u.Descriptor.Commands)
	assert.True(t, u.Descriptor.MultiSlot())

	loaded, err := Load(fs, u.Path)
	require.NoError(t, err)
	assert.Equal(t, u.Descriptor, loaded.Descriptor)
}

func TestGenerate_SingleSlotDefault(t *testing.T) {
	u, err := Generate(afero.NewMemMapFs(), []string{"x"}, "/out/unit_local", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, u.Descriptor.Parallelism)
	assert.False(t, u.Descriptor.MultiSlot())

	_, err = Generate(afero.NewMemMapFs(), nil, "", 1)
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/bad.yaml", []byte("commands: [a\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/nomask.yaml", []byte("commands: [a]\n"), 0o644))

	_, err := Load(fs, "/bad.yaml")
	assert.Error(t, err)
	_, err = Load(fs, "/nomask.yaml")
	assert.ErrorContains(t, err, "no mask")
	_, err = Load(fs, "/missing.yaml")
	assert.Error(t, err)
}

func TestLaunchCommand(t *testing.T) {
	u := &Unit{Path: "/srv/out dir/unit_h1.yaml"}

	assert.Equal(t,
		[]string{"nohup", "nice", "-n", "19", "/usr/bin/matryoshka", "unit", "/srv/out dir/unit_h1.yaml"},
		u.LaunchCommand(nil, "/usr/bin/matryoshka"))
	assert.Equal(t,
		"nohup nice -n 19 /usr/bin/matryoshka unit '/srv/out dir/unit_h1.yaml'",
		u.LaunchLine(nil, "/usr/bin/matryoshka"))
	assert.Equal(t, []string{"bin", "unit", "/srv/out dir/unit_h1.yaml"}, u.LaunchCommand([]string{}, "bin"))
}

func TestShellJoin(t *testing.T) {
	assert.Equal(t, `a '' 'it'"'"'s' 'x;y'`, ShellJoin([]string{"a", "", "it's", "x;y"}))
}

// fakeExec records argv and answers from a table keyed by the first word
type fakeExec struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeExec) run(ctx context.Context, argv []string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, argv)
	f.mu.Unlock()

	switch argv[0] {
	case "missing":
		return nil, errors.New(`exec: "missing": executable file not found in $PATH`)
	case "panic":
		panic("exploded")
	default:
		return []byte(strings.Join(argv, " ") + "\n"), nil
	}
}

func TestRunner_SingleSlotContinuesAfterFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	fe := &fakeExec{}
	r := &Runner{Fs: fs, Logger: logging.Discard(), Exec: fe.run}

	desc := Descriptor{Mask: "/out/u", Parallelism: 1, Commands: []string{"a  1", "missing x", "z 3"}}
	records, summary := r.Run(context.Background(), desc)

	require.Len(t, records, 3)
	assert.Equal(t, []string{"a", "1"}, fe.calls[0], "splits on any whitespace")
	assert.NoError(t, records[0].Err)
	assert.True(t, mErrors.IsType(records[1].Err, mErrors.CommandFailedErrorType))
	assert.NoError(t, records[2].Err)
	assert.Equal(t, 2, records[2].Iteration)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	data, err := afero.ReadFile(fs, "/out/u_stdout_2.log")
	require.NoError(t, err)
	assert.Equal(t, "z 3\n", string(data))

	exists, _ := afero.Exists(fs, "/out/u_stdout_1.log")
	assert.False(t, exists, "a command that never started writes no log")
}

func TestRunner_MultiSlot(t *testing.T) {
	defer goleak.VerifyNone(t)

	fs := afero.NewMemMapFs()
	fe := &fakeExec{}
	r := &Runner{Fs: fs, Logger: logging.Discard(), Exec: fe.run}

	commands := []string{"c 0", "c 1", "c 2", "c 3", "c 4", "panic now", "c 6"}
	sort.Strings(commands)
	desc := Descriptor{Mask: "/out/m", Parallelism: 3, Commands: commands}

	records, summary := r.Run(context.Background(), desc)

	require.Len(t, records, len(commands))
	for i, rec := range records {
		assert.Equal(t, i, rec.Iteration)
		assert.Equal(t, commands[i], rec.Command)
		if rec.Command == "panic now" {
			assert.Error(t, rec.Err)
			continue
		}
		assert.NoError(t, rec.Err)
		data, err := afero.ReadFile(fs, desc.StdoutLog(i))
		require.NoError(t, err)
		assert.Equal(t, rec.Command+"\n", string(data))
	}
	assert.Equal(t, 6, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
}

func TestRunner_AppendsToExistingLog(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/out/a_stdout_0.log", []byte("old\n"), 0o644))

	r := &Runner{Fs: fs, Logger: logging.Discard(), Exec: (&fakeExec{}).run}
	r.Run(context.Background(), Descriptor{Mask: "/out/a", Commands: []string{"new"}})

	data, err := afero.ReadFile(fs, "/out/a_stdout_0.log")
	require.NoError(t, err)
	assert.Equal(t, "old\nnew\n", string(data))
}

func TestIterationOf(t *testing.T) {
	assert.Equal(t, 1, iterationOf([]string{"a", "b", "b"}, "b"))
	assert.Equal(t, -1, iterationOf([]string{"a"}, "z"))
}

// TestRunFile_EndToEnd expands a table, generates a single-slot unit and runs
// it with real processes.
func TestRunFile_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	fs := afero.NewOsFs()

	commands, err := template.Expand("echo $0-$1", []string{"X\tY"})
	require.NoError(t, err)

	u, err := Generate(fs, commands, filepath.Join(dir, "unit_local"), 0)
	require.NoError(t, err)
	require.False(t, u.Descriptor.MultiSlot())

	records, err := RunFile(context.Background(), fs, u.Path, logging.Config{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NoError(t, records[0].Err)

	out, err := os.ReadFile(filepath.Join(dir, "unit_local_stdout_0.log"))
	require.NoError(t, err)
	assert.Equal(t, "X-Y\n", string(out))

	master, err := os.ReadFile(filepath.Join(dir, "unit_local_master.log"))
	require.NoError(t, err)
	assert.Contains(t, string(master), "launching unit")
	assert.Contains(t, string(master), "successfully processed command")
	assert.Contains(t, string(master), "COMPLETED")
}

func TestRunFile_RealFailuresAreCritical(t *testing.T) {
	dir := t.TempDir()
	fs := afero.NewOsFs()

	u, err := Generate(fs, []string{"false", "/nonexistent/binary arg", "echo ok"}, filepath.Join(dir, "unit_h"), 2)
	require.NoError(t, err)

	records, err := RunFile(context.Background(), fs, u.Path, logging.Config{})
	require.NoError(t, err)
	require.Len(t, records, 3)

	failed := 0
	for _, rec := range records {
		if rec.Err != nil {
			failed++
		}
	}
	assert.Equal(t, 2, failed)

	master, err := os.ReadFile(filepath.Join(dir, "unit_h_master.log"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(master), "level=CRITICAL"))
	assert.Contains(t, string(master), "COMPLETED")
}
