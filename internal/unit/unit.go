// Package unit generates and runs executor units.
//
// An executor unit is a YAML task descriptor holding one target's share of
// the command batch. The dispatcher persists it next to the output logs and
// launches it detached as "nohup nice -n 19 <binary> unit <descriptor>",
// so the unit keeps running after the orchestrator exits.
package unit

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Extension is the file extension of persisted descriptors
const Extension = "yaml"

// ModeArg is the subcommand that runs a descriptor
const ModeArg = "unit"

// DefaultLauncher detaches the unit from the session and lowers its priority
var DefaultLauncher = []string{"nohup", "nice", "-n", "19"}

// Descriptor is the serialized task of one executor unit
type Descriptor struct {
	Mask        string   `yaml:"mask"`        // Path prefix for every file the unit writes
	Parallelism int      `yaml:"parallelism"` // Worker slots; <= 1 runs commands sequentially
	Commands    []string `yaml:"commands"`    // Sorted, de-duplicated commands
}

// MultiSlot reports whether the unit runs commands on a worker pool
func (d Descriptor) MultiSlot() bool {
	return d.Parallelism > 1
}

// StdoutLog returns the per-command log path for an iteration
func (d Descriptor) StdoutLog(iteration int) string {
	return fmt.Sprintf("%s_stdout_%d.log", d.Mask, iteration)
}

// MasterLog returns the unit's structured log path
func (d Descriptor) MasterLog() string {
	return d.Mask + "_master.log"
}

// Unit is a persisted descriptor
type Unit struct {
	Path       string
	Descriptor Descriptor
}

// Normalize drops empty commands, de-duplicates the rest and sorts them.
// Original row order is not kept inside a unit.
func Normalize(commands []string) []string {
	seen := make(map[string]struct{}, len(commands))
	out := make([]string, 0, len(commands))
	for _, c := range commands {
		if strings.TrimSpace(c) == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Generate writes the descriptor for commands to "<mask>.yaml" and returns the unit
func Generate(fs afero.Fs, commands []string, mask string, parallelism int) (*Unit, error) {
	if mask == "" {
		return nil, fmt.Errorf("unit mask cannot be empty")
	}
	if parallelism < 1 {
		parallelism = 1
	}

	desc := Descriptor{
		Mask:        mask,
		Parallelism: parallelism,
		Commands:    Normalize(commands),
	}

	data, err := yaml.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal unit descriptor: %w", err)
	}

	path := mask + "." + Extension
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create unit directory: %w", err)
	}
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write unit %s: %w", path, err)
	}

	return &Unit{Path: path, Descriptor: desc}, nil
}

// Load reads a persisted descriptor
func Load(fs afero.Fs, path string) (*Unit, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read unit %s: %w", path, err)
	}

	var desc Descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("failed to parse unit %s: %w", path, err)
	}
	if desc.Mask == "" {
		return nil, fmt.Errorf("unit %s has no mask", path)
	}

	return &Unit{Path: path, Descriptor: desc}, nil
}

// LaunchCommand returns the argument vector that runs the unit detached with
// binary, prefixed by launcher (DefaultLauncher when nil).
func (u *Unit) LaunchCommand(launcher []string, binary string) []string {
	if launcher == nil {
		launcher = DefaultLauncher
	}
	argv := make([]string, 0, len(launcher)+3)
	argv = append(argv, launcher...)
	return append(argv, binary, ModeArg, u.Path)
}

// LaunchLine renders LaunchCommand as a single shell-quoted line
func (u *Unit) LaunchLine(launcher []string, binary string) string {
	return ShellJoin(u.LaunchCommand(launcher, binary))
}

// ShellJoin quotes each argument for a POSIX shell and joins them with spaces
func ShellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
