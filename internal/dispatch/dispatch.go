// Package dispatch builds executor units for a command batch and launches
// them, either as a local child process or on remote nodes over SSH.
package dispatch

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/ivasilyev/matryoshka/internal/logging"
	"github.com/ivasilyev/matryoshka/internal/target"
	"github.com/ivasilyev/matryoshka/internal/unit"
)

// LocalTarget names the unit of a local run
const LocalTarget = "local"

// RunContext is the run-scoped state shared by every dispatcher
type RunContext struct {
	OutputDir string   // Absolute output directory; must be visible to every node
	Wait      bool     // Wait for remote units to finish
	Threads   int      // Worker slots per unit
	Binary    string   // Executable that runs units in "unit" mode
	Launcher  []string // Launch prefix; nil means unit.DefaultLauncher
	Program   string   // Base name of the top-level logs
	Fs        afero.Fs
	Logger    *logging.Logger

	// OnResult, when set, observes every finished target
	OnResult func(NodeResult)

	logMu sync.Mutex
}

// Mask returns the unit mask for a target
func (rc *RunContext) Mask(target string) string {
	return filepath.Join(rc.OutputDir, "unit_"+target)
}

// ProgramLog returns the path collecting launched units' output
func (rc *RunContext) ProgramLog() string {
	return filepath.Join(rc.OutputDir, rc.Program+".log")
}

// MasterLog returns the orchestrator's structured log path
func (rc *RunContext) MasterLog() string {
	return filepath.Join(rc.OutputDir, rc.Program+"_master.log")
}

func (rc *RunContext) logger() *logging.Logger {
	if rc.Logger == nil {
		return logging.Discard()
	}
	return rc.Logger
}

// appendOutput appends a launched unit's output to the program log
func (rc *RunContext) appendOutput(header string, data []byte) error {
	if len(data) == 0 && header == "" {
		return nil
	}
	rc.logMu.Lock()
	defer rc.logMu.Unlock()

	if header != "" {
		data = append([]byte(fmt.Sprintf("=== %s ===\n", header)), data...)
		if n := len(data); n > 0 && data[n-1] != '\n' {
			data = append(data, '\n')
		}
	}
	return unit.AppendFile(rc.Fs, rc.ProgramLog(), data)
}

func (rc *RunContext) observe(result NodeResult) {
	if rc.OnResult != nil {
		rc.OnResult(result)
	}
}

// NodeResult is the dispatch outcome of one target
type NodeResult struct {
	Target   string
	Unit     string
	Commands int
	Launch   string
	Strategy string // Credential strategy that opened the session; empty for local runs
	Waited   bool
	Output   int // Bytes of launcher output collected
	Err      error
	Duration time.Duration
}

// Succeeded reports whether the unit was launched
func (r NodeResult) Succeeded() bool {
	return r.Err == nil
}

// Report collects the outcome of one run
type Report struct {
	Mode    string
	Results []NodeResult
	Dropped []target.ProbeResult // Nodes removed by the liveness filter
}

// Succeeded counts targets whose unit was launched
func (r *Report) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Succeeded() {
			n++
		}
	}
	return n
}

// Failed counts targets whose dispatch failed
func (r *Report) Failed() int {
	return len(r.Results) - r.Succeeded()
}
