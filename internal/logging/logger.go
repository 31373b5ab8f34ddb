package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/ivasilyev/matryoshka/internal/target"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LevelDebug    LogLevel = "debug"
	LevelInfo     LogLevel = "info"
	LevelError    LogLevel = "error"
	LevelCritical LogLevel = "critical"
)

// SlogLevelCritical sits above slog.LevelError and marks failures that were
// isolated rather than propagated.
const SlogLevelCritical = slog.Level(12)

// LogFormat represents the output format for logs
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Config holds logging configuration
type Config struct {
	Level  LogLevel  // Minimum log level to output
	Format LogFormat // Output format (json or text)
	Output io.Writer // Output destination (defaults to stderr)
	Quiet  bool      // If true, suppress non-error output
}

// Logger wraps slog.Logger with the levels the run and unit logs need
type Logger struct {
	logger *slog.Logger
	config Config
	closer io.Closer
}

// NewLogger creates a new logger instance
func NewLogger(config Config) *Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:       convertLogLevel(config.Level),
		ReplaceAttr: replaceLevelName,
	}

	var handler slog.Handler
	switch config.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(config.Output, opts)
	default:
		handler = slog.NewTextHandler(config.Output, opts)
	}

	return &Logger{
		logger: slog.New(handler),
		config: config,
	}
}

// NewFileLogger creates a logger appending to path on fs. The file is
// created if missing and closed by Close.
func NewFileLogger(fs afero.Fs, path string, config Config) (*Logger, error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	config.Output = f
	l := NewLogger(config)
	l.closer = f
	return l, nil
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	return NewLogger(Config{Output: io.Discard})
}

// Close releases the file behind a file logger.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// convertLogLevel converts our LogLevel to slog.Level
func convertLogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelError:
		return slog.LevelError
	case LevelCritical:
		return SlogLevelCritical
	default:
		return slog.LevelInfo
	}
}

func replaceLevelName(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level >= SlogLevelCritical {
		a.Value = slog.StringValue("CRITICAL")
	}
	return a
}

// ParseLevel maps a configuration string onto a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch LogLevel(strings.ToLower(s)) {
	case LevelDebug, LevelInfo, LevelError, LevelCritical:
		return LogLevel(strings.ToLower(s)), nil
	case "":
		return LevelInfo, nil
	}
	return "", fmt.Errorf("invalid log level '%s': must be one of debug, info, error, critical", s)
}

// Slog exposes the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

// With returns a logger carrying the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...), config: l.config}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

// Info logs an informational message
func (l *Logger) Info(msg string, args ...any) {
	if l.config.Quiet {
		return
	}
	l.logger.Info(msg, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// Critical logs an isolated failure
func (l *Logger) Critical(msg string, args ...any) {
	l.logger.Log(context.Background(), SlogLevelCritical, msg, args...)
}

// LogCommandStart logs a command about to be spawned by a unit
func (l *Logger) LogCommandStart(command string, iteration int, logPath string) {
	l.Info("processing command",
		"command", command,
		"iteration", iteration,
		"log", logPath,
	)
}

// LogCommandSuccess logs a command that ran to a zero exit
func (l *Logger) LogCommandSuccess(command string, iteration int, logPath string) {
	l.Info("successfully processed command",
		"command", command,
		"iteration", iteration,
		"log", logPath,
	)
}

// LogCommandFailure logs a command that failed inside a unit
func (l *Logger) LogCommandFailure(command string, iteration int, logPath string, err error) {
	l.Critical("command crashed",
		"command", command,
		"iteration", iteration,
		"log", logPath,
		"error", err.Error(),
	)
}

// LogNodeDropped logs a node removed by the liveness filter
func (l *Logger) LogNodeDropped(node target.Node, err error) {
	l.Info("node failed liveness probe",
		"host", node.Host,
		"user", node.User,
		"port", node.Port,
		"error", err.Error(),
		// Never log the password
	)
}

// LogConnection logs which credential strategy opened a session
func (l *Logger) LogConnection(node target.Node, strategy string) {
	l.Info("ssh connection established",
		"host", node.Host,
		"user", node.User,
		"port", node.Port,
		"strategy", strategy,
	)
}

// LogStrategyRejected logs a credential strategy that the server refused
func (l *Logger) LogStrategyRejected(node target.Node, strategy string, err error) {
	l.Debug("ssh credentials rejected",
		"host", node.Host,
		"port", node.Port,
		"strategy", strategy,
		"error", err.Error(),
	)
}

// LogDispatch logs a unit launched on a node
func (l *Logger) LogDispatch(node target.Node, command string, waited bool) {
	l.Info("successfully dispatched unit",
		"pid", os.Getpid(),
		"host", node.Host,
		"port", node.Port,
		"command", command,
		"waited", waited,
	)
}

// LogDispatchFailure logs a node whose dispatch failed
func (l *Logger) LogDispatchFailure(node target.Node, command string, err error) {
	l.Critical("dispatch crashed",
		"pid", os.Getpid(),
		"host", node.Host,
		"user", node.User,
		"port", node.Port,
		"command", command,
		"error", err.Error(),
	)
}

// LogConfigLoad logs configuration loading events
func (l *Logger) LogConfigLoad(source string) {
	l.Info("configuration loaded",
		"source", source,
	)
}

// LogTargetParsing logs node resolution
func (l *Logger) LogTargetParsing(source string, count int) {
	l.Info("nodes parsed",
		"source", source,
		"count", count,
	)
}

// ConfigFromStrings builds a Config from configuration strings, falling back
// to info/text for unknown values.
func ConfigFromStrings(logLevel, logFormat string, quiet bool) Config {
	level, err := ParseLevel(logLevel)
	if err != nil {
		level = LevelInfo
	}

	format := FormatText
	if logFormat == string(FormatJSON) {
		format = FormatJSON
	}

	return Config{
		Level:  level,
		Format: format,
		Quiet:  quiet,
	}
}
