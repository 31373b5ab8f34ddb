// Package errors provides error classification and handling for matryoshka.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents the classification of errors
type ErrorType int

const (
	// UsageErrorType represents missing or invalid required input
	UsageErrorType ErrorType = iota

	// MalformedRowErrorType represents a table row narrower than the template requires
	MalformedRowErrorType

	// NoAliveNodesErrorType represents a node list where every liveness probe failed
	NoAliveNodesErrorType

	// AuthenticationErrorType represents exhausted SSH credential fallbacks
	AuthenticationErrorType

	// ConnectionErrorType represents network or SSH transport errors
	ConnectionErrorType

	// CommandFailedErrorType represents a spawned command that failed to start or exited non-zero
	CommandFailedErrorType

	// UnknownErrorType represents unclassified errors
	UnknownErrorType
)

// String returns a string representation of the error type
func (et ErrorType) String() string {
	switch et {
	case UsageErrorType:
		return "usage"
	case MalformedRowErrorType:
		return "malformed_row"
	case NoAliveNodesErrorType:
		return "no_alive_nodes"
	case AuthenticationErrorType:
		return "authentication"
	case ConnectionErrorType:
		return "connection"
	case CommandFailedErrorType:
		return "command_failed"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this type abort the whole run.
func (et ErrorType) Fatal() bool {
	switch et {
	case UsageErrorType, MalformedRowErrorType, NoAliveNodesErrorType:
		return true
	default:
		return false
	}
}

// ClassifiedError wraps an error with classification information
type ClassifiedError struct {
	Type     ErrorType
	Original error
	Message  string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	switch {
	case ce.Message != "" && ce.Original != nil:
		return fmt.Sprintf("%s: %v", ce.Message, ce.Original)
	case ce.Message != "":
		return ce.Message
	case ce.Original != nil:
		return ce.Original.Error()
	}
	return "unknown error"
}

// Unwrap returns the original error for error unwrapping
func (ce *ClassifiedError) Unwrap() error {
	return ce.Original
}

// Is matches any ClassifiedError of the same type, so callers can write
// errors.Is(err, &ClassifiedError{Type: AuthenticationErrorType}).
func (ce *ClassifiedError) Is(target error) bool {
	t, ok := target.(*ClassifiedError)
	if !ok {
		return false
	}
	return t.Type == ce.Type && t.Message == "" && t.Original == nil
}

// TypeOf returns the classification carried by err, or classifies it by message.
func TypeOf(err error) ErrorType {
	if err == nil {
		return UnknownErrorType
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ClassifyError(err).Type
}

// IsType reports whether err carries the given classification anywhere in its chain.
func IsType(err error, et ErrorType) bool {
	var ce *ClassifiedError
	for err != nil {
		if !errors.As(err, &ce) {
			return false
		}
		if ce.Type == et {
			return true
		}
		err = ce.Original
	}
	return false
}

// ClassifyError analyzes an error and returns its classification
func ClassifyError(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	errStr := strings.ToLower(err.Error())

	if isAuthenticationError(errStr) {
		return &ClassifiedError{Type: AuthenticationErrorType, Original: err}
	}

	if isConnectionError(errStr) {
		return &ClassifiedError{Type: ConnectionErrorType, Original: err}
	}

	if isCommandError(errStr) {
		return &ClassifiedError{Type: CommandFailedErrorType, Original: err}
	}

	return &ClassifiedError{Type: UnknownErrorType, Original: err}
}

// isAuthenticationError checks if an error is an SSH authentication rejection.
// x/crypto/ssh reports these as "unable to authenticate, attempted methods [...]".
func isAuthenticationError(errStr string) bool {
	authKeywords := []string{
		"unable to authenticate",
		"no supported methods remain",
		"authentication failed",
		"permission denied (publickey",
		"permission denied (password",
	}

	for _, keyword := range authKeywords {
		if strings.Contains(errStr, keyword) {
			return true
		}
	}

	return false
}

// isConnectionError checks if an error is related to network connectivity
func isConnectionError(errStr string) bool {
	connectionKeywords := []string{
		"connection refused",
		"connection reset",
		"connection closed",
		"network unreachable",
		"no route to host",
		"host unreachable",
		"no such host",
		"i/o timeout",
		"broken pipe",
		"handshake failed",
		"unexpected eof",
	}

	for _, keyword := range connectionKeywords {
		if strings.Contains(errStr, keyword) {
			return true
		}
	}

	return false
}

// isCommandError checks if an error is related to a spawned command
func isCommandError(errStr string) bool {
	commandKeywords := []string{
		"executable file not found",
		"no such file or directory",
		"exit status",
		"signal:",
		"permission denied",
	}

	for _, keyword := range commandKeywords {
		if strings.Contains(errStr, keyword) {
			return true
		}
	}

	return false
}

// NewUsageError creates a new usage error
func NewUsageError(message string, original error) *ClassifiedError {
	return &ClassifiedError{Type: UsageErrorType, Original: original, Message: message}
}

// NewMalformedRowError creates a new malformed row error
func NewMalformedRowError(message string, original error) *ClassifiedError {
	return &ClassifiedError{Type: MalformedRowErrorType, Original: original, Message: message}
}

// NewNoAliveNodesError creates a new error for an empty alive-node list
func NewNoAliveNodesError(message string, original error) *ClassifiedError {
	return &ClassifiedError{Type: NoAliveNodesErrorType, Original: original, Message: message}
}

// NewAuthenticationError creates a new authentication error
func NewAuthenticationError(message string, original error) *ClassifiedError {
	return &ClassifiedError{Type: AuthenticationErrorType, Original: original, Message: message}
}

// NewConnectionError creates a new connection error
func NewConnectionError(message string, original error) *ClassifiedError {
	return &ClassifiedError{Type: ConnectionErrorType, Original: original, Message: message}
}

// NewCommandFailedError creates a new command failure
func NewCommandFailedError(message string, original error) *ClassifiedError {
	return &ClassifiedError{Type: CommandFailedErrorType, Original: original, Message: message}
}

// ErrorCollector collects and categorizes multiple errors. It is not safe for
// concurrent use.
type ErrorCollector struct {
	errors map[ErrorType][]error
	count  int
}

// NewErrorCollector creates a new error collector
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{
		errors: make(map[ErrorType][]error),
	}
}

// Add adds an error to the collector
func (ec *ErrorCollector) Add(err error) {
	if err == nil {
		return
	}

	et := TypeOf(err)
	ec.errors[et] = append(ec.errors[et], err)
	ec.count++
}

// Count returns the total number of errors
func (ec *ErrorCollector) Count() int {
	return ec.count
}

// CountByType returns the number of errors of a specific type
func (ec *ErrorCollector) CountByType(errorType ErrorType) int {
	return len(ec.errors[errorType])
}

// HasErrors returns true if there are any errors
func (ec *ErrorCollector) HasErrors() bool {
	return ec.count > 0
}

// Summary returns a summary of all collected errors
func (ec *ErrorCollector) Summary() string {
	if ec.count == 0 {
		return "no errors"
	}

	types := make([]ErrorType, 0, len(ec.errors))
	for errorType := range ec.errors {
		types = append(types, errorType)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	parts := make([]string, 0, len(types))
	for _, errorType := range types {
		parts = append(parts, fmt.Sprintf("%d %s", len(ec.errors[errorType]), errorType))
	}

	return fmt.Sprintf("total: %d errors (%s)", ec.count, strings.Join(parts, ", "))
}
