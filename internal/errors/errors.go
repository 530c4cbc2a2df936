// Package errors provides structured error types for the replay client.
// Errors carry a machine-readable code plus a hint that tells the caller (often
// an LLM driving the tool server) how to recover.
//
// It also owns the invariant-violation hook: every component that detects a
// programming error reports it through an AssertFunc chosen by the hosting
// code, so the same condition can hard-fail in tests and log-and-continue in a
// long-running server.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ErrorCode represents a category of error for programmatic handling
type ErrorCode string

const (
	// Protocol errors
	CodeCommandFailed   ErrorCode = "PROTOCOL_COMMAND_FAILED"
	CodeTransportClosed ErrorCode = "TRANSPORT_CLOSED"

	// Client state errors
	CodeInvariantViolation ErrorCode = "INVARIANT_VIOLATION"
	CodeStaleReference     ErrorCode = "STALE_REFERENCE"
	CodePositionChanged    ErrorCode = "POSITION_CHANGED"

	// Session errors
	CodeSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionLimitReached ErrorCode = "SESSION_LIMIT_REACHED"
	CodeSessionNotStarted   ErrorCode = "SESSION_NOT_STARTED"

	// Parameter errors
	CodeMissingParameter ErrorCode = "MISSING_PARAMETER"
	CodeInvalidParameter ErrorCode = "INVALID_PARAMETER"

	// Permission errors
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// Analysis errors
	CodeAnalysisFailed ErrorCode = "ANALYSIS_FAILED"

	// Configuration errors
	CodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	CodeUnknown ErrorCode = "UNKNOWN_ERROR"
)

// DebugError is a structured error type that includes helpful information
// for the caller to understand what went wrong and how to fix it.
type DebugError struct {
	// Code is a machine-readable error category
	Code ErrorCode `json:"code"`

	// Message is a human-readable description of what went wrong
	Message string `json:"message"`

	// Hint provides actionable guidance on how to fix the error
	Hint string `json:"hint,omitempty"`

	// Details contains additional context (ids, points, limits)
	Details map[string]interface{} `json:"details,omitempty"`

	// Cause is the underlying error, if any
	Cause error `json:"-"`
}

// Error implements the error interface
func (e *DebugError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if e.Hint != "" {
		sb.WriteString(" | Hint: ")
		sb.WriteString(e.Hint)
	}

	return sb.String()
}

// Unwrap returns the underlying error for error chaining
func (e *DebugError) Unwrap() error {
	return e.Cause
}

// WithDetails adds details to the error
func (e *DebugError) WithDetails(key string, value interface{}) *DebugError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying cause
func (e *DebugError) WithCause(err error) *DebugError {
	e.Cause = err
	return e
}

// HasCode reports whether err is a DebugError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var de *DebugError
	return stderrors.As(err, &de) && de.Code == code
}

// --- Invariant hook ---

// AssertFunc receives invariant violations. It may panic (hard-fail) or record
// and return (log-and-continue); callers always get the error back as well.
type AssertFunc func(*DebugError)

// PanicOnViolation is the hard-fail AssertFunc.
func PanicOnViolation(err *DebugError) {
	panic(err)
}

// LogViolation returns an AssertFunc that logs at error level and continues.
func LogViolation(logger zerolog.Logger) AssertFunc {
	return func(err *DebugError) {
		ev := logger.Error().Str("code", string(err.Code))
		for k, v := range err.Details {
			ev = ev.Interface(k, v)
		}
		ev.Msg(err.Message)
	}
}

// Violation builds an invariant-violation error.
func Violation(format string, args ...interface{}) *DebugError {
	return &DebugError{
		Code:    CodeInvariantViolation,
		Message: fmt.Sprintf(format, args...),
		Hint:    "This is a client bug: an operation was issued in a state that does not allow it.",
	}
}

// Assert reports a violation through fn (or PanicOnViolation when fn is nil)
// and returns it so the caller can propagate it.
func Assert(fn AssertFunc, err *DebugError) *DebugError {
	if fn == nil {
		fn = PanicOnViolation
	}
	fn(err)
	return err
}

// --- Protocol Errors ---

// CommandFailed wraps a server-reported command failure.
func CommandFailed(method string, err error) *DebugError {
	return &DebugError{
		Code:    CodeCommandFailed,
		Message: fmt.Sprintf("%s failed: %v", method, err),
		Hint:    "The recording server rejected the command. Check the parameters; commands are never retried automatically.",
		Cause:   err,
		Details: map[string]interface{}{
			"method": method,
		},
	}
}

// TransportClosed creates an error for operations on a closed connection.
func TransportClosed(expected bool) *DebugError {
	hint := "The connection to the recording server dropped. Reconnect with replay_connect; there is no automatic reconnect."
	if expected {
		hint = "The session was closed. Use replay_connect to open a new one."
	}
	return &DebugError{
		Code:    CodeTransportClosed,
		Message: "connection to the recording server is closed",
		Hint:    hint,
		Details: map[string]interface{}{
			"expected": expected,
		},
	}
}

// --- Client State Errors ---

// StaleReference creates an error for access through a superseded pause.
func StaleReference(pauseID string, what string) *DebugError {
	return &DebugError{
		Code:    CodeStaleReference,
		Message: fmt.Sprintf("%s belongs to pause '%s', which has been superseded", what, pauseID),
		Hint:    "Re-read the value from the current pause instead of reusing a handle captured earlier.",
		Details: map[string]interface{}{
			"pauseId": pauseID,
		},
	}
}

// PositionChanged reports that the cursor moved while an operation was in flight.
func PositionChanged(captured, current string) *DebugError {
	return &DebugError{
		Code:    CodePositionChanged,
		Message: fmt.Sprintf("position moved from %s to %s while the operation was running", captured, current),
		Hint:    "The result was discarded. Repeat the request at the current position.",
		Details: map[string]interface{}{
			"captured": captured,
			"current":  current,
		},
	}
}

// --- Session Errors ---

// SessionNotFound creates an error for when a session ID doesn't exist
func SessionNotFound(sessionID string) *DebugError {
	return &DebugError{
		Code:    CodeSessionNotFound,
		Message: fmt.Sprintf("session '%s' not found", sessionID),
		Hint:    "Use replay_list_sessions to see active sessions, or use replay_connect to open a new session.",
		Details: map[string]interface{}{
			"sessionId": sessionID,
		},
	}
}

// SessionLimitReached creates an error when max sessions is reached
func SessionLimitReached(maxSessions int) *DebugError {
	return &DebugError{
		Code:    CodeSessionLimitReached,
		Message: fmt.Sprintf("maximum number of sessions (%d) reached", maxSessions),
		Hint:    "Use replay_disconnect to close an existing session before opening a new one.",
		Details: map[string]interface{}{
			"maxSessions": maxSessions,
		},
	}
}

// SessionNotStarted creates an error for commands issued before createSession.
func SessionNotStarted() *DebugError {
	return &DebugError{
		Code:    CodeSessionNotStarted,
		Message: "session has not been started",
		Hint:    "Start the session with a recording id before issuing session commands.",
	}
}

// --- Parameter Errors ---

// MissingParameter creates an error for missing required parameters
func MissingParameter(paramName, description string) *DebugError {
	return &DebugError{
		Code:    CodeMissingParameter,
		Message: fmt.Sprintf("required parameter '%s' is missing", paramName),
		Hint:    description,
		Details: map[string]interface{}{
			"parameter": paramName,
		},
	}
}

// InvalidParameter creates an error for invalid parameter values
func InvalidParameter(paramName string, value interface{}, expected string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidParameter,
		Message: fmt.Sprintf("invalid value for parameter '%s': %v", paramName, value),
		Hint:    fmt.Sprintf("Expected: %s", expected),
		Details: map[string]interface{}{
			"parameter": paramName,
			"value":     value,
			"expected":  expected,
		},
	}
}

// --- Permission Errors ---

// PermissionDenied creates an error for operations disabled by the server mode
func PermissionDenied(operation, mode string) *DebugError {
	var hint string
	switch operation {
	case "evaluate":
		hint = "Expression evaluation is disabled in the current server mode."
	case "effectful":
		hint = "Effectful analyses are disabled in readonly mode. Drop the effectful flag or restart the server in full mode."
	default:
		hint = fmt.Sprintf("This operation is not allowed in '%s' mode.", mode)
	}

	return &DebugError{
		Code:    CodePermissionDenied,
		Message: fmt.Sprintf("%s is not allowed in current server mode", operation),
		Hint:    hint,
		Details: map[string]interface{}{
			"operation": operation,
			"mode":      mode,
		},
	}
}

// --- Analysis Errors ---

// AnalysisFailed creates an error for analyses the server reported as failed.
func AnalysisFailed(analysisID string, err error) *DebugError {
	return &DebugError{
		Code:    CodeAnalysisFailed,
		Message: fmt.Sprintf("analysis '%s' failed: %v", analysisID, err),
		Hint:    "Check the mapper and reducer bodies. Narrow the point selection if the server reports too many points.",
		Cause:   err,
		Details: map[string]interface{}{
			"analysisId": analysisID,
		},
	}
}

// --- Configuration Errors ---

// ConfigInvalid creates an error for invalid configuration
func ConfigInvalid(field, reason string) *DebugError {
	return &DebugError{
		Code:    CodeConfigInvalid,
		Message: fmt.Sprintf("configuration field '%s' is invalid: %s", field, reason),
		Hint:    "Fix the configuration file, REPLAY_* environment variables or flags.",
		Details: map[string]interface{}{
			"field":  field,
			"reason": reason,
		},
	}
}

// --- Helper for wrapping generic errors ---

// Wrap wraps a generic error with context
func Wrap(code ErrorCode, message string, hint string, err error) *DebugError {
	return &DebugError{
		Code:    code,
		Message: message,
		Hint:    hint,
		Cause:   err,
	}
}

// FromError creates a DebugError from a generic error, attempting to preserve any existing structure
func FromError(err error) *DebugError {
	var de *DebugError
	if stderrors.As(err, &de) {
		return de
	}
	return &DebugError{
		Code:    CodeUnknown,
		Message: err.Error(),
		Hint:    "An unexpected error occurred. Please check the error message for details.",
		Cause:   err,
	}
}
