// Package types defines the JSON shapes returned by the replay tool server.
//
// This package provides type definitions for:
//   - SessionStatus: session states (connecting, ready, terminated)
//   - Info types: SessionInfo, PositionInfo, FrameInfo, ScopeInfo, Variable, ObjectInfo
//   - Results: EvaluateResult, AnalysisResult, PaintInfo
//
// Values are rendered for a reader, not for round-tripping: primitives are
// carried as raw JSON and objects as their id plus a class name, so a caller
// can follow them with replay_object.
package types

import (
	"encoding/json"
	"time"
)

// SessionStatus represents the status of a replay session
type SessionStatus string

const (
	SessionStatusConnecting SessionStatus = "connecting"
	SessionStatusReady      SessionStatus = "ready"
	SessionStatusTerminated SessionStatus = "terminated"
)

// SessionInfo represents information about a replay session
type SessionInfo struct {
	SessionID       string        `json:"sessionId"`
	RecordingID     string        `json:"recordingId"`
	ServerSessionID string        `json:"serverSessionId,omitempty"`
	Status          SessionStatus `json:"status"`
	Position        *PositionInfo `json:"position,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	LastUsed        time.Time     `json:"lastUsed"`
	// CloseReason is set once the connection has ended.
	CloseReason string `json:"closeReason,omitempty"`
}

// PositionInfo is the session's cursor
type PositionInfo struct {
	Point   string  `json:"point"`
	Time    float64 `json:"time"`
	PauseID string  `json:"pauseId,omitempty"`
}

// Location is a source position
type Location struct {
	SourceID string `json:"sourceId"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
}

// FrameInfo represents a stack frame at a pause
type FrameInfo struct {
	FrameID      string     `json:"frameId"`
	Type         string     `json:"type"`
	FunctionName string     `json:"functionName,omitempty"`
	Location     []Location `json:"location"`
	HasOriginal  bool       `json:"hasOriginalScopes"`
}

// Variable represents a named value
type Variable struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value,omitempty"`
	// ObjectID is set for object values; Value is then omitted.
	ObjectID  string `json:"objectId,omitempty"`
	ClassName string `json:"className,omitempty"`
}

// ScopeInfo represents one scope of a frame's chain
type ScopeInfo struct {
	ScopeID   string     `json:"scopeId"`
	Type      string     `json:"type"`
	Variables []Variable `json:"variables"`
}

// ScopesResult is the resolved scope chain of a frame
type ScopesResult struct {
	FrameID  string      `json:"frameId"`
	Original bool        `json:"original"`
	Fallback bool        `json:"fallback,omitempty"`
	Scopes   []ScopeInfo `json:"scopes"`
	Warning  string      `json:"warning,omitempty"`
}

// ObjectInfo represents an object preview
type ObjectInfo struct {
	ObjectID     string     `json:"objectId"`
	ClassName    string     `json:"className"`
	Properties   []Variable `json:"properties,omitempty"`
	GetterValues []Variable `json:"getterValues,omitempty"`
	PrototypeID  string     `json:"prototypeId,omitempty"`
	Overflow     bool       `json:"overflow,omitempty"`
	FunctionName string     `json:"functionName,omitempty"`
}

// EvaluateResult represents the result of evaluating an expression
type EvaluateResult struct {
	Returned  *Variable `json:"returned,omitempty"`
	Exception *Variable `json:"exception,omitempty"`
	Failed    bool      `json:"failed,omitempty"`
}

// PointInfo is an execution point with its time
type PointInfo struct {
	Point string  `json:"point"`
	Time  float64 `json:"time"`
}

// AnalysisEntry is one mapper/reducer output
type AnalysisEntry struct {
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value"`
}

// AnalysisResult represents the collected output of an analysis
type AnalysisResult struct {
	Entries []AnalysisEntry `json:"entries,omitempty"`
	Points  []PointInfo     `json:"points,omitempty"`
	Batches int             `json:"batches,omitempty"`
	Partial bool            `json:"partial,omitempty"`
	// Error is a result-level failure such as "too-many-points-to-run".
	Error string `json:"error,omitempty"`
}

// BreakpointLine lists breakable columns on one line
type BreakpointLine struct {
	Line    int   `json:"line"`
	Columns []int `json:"columns"`
}

// PaintInfo describes a repaint at the cursor
type PaintInfo struct {
	Point    string `json:"point"`
	MimeType string `json:"mimeType,omitempty"`
	Hash     string `json:"hash,omitempty"`
}
