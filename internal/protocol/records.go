package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Server-assigned identifiers.
type (
	SessionID  string
	PauseID    string
	FrameID    string
	ScopeID    string
	ObjectID   string
	SourceID   string
	AnalysisID string
)

// Location is a position within a source.
type Location struct {
	SourceID SourceID `json:"sourceId"`
	Line     int      `json:"line"`
	Column   int      `json:"column"`
}

// Key encodes the location as "sourceId|line|column".
func (l Location) Key() string {
	return fmt.Sprintf("%s|%d|%d", l.SourceID, l.Line, l.Column)
}

// ParseLocationKey is the inverse of Location.Key.
func ParseLocationKey(key string) (Location, error) {
	parts := strings.Split(key, "|")
	if len(parts) != 3 {
		return Location{}, fmt.Errorf("malformed location key %q", key)
	}
	line, err := strconv.Atoi(parts[1])
	if err != nil {
		return Location{}, fmt.Errorf("malformed line in %q: %w", key, err)
	}
	column, err := strconv.Atoi(parts[2])
	if err != nil {
		return Location{}, fmt.Errorf("malformed column in %q: %w", key, err)
	}
	return Location{SourceID: SourceID(parts[0]), Line: line, Column: column}, nil
}

// MappedLocation lists the same position in every source it maps to
// (generated and original).
type MappedLocation []Location

// HasSource reports whether any entry is in the given source.
func (m MappedLocation) HasSource(id SourceID) bool {
	for _, l := range m {
		if l.SourceID == id {
			return true
		}
	}
	return false
}

// Value is a raw protocol value. Exactly one of the fields is normally set; an
// absent Value field with no other field set means undefined.
type Value struct {
	Value                json.RawMessage `json:"value,omitempty"`
	Object               ObjectID        `json:"object,omitempty"`
	UnserializableNumber string          `json:"unserializableNumber,omitempty"`
	BigInt               string          `json:"bigint,omitempty"`
	Symbol               string          `json:"symbol,omitempty"`
	Unavailable          bool            `json:"unavailable,omitempty"`
	Uninitialized        bool            `json:"uninitialized,omitempty"`
}

// NamedValue is a value with a binding or property name.
type NamedValue struct {
	Name string `json:"name"`
	Value
}

// Property is an own property from an object preview.
type Property struct {
	NamedValue
	Get   ObjectID `json:"get,omitempty"`
	Set   ObjectID `json:"set,omitempty"`
	Flags int      `json:"flags,omitempty"`
}

// ObjectPreview describes part of an object's contents.
type ObjectPreview struct {
	Properties   []Property   `json:"properties,omitempty"`
	GetterValues []NamedValue `json:"getterValues,omitempty"`
	PrototypeID  ObjectID     `json:"prototypeId,omitempty"`
	Overflow     bool         `json:"overflow,omitempty"`

	// Function previews.
	FunctionName     string         `json:"functionName,omitempty"`
	FunctionLocation MappedLocation `json:"functionLocation,omitempty"`
}

// Object is a raw object record.
type Object struct {
	ObjectID  ObjectID       `json:"objectId"`
	ClassName string         `json:"className"`
	Preview   *ObjectPreview `json:"preview,omitempty"`
}

// Scope is a raw scope record.
type Scope struct {
	ScopeID         ScopeID      `json:"scopeId"`
	Type            string       `json:"type"`
	Object          ObjectID     `json:"object,omitempty"`
	FunctionLexical ObjectID     `json:"functionLexical,omitempty"`
	Bindings        []NamedValue `json:"bindings,omitempty"`
}

// Frame is a raw frame record.
type Frame struct {
	FrameID            FrameID        `json:"frameId"`
	Type               string         `json:"type"`
	FunctionName       string         `json:"functionName,omitempty"`
	FunctionLocation   MappedLocation `json:"functionLocation,omitempty"`
	Location           MappedLocation `json:"location"`
	ScopeChain         []ScopeID      `json:"scopeChain"`
	OriginalScopeChain []ScopeID      `json:"originalScopeChain,omitempty"`
	This               Value          `json:"this"`
}

// PauseData is the batch of records attached to pause-scoped replies.
type PauseData struct {
	Frames  []Frame  `json:"frames,omitempty"`
	Scopes  []Scope  `json:"scopes,omitempty"`
	Objects []Object `json:"objects,omitempty"`
}

// Empty reports whether the batch carries no records.
func (d PauseData) Empty() bool {
	return len(d.Frames) == 0 && len(d.Scopes) == 0 && len(d.Objects) == 0
}

// PauseDescription is the outcome of an evaluation or property read.
type PauseDescription struct {
	Returned  *Value    `json:"returned,omitempty"`
	Exception *Value    `json:"exception,omitempty"`
	Failed    bool      `json:"failed,omitempty"`
	Data      PauseData `json:"data"`
}

// PointDescription is a point discovered by an analysis or a frame step.
type PointDescription struct {
	Point ExecutionPoint `json:"point"`
	Time  float64        `json:"time"`
	Frame MappedLocation `json:"frame,omitempty"`
}

// GetTime implements Timed.
func (p PointDescription) GetTime() float64 { return p.Time }

// AnalysisEntry is one key/value emitted by a mapper or reducer.
type AnalysisEntry struct {
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value"`
}

// VariableMapping maps an original variable name to a generated expression.
type VariableMapping struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

// SameLineSourceLocations groups breakpoint columns on one line.
type SameLineSourceLocations struct {
	Line    int   `json:"line"`
	Columns []int `json:"columns"`
}

// ScreenShot is a graphics snapshot returned by a repaint.
type ScreenShot struct {
	MimeType string `json:"mimeType"`
	Hash     string `json:"hash"`
	Data     string `json:"data,omitempty"`
}
