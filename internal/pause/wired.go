package pause

import (
	"context"
	"encoding/json"

	"github.com/replayio/devtools-sub013/internal/errors"
	"github.com/replayio/devtools-sub013/internal/protocol"
)

// ValueHandle is a lazily resolvable value scoped to one Pause. Every accessor
// fails with a STALE_REFERENCE error once the Pause has been superseded.
type ValueHandle struct {
	pause *Pause
	raw   protocol.Value
}

func (p *Pause) wireValue(v protocol.Value) *ValueHandle {
	return &ValueHandle{pause: p, raw: v}
}

func (h *ValueHandle) check() error {
	return h.pause.alive("value")
}

// Raw returns the protocol value.
func (h *ValueHandle) Raw() (protocol.Value, error) {
	if err := h.check(); err != nil {
		return protocol.Value{}, err
	}
	return h.raw, nil
}

// IsObject reports whether the value refers to an object.
func (h *ValueHandle) IsObject() bool {
	return h.raw.Object != ""
}

// Primitive returns the JSON encoding of a primitive value. Values with no
// JSON form (undefined, NaN, bigint, symbols) are rendered as strings.
func (h *ValueHandle) Primitive() (json.RawMessage, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	v := h.raw
	switch {
	case v.Object != "":
		return nil, errors.InvalidParameter("value", v.Object, "a primitive value")
	case v.Value != nil:
		return v.Value, nil
	case v.UnserializableNumber != "":
		return json.Marshal(v.UnserializableNumber)
	case v.BigInt != "":
		return json.Marshal(v.BigInt + "n")
	case v.Symbol != "":
		return json.Marshal(v.Symbol)
	case v.Unavailable:
		return json.Marshal("<unavailable>")
	case v.Uninitialized:
		return json.Marshal("<uninitialized>")
	default:
		return json.Marshal("undefined")
	}
}

// Object returns the object the value refers to, fetching its preview if the
// Pause has not seen one yet.
func (h *ValueHandle) Object(ctx context.Context) (*WiredObject, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	if h.raw.Object == "" {
		return nil, errors.InvalidParameter("value", "primitive", "an object value")
	}
	if obj := h.pause.knownObject(h.raw.Object); obj != nil && obj.hasPreview() {
		return obj, nil
	}
	return h.pause.ObjectPreview(ctx, h.raw.Object)
}

// Peek returns the object record the Pause already holds for the value, or
// nil. It never contacts the server.
func (h *ValueHandle) Peek() *WiredObject {
	if h.raw.Object == "" || !h.pause.Alive() {
		return nil
	}
	return h.pause.knownObject(h.raw.Object)
}

// Binding is a named value: a scope binding, a getter value or an evaluation
// result.
type Binding struct {
	Name  string
	Value *ValueHandle
}

func (p *Pause) wireBindings(raw []protocol.NamedValue) []Binding {
	out := make([]Binding, len(raw))
	for i, nv := range raw {
		out[i] = Binding{Name: nv.Name, Value: p.wireValue(nv.Value)}
	}
	return out
}

// WiredProperty is an own property from an object preview.
type WiredProperty struct {
	Binding
	Getter protocol.ObjectID
	Setter protocol.ObjectID
	Flags  int
}

// Preview is the wired form of an object preview.
type Preview struct {
	Properties       []WiredProperty
	GetterValues     []Binding
	PrototypeID      protocol.ObjectID
	Overflow         bool
	FunctionName     string
	FunctionLocation protocol.MappedLocation
}

func (p *Pause) wirePreview(raw *protocol.ObjectPreview) *Preview {
	if raw == nil {
		return nil
	}
	props := make([]WiredProperty, len(raw.Properties))
	for i, prop := range raw.Properties {
		props[i] = WiredProperty{
			Binding: Binding{Name: prop.Name, Value: p.wireValue(prop.Value)},
			Getter:  prop.Get,
			Setter:  prop.Set,
			Flags:   prop.Flags,
		}
	}
	return &Preview{
		Properties:       props,
		GetterValues:     p.wireBindings(raw.GetterValues),
		PrototypeID:      raw.PrototypeID,
		Overflow:         raw.Overflow,
		FunctionName:     raw.FunctionName,
		FunctionLocation: raw.FunctionLocation,
	}
}

// WiredObject is an object record owned by a Pause. The same *WiredObject is
// returned for an id for the life of the Pause; its preview may be upgraded
// when a fuller one arrives.
type WiredObject struct {
	pause     *Pause
	id        protocol.ObjectID
	className string
	preview   *Preview
}

// ID returns the object id.
func (o *WiredObject) ID() protocol.ObjectID { return o.id }

// ClassName returns the object's class.
func (o *WiredObject) ClassName() (string, error) {
	if err := o.pause.alive("object " + string(o.id)); err != nil {
		return "", err
	}
	return o.className, nil
}

// Preview returns the best preview seen so far, or nil.
func (o *WiredObject) Preview() (*Preview, error) {
	if err := o.pause.alive("object " + string(o.id)); err != nil {
		return nil, err
	}
	o.pause.mu.Lock()
	defer o.pause.mu.Unlock()
	return o.preview, nil
}

// Property reads a property through the server.
func (o *WiredObject) Property(ctx context.Context, name string) (*Evaluation, error) {
	return o.pause.ObjectProperty(ctx, o.id, name)
}

func (o *WiredObject) hasPreview() bool {
	o.pause.mu.Lock()
	defer o.pause.mu.Unlock()
	return o.preview != nil && !o.preview.Overflow
}

// WiredScope is a scope record owned by a Pause.
type WiredScope struct {
	pause    *Pause
	raw      protocol.Scope
	bindings []Binding
}

// ID returns the scope id.
func (s *WiredScope) ID() protocol.ScopeID { return s.raw.ScopeID }

// Type returns the scope kind ("global", "function", "block", ...).
func (s *WiredScope) Type() string { return s.raw.Type }

// Bindings returns the scope's named values.
func (s *WiredScope) Bindings() ([]Binding, error) {
	if err := s.pause.alive("scope " + string(s.raw.ScopeID)); err != nil {
		return nil, err
	}
	return s.bindings, nil
}

// Object returns the scope object for object-backed scopes (global, with).
func (s *WiredScope) Object(ctx context.Context) (*WiredObject, error) {
	if err := s.pause.alive("scope " + string(s.raw.ScopeID)); err != nil {
		return nil, err
	}
	if s.raw.Object == "" {
		return nil, nil
	}
	return s.pause.wireValue(protocol.Value{Object: s.raw.Object}).Object(ctx)
}

// allUnavailable reports whether the scope has bindings and none of them has
// a value.
func (s *WiredScope) allUnavailable() bool {
	if len(s.raw.Bindings) == 0 {
		return false
	}
	for _, b := range s.raw.Bindings {
		if !b.Unavailable {
			return false
		}
	}
	return true
}

// WiredFrame is a frame record owned by a Pause.
type WiredFrame struct {
	pause *Pause
	raw   protocol.Frame
	this  *ValueHandle
}

// ID returns the frame id.
func (f *WiredFrame) ID() protocol.FrameID { return f.raw.FrameID }

// Raw returns the protocol record.
func (f *WiredFrame) Raw() (protocol.Frame, error) {
	if err := f.pause.alive("frame " + string(f.raw.FrameID)); err != nil {
		return protocol.Frame{}, err
	}
	return f.raw, nil
}

// This returns the frame's this value.
func (f *WiredFrame) This() (*ValueHandle, error) {
	if err := f.pause.alive("frame " + string(f.raw.FrameID)); err != nil {
		return nil, err
	}
	return f.this, nil
}

// Evaluation is the wired outcome of an evaluation or property read.
type Evaluation struct {
	Returned  *ValueHandle
	Exception *ValueHandle
	Failed    bool
}

func (p *Pause) wireEvaluation(d protocol.PauseDescription) *Evaluation {
	ev := &Evaluation{Failed: d.Failed}
	if d.Returned != nil {
		ev.Returned = p.wireValue(*d.Returned)
	}
	if d.Exception != nil {
		ev.Exception = p.wireValue(*d.Exception)
	}
	return ev
}

// ScopeChain is the resolved scope chain of a frame.
type ScopeChain struct {
	Scopes []*WiredScope
	// Original is true when the source-mapped chain was used.
	Original bool
	// Fallback is true when the original chain was available but every
	// binding in it was unavailable, so the generated chain was used instead.
	Fallback bool
}
