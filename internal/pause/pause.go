// Package pause implements the per-snapshot object graph of a recording.
//
// A Pause is anchored once to an execution point, either by asking the server
// to create it (Create) or from data the server pushed (Instantiate). Every
// accessor waits for the Pause to become ready, then merges the records each
// reply carries into three grow-only maps. Raw records are converted into
// their wired form the first time their id is seen; later sightings of a
// known id are ignored, except that an object's preview is upgraded when a
// fuller one arrives.
//
// A Pause that has been superseded is poisoned: it and every handle wired from
// it fail with a STALE_REFERENCE error instead of returning old data.
package pause

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/replayio/devtools-sub013/internal/errors"
	"github.com/replayio/devtools-sub013/internal/future"
	"github.com/replayio/devtools-sub013/internal/protocol"
)

// State is the lifecycle state of a Pause.
type State int

const (
	Uninitialized State = iota
	Creating
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Creating:
		return "creating"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// SourcePreferences tells scope resolution which sources should be shown in
// their generated form.
type SourcePreferences interface {
	PrefersGenerated(id protocol.SourceID) bool
}

// Pause is a snapshot of program state at one execution point.
type Pause struct {
	sender protocol.Sender
	logger zerolog.Logger
	assert errors.AssertFunc
	prefs  SourcePreferences

	ready *future.Future[struct{}]

	mu      sync.Mutex
	state   State
	dead    bool
	id      protocol.PauseID
	point   protocol.ExecutionPoint
	time    float64
	frames  map[protocol.FrameID]*WiredFrame
	scopes  map[protocol.ScopeID]*WiredScope
	objects map[protocol.ObjectID]*WiredObject

	allFrames  memo[struct{}, []protocol.FrameID]
	frameSteps memo[protocol.FrameID, []protocol.PointDescription]
	repaint    memo[struct{}, *protocol.ScreenShot]
}

// Option configures a Pause.
type Option func(*Pause)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pause) { p.logger = logger }
}

// WithAssert sets the invariant-violation hook.
func WithAssert(fn errors.AssertFunc) Option {
	return func(p *Pause) { p.assert = fn }
}

// WithSourcePreferences sets the preferred-generated source lookup.
func WithSourcePreferences(prefs SourcePreferences) Option {
	return func(p *Pause) { p.prefs = prefs }
}

// New returns an Uninitialized Pause.
func New(sender protocol.Sender, opts ...Option) *Pause {
	p := &Pause{
		sender:  sender,
		logger:  zerolog.Nop(),
		assert:  errors.PanicOnViolation,
		ready:   future.New[struct{}](),
		frames:  make(map[protocol.FrameID]*WiredFrame),
		scopes:  make(map[protocol.ScopeID]*WiredScope),
		objects: make(map[protocol.ObjectID]*WiredObject),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ID returns the pause id, or "" before the Pause is ready.
func (p *Pause) ID() protocol.PauseID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

// Point returns the anchor point.
func (p *Pause) Point() protocol.ExecutionPoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.point
}

// Time returns the anchor time.
func (p *Pause) Time() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.time
}

// State returns the lifecycle state.
func (p *Pause) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Ready is closed once the Pause is ready or has failed.
func (p *Pause) Ready() <-chan struct{} {
	return p.ready.Done()
}

// Alive reports whether the Pause has not been superseded.
func (p *Pause) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dead
}

// Supersede poisons the Pause. Every later access through it, or through a
// handle wired from it, fails.
func (p *Pause) Supersede() {
	p.mu.Lock()
	already := p.dead
	p.dead = true
	id, point := p.id, p.point
	p.mu.Unlock()

	if !already {
		p.logger.Debug().Str("pauseId", string(id)).Str("point", string(point)).Msg("pause superseded")
	}
	p.ready.Reject(errors.StaleReference(string(id), "pause"))
}

func (p *Pause) alive(what string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return errors.StaleReference(string(p.id), what)
	}
	return nil
}

// beginCreating moves Uninitialized to Creating, or reports a violation.
func (p *Pause) beginCreating(op string, point protocol.ExecutionPoint, time float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Uninitialized {
		return errors.Assert(p.assert, errors.Violation("%s on a pause that is already %s", op, p.state).
			WithDetails("pauseId", string(p.id)).
			WithDetails("point", string(point)))
	}
	if p.dead {
		return errors.StaleReference(string(p.id), "pause")
	}
	p.state = Creating
	p.point = point
	p.time = time
	return nil
}

// Create asks the server to create the pause at point.
func (p *Pause) Create(ctx context.Context, point protocol.ExecutionPoint, time float64) error {
	if err := p.beginCreating("create", point, time); err != nil {
		return err
	}

	var res protocol.CreatePauseResult
	err := p.sender.Send(ctx, protocol.Command{
		Method: protocol.MethodCreatePause,
		Params: protocol.CreatePauseParams{Point: point},
	}, &res)
	if err != nil {
		p.mu.Lock()
		p.state = Failed
		p.mu.Unlock()
		p.ready.Reject(err)
		p.logger.Debug().Err(err).Str("point", string(point)).Msg("pause creation failed")
		return err
	}

	p.becomeReady(res.PauseID, res.Data)
	return nil
}

// Instantiate makes the pause ready from data pushed by the server.
func (p *Pause) Instantiate(id protocol.PauseID, point protocol.ExecutionPoint, time float64, data protocol.PauseData) error {
	if err := p.beginCreating("instantiate", point, time); err != nil {
		return err
	}
	p.becomeReady(id, data)
	return nil
}

func (p *Pause) becomeReady(id protocol.PauseID, data protocol.PauseData) {
	p.mu.Lock()
	p.id = id
	p.state = Ready
	p.mergeLocked(data)
	p.mu.Unlock()

	p.ready.Resolve(struct{}{})
	p.logger.Debug().Str("pauseId", string(id)).Str("point", string(p.point)).Msg("pause ready")
}

// WaitReady blocks until the pause has an id.
func (p *Pause) WaitReady(ctx context.Context) error {
	if err := p.alive("pause"); err != nil {
		return err
	}
	if _, err := p.ready.Wait(ctx); err != nil {
		return err
	}
	return p.alive("pause")
}

// send issues a pause-scoped command once the pause is ready. A reply that
// arrives after the pause was superseded is discarded.
func (p *Pause) send(ctx context.Context, method string, params any, result any) error {
	if err := p.WaitReady(ctx); err != nil {
		return err
	}
	err := p.sender.Send(ctx, protocol.Command{
		Method:  method,
		Params:  params,
		PauseID: p.ID(),
	}, result)
	if err != nil {
		return err
	}
	return p.alive("pause")
}

// Merge adds records to the pause's maps.
func (p *Pause) Merge(data protocol.PauseData) {
	p.mu.Lock()
	p.mergeLocked(data)
	p.mu.Unlock()
}

func (p *Pause) mergeLocked(data protocol.PauseData) {
	for _, obj := range data.Objects {
		existing, ok := p.objects[obj.ObjectID]
		if !ok {
			p.objects[obj.ObjectID] = &WiredObject{
				pause:     p,
				id:        obj.ObjectID,
				className: obj.ClassName,
				preview:   p.wirePreview(obj.Preview),
			}
			continue
		}
		if obj.Preview != nil && (existing.preview == nil || (existing.preview.Overflow && !obj.Preview.Overflow)) {
			existing.preview = p.wirePreview(obj.Preview)
		}
	}
	for _, scope := range data.Scopes {
		if _, ok := p.scopes[scope.ScopeID]; ok {
			continue
		}
		p.scopes[scope.ScopeID] = &WiredScope{
			pause:    p,
			raw:      scope,
			bindings: p.wireBindings(scope.Bindings),
		}
	}
	for _, frame := range data.Frames {
		if _, ok := p.frames[frame.FrameID]; ok {
			continue
		}
		p.frames[frame.FrameID] = &WiredFrame{
			pause: p,
			raw:   frame,
			this:  p.wireValue(frame.This),
		}
	}
}

func (p *Pause) knownObject(id protocol.ObjectID) *WiredObject {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.objects[id]
}

// Frames returns the pause's stack, innermost first.
func (p *Pause) Frames(ctx context.Context) ([]*WiredFrame, error) {
	if err := p.alive("pause"); err != nil {
		return nil, err
	}
	ids, err := p.allFrames.do(ctx, &p.mu, struct{}{}, false, func(ctx context.Context) ([]protocol.FrameID, error) {
		var res protocol.GetAllFramesResult
		if err := p.send(ctx, protocol.MethodGetAllFrames, nil, &res); err != nil {
			return nil, err
		}
		p.Merge(res.Data)
		return res.Frames, nil
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*WiredFrame, 0, len(ids))
	for _, id := range ids {
		if f, ok := p.frames[id]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

// Frame returns one frame of the stack.
func (p *Pause) Frame(ctx context.Context, id protocol.FrameID) (*WiredFrame, error) {
	if _, err := p.Frames(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	f, ok := p.frames[id]
	p.mu.Unlock()
	if !ok {
		return nil, errors.InvalidParameter("frameId", id, "a frame id returned by the frames of this pause")
	}
	return f, nil
}

// Scope returns a scope, fetching it if the pause has not seen it.
func (p *Pause) Scope(ctx context.Context, id protocol.ScopeID) (*WiredScope, error) {
	if err := p.WaitReady(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	s, ok := p.scopes[id]
	p.mu.Unlock()
	if ok {
		return s, nil
	}

	var res protocol.PauseDataResult
	if err := p.send(ctx, protocol.MethodGetScope, protocol.GetScopeParams{Scope: id}, &res); err != nil {
		return nil, err
	}
	p.Merge(res.Data)

	p.mu.Lock()
	s, ok = p.scopes[id]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s did not return scope %s", protocol.MethodGetScope, id)
	}
	return s, nil
}

func (p *Pause) scopeList(ctx context.Context, ids []protocol.ScopeID) ([]*WiredScope, error) {
	out := make([]*WiredScope, 0, len(ids))
	for _, id := range ids {
		s, err := p.Scope(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Scopes resolves a frame's scope chain. The original (source-mapped) chain is
// used unless the frame is in a source marked as preferring its generated
// form, or every binding of the original chain is unavailable; the latter is
// reported through ScopeChain.Fallback.
func (p *Pause) Scopes(ctx context.Context, frameID protocol.FrameID) (*ScopeChain, error) {
	frame, err := p.Frame(ctx, frameID)
	if err != nil {
		return nil, err
	}
	raw := frame.raw

	if len(raw.OriginalScopeChain) > 0 && !p.prefersGenerated(raw) {
		original, err := p.scopeList(ctx, raw.OriginalScopeChain)
		if err != nil {
			return nil, err
		}
		if !allUnavailable(original) {
			return &ScopeChain{Scopes: original, Original: true}, nil
		}
		p.logger.Warn().
			Str("pauseId", string(p.ID())).
			Str("frameId", string(frameID)).
			Msg("original scopes have no available bindings, using generated scopes")

		generated, err := p.scopeList(ctx, raw.ScopeChain)
		if err != nil {
			return nil, err
		}
		return &ScopeChain{Scopes: generated, Fallback: true}, nil
	}

	generated, err := p.scopeList(ctx, raw.ScopeChain)
	if err != nil {
		return nil, err
	}
	return &ScopeChain{Scopes: generated}, nil
}

func (p *Pause) prefersGenerated(frame protocol.Frame) bool {
	if p.prefs == nil {
		return false
	}
	for _, loc := range frame.Location {
		if p.prefs.PrefersGenerated(loc.SourceID) {
			return true
		}
	}
	return false
}

func allUnavailable(scopes []*WiredScope) bool {
	seen := false
	for _, s := range scopes {
		if len(s.raw.Bindings) == 0 {
			continue
		}
		if !s.allUnavailable() {
			return false
		}
		seen = true
	}
	return seen
}

// ObjectPreview returns the object with a full preview.
func (p *Pause) ObjectPreview(ctx context.Context, id protocol.ObjectID) (*WiredObject, error) {
	if err := p.WaitReady(ctx); err != nil {
		return nil, err
	}
	if obj := p.knownObject(id); obj != nil && obj.hasPreview() {
		return obj, nil
	}

	var res protocol.PauseDataResult
	err := p.send(ctx, protocol.MethodGetObjectPreview, protocol.GetObjectPreviewParams{Object: id, Level: "full"}, &res)
	if err != nil {
		return nil, err
	}
	p.Merge(res.Data)

	obj := p.knownObject(id)
	if obj == nil {
		return nil, fmt.Errorf("%s did not return object %s", protocol.MethodGetObjectPreview, id)
	}
	return obj, nil
}

// ObjectProperty reads one property, running getters on the server.
func (p *Pause) ObjectProperty(ctx context.Context, id protocol.ObjectID, name string) (*Evaluation, error) {
	var res protocol.PauseDescriptionResult
	err := p.send(ctx, protocol.MethodGetObjectProperty, protocol.GetObjectPropertyParams{Object: id, Name: name}, &res)
	if err != nil {
		return nil, err
	}
	p.Merge(res.Result.Data)
	return p.wireEvaluation(res.Result), nil
}

// EvaluateInFrame evaluates an expression in a frame's scope.
func (p *Pause) EvaluateInFrame(ctx context.Context, frameID protocol.FrameID, expression string, useOriginalScopes bool) (*Evaluation, error) {
	var res protocol.PauseDescriptionResult
	err := p.send(ctx, protocol.MethodEvaluateInFrame, protocol.EvaluateInFrameParams{
		FrameID:           frameID,
		Expression:        expression,
		UseOriginalScopes: useOriginalScopes,
	}, &res)
	if err != nil {
		return nil, err
	}
	p.Merge(res.Result.Data)
	return p.wireEvaluation(res.Result), nil
}

// EvaluateInGlobal evaluates an expression in the global scope.
func (p *Pause) EvaluateInGlobal(ctx context.Context, expression string) (*Evaluation, error) {
	var res protocol.PauseDescriptionResult
	err := p.send(ctx, protocol.MethodEvaluateInGlobal, protocol.EvaluateInGlobalParams{Expression: expression}, &res)
	if err != nil {
		return nil, err
	}
	p.Merge(res.Result.Data)
	return p.wireEvaluation(res.Result), nil
}

// FrameSteps returns the points the frame executes. The lookup is made once
// per frame; concurrent callers share it.
func (p *Pause) FrameSteps(ctx context.Context, frameID protocol.FrameID) ([]protocol.PointDescription, error) {
	if err := p.alive("pause"); err != nil {
		return nil, err
	}
	return p.frameSteps.do(ctx, &p.mu, frameID, false, func(ctx context.Context) ([]protocol.PointDescription, error) {
		var res protocol.GetFrameStepsResult
		if err := p.send(ctx, protocol.MethodGetFrameSteps, protocol.GetFrameStepsParams{FrameID: frameID}, &res); err != nil {
			return nil, err
		}
		return res.Steps, nil
	})
}

// RepaintGraphics repaints the page at this pause. The repaint is done once
// unless force is set; concurrent callers share the request in flight.
func (p *Pause) RepaintGraphics(ctx context.Context, force bool) (*protocol.ScreenShot, error) {
	if err := p.alive("pause"); err != nil {
		return nil, err
	}
	return p.repaint.do(ctx, &p.mu, struct{}{}, force, func(ctx context.Context) (*protocol.ScreenShot, error) {
		var res protocol.RepaintGraphicsResult
		if err := p.send(ctx, protocol.MethodRepaintGraphics, protocol.RepaintGraphicsParams{ForceRepaint: force}, &res); err != nil {
			return nil, err
		}
		return res.Description, nil
	})
}
