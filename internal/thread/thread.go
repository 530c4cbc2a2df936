// Package thread tracks where a session is positioned in a recording.
//
// ThreadFront owns the cursor (point, time and the Pause for it, if one has
// been materialized) and the point→Pause index that guarantees at most one
// Pause per execution point. Observers must not cache what the cursor showed
// across a blocking call: the cursor can move while a request is in flight,
// so continuations re-validate their captured point with IsCurrent before
// applying a result.
package thread

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/replayio/devtools-sub013/internal/errors"
	"github.com/replayio/devtools-sub013/internal/event"
	"github.com/replayio/devtools-sub013/internal/pause"
	"github.com/replayio/devtools-sub013/internal/protocol"
)

// Position is a snapshot of the cursor.
type Position struct {
	Point protocol.ExecutionPoint
	Time  float64
	// Pause is nil until the Pause for the point has been materialized.
	Pause *pause.Pause
}

// PausedEvent is emitted when the cursor moves.
type PausedEvent struct {
	Point protocol.ExecutionPoint
	Time  float64
	Pause *pause.Pause
}

// ThreadFront is the session's cursor and pause lifecycle owner.
type ThreadFront struct {
	sender protocol.Sender
	logger zerolog.Logger
	assert errors.AssertFunc

	mu        sync.Mutex
	point     protocol.ExecutionPoint
	time      float64
	current   *pause.Pause
	index     map[protocol.ExecutionPoint]*pause.Pause
	paints    []protocol.TimeStampedPoint
	preferred map[protocol.SourceID]bool

	paused  event.Emitter[PausedEvent]
	resumed event.Emitter[struct{}]
}

// Option configures a ThreadFront.
type Option func(*ThreadFront)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *ThreadFront) { t.logger = logger }
}

// WithAssert sets the invariant-violation hook, also used by every Pause.
func WithAssert(fn errors.AssertFunc) Option {
	return func(t *ThreadFront) { t.assert = fn }
}

// New creates a ThreadFront positioned nowhere.
func New(sender protocol.Sender, opts ...Option) *ThreadFront {
	t := &ThreadFront{
		sender:    sender,
		logger:    zerolog.Nop(),
		assert:    errors.PanicOnViolation,
		index:     make(map[protocol.ExecutionPoint]*pause.Pause),
		preferred: make(map[protocol.SourceID]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *ThreadFront) newPause() *pause.Pause {
	return pause.New(t.sender,
		pause.WithLogger(t.logger),
		pause.WithAssert(t.assert),
		pause.WithSourcePreferences(t),
	)
}

// OnPaused subscribes to cursor moves.
func (t *ThreadFront) OnPaused(fn func(PausedEvent)) (off func()) {
	return t.paused.On(fn)
}

// OnResumed subscribes to resumes.
func (t *ThreadFront) OnResumed(fn func()) (off func()) {
	return t.resumed.On(func(struct{}) { fn() })
}

// TimeWarp moves the cursor. The Pause for the new point is derived lazily by
// CurrentPause.
func (t *ThreadFront) TimeWarp(point protocol.ExecutionPoint, time float64) {
	t.mu.Lock()
	t.point = point
	t.time = time
	t.current = nil
	t.mu.Unlock()

	t.logger.Debug().Str("point", string(point)).Float64("time", time).Msg("time warp")
	t.paused.Emit(PausedEvent{Point: point, Time: time})
}

// TimeWarpToPause moves the cursor to an already materialized Pause.
func (t *ThreadFront) TimeWarpToPause(p *pause.Pause) {
	point, time := p.Point(), p.Time()

	t.mu.Lock()
	old := t.index[point]
	t.index[point] = p
	t.point = point
	t.time = time
	t.current = p
	t.mu.Unlock()

	if old != nil && old != p {
		old.Supersede()
	}
	t.logger.Debug().Str("point", string(point)).Str("pauseId", string(p.ID())).Msg("time warp to pause")
	t.paused.Emit(PausedEvent{Point: point, Time: time, Pause: p})
}

// Resume tells observers the cursor is no longer paused.
func (t *ThreadFront) Resume() {
	t.resumed.Emit(struct{}{})
}

// Position returns the cursor.
func (t *ThreadFront) Position() Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Position{Point: t.point, Time: t.time, Pause: t.current}
}

// IsCurrent reports whether point is still the cursor's point.
func (t *ThreadFront) IsCurrent(point protocol.ExecutionPoint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.point == point
}

// CurrentPause returns the Pause for the cursor, creating it if needed.
func (t *ThreadFront) CurrentPause(ctx context.Context) (*pause.Pause, error) {
	t.mu.Lock()
	if t.current != nil {
		p := t.current
		t.mu.Unlock()
		return p, nil
	}
	point, time := t.point, t.time
	t.mu.Unlock()

	if point == "" {
		return nil, errors.InvalidParameter("point", "", "a position set with a seek before reading pause data")
	}

	p, err := t.EnsurePause(ctx, point, time)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.point == point && t.current == nil && t.index[point] == p {
		t.current = p
	}
	t.mu.Unlock()
	return p, nil
}

// EnsurePause returns the Pause for point, creating it once. The new Pause is
// indexed before its creation is awaited, so concurrent callers share it; if
// creation fails it is removed from the index. Creation runs detached from
// ctx so that a caller giving up does not fail the others.
func (t *ThreadFront) EnsurePause(ctx context.Context, point protocol.ExecutionPoint, time float64) (*pause.Pause, error) {
	if err := point.Validate(); err != nil {
		return nil, errors.InvalidParameter("point", point, "a decimal execution point")
	}

	t.mu.Lock()
	if p, ok := t.index[point]; ok {
		t.mu.Unlock()
		return t.settle(ctx, point, p)
	}
	p := t.newPause()
	t.index[point] = p
	t.mu.Unlock()

	done := make(chan error, 1)
	go func(ctx context.Context) {
		done <- t.create(ctx, p, point, time)
	}(context.WithoutCancel(ctx))

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return t.settle(ctx, point, p)
}

func (t *ThreadFront) create(ctx context.Context, p *pause.Pause, point protocol.ExecutionPoint, time float64) error {
	err := p.Create(ctx, point, time)
	if err != nil {
		t.mu.Lock()
		if t.index[point] == p {
			delete(t.index, point)
		}
		t.mu.Unlock()
	}
	return err
}

// settle waits for p. If p was superseded while it was being created, the
// Pause that replaced it in the index is returned instead.
func (t *ThreadFront) settle(ctx context.Context, point protocol.ExecutionPoint, p *pause.Pause) (*pause.Pause, error) {
	for {
		err := p.WaitReady(ctx)
		if err == nil {
			return p, nil
		}
		if !errors.HasCode(err, errors.CodeStaleReference) {
			return nil, err
		}

		t.mu.Lock()
		next := t.index[point]
		t.mu.Unlock()
		if next == nil || next == p {
			return nil, err
		}
		p = next
	}
}

// InstantiatePause materializes a Pause from data the server pushed. An
// existing Pause for the point with a different id is superseded.
func (t *ThreadFront) InstantiatePause(id protocol.PauseID, point protocol.ExecutionPoint, time float64, data protocol.PauseData) (*pause.Pause, error) {
	t.mu.Lock()
	old := t.index[point]
	if old != nil && old.ID() == id {
		t.mu.Unlock()
		old.Merge(data)
		return old, nil
	}

	p := t.newPause()
	if err := p.Instantiate(id, point, time, data); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.index[point] = p
	if t.current == old && t.point == point {
		t.current = p
	}
	t.mu.Unlock()

	if old != nil {
		t.logger.Debug().
			Str("point", string(point)).
			Str("oldPauseId", string(old.ID())).
			Str("pauseId", string(id)).
			Msg("replacing pause")
		old.Supersede()
	}
	return p, nil
}

// LookupPause returns the indexed Pause for point, if any.
func (t *ThreadFront) LookupPause(point protocol.ExecutionPoint) (*pause.Pause, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.index[point]
	return p, ok
}

// PauseCount returns the number of indexed Pauses.
func (t *ThreadFront) PauseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.index)
}

// RepaintCurrent repaints at the cursor. The screenshot is returned only if
// the cursor has not moved while the repaint was in flight.
func (t *ThreadFront) RepaintCurrent(ctx context.Context, force bool) (*protocol.ScreenShot, error) {
	captured := t.Position().Point

	p, err := t.CurrentPause(ctx)
	if err != nil {
		return nil, err
	}
	shot, err := p.RepaintGraphics(ctx, force)
	if err != nil {
		return nil, err
	}

	if now := t.Position().Point; now != captured {
		t.logger.Debug().Str("captured", string(captured)).Str("current", string(now)).Msg("discarding stale repaint")
		return nil, errors.PositionChanged(string(captured), string(now))
	}
	return shot, nil
}

// AddPaints merges paint points into the timeline, keeping it sorted by time.
func (t *ThreadFront) AddPaints(paints []protocol.TimeStampedPoint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[protocol.ExecutionPoint]bool, len(t.paints))
	for _, p := range t.paints {
		seen[p.Point] = true
	}
	for _, p := range paints {
		if !seen[p.Point] {
			seen[p.Point] = true
			t.paints = append(t.paints, p)
		}
	}
	sort.SliceStable(t.paints, func(i, j int) bool {
		if t.paints[i].Time != t.paints[j].Time {
			return t.paints[i].Time < t.paints[j].Time
		}
		return protocol.PointLess(t.paints[i].Point, t.paints[j].Point)
	})
}

// MostRecentPaint returns the last paint at or before time.
func (t *ThreadFront) MostRecentPaint(time float64) (protocol.TimeStampedPoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := protocol.MostRecentIndex(t.paints, time)
	if !ok {
		return protocol.TimeStampedPoint{}, false
	}
	return t.paints[i], true
}

// PreferGeneratedSource marks a source to be shown in its generated form.
func (t *ThreadFront) PreferGeneratedSource(id protocol.SourceID, prefer bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prefer {
		t.preferred[id] = true
	} else {
		delete(t.preferred, id)
	}
}

// PrefersGenerated implements pause.SourcePreferences.
func (t *ThreadFront) PrefersGenerated(id protocol.SourceID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.preferred[id]
}

// Close supersedes every Pause and forgets the cursor.
func (t *ThreadFront) Close() {
	t.mu.Lock()
	pauses := make([]*pause.Pause, 0, len(t.index))
	for _, p := range t.index {
		pauses = append(pauses, p)
	}
	t.index = make(map[protocol.ExecutionPoint]*pause.Pause)
	t.current = nil
	t.paints = nil
	t.mu.Unlock()

	for _, p := range pauses {
		p.Supersede()
	}
}
