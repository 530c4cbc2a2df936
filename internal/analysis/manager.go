// Package analysis runs map/reduce analyses over recorded execution points.
//
// An analysis is created on the server, given one or more point selectors,
// then run (streaming result entries) and/or asked for its points (streaming
// point descriptions). Streams arrive as notifications routed by analysis id
// to the handler registered for it. The handler is removed before the analysis
// is released, and the release is sent exactly once whether or not the run
// succeeded.
package analysis

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/replayio/devtools-sub013/internal/errors"
	"github.com/replayio/devtools-sub013/internal/protocol"
	"github.com/replayio/devtools-sub013/internal/transport"
)

// Result-field errors for analyses the server refused to size.
const (
	ErrTooManyPointsToRun  = "too-many-points-to-run"
	ErrTooManyPointsToFind = "too-many-points-to-find"
)

// Listener registers notification handlers.
type Listener interface {
	AddEventListener(method string, handler transport.EventHandler) error
}

// Params defines an analysis: its mapper and reducer bodies and where it
// runs. At least one selector must be set.
type Params struct {
	Mapper    string
	Reducer   string
	Effectful bool

	Locations               []protocol.Location
	FunctionEntryPoints     []protocol.SourceID
	EventHandlerEntryPoints []string
	ExceptionPoints         bool
	RandomPoints            int
	Points                  []protocol.ExecutionPoint
}

func (p Params) validate() error {
	if p.Mapper == "" {
		return errors.MissingParameter("mapper", "An analysis needs a mapper body.")
	}
	if len(p.Locations) == 0 && len(p.FunctionEntryPoints) == 0 && len(p.EventHandlerEntryPoints) == 0 &&
		!p.ExceptionPoints && p.RandomPoints <= 0 && len(p.Points) == 0 {
		return errors.MissingParameter("selector",
			"Select points by location, function entry, event handler, exceptions, a random sample or an explicit list.")
	}
	return nil
}

// Handler receives an analysis's streams. OnResult requests a run and
// OnPoints requests point discovery; at least one must be set. Callbacks may
// run concurrently.
type Handler struct {
	OnResult   func(entries []protocol.AnalysisEntry)
	OnPoints   func(points []protocol.PointDescription)
	OnError    func(message string)
	OnFinished func()
}

func (h Handler) error(msg string) {
	if h.OnError != nil {
		h.OnError(msg)
	}
}

// Manager creates analyses and routes their notifications.
type Manager struct {
	sender    protocol.Sender
	logger    zerolog.Logger
	assert    errors.AssertFunc
	batchSize int

	mu        sync.Mutex
	sessionID protocol.SessionID
	handlers  map[protocol.AnalysisID]Handler
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithAssert sets the invariant-violation hook.
func WithAssert(fn errors.AssertFunc) Option {
	return func(m *Manager) { m.assert = fn }
}

// WithBatchSize sets the chunk size used by RunBatched.
func WithBatchSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// DefaultBatchSize is the number of points per chunk in RunBatched.
const DefaultBatchSize = 200

// NewManager creates a Manager. Init must be called before running analyses.
func NewManager(sender protocol.Sender, opts ...Option) *Manager {
	m := &Manager{
		sender:    sender,
		logger:    zerolog.Nop(),
		assert:    errors.PanicOnViolation,
		batchSize: DefaultBatchSize,
		handlers:  make(map[protocol.AnalysisID]Handler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init registers the analysis notification listeners for a session.
func (m *Manager) Init(listener Listener, sessionID protocol.SessionID) error {
	m.mu.Lock()
	m.sessionID = sessionID
	m.mu.Unlock()

	if err := listener.AddEventListener(protocol.EventAnalysisResult, m.onResult); err != nil {
		return err
	}
	if err := listener.AddEventListener(protocol.EventAnalysisPoints, m.onPoints); err != nil {
		return err
	}
	return listener.AddEventListener(protocol.EventAnalysisError, m.onError)
}

// Live returns the number of analyses with a registered handler.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

// RunAnalysis creates an analysis, runs it and/or discovers its points
// depending on which callbacks are set, then releases it.
func (m *Manager) RunAnalysis(ctx context.Context, params Params, h Handler) error {
	if h.OnResult == nil && h.OnPoints == nil {
		return errors.InvalidParameter("handler", "no callbacks", "an OnResult or OnPoints callback")
	}
	return m.execute(ctx, params, h, h.OnResult != nil, h.OnPoints != nil)
}

// FindPoints creates an analysis and only discovers its points.
func (m *Manager) FindPoints(ctx context.Context, params Params, h Handler) error {
	if h.OnPoints == nil {
		return errors.InvalidParameter("handler", "no OnPoints callback", "an OnPoints callback for point discovery")
	}
	return m.execute(ctx, params, h, false, true)
}

func (m *Manager) execute(ctx context.Context, params Params, h Handler, run, find bool) (err error) {
	if err := params.validate(); err != nil {
		return err
	}

	var created protocol.CreateAnalysisResult
	err = m.sender.Send(ctx, protocol.Command{
		Method: protocol.MethodCreateAnalysis,
		Params: protocol.CreateAnalysisParams{
			Mapper:    params.Mapper,
			Reducer:   params.Reducer,
			Effectful: params.Effectful,
		},
	}, &created)
	if err != nil {
		return err
	}
	id := created.AnalysisID
	logger := m.logger.With().Str("analysisId", string(id)).Logger()

	m.register(id, h)
	defer m.release(ctx, logger, id)

	if err := m.addSelectors(ctx, id, params); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if run {
		g.Go(func() error {
			err := m.sender.Send(gctx, protocol.Command{
				Method: protocol.MethodRunAnalysis,
				Params: protocol.AnalysisParams{AnalysisID: id},
			}, nil)
			if protocol.IsCommandError(err, protocol.CodeTooManyPoints) {
				logger.Info().Msg("too many points to run")
				h.error(ErrTooManyPointsToRun)
				return nil
			}
			return err
		})
	}
	if find {
		g.Go(func() error {
			err := m.sender.Send(gctx, protocol.Command{
				Method: protocol.MethodFindAnalysisPoints,
				Params: protocol.AnalysisParams{AnalysisID: id},
			}, nil)
			if protocol.IsCommandError(err, protocol.CodeTooManyPoints) {
				logger.Info().Msg("too many points to find")
				h.error(ErrTooManyPointsToFind)
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		logger.Debug().Err(err).Msg("analysis failed")
		return errors.AnalysisFailed(string(id), err)
	}

	if h.OnFinished != nil {
		h.OnFinished()
	}
	return nil
}

func (m *Manager) addSelectors(ctx context.Context, id protocol.AnalysisID, p Params) error {
	m.mu.Lock()
	session := m.sessionID
	m.mu.Unlock()

	var cmds []protocol.Command
	for _, loc := range p.Locations {
		cmds = append(cmds, protocol.Command{Method: protocol.MethodAddLocation, Params: protocol.AddLocationParams{
			AnalysisID: id, Location: loc, SessionID: session,
		}})
	}
	for _, src := range p.FunctionEntryPoints {
		cmds = append(cmds, protocol.Command{Method: protocol.MethodAddFunctionEntryPoints, Params: protocol.AddFunctionEntryPointsParams{
			AnalysisID: id, SourceID: src, SessionID: session,
		}})
	}
	for _, ev := range p.EventHandlerEntryPoints {
		cmds = append(cmds, protocol.Command{Method: protocol.MethodAddEventHandlerEntryPoints, Params: protocol.AddEventHandlerEntryPointsParams{
			AnalysisID: id, EventType: ev, SessionID: session,
		}})
	}
	if p.ExceptionPoints {
		cmds = append(cmds, protocol.Command{Method: protocol.MethodAddExceptionPoints, Params: protocol.AddExceptionPointsParams{
			AnalysisID: id, SessionID: session,
		}})
	}
	if p.RandomPoints > 0 {
		cmds = append(cmds, protocol.Command{Method: protocol.MethodAddRandomPoints, Params: protocol.AddRandomPointsParams{
			AnalysisID: id, NumPoints: p.RandomPoints, SessionID: session,
		}})
	}
	if len(p.Points) > 0 {
		cmds = append(cmds, protocol.Command{Method: protocol.MethodAddPoints, Params: protocol.AddPointsParams{
			AnalysisID: id, Points: p.Points, SessionID: session,
		}})
	}

	for _, cmd := range cmds {
		if err := m.sender.Send(ctx, cmd, nil); err != nil {
			return errors.AnalysisFailed(string(id), err)
		}
	}
	return nil
}

func (m *Manager) register(id protocol.AnalysisID, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[id]; ok {
		errors.Assert(m.assert, errors.Violation("analysis %s already has a handler", id))
	}
	m.handlers[id] = h
}

// release removes the handler, then releases the server-side analysis. It is
// sent even if ctx has been cancelled.
func (m *Manager) release(ctx context.Context, logger zerolog.Logger, id protocol.AnalysisID) {
	m.mu.Lock()
	delete(m.handlers, id)
	m.mu.Unlock()

	err := m.sender.Send(context.WithoutCancel(ctx), protocol.Command{
		Method: protocol.MethodReleaseAnalysis,
		Params: protocol.AnalysisParams{AnalysisID: id},
	}, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to release analysis")
	}
}

func (m *Manager) handler(id protocol.AnalysisID) (Handler, bool) {
	m.mu.Lock()
	h, ok := m.handlers[id]
	m.mu.Unlock()
	if !ok {
		errors.Assert(m.assert, errors.Violation("notification for analysis %s, which has no handler", id).
			WithDetails("analysisId", string(id)))
	}
	return h, ok
}

func (m *Manager) onResult(params json.RawMessage) {
	var ev protocol.AnalysisResultEvent
	if err := json.Unmarshal(params, &ev); err != nil {
		m.logger.Warn().Err(err).Msg("malformed analysis result")
		return
	}
	if h, ok := m.handler(ev.AnalysisID); ok && h.OnResult != nil {
		h.OnResult(ev.Results)
	}
}

func (m *Manager) onPoints(params json.RawMessage) {
	var ev protocol.AnalysisPointsEvent
	if err := json.Unmarshal(params, &ev); err != nil {
		m.logger.Warn().Err(err).Msg("malformed analysis points")
		return
	}
	if h, ok := m.handler(ev.AnalysisID); ok && h.OnPoints != nil {
		h.OnPoints(ev.Points)
	}
}

func (m *Manager) onError(params json.RawMessage) {
	var ev protocol.AnalysisErrorEvent
	if err := json.Unmarshal(params, &ev); err != nil {
		m.logger.Warn().Err(err).Msg("malformed analysis error")
		return
	}
	if h, ok := m.handler(ev.AnalysisID); ok {
		m.logger.Debug().Str("analysisId", string(ev.AnalysisID)).Str("error", ev.Error).Msg("analysis error")
		h.error(ev.Error)
	}
}
