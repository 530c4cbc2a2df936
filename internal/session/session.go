// Package session ties one connection to the recording server to the state
// built on it: the cursor, the analysis manager and the location caches. A
// Session is created explicitly, owns its collaborators and ends with Close
// or when its connection drops; nothing outlives it.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/replayio/devtools-sub013/internal/analysis"
	"github.com/replayio/devtools-sub013/internal/cache"
	"github.com/replayio/devtools-sub013/internal/errors"
	"github.com/replayio/devtools-sub013/internal/pause"
	"github.com/replayio/devtools-sub013/internal/protocol"
	"github.com/replayio/devtools-sub013/internal/thread"
	"github.com/replayio/devtools-sub013/internal/transport"
	"github.com/replayio/devtools-sub013/pkg/types"
)

// Options configures a Session.
type Options struct {
	Logger zerolog.Logger
	// Assert receives invariant violations. Nil means hard-fail.
	Assert errors.AssertFunc
	// RequestTimeout bounds every command. Zero means no bound.
	RequestTimeout time.Duration
	// BatchSize is the chunk size for batched analyses.
	BatchSize int
}

// Session is one debugging session over one connection.
type Session struct {
	ID        string
	CreatedAt time.Time

	transport *transport.Transport
	sender    *boundSender
	logger    zerolog.Logger
	assert    errors.AssertFunc

	thread    *thread.ThreadFront
	analysis  *analysis.Manager
	mapped    *cache.LocationCache[protocol.MappedLocation]
	scopeMaps *cache.LocationCache[[]protocol.VariableMapping]

	mu          sync.RWMutex
	recordingID string
	status      types.SessionStatus
	lastUsed    time.Time
	closeReason string
}

// New builds a session on tr. The transport may not be attached yet; commands
// are queued until it is.
func New(id string, tr *transport.Transport, opts Options) *Session {
	if opts.Assert == nil {
		opts.Assert = errors.PanicOnViolation
	}
	logger := opts.Logger.With().Str("session", id).Logger()

	s := &Session{
		ID:        id,
		CreatedAt: time.Now(),
		transport: tr,
		logger:    logger,
		assert:    opts.Assert,
		status:    types.SessionStatusConnecting,
		lastUsed:  time.Now(),
	}
	s.sender = &boundSender{next: tr, timeout: opts.RequestTimeout}
	s.thread = thread.New(s.sender,
		thread.WithLogger(logger.With().Str("component", "thread").Logger()),
		thread.WithAssert(opts.Assert),
	)
	s.analysis = analysis.NewManager(s.sender,
		analysis.WithLogger(logger.With().Str("component", "analysis").Logger()),
		analysis.WithAssert(opts.Assert),
		analysis.WithBatchSize(opts.BatchSize),
	)
	s.mapped = cache.NewMappedLocations(s.sender)
	s.scopeMaps = cache.NewScopeMaps(s.sender)

	tr.OnClose(s.onTransportClose)
	return s
}

// boundSender fills in the server session id and applies the request timeout.
type boundSender struct {
	next    protocol.Sender
	timeout time.Duration

	mu        sync.RWMutex
	sessionID protocol.SessionID
}

func (b *boundSender) bind(id protocol.SessionID) {
	b.mu.Lock()
	b.sessionID = id
	b.mu.Unlock()
}

func (b *boundSender) Send(ctx context.Context, cmd protocol.Command, result any) error {
	if cmd.SessionID == "" && cmd.Method != protocol.MethodCreateSession {
		b.mu.RLock()
		cmd.SessionID = b.sessionID
		b.mu.RUnlock()
		if cmd.SessionID == "" {
			return errors.SessionNotStarted()
		}
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	return b.next.Send(ctx, cmd, result)
}

// Start creates the server-side session for a recording and registers the
// notification listeners. It may be called once.
func (s *Session) Start(ctx context.Context, recordingID string) error {
	s.mu.Lock()
	if s.recordingID != "" {
		s.mu.Unlock()
		return errors.Assert(s.assert, errors.Violation("session %s already started for recording %s", s.ID, s.recordingID))
	}
	s.recordingID = recordingID
	s.mu.Unlock()

	var res protocol.CreateSessionResult
	err := s.sender.Send(ctx, protocol.Command{
		Method: protocol.MethodCreateSession,
		Params: protocol.CreateSessionParams{RecordingID: recordingID},
	}, &res)
	if err != nil {
		return err
	}
	s.sender.bind(res.SessionID)

	if err := s.analysis.Init(s.transport, res.SessionID); err != nil {
		return err
	}
	if err := s.transport.AddEventListener(protocol.EventPaintPoints, s.onPaintPoints); err != nil {
		return err
	}

	s.mu.Lock()
	if s.status == types.SessionStatusConnecting {
		s.status = types.SessionStatusReady
	}
	s.mu.Unlock()

	s.logger.Info().Str("recordingId", recordingID).Str("serverSessionId", string(res.SessionID)).Msg("session started")
	return nil
}

func (s *Session) onPaintPoints(params json.RawMessage) {
	var ev protocol.PaintPointsEvent
	if err := json.Unmarshal(params, &ev); err != nil {
		s.logger.Warn().Err(err).Msg("malformed paint points")
		return
	}
	s.thread.AddPaints(ev.Paints)
}

func (s *Session) onTransportClose(ev transport.CloseEvent) {
	s.mu.Lock()
	s.status = types.SessionStatusTerminated
	switch {
	case ev.Expected:
		s.closeReason = "closed"
	case ev.Err != nil:
		s.closeReason = ev.Err.Error()
	default:
		s.closeReason = "connection lost"
	}
	s.mu.Unlock()

	s.thread.Close()
	s.mapped.Clear()
	s.scopeMaps.Clear()
}

// Close ends the session. Every Pause is superseded and the caches are
// dropped.
func (s *Session) Close() error {
	err := s.transport.Close()
	s.logger.Info().Msg("session closed")
	return err
}

// Touch records activity for the idle sweep.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// LastUsed returns the time of the last Touch.
func (s *Session) LastUsed() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUsed
}

// Status returns the session status.
func (s *Session) Status() types.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// ServerSessionID returns the id assigned by the server, or "" before Start.
func (s *Session) ServerSessionID() protocol.SessionID {
	s.sender.mu.RLock()
	defer s.sender.mu.RUnlock()
	return s.sender.sessionID
}

// Thread returns the session's cursor.
func (s *Session) Thread() *thread.ThreadFront { return s.thread }

// Analysis returns the session's analysis manager.
func (s *Session) Analysis() *analysis.Manager { return s.analysis }

// Seek moves the cursor and materializes the Pause there.
func (s *Session) Seek(ctx context.Context, point protocol.ExecutionPoint, time float64) (*pause.Pause, error) {
	if err := point.Validate(); err != nil {
		return nil, errors.InvalidParameter("point", point, "a decimal execution point")
	}
	s.thread.TimeWarp(point, time)
	return s.thread.CurrentPause(ctx)
}

// MappedLocation returns every source position that maps to loc.
func (s *Session) MappedLocation(ctx context.Context, loc protocol.Location) (protocol.MappedLocation, error) {
	return s.mapped.Resolve(ctx, loc)
}

// ScopeMap returns the original-to-generated variable names at loc.
func (s *Session) ScopeMap(ctx context.Context, loc protocol.Location) ([]protocol.VariableMapping, error) {
	return s.scopeMaps.Resolve(ctx, loc)
}

// PossibleBreakpoints lists the breakable positions in a source, optionally
// within [begin, end].
func (s *Session) PossibleBreakpoints(ctx context.Context, source protocol.SourceID, begin, end *protocol.Location) ([]protocol.SameLineSourceLocations, error) {
	var res protocol.GetPossibleBreakpointsResult
	err := s.sender.Send(ctx, protocol.Command{
		Method: protocol.MethodGetPossibleBreakpoint,
		Params: protocol.GetPossibleBreakpointsParams{SourceID: source, Begin: begin, End: end},
	}, &res)
	if err != nil {
		return nil, err
	}
	return res.LineLocations, nil
}

// FindPaints asks the server to enumerate paints. They arrive as
// Graphics.paintPoints notifications before the reply.
func (s *Session) FindPaints(ctx context.Context) error {
	return s.sender.Send(ctx, protocol.Command{Method: protocol.MethodFindPaints}, nil)
}

// Info returns a snapshot for display.
func (s *Session) Info() types.SessionInfo {
	s.mu.RLock()
	info := types.SessionInfo{
		SessionID:   s.ID,
		RecordingID: s.recordingID,
		Status:      s.status,
		CreatedAt:   s.CreatedAt,
		LastUsed:    s.lastUsed,
		CloseReason: s.closeReason,
	}
	s.mu.RUnlock()

	info.ServerSessionID = string(s.ServerSessionID())
	pos := s.thread.Position()
	if pos.Point != "" {
		info.Position = &types.PositionInfo{Point: string(pos.Point), Time: pos.Time}
		if pos.Pause != nil {
			info.Position.PauseID = string(pos.Pause.ID())
		}
	}
	return info
}
