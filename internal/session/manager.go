package session

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/replayio/devtools-sub013/internal/errors"
	"github.com/replayio/devtools-sub013/internal/transport"
	"github.com/replayio/devtools-sub013/pkg/types"
)

// Dialer opens a connection to the recording server.
type Dialer func(ctx context.Context) (transport.Conn, error)

// WebSocketDialer dials serverURL, sending apiKey as a bearer token when set.
func WebSocketDialer(serverURL, apiKey string) Dialer {
	return func(ctx context.Context) (transport.Conn, error) {
		header := http.Header{}
		if apiKey != "" {
			header.Set("Authorization", "Bearer "+apiKey)
		}
		return transport.DialWebSocket(ctx, serverURL, header)
	}
}

// BridgeDialer connects to a Content-Length framed bridge at host:port.
func BridgeDialer(address string) Dialer {
	return func(ctx context.Context) (transport.Conn, error) {
		return transport.DialTCP(ctx, address)
	}
}

// DialerFor picks the dialer for serverURL's scheme: tcp:// reaches a
// framed bridge, anything else is dialed as a WebSocket.
func DialerFor(serverURL, apiKey string) Dialer {
	if u, err := url.Parse(serverURL); err == nil && u.Scheme == "tcp" {
		return BridgeDialer(u.Host)
	}
	return WebSocketDialer(serverURL, apiKey)
}

// Manager owns the open sessions.
type Manager struct {
	dial     Dialer
	logger   zerolog.Logger
	opts     Options
	sessions map[string]*Session
	mu       sync.RWMutex

	maxSessions    int
	sessionTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a session manager. Sessions idle for longer than
// sessionTimeout are closed by a background sweep.
func NewManager(dial Dialer, maxSessions int, sessionTimeout time.Duration, opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		dial:           dial,
		logger:         opts.Logger,
		opts:           opts,
		sessions:       make(map[string]*Session),
		maxSessions:    maxSessions,
		sessionTimeout: sessionTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}

	go m.cleanupLoop()

	return m
}

// cleanupLoop periodically closes idle sessions
func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanupExpiredSessions(time.Now())
		}
	}
}

// cleanupExpiredSessions drops terminated sessions and closes idle ones.
func (m *Manager) cleanupExpiredSessions(now time.Time) {
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		switch {
		case s.Status() == types.SessionStatusTerminated:
			delete(m.sessions, id)
		case m.sessionTimeout > 0 && now.Sub(s.LastUsed()) > m.sessionTimeout:
			delete(m.sessions, id)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.logger.Info().Str("session", s.ID).Msg("closing idle session")
		_ = s.Close()
	}
}

// Connect opens a session for a recording.
func (m *Manager) Connect(ctx context.Context, recordingID string) (*Session, error) {
	if recordingID == "" {
		return nil, errors.MissingParameter("recordingId", "The id of the recording to open.")
	}

	id := uuid.New().String()
	tr := transport.New(
		transport.WithLogger(m.logger.With().Str("session", id).Str("component", "transport").Logger()),
		transport.WithAssert(m.opts.Assert),
	)
	s := New(id, tr, m.opts)

	m.mu.Lock()
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, errors.SessionLimitReached(m.maxSessions)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	if err := m.start(ctx, s, tr, recordingID); err != nil {
		m.remove(id)
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (m *Manager) start(ctx context.Context, s *Session, tr *transport.Transport, recordingID string) error {
	conn, err := m.dial(ctx)
	if err != nil {
		return errors.Wrap(errors.CodeTransportClosed, "failed to connect to the recording server",
			"Check the server URL and API key.", err)
	}
	if err := tr.Attach(conn); err != nil {
		_ = conn.Close()
		return err
	}
	return s.Start(ctx, recordingID)
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Get retrieves a session by ID and marks it used.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return nil, errors.SessionNotFound(id)
	}
	s.Touch()
	return s, nil
}

// List returns every session, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Terminate closes a session and forgets it.
func (m *Manager) Terminate(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return errors.SessionNotFound(id)
	}
	return s.Close()
}

// Close terminates every session and stops the sweep.
func (m *Manager) Close() {
	m.cancel()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			m.logger.Warn().Err(err).Str("session", s.ID).Msg("failed to close session")
		}
	}
}
