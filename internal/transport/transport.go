// Package transport implements request/response correlation and event
// dispatch for the recording protocol over a persistent duplex connection.
//
// A Transport can be used before it has a connection: commands sent before
// Attach are queued and flushed, in submission order, exactly once when the
// connection becomes ready. Replies are matched to requests by id; server
// notifications are dispatched to the single handler registered for their
// method, synchronously and in arrival order on the read goroutine.
//
// There is no reconnection. When the connection ends, every pending request
// fails and the OnClose observers are notified exactly once.
package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/replayio/devtools-sub013/internal/errors"
	"github.com/replayio/devtools-sub013/internal/event"
	"github.com/replayio/devtools-sub013/internal/protocol"
)

// EventHandler handles the params of one server notification. It runs on the
// read goroutine and must not wait for replies.
type EventHandler func(params json.RawMessage)

// CloseEvent describes how the connection ended.
type CloseEvent struct {
	// Expected is true when the client closed the connection, or the peer
	// closed it cleanly.
	Expected bool
	Err      error
}

type pendingRequest struct {
	method string
	reply  chan *protocol.Reply
}

// Transport correlates requests and replies over a Conn.
type Transport struct {
	logger zerolog.Logger
	assert errors.AssertFunc

	mu       sync.Mutex
	cond     *sync.Cond
	conn     Conn
	outbox   [][]byte
	nextID   int64
	pending  map[int64]*pendingRequest
	handlers map[string]EventHandler
	closing  bool
	closed   bool
	result   CloseEvent

	done    chan struct{}
	onClose event.Emitter[CloseEvent]
	wg      sync.WaitGroup
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithAssert sets the invariant-violation hook.
func WithAssert(fn errors.AssertFunc) Option {
	return func(t *Transport) { t.assert = fn }
}

// New creates a Transport with no connection yet.
func New(opts ...Option) *Transport {
	t := &Transport{
		logger:   zerolog.Nop(),
		assert:   errors.PanicOnViolation,
		pending:  make(map[int64]*pendingRequest),
		handlers: make(map[string]EventHandler),
		done:     make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Attach makes conn the transport's connection, flushes queued commands and
// starts the read and write goroutines. A Transport accepts one connection for
// its whole life.
func (t *Transport) Attach(conn Conn) error {
	t.mu.Lock()
	if t.closed {
		err := t.closedErrLocked()
		t.mu.Unlock()
		return err
	}
	if t.conn != nil {
		t.mu.Unlock()
		return errors.Assert(t.assert, errors.Violation("transport already has a connection"))
	}
	t.conn = conn
	queued := len(t.outbox)
	t.mu.Unlock()

	t.logger.Debug().Int("queued", queued).Msg("connection ready")

	t.wg.Add(2)
	go t.writeLoop(conn)
	go t.readLoop(conn)
	return nil
}

// Send issues a command and decodes its result into result (which may be nil).
// A server-side failure is returned as *protocol.CommandError.
func (t *Transport) Send(ctx context.Context, cmd protocol.Command, result any) error {
	replyCh := make(chan *protocol.Reply, 1)

	t.mu.Lock()
	if t.closed {
		err := t.closedErrLocked()
		t.mu.Unlock()
		return err
	}
	t.nextID++
	id := t.nextID
	data, err := json.Marshal(protocol.NewRequest(id, cmd))
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to marshal %s: %w", cmd.Method, err)
	}
	t.pending[id] = &pendingRequest{method: cmd.Method, reply: replyCh}
	t.outbox = append(t.outbox, data)
	t.cond.Signal()
	t.mu.Unlock()

	t.logger.Trace().Int64("id", id).Str("method", cmd.Method).Msg("send")

	select {
	case reply := <-replyCh:
		if reply.Error != nil {
			return reply.Error
		}
		if result != nil && len(reply.Result) > 0 {
			if err := json.Unmarshal(reply.Result, result); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", cmd.Method, err)
			}
		}
		return nil
	case <-ctx.Done():
		t.forget(id)
		return ctx.Err()
	case <-t.done:
		t.mu.Lock()
		err := t.closedErrLocked()
		t.mu.Unlock()
		return err
	}
}

// closedErrLocked carries the reason the connection ended, if there was one.
func (t *Transport) closedErrLocked() error {
	err := errors.TransportClosed(t.result.Expected)
	if t.result.Err != nil {
		err = err.WithCause(t.result.Err)
	}
	return err
}

func (t *Transport) forget(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// AddEventListener registers the handler for a notification method. A second
// registration for the same method is an invariant violation.
func (t *Transport) AddEventListener(method string, handler EventHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.handlers[method]; ok {
		return errors.Assert(t.assert, errors.Violation("duplicate event listener for %s", method).
			WithDetails("method", method))
	}
	t.handlers[method] = handler
	return nil
}

// RemoveEventListener drops the handler for method, if any.
func (t *Transport) RemoveEventListener(method string) {
	t.mu.Lock()
	delete(t.handlers, method)
	t.mu.Unlock()
}

// OnClose registers fn to run once when the connection ends. If it has
// already ended, fn runs immediately.
func (t *Transport) OnClose(fn func(CloseEvent)) (off func()) {
	t.mu.Lock()
	if t.closed {
		ev := t.result
		t.mu.Unlock()
		fn(ev)
		return func() {}
	}
	off = t.onClose.On(fn)
	t.mu.Unlock()
	return off
}

// Done is closed when the transport shuts down.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Pending returns the number of requests awaiting a reply.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Queued returns the number of encoded commands not yet written.
func (t *Transport) Queued() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outbox)
}

// Close shuts the transport down. This is an expected shutdown.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closing = true
	conn := t.conn
	t.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	t.shutdown(true, nil)
	t.wg.Wait()
	return err
}

// shutdown runs once: it fails pending requests, stops the goroutines and
// notifies observers.
func (t *Transport) shutdown(expected bool, cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.result = CloseEvent{Expected: expected, Err: cause}
	dropped := len(t.pending)
	t.pending = make(map[int64]*pendingRequest)
	t.outbox = nil
	conn := t.conn
	close(t.done)
	t.cond.Broadcast()
	t.mu.Unlock()

	if conn != nil && !expected {
		_ = conn.Close()
	}

	ev := t.logger.Info()
	if !expected {
		ev = t.logger.Error().Err(cause)
	}
	ev.Bool("expected", expected).Int("droppedRequests", dropped).Msg("transport closed")

	t.onClose.Emit(t.result)
}

// writeLoop drains the outbox in submission order.
func (t *Transport) writeLoop(conn Conn) {
	defer t.wg.Done()

	for {
		t.mu.Lock()
		for len(t.outbox) == 0 && !t.closed {
			t.cond.Wait()
		}
		if t.closed {
			t.mu.Unlock()
			return
		}
		batch := t.outbox
		t.outbox = nil
		t.mu.Unlock()

		for _, data := range batch {
			if err := conn.WriteMessage(data); err != nil {
				t.shutdown(t.isClosing(), fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

// readLoop reads frames until the connection fails.
func (t *Transport) readLoop(conn Conn) {
	defer t.wg.Done()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			expected := t.isClosing()
			if nc, ok := conn.(normalCloser); ok && nc.IsNormalClosure(err) {
				expected = true
			}
			t.shutdown(expected, fmt.Errorf("read: %w", err))
			return
		}
		t.dispatch(data)
	}
}

func (t *Transport) isClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}

// dispatch routes one incoming frame.
func (t *Transport) dispatch(data []byte) {
	msg, err := protocol.DecodeFrame(data)
	if err != nil {
		t.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping frame")
		return
	}

	switch f := msg.(type) {
	case *protocol.Reply:
		t.mu.Lock()
		p, ok := t.pending[f.ID]
		if ok {
			delete(t.pending, f.ID)
		}
		t.mu.Unlock()

		if !ok {
			t.logger.Debug().Int64("id", f.ID).Msg("reply for unknown or abandoned request")
			return
		}
		if f.Error != nil {
			f.Error.Method = p.method
			t.logger.Debug().Int64("id", f.ID).Str("method", p.method).Int("code", f.Error.Code).Msg("command failed")
		}
		p.reply <- f

	case *protocol.Notification:
		t.mu.Lock()
		handler, ok := t.handlers[f.Method]
		t.mu.Unlock()

		if !ok {
			t.logger.Warn().Str("method", f.Method).Msg("unknown event")
			return
		}
		handler(f.Params)
	}
}

// IsClosed reports a transport error that means the connection is gone.
func IsClosed(err error) bool {
	var de *errors.DebugError
	return stderrors.As(err, &de) && de.Code == errors.CodeTransportClosed
}
