package transport

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replayio/devtools-sub013/internal/errors"
	"github.com/replayio/devtools-sub013/internal/protocol"
)

// memConn is an in-memory Conn. The test plays the server through toClient
// and fromClient.
type memConn struct {
	toClient   chan []byte
	fromClient chan []byte
	readErr    chan error
	closed     chan struct{}
	closeOnce  sync.Once
}

func newMemConn() *memConn {
	return &memConn{
		toClient:   make(chan []byte, 64),
		fromClient: make(chan []byte, 64),
		readErr:    make(chan error, 1),
		closed:     make(chan struct{}),
	}
}

func (c *memConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.toClient:
		return data, nil
	case err := <-c.readErr:
		return nil, err
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *memConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.fromClient <- append([]byte(nil), data...)
	return nil
}

func (c *memConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// nextRequest waits for the next frame the client wrote.
func (c *memConn) nextRequest(t *testing.T) protocol.Request {
	t.Helper()
	select {
	case data := <-c.fromClient:
		var req protocol.Request
		require.NoError(t, json.Unmarshal(data, &req))
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a request")
		return protocol.Request{}
	}
}

func (c *memConn) reply(id int64, result string) {
	c.toClient <- []byte(`{"id":` + itoa(id) + `,"result":` + result + `}`)
}

func (c *memConn) push(frame string) {
	c.toClient <- []byte(frame)
}

// syncBuffer is a bytes.Buffer safe for a logger writing from another goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

type sendResult struct {
	result json.RawMessage
	err    error
}

func sendAsync(tr *Transport, method string) <-chan sendResult {
	ch := make(chan sendResult, 1)
	go func() {
		var res json.RawMessage
		err := tr.Send(context.Background(), protocol.Command{Method: method}, &res)
		ch <- sendResult{result: res, err: err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan sendResult) sendResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Send")
		return sendResult{}
	}
}

// TestTransport_FlushesQueueInOrder verifies commands sent before the
// connection opens are written once, in submission order.
func TestTransport_FlushesQueueInOrder(t *testing.T) {
	tr := New()
	defer tr.Close()

	methods := []string{"Recording.createSession", "Session.createPause", "Pause.getAllFrames"}
	var results []<-chan sendResult
	for i, m := range methods {
		results = append(results, sendAsync(tr, m))
		want := i + 1
		require.Eventually(t, func() bool { return tr.Queued() == want }, time.Second, time.Millisecond)
	}

	conn := newMemConn()
	require.NoError(t, tr.Attach(conn))

	for i, m := range methods {
		req := conn.nextRequest(t)
		assert.Equal(t, int64(i+1), req.ID)
		assert.Equal(t, m, req.Method)
	}
	select {
	case extra := <-conn.fromClient:
		t.Fatalf("unexpected extra frame %s", extra)
	case <-time.After(20 * time.Millisecond):
	}

	for i := range methods {
		conn.reply(int64(i+1), `{"n":`+itoa(int64(i))+`}`)
	}
	for i, ch := range results {
		r := await(t, ch)
		require.NoError(t, r.err)
		assert.JSONEq(t, `{"n":`+itoa(int64(i))+`}`, string(r.result))
	}
	assert.Equal(t, 0, tr.Pending())
}

func TestTransport_CorrelatesOutOfOrderReplies(t *testing.T) {
	tr := New()
	defer tr.Close()
	conn := newMemConn()
	require.NoError(t, tr.Attach(conn))

	first := sendAsync(tr, "Pause.getScope")
	req1 := conn.nextRequest(t)
	second := sendAsync(tr, "Pause.getObjectPreview")
	req2 := conn.nextRequest(t)

	conn.reply(req2.ID, `"second"`)
	conn.reply(req1.ID, `"first"`)

	assert.JSONEq(t, `"first"`, string(await(t, first).result))
	assert.JSONEq(t, `"second"`, string(await(t, second).result))
}

func TestTransport_CommandErrorIsTyped(t *testing.T) {
	tr := New()
	defer tr.Close()
	conn := newMemConn()
	require.NoError(t, tr.Attach(conn))

	ch := sendAsync(tr, "Analysis.runAnalysis")
	req := conn.nextRequest(t)
	conn.push(`{"id":` + itoa(req.ID) + `,"error":{"code":55,"message":"too many points","data":{"max":10}}}`)

	err := await(t, ch).err
	var ce *protocol.CommandError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, protocol.CodeTooManyPoints, ce.Code)
	assert.Equal(t, "Analysis.runAnalysis", ce.Method)
	assert.JSONEq(t, `{"max":10}`, string(ce.Data))
	assert.True(t, protocol.IsCommandError(err, protocol.CodeTooManyPoints))
}

func TestTransport_SendCarriesSessionAndPause(t *testing.T) {
	tr := New()
	defer tr.Close()
	conn := newMemConn()
	require.NoError(t, tr.Attach(conn))

	go func() {
		_ = tr.Send(context.Background(), protocol.Command{
			Method:    protocol.MethodGetAllFrames,
			SessionID: "s1",
			PauseID:   "p1",
		}, nil)
	}()

	req := conn.nextRequest(t)
	assert.Equal(t, protocol.SessionID("s1"), req.SessionID)
	assert.Equal(t, protocol.PauseID("p1"), req.PauseID)
}

func TestTransport_DispatchesNotificationsInOrder(t *testing.T) {
	var buf syncBuffer
	tr := New(WithLogger(zerolog.New(&buf)))
	defer tr.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	require.NoError(t, tr.AddEventListener("Analysis.analysisPoints", func(params json.RawMessage) {
		mu.Lock()
		got = append(got, string(params))
		n := len(got)
		mu.Unlock()
		if n == 2 {
			close(done)
		}
	}))

	conn := newMemConn()
	require.NoError(t, tr.Attach(conn))
	conn.push(`{"method":"Analysis.analysisPoints","params":{"n":1}}`)
	conn.push(`{"method":"Console.newMessage","params":{}}`)
	conn.push(`not json`)
	conn.push(`{"method":"Analysis.analysisPoints","params":{"n":2}}`)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notifications not delivered")
	}

	mu.Lock()
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, got)
	mu.Unlock()
	assert.Contains(t, buf.String(), "unknown event")
	assert.Contains(t, buf.String(), "Console.newMessage")
	assert.Contains(t, buf.String(), "dropping frame")
}

func TestTransport_DuplicateListenerPanicsByDefault(t *testing.T) {
	tr := New()
	noop := func(json.RawMessage) {}
	require.NoError(t, tr.AddEventListener("Analysis.analysisResult", noop))

	assert.Panics(t, func() {
		_ = tr.AddEventListener("Analysis.analysisResult", noop)
	})
}

func TestTransport_DuplicateListenerLogAndContinue(t *testing.T) {
	var buf bytes.Buffer
	tr := New(WithAssert(errors.LogViolation(zerolog.New(&buf))))
	noop := func(json.RawMessage) {}
	require.NoError(t, tr.AddEventListener("Analysis.analysisResult", noop))

	err := tr.AddEventListener("Analysis.analysisResult", noop)
	assert.True(t, errors.HasCode(err, errors.CodeInvariantViolation))
	assert.Contains(t, buf.String(), "duplicate event listener")

	tr.RemoveEventListener("Analysis.analysisResult")
	assert.NoError(t, tr.AddEventListener("Analysis.analysisResult", noop))
}

func TestTransport_CloseFailsPendingAndNotifiesOnce(t *testing.T) {
	tr := New()
	conn := newMemConn()
	require.NoError(t, tr.Attach(conn))

	var calls atomic.Int32
	var event CloseEvent
	tr.OnClose(func(ev CloseEvent) {
		calls.Add(1)
		event = ev
	})

	ch := sendAsync(tr, "Session.createPause")
	conn.nextRequest(t)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	err := await(t, ch).err
	assert.True(t, IsClosed(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, event.Expected)

	// late observers are told immediately
	var late bool
	tr.OnClose(func(ev CloseEvent) { late = ev.Expected })
	assert.True(t, late)

	err = tr.Send(context.Background(), protocol.Command{Method: "Pause.getAllFrames"}, nil)
	assert.True(t, IsClosed(err))
}

func TestTransport_AbnormalClosure(t *testing.T) {
	tr := New()
	defer tr.Close()
	conn := newMemConn()

	closed := make(chan CloseEvent, 2)
	tr.OnClose(func(ev CloseEvent) { closed <- ev })
	require.NoError(t, tr.Attach(conn))

	ch := sendAsync(tr, "Pause.getScope")
	conn.nextRequest(t)
	conn.readErr <- stderrors.New("connection reset by peer")

	select {
	case ev := <-closed:
		assert.False(t, ev.Expected)
		assert.ErrorContains(t, ev.Err, "connection reset by peer")
	case <-time.After(2 * time.Second):
		t.Fatal("close observer not notified")
	}

	err := await(t, ch).err
	assert.True(t, IsClosed(err))
	de := errors.FromError(err)
	assert.Equal(t, false, de.Details["expected"])
	assert.ErrorContains(t, de.Cause, "connection reset by peer")

	err = tr.Send(context.Background(), protocol.Command{Method: "Pause.getScope"}, nil)
	assert.True(t, IsClosed(err))
	assert.ErrorContains(t, errors.FromError(err).Cause, "connection reset by peer")
}

func TestTransport_ContextCancelRemovesPending(t *testing.T) {
	var buf syncBuffer
	tr := New(WithLogger(zerolog.New(&buf).Level(zerolog.DebugLevel)))
	defer tr.Close()
	conn := newMemConn()
	require.NoError(t, tr.Attach(conn))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tr.Send(ctx, protocol.Command{Method: "Pause.evaluateInFrame"}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, tr.Pending())

	req := conn.nextRequest(t)
	conn.reply(req.ID, `{}`)
	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "unknown or abandoned request")
	}, time.Second, time.Millisecond)
}

func TestTransport_AttachTwiceIsViolation(t *testing.T) {
	tr := New(WithAssert(func(*errors.DebugError) {}))
	defer tr.Close()
	require.NoError(t, tr.Attach(newMemConn()))

	err := tr.Attach(newMemConn())
	assert.True(t, errors.HasCode(err, errors.CodeInvariantViolation))
}

// TestStreamConn_RoundTrip runs a transport over Content-Length framing.
func TestStreamConn_RoundTrip(t *testing.T) {
	client, server := net.Pipe()
	serverConn := NewStreamConn(server)
	defer serverConn.Close()

	tr := New()
	defer tr.Close()
	require.NoError(t, tr.Attach(NewStreamConn(client)))

	go func() {
		data, err := serverConn.ReadMessage()
		if err != nil {
			return
		}
		var req protocol.Request
		if json.Unmarshal(data, &req) != nil {
			return
		}
		_ = serverConn.WriteMessage([]byte(`{"method":"Graphics.paintPoints","params":{"paints":[]}}`))
		_ = serverConn.WriteMessage([]byte(`{"id":` + itoa(req.ID) + `,"result":{"sessionId":"s-1"}}`))
	}()

	painted := make(chan struct{})
	require.NoError(t, tr.AddEventListener(protocol.EventPaintPoints, func(json.RawMessage) { close(painted) }))

	var res protocol.CreateSessionResult
	err := tr.Send(context.Background(), protocol.Command{
		Method: protocol.MethodCreateSession,
		Params: protocol.CreateSessionParams{RecordingID: "rec"},
	}, &res)
	require.NoError(t, err)
	assert.Equal(t, protocol.SessionID("s-1"), res.SessionID)

	// the notification was dispatched before the reply completed the send
	select {
	case <-painted:
	default:
		t.Fatal("notification not dispatched before reply")
	}
}
