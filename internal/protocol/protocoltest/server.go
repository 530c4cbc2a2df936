package protocoltest

import (
	"encoding/json"
	"errors"
	"net"
	"sync"

	"github.com/replayio/devtools-sub013/internal/protocol"
)

// ErrNoReply makes a server handler leave the request unanswered.
var ErrNoReply = errors.New("no reply")

// Call is a request as the server received it.
type Call struct {
	ID        int64              `json:"id"`
	Method    string             `json:"method"`
	Params    json.RawMessage    `json:"params"`
	SessionID protocol.SessionID `json:"sessionId,omitempty"`
	PauseID   protocol.PauseID   `json:"pauseId,omitempty"`
}

// Decode unmarshals the call's params into v.
func (c Call) Decode(v any) error {
	return json.Unmarshal(c.Params, v)
}

// ServerHandler answers one request. Notifications pushed with Notify before
// it returns reach the client ahead of the reply.
type ServerHandler func(call Call) (any, error)

// Server is an in-memory recording server. It implements the transport's
// Conn interface: the client writes requests into it and reads replies and
// notifications back.
type Server struct {
	mu       sync.Mutex
	handlers map[string]ServerHandler
	calls    []Call

	out       chan []byte
	readErr   chan error
	closed    chan struct{}
	closeOnce sync.Once
}

// NewServer returns a Server with no handlers.
func NewServer() *Server {
	return &Server{
		handlers: make(map[string]ServerHandler),
		out:      make(chan []byte, 1024),
		readErr:  make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

// Handle sets the handler for method.
func (s *Server) Handle(method string, h ServerHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Reply makes method succeed with a fixed result.
func (s *Server) Reply(method string, result any) {
	s.Handle(method, func(Call) (any, error) { return result, nil })
}

// Fail makes method fail with a command error.
func (s *Server) Fail(method string, code int, message string) {
	s.Handle(method, func(Call) (any, error) {
		return nil, &protocol.CommandError{Code: code, Message: message}
	})
}

// Notify pushes a notification to the client.
func (s *Server) Notify(method string, params any) {
	data, _ := json.Marshal(map[string]any{"method": method, "params": params})
	s.out <- data
}

// Drop fails the connection as if the network went away.
func (s *Server) Drop(err error) {
	s.readErr <- err
}

// ReadMessage implements Conn.
func (s *Server) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.out:
		return data, nil
	case err := <-s.readErr:
		return nil, err
	case <-s.closed:
		return nil, net.ErrClosed
	}
}

// WriteMessage implements Conn. The request is answered synchronously.
func (s *Server) WriteMessage(data []byte) error {
	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}

	var call Call
	if err := json.Unmarshal(data, &call); err != nil {
		return err
	}

	s.mu.Lock()
	s.calls = append(s.calls, call)
	h := s.handlers[call.Method]
	s.mu.Unlock()

	reply := map[string]any{"id": call.ID}
	if h == nil {
		reply["error"] = protocol.CommandError{Code: protocol.CodeInternalError, Message: "unknown method " + call.Method}
	} else {
		result, err := h(call)
		var ce *protocol.CommandError
		switch {
		case errors.Is(err, ErrNoReply):
			return nil
		case errors.As(err, &ce):
			reply["error"] = ce
		case err != nil:
			reply["error"] = protocol.CommandError{Code: protocol.CodeInternalError, Message: err.Error()}
		case result == nil:
			reply["result"] = struct{}{}
		default:
			reply["result"] = result
		}
	}
	out, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	s.out <- out
	return nil
}

// Close implements Conn.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Calls returns the received requests for method, or all of them when method
// is empty.
func (s *Server) Calls(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Call
	for _, c := range s.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many times method was received.
func (s *Server) Count(method string) int {
	return len(s.Calls(method))
}
