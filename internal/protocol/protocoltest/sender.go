// Package protocoltest provides a scripted protocol.Sender for tests.
package protocoltest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/replayio/devtools-sub013/internal/protocol"
)

// Handler answers one command. A non-nil result is round-tripped through JSON
// into the caller's result value.
type Handler func(ctx context.Context, cmd protocol.Command) (any, error)

// Sender records every command and answers it with the handler registered
// for its method. Unhandled methods fail with a command error.
type Sender struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []protocol.Command
}

// NewSender returns an empty Sender.
func NewSender() *Sender {
	return &Sender{handlers: make(map[string]Handler)}
}

// Handle sets the handler for method.
func (s *Sender) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Reply makes method succeed with a fixed result.
func (s *Sender) Reply(method string, result any) {
	s.Handle(method, func(context.Context, protocol.Command) (any, error) {
		return result, nil
	})
}

// Fail makes method fail with a command error.
func (s *Sender) Fail(method string, code int, message string) {
	s.Handle(method, func(context.Context, protocol.Command) (any, error) {
		return nil, &protocol.CommandError{Code: code, Message: message, Method: method}
	})
}

// Send implements protocol.Sender.
func (s *Sender) Send(ctx context.Context, cmd protocol.Command, result any) error {
	s.mu.Lock()
	s.calls = append(s.calls, cmd)
	h := s.handlers[cmd.Method]
	s.mu.Unlock()

	if h == nil {
		return &protocol.CommandError{
			Code:    protocol.CodeInternalError,
			Message: fmt.Sprintf("no handler for %s", cmd.Method),
			Method:  cmd.Method,
		}
	}

	v, err := h(ctx, cmd)
	if err != nil {
		return err
	}
	if result == nil || v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, result)
}

// Calls returns the recorded commands for method, or all commands when method
// is empty.
func (s *Sender) Calls(method string) []protocol.Command {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []protocol.Command
	for _, c := range s.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many times method was sent.
func (s *Sender) Count(method string) int {
	return len(s.Calls(method))
}

// Methods returns the sent method names in order.
func (s *Sender) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Method
	}
	return out
}
