package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// ErrMalformedFrame is returned for incoming frames that are neither a reply
// nor a notification.
var ErrMalformedFrame = errors.New("malformed protocol frame")

// Command is one outgoing request before an id is assigned.
type Command struct {
	Method    string
	Params    any
	SessionID SessionID
	PauseID   PauseID
}

// Sender issues commands and decodes their results. The transport implements
// it; the session layer wraps it to fill in the session id.
type Sender interface {
	Send(ctx context.Context, cmd Command, result any) error
}

// Request is the wire form of a command.
type Request struct {
	ID        int64     `json:"id"`
	Method    string    `json:"method"`
	Params    any       `json:"params"`
	SessionID SessionID `json:"sessionId,omitempty"`
	PauseID   PauseID   `json:"pauseId,omitempty"`
}

// NewRequest assigns an id to a command.
func NewRequest(id int64, cmd Command) *Request {
	params := cmd.Params
	if params == nil {
		params = struct{}{}
	}
	return &Request{
		ID:        id,
		Method:    cmd.Method,
		Params:    params,
		SessionID: cmd.SessionID,
		PauseID:   cmd.PauseID,
	}
}

// CommandError is a failure reported by the server for one command.
type CommandError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`

	// Method is filled in by the client, it is not on the wire.
	Method string `json:"-"`
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("%s: protocol error %d: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// Server error codes the client reacts to.
const (
	CodeInternalError = 1
	CodeTooManyPoints = 55
)

// IsCommandError reports whether err is a command error with the given code.
func IsCommandError(err error, code int) bool {
	var ce *CommandError
	return errors.As(err, &ce) && ce.Code == code
}

// Message is a classified incoming frame: *Reply or *Notification.
type Message interface {
	isMessage()
}

// Reply answers the request with the same id.
type Reply struct {
	ID     int64
	Result json.RawMessage
	Error  *CommandError
}

// Notification is a server push with no id.
type Notification struct {
	Method string
	Params json.RawMessage
}

func (*Reply) isMessage()        {}
func (*Notification) isMessage() {}

// DecodeFrame classifies an incoming message. Shapes other than
// {id, result|error} and {method, params} are rejected here so that business
// logic never sees them.
func DecodeFrame(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedFrame)
	}
	msg := gjson.ParseBytes(data)
	if !msg.IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedFrame)
	}

	if id := msg.Get("id"); id.Exists() {
		if id.Type != gjson.Number {
			return nil, fmt.Errorf("%w: non-numeric id %s", ErrMalformedFrame, id.Raw)
		}
		seq, err := strconv.ParseInt(id.Raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: id %s is not an integer", ErrMalformedFrame, id.Raw)
		}
		reply := &Reply{ID: seq}
		if errField := msg.Get("error"); errField.Exists() {
			var ce CommandError
			if err := json.Unmarshal([]byte(errField.Raw), &ce); err != nil {
				return nil, fmt.Errorf("%w: bad error payload: %v", ErrMalformedFrame, err)
			}
			reply.Error = &ce
			return reply, nil
		}
		result := msg.Get("result")
		if !result.Exists() {
			return nil, fmt.Errorf("%w: reply %d has neither result nor error", ErrMalformedFrame, reply.ID)
		}
		reply.Result = json.RawMessage(result.Raw)
		return reply, nil
	}

	method := msg.Get("method")
	if method.Type != gjson.String || method.Str == "" {
		return nil, fmt.Errorf("%w: no id and no method", ErrMalformedFrame)
	}
	n := &Notification{Method: method.Str}
	if params := msg.Get("params"); params.Exists() {
		n.Params = json.RawMessage(params.Raw)
	}
	return n, nil
}
