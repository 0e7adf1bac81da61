package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownAction is returned for a frame whose action is not defined.
	ErrUnknownAction = errors.New("unknown action")

	// ErrMalformedFrame is returned when a frame or its body is not valid JSON
	// for its action.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Frame is a message plus its correlation fields.
type Frame struct {
	ID      string
	ReplyTo string
	Message Message
}

type envelope struct {
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	Action  Action          `json:"action"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// Encode serializes f into a single frame.
func Encode(f Frame) ([]byte, error) {
	if f.Message == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	body, err := json.Marshal(f.Message)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.Message.Action(), err)
	}
	return json.Marshal(envelope{
		ID:      f.ID,
		ReplyTo: f.ReplyTo,
		Action:  f.Message.Action(),
		Body:    body,
	})
}

// Decode parses a frame produced by Encode.
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	msg, err := newMessage(env.Action)
	if err != nil {
		return Frame{}, err
	}

	if len(env.Body) > 0 {
		if err := json.Unmarshal(env.Body, msg); err != nil {
			return Frame{}, fmt.Errorf("%w: %s body: %v", ErrMalformedFrame, env.Action, err)
		}
	}

	return Frame{ID: env.ID, ReplyTo: env.ReplyTo, Message: deref(msg)}, nil
}

// newMessage returns a pointer to a zero message for action.
func newMessage(a Action) (any, error) {
	switch a {
	case ActionTokenExchange:
		return &TokenExchange{}, nil
	case ActionTokenExchangeReply:
		return &TokenExchangeReply{}, nil
	case ActionRequestFullSessions:
		return &FullSessionsRequest{}, nil
	case ActionFullSessions:
		return &FullSessionsReply{}, nil
	case ActionSyncSessions:
		return &SyncSessions{}, nil
	case ActionRequestSessions:
		return &SessionsRequest{}, nil
	case ActionStatus:
		return &StatusReply{}, nil
	case ActionPing:
		return &Ping{}, nil
	case ActionPong:
		return &Pong{}, nil
	case ActionHeartbeat:
		return &Heartbeat{}, nil
	case ActionClearData:
		return &ClearData{}, nil
	case ActionCompletion:
		return &CompletionReport{}, nil
	case ActionError:
		return &ErrorReply{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, a)
	}
}

// deref turns the pointer from newMessage back into a value message.
func deref(p any) Message {
	switch m := p.(type) {
	case *TokenExchange:
		return *m
	case *TokenExchangeReply:
		return *m
	case *FullSessionsRequest:
		return *m
	case *FullSessionsReply:
		return *m
	case *SyncSessions:
		return *m
	case *SessionsRequest:
		return *m
	case *StatusReply:
		return *m
	case *Ping:
		return *m
	case *Pong:
		return *m
	case *Heartbeat:
		return *m
	case *ClearData:
		return *m
	case *CompletionReport:
		return *m
	case *ErrorReply:
		return *m
	default:
		panic(fmt.Sprintf("wire: unhandled message type %T", p))
	}
}
