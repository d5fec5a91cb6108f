package bus

import (
	"fmt"
	"time"

	"go.jetify.com/typeid"
)

// MessageType selects how the receiving agent treats a message.
type MessageType string

const (
	MessageTypeInvoke MessageType = "invoke"
	MessageTypeQuery  MessageType = "query"
	MessageTypeNotify MessageType = "notify"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeInvoke, MessageTypeQuery, MessageTypeNotify:
		return true
	}
	return false
}

// NewMessageID returns a new globally unique message id.
func NewMessageID() string {
	id, err := typeid.WithPrefix("msg")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Message is the envelope passed between agents. Payload is opaque to the
// bus and is validated by the receiving agent.
type Message struct {
	From      string      `json:"from"`
	To        string      `json:"to"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload,omitempty"`
	MessageID string      `json:"message_id"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage returns a message with a fresh id and timestamp.
func NewMessage(from, to string, msgType MessageType, payload any) *Message {
	return &Message{
		From:      from,
		To:        to,
		Type:      msgType,
		Payload:   payload,
		MessageID: NewMessageID(),
		Timestamp: time.Now(),
	}
}

// copyTo returns an independent copy of the message addressed to name.
func (m *Message) copyTo(name string) *Message {
	return &Message{
		From:      m.From,
		To:        name,
		Type:      m.Type,
		Payload:   m.Payload,
		MessageID: NewMessageID(),
		Timestamp: time.Now(),
	}
}

// Response is the envelope agents use to report the outcome of a message.
type Response struct {
	Success   bool      `json:"success"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewResponse wraps a result or error in a Response.
func NewResponse(result any, err error) *Response {
	if err != nil {
		return &Response{Success: false, Error: err.Error(), Timestamp: time.Now()}
	}
	return &Response{Success: true, Result: result, Timestamp: time.Now()}
}

// Unwrap extracts the payload of a handler result. Results that are not a
// Response pass through untouched. An unsuccessful Response becomes a
// *RemoteError carrying the original message context.
func Unwrap(msg *Message, result any) (any, error) {
	var resp *Response
	switch r := result.(type) {
	case *Response:
		resp = r
	case Response:
		resp = &r
	default:
		return result, nil
	}
	if resp == nil {
		return nil, nil
	}
	if !resp.Success {
		remote := &RemoteError{Message: resp.Error}
		if msg != nil {
			remote.Agent = msg.To
			remote.MessageID = msg.MessageID
			remote.Type = msg.Type
		}
		return nil, remote
	}
	return resp.Result, nil
}

// CapabilityQuery is the payload sent by QueryCapabilities.
type CapabilityQuery struct {
	Query string `json:"query"`
}

// QueryCapabilitiesName is the query string agents answer with their
// capability description.
const QueryCapabilitiesName = "capabilities"

func (m *Message) String() string {
	return fmt.Sprintf("%s %s->%s (%s)", m.Type, m.From, m.To, m.MessageID)
}
