// Package wire defines the JSON frames exchanged over the live channel.
//
// Every websocket text message is one Frame:
//
//	{"event": "join",        "data": {"groupId": "g1", "email": "a@x.com"}}
//	{"event": "leave",       "data": {"groupId": "g1", "email": "a@x.com"}}
//	{"event": "message",     "data": {"groupId": "g1", "sender": "a@x.com", "text": "hi"}}
//	{"event": "chat_history", "data": {"messages": [...]}}
//	{"event": "new_message", "data": {"sender": "a@x.com", "text": "hi", "timestamp": "..."}}
//	{"event": "status",      "data": {"msg": "a@x.com joined"}}
//	{"event": "error",       "data": {"message": "not joined"}}
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/mqy/splitchat/chat"
)

// Client to server events.
const (
	EventJoin    = "join"
	EventLeave   = "leave"
	EventMessage = "message"
)

// Server to client events.
const (
	EventChatHistory = "chat_history"
	EventNewMessage  = "new_message"
	EventStatus      = "status"
	EventError       = "error"
)

type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Presence is the payload of join and leave.
type Presence struct {
	GroupID string `json:"groupId"`
	Email   string `json:"email"`
}

// Outgoing is the payload of a client sent message.
type Outgoing struct {
	GroupID string `json:"groupId"`
	Sender  string `json:"sender"`
	Text    string `json:"text"`
}

// History is the payload of chat_history. Messages is kept raw so that a
// non-array value can be told apart from an empty one.
type History struct {
	Messages json.RawMessage `json:"messages"`
}

type Status struct {
	Msg string `json:"msg"`
}

type Error struct {
	Message string `json:"message"`
}

// NewFrame marshals data into a frame of the given event.
func NewFrame(event string, data interface{}) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s: %w", event, err)
	}
	return Frame{Event: event, Data: raw}, nil
}

// Encode returns the text message of a frame.
func Encode(event string, data interface{}) ([]byte, error) {
	f, err := NewFrame(event, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&f)
}

// Decode parses a text message into a frame.
func Decode(msg []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return Frame{}, err
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("frame without event")
	}
	return f, nil
}

// NewHistory builds a chat_history payload, a nil slice is sent as [].
func NewHistory(msgs []chat.Message) (History, error) {
	if msgs == nil {
		msgs = []chat.Message{}
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return History{}, err
	}
	return History{Messages: raw}, nil
}

// HistoryMessages decodes chat_history messages. ok is false when messages
// is absent or not an array.
func HistoryMessages(h History) ([]chat.Message, bool) {
	msgs, _, ok := DecodeMessages(h.Messages)
	return msgs, ok
}

// DecodeMessages decodes a JSON array of messages, skipping elements that
// are not message objects or carry neither sender nor text. ok is false when raw is not an array.
func DecodeMessages(raw json.RawMessage) (msgs []chat.Message, skipped int, ok bool) {
	var elems []json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &elems) != nil || elems == nil {
		return nil, 0, false
	}
	msgs = make([]chat.Message, 0, len(elems))
	for _, e := range elems {
		var m chat.Message
		if err := json.Unmarshal(e, &m); err != nil || m.Empty() {
			skipped++
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, skipped, true
}
