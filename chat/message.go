package chat

import (
	"encoding/json"
	"strings"
)

// Message is a single chat line of a group conversation.
type Message struct {
	// ID is the relay assigned per-group sequence, 0 when unknown.
	ID        int64  `json:"id,omitempty"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp,omitempty"`
}

// UnmarshalJSON keeps messages whose timestamp is not a JSON string, leaving
// Timestamp empty so it renders as UnknownTime.
func (m *Message) UnmarshalJSON(b []byte) error {
	type plain Message
	var v struct {
		plain
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*m = Message(v.plain)
	m.Timestamp = ""
	if len(v.Timestamp) > 0 && v.Timestamp[0] == '"' {
		_ = json.Unmarshal(v.Timestamp, &m.Timestamp)
	}
	return nil
}

// Empty reports whether m carries neither a sender nor a text.
func (m Message) Empty() bool {
	return m.Sender == "" && m.Text == ""
}

// DisplayName returns the local part of an email-shaped identity.
func DisplayName(sender string) string {
	if i := strings.IndexByte(sender, '@'); i >= 0 {
		return sender[:i]
	}
	return sender
}

// ConnState is the connection state of a live channel.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	}
	return "unknown"
}
