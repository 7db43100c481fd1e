package live

import (
	"encoding/json"
	"fmt"

	"github.com/golang/glog"

	"github.com/mqy/splitchat/chat"
	"github.com/mqy/splitchat/wire"
)

type EventKind int

const (
	// EventConnected is emitted when a connection is established.
	EventConnected EventKind = iota + 1
	// EventReconnecting is emitted before each reconnect attempt.
	EventReconnecting
	// EventFailed is terminal: no further connection attempt is made.
	EventFailed
	// EventDisconnected is emitted after the channel was closed.
	EventDisconnected

	// EventSnapshot carries a pushed chat_history, a full replacement candidate.
	EventSnapshot
	// EventMessage carries one new_message.
	EventMessage
	// EventStatus carries an informational status text.
	EventStatus
	// EventServerError carries an error pushed by the server.
	EventServerError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventReconnecting:
		return "reconnecting"
	case EventFailed:
		return "failed"
	case EventDisconnected:
		return "disconnected"
	case EventSnapshot:
		return "snapshot"
	case EventMessage:
		return "message"
	case EventStatus:
		return "status"
	case EventServerError:
		return "server_error"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one inbound occurrence of a channel, delivered in transport order.
type Event struct {
	Kind EventKind

	Messages []chat.Message // EventSnapshot
	Message  chat.Message   // EventMessage
	Text     string         // EventStatus, EventServerError
	Attempt  int            // EventReconnecting, 1-based
	Err      error          // EventReconnecting, EventFailed, EventServerError
}

func (e Event) String() string {
	switch e.Kind {
	case EventSnapshot:
		return fmt.Sprintf("snapshot(%d)", len(e.Messages))
	case EventMessage:
		return fmt.Sprintf("message(%s: %q)", e.Message.Sender, e.Message.Text)
	case EventStatus, EventServerError:
		return fmt.Sprintf("%s(%q)", e.Kind, e.Text)
	case EventReconnecting:
		return fmt.Sprintf("reconnecting(%d)", e.Attempt)
	}
	return e.Kind.String()
}

// decodeEvent converts an inbound frame. ok is false for frames that must be
// dropped.
func decodeEvent(f wire.Frame) (ev Event, ok bool) {
	switch f.Event {
	case wire.EventChatHistory:
		var h wire.History
		if err := json.Unmarshal(f.Data, &h); err != nil {
			glog.Errorf("live: malformed chat_history: %v", err)
			return ev, false
		}
		msgs, ok := wire.HistoryMessages(h)
		if !ok {
			glog.Errorf("live: chat_history without messages array: %s", truncate(f.Data, 100))
			return ev, false
		}
		glog.Infof("live: received %d messages from socket", len(msgs))
		return Event{Kind: EventSnapshot, Messages: msgs}, true

	case wire.EventNewMessage:
		var m chat.Message
		if err := json.Unmarshal(f.Data, &m); err != nil {
			glog.Errorf("live: malformed new_message: %v, data: %s", err, truncate(f.Data, 100))
			return ev, false
		}
		if m.Empty() {
			glog.Warningf("live: empty new_message dropped")
			return ev, false
		}
		glog.V(5).Infof("live: new message received: %s: %q", m.Sender, m.Text)
		return Event{Kind: EventMessage, Message: m}, true

	case wire.EventStatus:
		var s wire.Status
		_ = json.Unmarshal(f.Data, &s)
		glog.Infof("live: status update: %s", s.Msg)
		return Event{Kind: EventStatus, Text: s.Msg}, true

	case wire.EventError:
		var e wire.Error
		_ = json.Unmarshal(f.Data, &e)
		glog.Errorf("live: server error: %s", e.Message)
		return Event{
			Kind: EventServerError,
			Text: e.Message,
			Err:  &chat.Error{Kind: chat.ServerReported, Msg: e.Message},
		}, true
	}

	glog.Warningf("live: unsupported event: %s", f.Event)
	return ev, false
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + " ..."
	}
	return string(b)
}
