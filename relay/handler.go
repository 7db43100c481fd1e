package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/splitchat/wire"
)

type SessionError int

const (
	ReadError    SessionError = 1
	WriteError   SessionError = 2
	PingError    SessionError = 3
	BadRequest   SessionError = 4
	ServerStop   SessionError = 5
	SlowConsumer SessionError = 6
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 16 * 1024

	dataChanSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The relay is a development server, any origin may connect.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Session describes one websocket connection.
type Session struct {
	Sid        string `json:"sid"`
	Email      string `json:"email"`
	GroupHint  string `json:"group_hint,omitempty"`
	CreateTime int64  `json:"create_time"`
	Ip         string `json:"ip"`
}

// Handler manages an active connection to end user.
// Every new websocket connection creates a new session.
type Handler struct {
	hub *Hub

	session *Session
	conn    *websocket.Conn

	dataChan chan *SessionData

	closeOnce sync.Once
	done      chan struct{}
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error SessionError    `json:"error,omitempty"`
	Frame json.RawMessage `json:"frame,omitempty"`
}

func newHandler(hub *Hub, session *Session, conn *websocket.Conn) *Handler {
	return &Handler{
		hub:      hub,
		session:  session,
		conn:     conn,
		dataChan: make(chan *SessionData, dataChanSize),
		done:     make(chan struct{}),
	}
}

func (h *Handler) String() string {
	out, _ := json.Marshal(h.session)
	return string(out)
}

func (h *Handler) close(cause SessionError) {
	h.closeOnce.Do(func() {
		close(h.done)

		code := websocket.CloseNormalClosure
		switch cause {
		case BadRequest:
			code = websocket.CloseUnsupportedData
		case ServerStop:
			code = websocket.CloseGoingAway
		case SlowConsumer:
			code = websocket.ClosePolicyViolation
		}
		_ = h.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
		h.conn.Close()

		if cause != ServerStop {
			glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
			// Ask for hub to remove this handler.
			h.hub.delHandler(h)
		}
	})
}

// appendDataChan blocks until v is queued or the handler is closed.
func (h *Handler) appendDataChan(v *SessionData) bool {
	select {
	case h.dataChan <- v:
		return true
	case <-h.done:
		return false
	}
}

// offer queues a broadcast frame without blocking, a peer that cannot keep
// up is disconnected.
func (h *Handler) offer(frame []byte) {
	select {
	case h.dataChan <- &SessionData{Frame: frame}:
	case <-h.done:
	default:
		glog.Warningf("session too slow, closing: %s", h)
		go h.close(SlowConsumer)
	}
}

func (h *Handler) reply(event string, data interface{}) {
	frame, err := wire.Encode(event, data)
	if err != nil {
		glog.Errorf("reply(): encode %s error: %v", event, err)
		return
	}
	h.appendDataChan(&SessionData{Frame: frame})
}

func (h *Handler) replyError(event, message string) {
	rejectedFrames.WithLabelValues(event).Inc()
	h.reply(wire.EventError, wire.Error{Message: message})
}

func (h *Handler) closing() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for !h.closing() {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			if !h.closing() {
				glog.V(5).Infof("recvLoop(): read error: %v, session: %s", err, h)
			}
			h.appendDataChan(&SessionData{Error: ReadError})
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %s", msg)

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.replyError("binary", "websocket only supports TextMessage")
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		f, err := wire.Decode(msg)
		if err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", msg, err)
			h.replyError("malformed", fmt.Sprintf("malformed frame: %v", err))
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		switch f.Event {
		case wire.EventJoin, wire.EventLeave:
			var p wire.Presence
			if err := json.Unmarshal(f.Data, &p); err != nil || p.GroupID == "" {
				h.replyError(f.Event, "groupId is required")
				continue
			}
			if p.Email != "" && p.Email != h.session.Email {
				glog.Warningf("recvLoop(): %s email %s differs from identity, session: %s", f.Event, p.Email, h)
			}
			if f.Event == wire.EventJoin {
				h.hub.join(h, p.GroupID)
			} else {
				h.hub.leave(h, p.GroupID)
			}
		case wire.EventMessage:
			var o wire.Outgoing
			if err := json.Unmarshal(f.Data, &o); err != nil || o.GroupID == "" {
				h.replyError(f.Event, "groupId is required")
				continue
			}
			h.hub.message(h, o)
		default:
			glog.Errorf("recvLoop(): unsupported event: %s", f.Event)
			h.replyError(f.Event, fmt.Sprintf("unsupported event: %s", f.Event))
		}
	}
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h)
	}()

	for {
		select {
		case <-h.done:
			return
		case v := <-h.dataChan:
			if v.Error > 0 {
				h.close(v.Error)
				return
			}

			if glog.V(5) {
				glog.Infof("sendLoop(), get from data chan, value: %s, session: %s", truncate(v.Frame, 100), h)
			}

			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.TextMessage, v.Frame); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, err: %v", h, err)
				h.close(WriteError)
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				h.close(PingError)
				return
			}
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + " ..."
	}
	return string(b)
}
