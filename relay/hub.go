// Package relay is a chat server speaking the live channel and history
// protocols of the client, for development and integration tests.
package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/splitchat/auth"
	"github.com/mqy/splitchat/wire"
)

const requestTimeout = 5 * time.Second

// Hub works as a hub that manages and serves sessions.
type Hub struct {
	conf       *Config
	api        *ChatApi
	authClient auth.Client
	hstore     *HandlerStore
}

// NewHub creates a `Hub`.
func NewHub(authClient auth.Client, api *ChatApi, conf *Config) *Hub {
	if conf == nil {
		conf = &Config{}
	}
	return &Hub{
		conf:       conf,
		api:        api,
		authClient: authClient,
		hstore:     newHandlerStore(),
	}
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	email, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	if q := h.conf.SessionQuota; q > 0 && h.hstore.count() >= q {
		glog.Warningf("ServeHTTP(): session quota %d reached, email: %s", q, email)
		http.Error(w, "Too many sessions", http.StatusServiceUnavailable)
		return
	}

	sess := &Session{
		Sid:        strings.ReplaceAll(uuid.New(), "-", ""),
		Email:      email,
		GroupHint:  r.URL.Query().Get("groupId"),
		CreateTime: time.Now().Unix(),
		Ip:         getRemoteIP(r),
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, email: %s, err: %s", email, err)
		return
	}

	// NOTE: after upgrade, `w.WriteHeader(...)` causes error `response.Write on hijacked connection`.

	handler := newHandler(h, sess, conn)
	h.hstore.add(handler)
	activeSessions.Inc()
	glog.V(5).Infof("session opened: %s", handler)

	go handler.recvLoop()
	go handler.sendLoop()
}

// Close closes all sessions.
func (h *Hub) Close() {
	glog.Infof("close connections ...")
	h.hstore.close()
	glog.Infof("close connections done")
}

func (h *Hub) delHandler(handler *Handler) {
	groups, ok := h.hstore.del(handler.session.Sid)
	if !ok {
		return
	}
	activeSessions.Dec()
	for _, groupID := range groups {
		h.broadcastStatus(groupID, fmt.Sprintf("%s left the chat", handler.session.Email))
	}
}

func (h *Hub) join(handler *Handler, groupID string) {
	if !h.hstore.join(groupID, handler) {
		glog.V(5).Infof("join(): already joined %s, session: %s", groupID, handler)
		return
	}
	glog.V(5).Infof("join(): group: %s, session: %s", groupID, handler)

	if h.conf.PushHistoryOnJoin {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		msgs, apiErr := h.api.History(ctx, groupID)
		cancel()
		if apiErr != nil {
			handler.replyError(wire.EventJoin, apiErr.Message)
		} else if p, err := wire.NewHistory(msgs); err != nil {
			glog.Errorf("join(): encode history error: %v", err)
		} else {
			handler.reply(wire.EventChatHistory, p)
		}
	}
	h.broadcastStatus(groupID, fmt.Sprintf("%s joined the chat", handler.session.Email))
}

func (h *Hub) leave(handler *Handler, groupID string) {
	if !h.hstore.leave(groupID, handler.session.Sid) {
		return
	}
	glog.V(5).Infof("leave(): group: %s, session: %s", groupID, handler)
	h.broadcastStatus(groupID, fmt.Sprintf("%s left the chat", handler.session.Email))
}

// message saves o as sent by the session identity and broadcasts it to the
// room.
func (h *Hub) message(handler *Handler, o wire.Outgoing) {
	if !h.hstore.joined(o.GroupID, handler.session.Sid) {
		handler.replyError(wire.EventMessage, "join the group before sending messages")
		return
	}
	if o.Sender != "" && o.Sender != handler.session.Email {
		glog.Warningf("message(): sender %s replaced by identity, session: %s", o.Sender, handler)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	m, apiErr := h.api.Save(ctx, o.GroupID, handler.session.Email, o.Text)
	if apiErr != nil {
		glog.V(5).Infof("message(): rejected: %v, session: %s", apiErr, handler)
		handler.replyError(wire.EventMessage, apiErr.Message)
		return
	}
	h.broadcast(o.GroupID, wire.EventNewMessage, m)
}

func (h *Hub) broadcastStatus(groupID, msg string) {
	h.broadcast(groupID, wire.EventStatus, wire.Status{Msg: msg})
}

func (h *Hub) broadcast(groupID, event string, data interface{}) {
	frame, err := wire.Encode(event, data)
	if err != nil {
		glog.Errorf("broadcast(): encode %s error: %v", event, err)
		return
	}
	for _, handler := range h.hstore.room(groupID) {
		handler.offer(frame)
	}
}

// Sessions returns the number of open sessions.
func (h *Hub) Sessions() int {
	return h.hstore.count()
}

// Members returns the identities in the room of groupID.
func (h *Hub) Members(groupID string) []string {
	var out []string
	for _, handler := range h.hstore.room(groupID) {
		out = append(out, handler.session.Email)
	}
	return out
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
