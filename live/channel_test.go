package live_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/splitchat/chat"
	"github.com/mqy/splitchat/live"
	live_mock "github.com/mqy/splitchat/live/mock"
	"github.com/mqy/splitchat/msgstore"
	"github.com/mqy/splitchat/wire"
)

const waitTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{}

// peer is the server side of one test connection.
type peer struct {
	n      int
	conn   *websocket.Conn
	frames chan wire.Frame
}

// peer helpers run on server goroutines, so they only report errors.

func (p *peer) send(t *testing.T, event string, data interface{}) {
	msg, err := wire.Encode(event, data)
	assert.NoError(t, err)
	assert.NoError(t, p.conn.WriteMessage(websocket.TextMessage, msg))
}

func (p *peer) sendRaw(t *testing.T, raw string) {
	assert.NoError(t, p.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (p *peer) next(t *testing.T) wire.Frame {
	select {
	case f, ok := <-p.frames:
		assert.True(t, ok, "connection closed")
		return f
	case <-time.After(waitTimeout):
		t.Error("timeout waiting for client frame")
	}
	return wire.Frame{}
}

// waitClosed drains frames until the client side goes away.
func (p *peer) waitClosed(t *testing.T) []wire.Frame {
	var out []wire.Frame
	for {
		select {
		case f, ok := <-p.frames:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-time.After(waitTimeout):
			t.Error("timeout waiting for close")
			return out
		}
	}
}

// newServer runs script for every accepted connection. The connection is
// kept open until the client closes it or script returns false.
func newServer(t *testing.T, script func(p *peer) bool) (*httptest.Server, *int32) {
	var conns int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws", r.URL.Path)
		assert.Equal(t, "g1", r.URL.Query().Get("groupId"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p := &peer{n: int(atomic.AddInt32(&conns, 1)), conn: conn, frames: make(chan wire.Frame, 64)}
		go func() {
			defer close(p.frames)
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				f, err := wire.Decode(msg)
				if assert.NoError(t, err) {
					p.frames <- f
				}
			}
		}()
		if !script(p) {
			conn.Close()
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(srv *httptest.Server) live.Config {
	return live.Config{
		URL:          wsURL(srv),
		GroupID:      "g1",
		Identity:     "a@x.com",
		Credential:   "tok",
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
	}
}

func nextEvent(t *testing.T, ch <-chan live.Event) live.Event {
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "events closed")
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for event")
	}
	return live.Event{}
}

func presence(t *testing.T, f wire.Frame) wire.Presence {
	var p wire.Presence
	assert.NoError(t, json.Unmarshal(f.Data, &p))
	return p
}

func TestSnapshotThenMessages(t *testing.T) {
	snapshot := []chat.Message{
		{Sender: "a@x.com", Text: "one", Timestamp: "2024-01-01T10:00:00.123456Z"},
		{Sender: "b@x.com", Text: "two"},
	}
	m1 := chat.Message{Sender: "b@x.com", Text: "m1"}
	m2 := chat.Message{Sender: "c@x.com", Text: "m2"}

	srv, _ := newServer(t, func(p *peer) bool {
		join := p.next(t)
		assert.Equal(t, wire.EventJoin, join.Event)
		assert.Equal(t, wire.Presence{GroupID: "g1", Email: "a@x.com"}, presence(t, join))

		p.send(t, wire.EventChatHistory, map[string]interface{}{"messages": snapshot})
		p.send(t, wire.EventNewMessage, m1)
		p.send(t, wire.EventNewMessage, m2)
		return true
	})

	ch := live.New(testConfig(srv), nil)
	ch.Start(context.Background())
	defer ch.Close()

	assert.Equal(t, live.EventConnected, nextEvent(t, ch.Events()).Kind)

	store := msgstore.New()
	for i := 0; i < 3; i++ {
		ev := nextEvent(t, ch.Events())
		switch ev.Kind {
		case live.EventSnapshot:
			store.Adopt(ev.Messages)
		case live.EventMessage:
			store.Append(ev.Message)
		default:
			t.Fatalf("unexpected event: %s", ev)
		}
	}
	assert.Equal(t, append(append([]chat.Message{}, snapshot...), m1, m2), store.Messages())
	assert.Equal(t, chat.Connected, ch.State())
}

func TestMissingCredential(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// no Dial expected
	dialer := live_mock.NewMockDialer(ctrl)

	ch := live.New(live.Config{URL: "ws://127.0.0.1:1", GroupID: "g1", Identity: "a@x.com"}, dialer)
	ch.Start(context.Background())

	ev := nextEvent(t, ch.Events())
	assert.Equal(t, live.EventFailed, ev.Kind)
	assert.True(t, errors.Is(ev.Err, chat.ErrMissingCredential))
	assert.Equal(t, chat.Failed, ch.State())

	_, ok := <-ch.Events()
	assert.False(t, ok)

	assert.True(t, errors.Is(ch.Send("hi"), chat.ErrSendRejected))
	assert.NoError(t, ch.Close())
	assert.Equal(t, chat.Disconnected, ch.State())
}

func TestReconnectExhaustion(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dialer := live_mock.NewMockDialer(ctrl)
	dialErr := errors.New("connection refused")
	dialer.EXPECT().Dial(gomock.Any(), "ws://chat.local/ws?groupId=g1", gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ string, header http.Header) (live.Conn, error) {
			assert.Equal(t, "Bearer tok", header.Get("Authorization"))
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			return nil, dialErr
		}).Times(3)

	ch := live.New(live.Config{
		URL:               "ws://chat.local/",
		GroupID:           "g1",
		Identity:          "a@x.com",
		Credential:        "tok",
		ReconnectAttempts: 2,
		InitialDelay:      time.Millisecond,
		MaxDelay:          2 * time.Millisecond,
	}, dialer)
	ch.Start(context.Background())
	defer ch.Close()

	ev := nextEvent(t, ch.Events())
	assert.Equal(t, live.EventReconnecting, ev.Kind)
	assert.Equal(t, 1, ev.Attempt)
	ev = nextEvent(t, ch.Events())
	assert.Equal(t, live.EventReconnecting, ev.Kind)
	assert.Equal(t, 2, ev.Attempt)

	ev = nextEvent(t, ch.Events())
	assert.Equal(t, live.EventFailed, ev.Kind)
	assert.Equal(t, chat.TransportFailure, chat.KindOf(ev.Err))
	assert.ErrorIs(t, ev.Err, dialErr)

	_, ok := <-ch.Events()
	assert.False(t, ok)
	assert.Equal(t, chat.Failed, ch.State())
}

func TestNoReconnect(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dialer := live_mock.NewMockDialer(ctrl)
	dialer.EXPECT().Dial(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("refused")).Times(1)

	ch := live.New(live.Config{URL: "ws://chat.local", GroupID: "g1", Credential: "tok", ReconnectAttempts: live.NoReconnect}, dialer)
	ch.Start(context.Background())
	defer ch.Close()

	assert.Equal(t, live.EventFailed, nextEvent(t, ch.Events()).Kind)
}

func TestSend(t *testing.T) {
	got := make(chan wire.Frame, 1)
	srv, _ := newServer(t, func(p *peer) bool {
		assert.Equal(t, wire.EventJoin, p.next(t).Event)
		got <- p.next(t)
		return true
	})

	ch := live.New(testConfig(srv), nil)

	err := ch.Send("too early")
	assert.Equal(t, chat.SendRejected, chat.KindOf(err))

	ch.Start(context.Background())
	defer ch.Close()
	require.Equal(t, live.EventConnected, nextEvent(t, ch.Events()).Kind)

	require.NoError(t, ch.Send("hello"))

	select {
	case f := <-got:
		assert.Equal(t, wire.EventMessage, f.Event)
		var out wire.Outgoing
		require.NoError(t, json.Unmarshal(f.Data, &out))
		assert.Equal(t, wire.Outgoing{GroupID: "g1", Sender: "a@x.com", Text: "hello"}, out)
	case <-time.After(waitTimeout):
		t.Fatal("message not received")
	}
}

func TestCloseAnnouncesLeave(t *testing.T) {
	frames := make(chan []wire.Frame, 1)
	srv, _ := newServer(t, func(p *peer) bool {
		frames <- p.waitClosed(t)
		return true
	})

	ch := live.New(testConfig(srv), nil)
	ch.Start(context.Background())
	require.Equal(t, live.EventConnected, nextEvent(t, ch.Events()).Kind)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.Equal(t, chat.Disconnected, ch.State())
	assert.True(t, errors.Is(ch.Send("late"), chat.ErrSendRejected))

	select {
	case fs := <-frames:
		require.Len(t, fs, 2)
		assert.Equal(t, wire.EventJoin, fs[0].Event)
		assert.Equal(t, wire.EventLeave, fs[1].Event)
		assert.Equal(t, wire.Presence{GroupID: "g1", Email: "a@x.com"}, presence(t, fs[1]))
	case <-time.After(waitTimeout):
		t.Fatal("server did not see close")
	}

	for range ch.Events() {
	}
}

func TestCloseBeforeStart(t *testing.T) {
	ch := live.New(live.Config{GroupID: "g1", Credential: "tok"}, nil)
	assert.NoError(t, ch.Close())
	ch.Start(context.Background())

	_, ok := <-ch.Events()
	assert.False(t, ok)
	assert.Equal(t, chat.Disconnected, ch.State())
}

func TestContextCancelCloses(t *testing.T) {
	srv, _ := newServer(t, func(p *peer) bool {
		p.waitClosed(t)
		return true
	})

	ctx, cancel := context.WithCancel(context.Background())
	ch := live.New(testConfig(srv), nil)
	ch.Start(ctx)
	require.Equal(t, live.EventConnected, nextEvent(t, ch.Events()).Kind)

	cancel()
	for range ch.Events() {
	}
	assert.NoError(t, ch.Close())
	assert.Equal(t, chat.Disconnected, ch.State())
}

func TestReconnectAfterDrop(t *testing.T) {
	joins := make(chan wire.Frame, 4)
	srv, conns := newServer(t, func(p *peer) bool {
		joins <- p.next(t)
		if p.n == 1 {
			return false // drop the first connection
		}
		p.send(t, wire.EventNewMessage, chat.Message{Sender: "b@x.com", Text: "after reconnect"})
		return true
	})

	ch := live.New(testConfig(srv), nil)
	ch.Start(context.Background())
	defer ch.Close()

	assert.Equal(t, live.EventConnected, nextEvent(t, ch.Events()).Kind)
	ev := nextEvent(t, ch.Events())
	assert.Equal(t, live.EventReconnecting, ev.Kind)
	assert.Equal(t, 1, ev.Attempt)
	assert.Equal(t, live.EventConnected, nextEvent(t, ch.Events()).Kind)

	ev = nextEvent(t, ch.Events())
	assert.Equal(t, live.EventMessage, ev.Kind)
	assert.Equal(t, "after reconnect", ev.Message.Text)

	assert.EqualValues(t, 2, atomic.LoadInt32(conns))
	assert.Equal(t, wire.EventJoin, (<-joins).Event)
	assert.Equal(t, wire.EventJoin, (<-joins).Event)
}

func TestServerErrorAndMalformedFrames(t *testing.T) {
	srv, _ := newServer(t, func(p *peer) bool {
		p.next(t)
		p.sendRaw(t, `not json`)
		p.sendRaw(t, `{"event":"chat_history","data":{"messages":"nope"}}`)
		p.sendRaw(t, `{"event":"typing","data":{}}`)
		p.sendRaw(t, `{"event":"new_message","data":[1,2]}`)
		p.send(t, wire.EventStatus, wire.Status{Msg: "b@x.com joined"})
		p.send(t, wire.EventError, wire.Error{Message: "group not found"})
		p.sendRaw(t, `{"event":"error"}`)
		p.send(t, wire.EventNewMessage, chat.Message{Sender: "b@x.com", Text: "still here"})
		return true
	})

	ch := live.New(testConfig(srv), nil)
	ch.Start(context.Background())
	defer ch.Close()

	assert.Equal(t, live.EventConnected, nextEvent(t, ch.Events()).Kind)

	ev := nextEvent(t, ch.Events())
	assert.Equal(t, live.EventStatus, ev.Kind)
	assert.Equal(t, "b@x.com joined", ev.Text)

	ev = nextEvent(t, ch.Events())
	assert.Equal(t, live.EventServerError, ev.Kind)
	assert.Equal(t, "group not found", ev.Text)
	assert.True(t, errors.Is(ev.Err, chat.ErrServerReported))

	ev = nextEvent(t, ch.Events())
	assert.Equal(t, live.EventServerError, ev.Kind)
	assert.Empty(t, ev.Text)

	ev = nextEvent(t, ch.Events())
	assert.Equal(t, live.EventMessage, ev.Kind)
	assert.Equal(t, "still here", ev.Message.Text)
	assert.Equal(t, chat.Connected, ch.State())
}
