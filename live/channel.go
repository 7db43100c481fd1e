// Package live maintains the auto-reconnecting websocket channel of one
// group conversation.
package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/splitchat/chat"
	"github.com/mqy/splitchat/membership"
	"github.com/mqy/splitchat/wire"
)

const (
	DefaultReconnectAttempts = 5
	DefaultConnectTimeout    = 30 * time.Second
	DefaultInitialDelay      = time.Second
	DefaultMaxDelay          = 5 * time.Second

	// NoReconnect disables reconnect attempts.
	NoReconnect = -1

	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period.
	defaultPingPeriod = 20 * time.Second

	sendQueueSize   = 16
	eventBufferSize = 64
	wsPath          = "/ws"
)

var errQueueFull = errors.New("send queue full")

// Config of a channel. Zero durations and attempts take the defaults above.
type Config struct {
	// URL is the websocket base of the chat server, e.g. ws://localhost:5000.
	URL        string
	GroupID    string
	Identity   string
	Credential string

	ReconnectAttempts int
	ConnectTimeout    time.Duration
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	PingPeriod        time.Duration
}

func (c *Config) reconnectAttempts() int {
	switch {
	case c.ReconnectAttempts == 0:
		return DefaultReconnectAttempts
	case c.ReconnectAttempts < 0:
		return 0
	}
	return c.ReconnectAttempts
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// Endpoint returns the websocket url of the group.
func (c *Config) Endpoint() string {
	return strings.TrimRight(c.URL, "/") + wsPath + "?" + url.Values{"groupId": {c.GroupID}}.Encode()
}

// Conn is the subset of *websocket.Conn used by a channel.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

//go:generate mockgen -destination=mock/mock_live.go -package=mock github.com/mqy/splitchat/live Dialer

type Dialer interface {
	Dial(ctx context.Context, urlStr string, header http.Header) (Conn, error)
}

// WebsocketDialer dials with gorilla websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

func (d WebsocketDialer) Dial(ctx context.Context, urlStr string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  1024,
	}
	conn, resp, err := dialer.DialContext(ctx, urlStr, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %v, status: %d", urlStr, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", urlStr, err)
	}
	return conn, nil
}

// Channel is the live connection of one participant to one group.
//
// Inbound events are delivered on Events() in the order the transport
// delivered them. Events() is closed once the channel stops, either after
// Close or after EventFailed.
type Channel struct {
	cfg    Config
	dialer Dialer
	member *membership.Membership

	state  int32
	events chan Event

	mu      sync.Mutex
	out     chan []byte // outbound queue of the current connection, nil unless connected
	started bool
	closed  bool

	ctx       context.Context
	cancel    context.CancelFunc
	exited    chan struct{}
	closeOnce sync.Once
}

// New creates a channel, dialer may be nil to use a WebsocketDialer.
func New(cfg Config, dialer Dialer) *Channel {
	if dialer == nil {
		dialer = WebsocketDialer{HandshakeTimeout: orDefault(cfg.ConnectTimeout, DefaultConnectTimeout)}
	}
	return &Channel{
		cfg:    cfg,
		dialer: dialer,
		member: membership.New(cfg.GroupID, cfg.Identity),
		state:  int32(chat.Disconnected),
		events: make(chan Event, eventBufferSize),
		exited: make(chan struct{}),
	}
}

func (c *Channel) Events() <-chan Event {
	return c.events
}

func (c *Channel) State() chat.ConnState {
	return chat.ConnState(atomic.LoadInt32(&c.state))
}

func (c *Channel) setState(s chat.ConnState) {
	if old := chat.ConnState(atomic.SwapInt32(&c.state, int32(s))); old != s {
		glog.V(5).Infof("live: state %s -> %s, group: %s", old, s, c.cfg.GroupID)
	}
}

// Start begins connecting. Canceling ctx has the effect of Close. Without a
// credential the channel fails at once and nothing is dialed.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)

	if c.cfg.Credential == "" {
		glog.Errorf("live: no credential, group: %s", c.cfg.GroupID)
		c.setState(chat.Failed)
		c.events <- Event{
			Kind: EventFailed,
			Err:  &chat.Error{Kind: chat.MissingCredential, Msg: "live channel"},
		}
		close(c.events)
		close(c.exited)
		return
	}

	c.setState(chat.Connecting)
	go c.run()
}

// Send queues text as a message of the local participant. It fails with
// chat.SendRejected unless the channel is connected.
func (c *Channel) Send(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.out == nil || c.State() != chat.Connected {
		return &chat.Error{Kind: chat.SendRejected, Msg: "not connected"}
	}
	msg, err := wire.Encode(wire.EventMessage, wire.Outgoing{
		GroupID: c.cfg.GroupID,
		Sender:  c.cfg.Identity,
		Text:    text,
	})
	if err != nil {
		return &chat.Error{Kind: chat.SendRejected, Err: err}
	}
	select {
	case c.out <- msg:
		return nil
	default:
		return &chat.Error{Kind: chat.SendRejected, Err: errQueueFull}
	}
}

// Close announces leave if joined, terminates the connection and waits for
// the channel to stop. It is safe to call in any state and more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		started := c.started
		c.mu.Unlock()

		if started {
			c.cancel()
			<-c.exited
		} else {
			close(c.events)
		}
		c.setState(chat.Disconnected)
	})
	return nil
}

func (c *Channel) closing() bool {
	return c.ctx.Err() != nil
}

// emit blocks until the event is consumed or the channel is closing.
func (c *Channel) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Channel) emitFinal(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

func (c *Channel) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = orDefault(c.cfg.InitialDelay, DefaultInitialDelay)
	b.MaxInterval = orDefault(c.cfg.MaxDelay, DefaultMaxDelay)
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.Reset()
	return b
}

func (c *Channel) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Channel) dial() (Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, orDefault(c.cfg.ConnectTimeout, DefaultConnectTimeout))
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Credential)

	connectAttempts.Inc()
	conn, err := c.dialer.Dial(ctx, c.cfg.Endpoint(), header)
	if err != nil {
		connectFailures.Inc()
		return nil, err
	}
	return conn, nil
}

func (c *Channel) run() {
	defer close(c.exited)
	defer close(c.events)

	b := c.newBackOff()
	maxAttempts := c.cfg.reconnectAttempts()
	var gen uint64
	var attempts int // reconnect dials since the last established connection

	for {
		conn, err := c.dial()
		if err == nil {
			attempts = 0
			b.Reset()
			gen++
			err = c.serve(conn, gen)
		} else if !c.closing() {
			glog.Warningf("live: connect error, group: %s, err: %v", c.cfg.GroupID, err)
		}

		if c.closing() {
			c.emitFinal(Event{Kind: EventDisconnected})
			return
		}

		if attempts >= maxAttempts {
			glog.Errorf("live: giving up after %d reconnect attempts, group: %s", attempts, c.cfg.GroupID)
			c.setState(chat.Failed)
			c.emit(Event{
				Kind: EventFailed,
				Err: &chat.Error{
					Kind: chat.TransportFailure,
					Msg:  fmt.Sprintf("connect failed after %d reconnect attempts", attempts),
					Err:  err,
				},
			})
			return
		}

		attempts++
		c.setState(chat.Reconnecting)
		if !c.emit(Event{Kind: EventReconnecting, Attempt: attempts, Err: err}) || !c.sleep(b.NextBackOff()) {
			c.emitFinal(Event{Kind: EventDisconnected})
			return
		}
	}
}

// serve runs one established connection until it drops or the channel is
// closed. It returns the error that ended the connection, nil on close.
func (c *Channel) serve(conn Conn, gen uint64) error {
	out := make(chan []byte, sendQueueSize)

	if err := c.member.Connected(gen, membership.AnnouncerFunc(func(event string, p wire.Presence) error {
		msg, err := wire.Encode(event, p)
		if err != nil {
			return err
		}
		select {
		case out <- msg:
			return nil
		default:
			return errQueueFull
		}
	})); err != nil {
		glog.Errorf("live: join not queued, group: %s, err: %v", c.cfg.GroupID, err)
	}

	c.mu.Lock()
	c.out = out
	c.setState(chat.Connected)
	c.mu.Unlock()

	glog.Infof("live: connected to chat server, group: %s, gen: %d", c.cfg.GroupID, gen)
	c.emit(Event{Kind: EventConnected})

	readErrC := make(chan error, 1)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		readErrC <- c.readLoop(conn)
	}()

	err := c.writeLoop(conn, out, readErrC)

	c.mu.Lock()
	c.out = nil
	if c.closing() {
		c.setState(chat.Disconnected)
	} else {
		c.setState(chat.Reconnecting)
	}
	c.mu.Unlock()

	if err != nil {
		glog.Warningf("live: disconnected, group: %s, err: %v", c.cfg.GroupID, err)
	}

	c.member.Disconnected(gen, membership.AnnouncerFunc(func(event string, p wire.Presence) error {
		msg, err := wire.Encode(event, p)
		if err != nil {
			return err
		}
		return writeText(conn, msg)
	}))

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	<-readerDone
	return err
}

func writeText(conn Conn, msg []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// writeLoop is the only writer of conn.
func (c *Channel) writeLoop(conn Conn, out <-chan []byte, readErrC <-chan error) error {
	pingTicker := time.NewTicker(orDefault(c.cfg.PingPeriod, defaultPingPeriod))
	defer pingTicker.Stop()

	for {
		select {
		case msg := <-out:
			glog.V(5).Infof("live: outbound frame: %s", truncate(msg, 100))
			if err := writeText(conn, msg); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		case err := <-readErrC:
			return fmt.Errorf("read: %w", err)
		case <-c.ctx.Done():
			// flush what was queued before close
			for {
				select {
				case msg := <-out:
					if err := writeText(conn, msg); err != nil {
						return nil
					}
				default:
					return nil
				}
			}
		}
	}
}

func (c *Channel) readLoop(conn Conn) error {
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			glog.Warningf("live: unexpected message type: %d", msgType)
			continue
		}

		glog.V(5).Infof("live: inbound frame: %s", truncate(msg, 100))

		f, err := wire.Decode(msg)
		if err != nil {
			glog.Errorf("live: malformed frame: %v, msg: %s", err, truncate(msg, 100))
			continue
		}
		ev, ok := decodeEvent(f)
		if !ok {
			inboundEvents.WithLabelValues("dropped").Inc()
			continue
		}
		inboundEvents.WithLabelValues(ev.Kind.String()).Inc()
		if !c.emit(ev) {
			return context.Canceled
		}
	}
}
