// Package session ties the history loader, the live channel and the message
// store of one open conversation together.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/mqy/splitchat/auth"
	"github.com/mqy/splitchat/chat"
	"github.com/mqy/splitchat/live"
	"github.com/mqy/splitchat/msgstore"
)

var ErrNoGroup = errors.New("session: empty group id")

//go:generate mockgen -destination=mock/mock_session.go -package=mock github.com/mqy/splitchat/session HistoryLoader,LiveChannel

type HistoryLoader interface {
	Load(ctx context.Context, groupID, credential string) ([]chat.Message, error)
}

// LiveChannel is implemented by *live.Channel.
type LiveChannel interface {
	Start(ctx context.Context)
	Events() <-chan live.Event
	Send(text string) error
	State() chat.ConnState
	Close() error
}

// ChannelFactory creates the live channel of a conversation.
type ChannelFactory func(groupID, identity, credential string) LiveChannel

// LiveFactory returns a factory of live channels sharing base, which carries
// the server url and the connection tuning.
func LiveFactory(base live.Config, dialer live.Dialer) ChannelFactory {
	return func(groupID, identity, credential string) LiveChannel {
		cfg := base
		cfg.GroupID = groupID
		cfg.Identity = identity
		cfg.Credential = credential
		return live.New(cfg, dialer)
	}
}

type Config struct {
	GroupID string
	// Identity is the email of the local participant.
	Identity string
}

type Deps struct {
	History     HistoryLoader
	Channels    ChannelFactory
	Credentials auth.CredentialSource
	// Notifier defaults to logging notices.
	Notifier     Notifier
	StoreOptions []msgstore.Option
}

// Draft is the text being composed.
type Draft struct {
	Text string
}

type historyResult struct {
	groupID string
	msgs    []chat.Message
	err     error
}

// Session is one open conversation. It is released by Close.
type Session struct {
	cfg      Config
	store    *msgstore.Store
	ch       LiveChannel
	notifier Notifier

	loading int32

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Open starts the history fetch and the live channel of cfg.GroupID. The
// credential is read once; a missing one is reported through notices rather
// than an error.
func Open(ctx context.Context, cfg Config, deps Deps) (*Session, error) {
	if cfg.GroupID == "" {
		return nil, ErrNoGroup
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = logNotifier{}
	}

	credential, err := deps.Credentials.Credential(ctx)
	if err != nil {
		glog.Warningf("session: no credential, group: %s, err: %v", cfg.GroupID, err)
		credential = ""
	}

	s := &Session{
		cfg:      cfg,
		store:    msgstore.New(deps.StoreOptions...),
		ch:       deps.Channels(cfg.GroupID, cfg.Identity, credential),
		notifier: notifier,
		loading:  1,
		done:     make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	historyC := make(chan historyResult, 1)
	go func(groupID string) {
		msgs, err := deps.History.Load(s.ctx, groupID, credential)
		historyC <- historyResult{groupID: groupID, msgs: msgs, err: err}
	}(cfg.GroupID)

	s.ch.Start(s.ctx)
	go s.loop(historyC, s.ch.Events())

	glog.Infof("session: opened, group: %s, identity: %s", cfg.GroupID, cfg.Identity)
	return s, nil
}

func (s *Session) GroupID() string {
	return s.cfg.GroupID
}

// Loading is true until the history fetch completed.
func (s *Session) Loading() bool {
	return atomic.LoadInt32(&s.loading) == 1
}

func (s *Session) State() chat.ConnState {
	return s.ch.State()
}

// Messages returns a copy of the displayed messages.
func (s *Session) Messages() []chat.Message {
	return s.store.Messages()
}

// Version changes whenever the displayed messages change.
func (s *Session) Version() uint64 {
	return s.store.Version()
}

// Send sends the draft text. Blank drafts are ignored. The draft is cleared
// once the text was handed to the channel and kept otherwise.
func (s *Session) Send(d *Draft) error {
	if strings.TrimSpace(d.Text) == "" {
		return nil
	}
	if err := s.ch.Send(d.Text); err != nil {
		if chat.KindOf(err) == chat.SendRejected {
			s.notifier.Notify(Notice{Level: LevelError, Text: NoticeNotConnected})
		}
		return err
	}
	d.Text = ""
	return nil
}

// Close cancels the history fetch, closes the live channel and waits for the
// session loop to exit. It may be called more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.ch.Close(); err != nil {
			glog.Warningf("session: close channel, group: %s, err: %v", s.cfg.GroupID, err)
		}
		<-s.done
		glog.Infof("session: closed, group: %s", s.cfg.GroupID)
	})
	return nil
}

// Done is closed once the session loop exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// loop is the only mutator of the store.
func (s *Session) loop(historyC <-chan historyResult, events <-chan live.Event) {
	defer close(s.done)
	for historyC != nil || events != nil {
		select {
		case r := <-historyC:
			historyC = nil
			s.onHistory(r)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.onEvent(ev)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) onHistory(r historyResult) {
	if s.ctx.Err() != nil || r.groupID != s.cfg.GroupID {
		glog.V(5).Infof("session: stale history result discarded, group: %s", r.groupID)
		return
	}
	atomic.StoreInt32(&s.loading, 0)

	if r.err != nil {
		if chat.KindOf(r.err) == chat.MissingCredential {
			s.notifier.Notify(Notice{Level: LevelError, Text: NoticeAuthRequired})
		} else {
			glog.Errorf("session: load history, group: %s, err: %v", s.cfg.GroupID, r.err)
			s.notifier.Notify(Notice{Level: LevelError, Text: NoticeHistoryFailed})
		}
		return
	}
	s.store.Adopt(r.msgs)
}

func (s *Session) onEvent(ev live.Event) {
	switch ev.Kind {
	case live.EventSnapshot:
		s.store.Adopt(ev.Messages)
	case live.EventMessage:
		s.store.Append(ev.Message)
	case live.EventStatus:
		glog.Infof("session: status: %s, group: %s", ev.Text, s.cfg.GroupID)
	case live.EventServerError:
		text := ev.Text
		if text == "" {
			text = NoticeServerErrorText
		}
		s.notifier.Notify(Notice{Level: LevelError, Text: text})
	case live.EventFailed:
		if chat.KindOf(ev.Err) == chat.MissingCredential {
			s.notifier.Notify(Notice{Level: LevelError, Text: NoticeNoToken})
		} else {
			s.notifier.Notify(Notice{Level: LevelError, Text: NoticeConnectFailed})
		}
	default:
		glog.V(5).Infof("session: %s, group: %s", ev, s.cfg.GroupID)
	}
}
