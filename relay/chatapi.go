package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang/glog"

	"github.com/mqy/splitchat/archive"
	"github.com/mqy/splitchat/chat"
	"github.com/mqy/splitchat/chatstore"
)

const (
	DefaultHistoryLimit = 200
	DefaultMaxTextBytes = 2000

	tempStorageError = "temp storage error"
)

// Config of the relay. Zero values take the defaults.
type Config struct {
	// HistoryLimit is the number of newest messages returned as history.
	HistoryLimit int
	MaxTextBytes int
	// PushHistoryOnJoin replies to join with chat_history.
	PushHistoryOnJoin bool
	// SessionQuota limits concurrent websocket sessions, 0 means no limit.
	SessionQuota int
}

func (c *Config) historyLimit() int {
	if c.HistoryLimit > 0 {
		return c.HistoryLimit
	}
	return DefaultHistoryLimit
}

func (c *Config) maxTextBytes() int {
	if c.MaxTextBytes > 0 {
		return c.MaxTextBytes
	}
	return DefaultMaxTextBytes
}

// ApiError is a rejected request, Message is shown to the peer.
type ApiError struct {
	Message string
	Err     error
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func newInvalidArgumentError(format string, args ...interface{}) *ApiError {
	return &ApiError{Message: fmt.Sprintf(format, args...)}
}

// newInternalError hides the storage error from the peer.
func newInternalError(err error) *ApiError {
	return &ApiError{Message: tempStorageError, Err: err}
}

// ChatApi serves history and message requests of both the websocket and the
// http endpoints.
type ChatApi struct {
	store    chatstore.Store
	archiver archive.Archiver
	conf     *Config
}

// NewApi creates a ChatApi, archiver may be nil.
func NewApi(store chatstore.Store, archiver archive.Archiver, conf *Config) *ChatApi {
	if conf == nil {
		conf = &Config{}
	}
	return &ChatApi{
		store:    store,
		archiver: archiver,
		conf:     conf,
	}
}

func (s *ChatApi) History(ctx context.Context, groupID string) ([]chat.Message, *ApiError) {
	if groupID == "" {
		return nil, newInvalidArgumentError("groupId is required")
	}
	msgs, err := s.store.List(ctx, groupID, s.conf.historyLimit())
	if err != nil {
		glog.Errorf("History(): list error, group: %s, err: %v", groupID, err)
		return nil, newInternalError(err)
	}
	return msgs, nil
}

// Save stores text as a message of sender and archives it.
func (s *ChatApi) Save(ctx context.Context, groupID, sender, text string) (chat.Message, *ApiError) {
	if groupID == "" {
		return chat.Message{}, newInvalidArgumentError("groupId is required")
	}
	if strings.TrimSpace(text) == "" {
		return chat.Message{}, newInvalidArgumentError("message text is empty")
	}
	if limit := s.conf.maxTextBytes(); len(text) > limit {
		return chat.Message{}, newInvalidArgumentError("message text exceeds %d bytes", limit)
	}

	m, err := s.store.Append(ctx, groupID, chat.Message{Sender: sender, Text: text})
	if err != nil {
		glog.Errorf("Save(): append error, group: %s, err: %v", groupID, err)
		return chat.Message{}, newInternalError(err)
	}
	savedMessages.Inc()

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, groupID, m); err != nil {
			archiveFailures.Inc()
			glog.Errorf("Save(): archive error, group: %s, id: %d, err: %v", groupID, m.ID, err)
		}
	}
	return m, nil
}
