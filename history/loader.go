// Package history fetches the durable message backlog of a group.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/splitchat/chat"
	"github.com/mqy/splitchat/wire"
)

const (
	// DefaultTimeout bounds a single history request.
	DefaultTimeout = 15 * time.Second

	// maxBodyBytes limits the history response body.
	maxBodyBytes = 8 << 20

	historyPath = "/api/chats"
)

// Loader loads chat history over HTTP. It never retries.
type Loader struct {
	baseURL string
	client  *http.Client
}

type Option func(*Loader)

// WithHTTPClient replaces the http client, its Timeout is kept as-is.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) { l.client = c }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(l *Loader) {
		c := *l.client
		c.Timeout = d
		l.client = &c
	}
}

// NewLoader creates a loader for the api server at baseURL, e.g. http://localhost:5000.
func NewLoader(baseURL string, opts ...Option) *Loader {
	l := &Loader{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load returns the backlog of groupID in server order.
//
// An empty credential fails with chat.MissingCredential before any request is
// made. A non-2xx status fails with chat.TransportFailure carrying the status.
// A 2xx body that is not a JSON array yields an empty result.
func (l *Loader) Load(ctx context.Context, groupID, credential string) ([]chat.Message, error) {
	if credential == "" {
		return nil, &chat.Error{Kind: chat.MissingCredential, Msg: "history"}
	}

	u := l.baseURL + historyPath + "?" + url.Values{"groupId": {groupID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &chat.Error{Kind: chat.TransportFailure, Msg: "history: new request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, &chat.Error{Kind: chat.TransportFailure, Msg: "history", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &chat.Error{
			Kind:   chat.TransportFailure,
			Status: resp.StatusCode,
			Msg:    fmt.Sprintf("server returned %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &chat.Error{Kind: chat.TransportFailure, Status: resp.StatusCode, Msg: "history: read body", Err: err}
	}

	msgs, skipped, ok := wire.DecodeMessages(json.RawMessage(body))
	if !ok {
		glog.Errorf("history: unexpected chat history format, group: %s, body: %s", groupID, truncate(body, 100))
		return []chat.Message{}, nil
	}
	if skipped > 0 {
		glog.Errorf("history: skipped %d malformed messages, group: %s", skipped, groupID)
	}
	glog.Infof("history: loaded %d messages, group: %s", len(msgs), groupID)
	return msgs, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + " ..."
	}
	return string(b)
}
