// Package chatstore persists the messages of group conversations for the
// relay.
package chatstore

import (
	"context"
	"errors"
	"time"

	"github.com/mqy/splitchat/chat"
)

// TimeLayout is RFC3339 in UTC with microseconds, the precision the client
// normalizes down from.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

var ErrEmptyGroup = errors.New("chatstore: empty group id")

var nowFunc = time.Now

type Store interface {
	// Append assigns the next id of the group and the current time to m and
	// saves it, returning the stored message.
	Append(ctx context.Context, groupID string, m chat.Message) (chat.Message, error)

	// List returns the newest limit messages of the group, oldest first.
	// A limit <= 0 returns all of them.
	List(ctx context.Context, groupID string, limit int) ([]chat.Message, error)

	Close() error
}

func stamp(m chat.Message, id int64, t time.Time) chat.Message {
	m.ID = id
	m.Timestamp = t.UTC().Format(TimeLayout)
	return m
}

func tail(msgs []chat.Message, limit int) []chat.Message {
	if limit > 0 && len(msgs) > limit {
		return msgs[len(msgs)-limit:]
	}
	return msgs
}
