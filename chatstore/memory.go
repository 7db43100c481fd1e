package chatstore

import (
	"context"
	"sync"

	"github.com/mqy/splitchat/chat"
)

type memoryStore struct {
	sync.RWMutex
	groups map[string][]chat.Message
}

func NewMemoryStore() *memoryStore {
	return &memoryStore{groups: make(map[string][]chat.Message)}
}

func (s *memoryStore) Append(ctx context.Context, groupID string, m chat.Message) (chat.Message, error) {
	if groupID == "" {
		return chat.Message{}, ErrEmptyGroup
	}
	s.Lock()
	defer s.Unlock()
	msgs := s.groups[groupID]
	m = stamp(m, int64(len(msgs))+1, nowFunc())
	s.groups[groupID] = append(msgs, m)
	return m, nil
}

func (s *memoryStore) List(ctx context.Context, groupID string, limit int) ([]chat.Message, error) {
	s.RLock()
	defer s.RUnlock()
	msgs := tail(s.groups[groupID], limit)
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *memoryStore) Close() error {
	return nil
}
