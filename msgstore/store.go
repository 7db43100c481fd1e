// Package msgstore holds the ordered message sequence of one conversation
// and reconciles backlog loads, pushed snapshots and live appends into it.
package msgstore

import (
	"strconv"
	"sync"

	"github.com/mqy/splitchat/chat"
)

// AdoptPolicy decides how a full load replaces the current sequence.
type AdoptPolicy int

const (
	// Replace makes the latest adopted list the whole sequence. Backlog and
	// snapshot are each authoritative when produced, so the last one wins.
	Replace AdoptPolicy = iota
	// Union keeps the adopted list and then appends prior entries missing
	// from it, compared by sender, text and timestamp.
	Union
)

// KeyFunc returns the dedup key of a message, ok is false if the message
// has no key and must never be treated as a duplicate.
type KeyFunc func(m chat.Message) (key string, ok bool)

// ByServerID keys messages on the relay assigned id.
func ByServerID(m chat.Message) (string, bool) {
	if m.ID <= 0 {
		return "", false
	}
	return strconv.FormatInt(m.ID, 10), true
}

// Store is the ordered message sequence. Mutations are synchronous; the lock
// only makes reads from other goroutines safe.
type Store struct {
	sync.RWMutex

	msgs     []chat.Message
	version  uint64
	policy   AdoptPolicy
	dedupKey KeyFunc
	seen     map[string]struct{}
	observer func([]chat.Message)
}

type Option func(*Store)

// WithAdoptPolicy sets the adopt policy, Replace by default.
func WithAdoptPolicy(p AdoptPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithDedup makes Append drop messages whose key was already stored. By
// default no deduplication is done.
func WithDedup(key KeyFunc) Option {
	return func(s *Store) { s.dedupKey = key }
}

// WithObserver registers fn to receive the full sequence after each mutation.
// fn is called without the store lock held and must not keep the slice.
func WithObserver(fn func([]chat.Message)) Option {
	return func(s *Store) { s.observer = fn }
}

func New(opts ...Option) *Store {
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Adopt replaces the sequence with msgs according to the adopt policy.
func (s *Store) Adopt(msgs []chat.Message) {
	s.Lock()
	next := make([]chat.Message, 0, len(msgs))
	next = append(next, msgs...)

	if s.policy == Union {
		present := make(map[contentKey]struct{}, len(next))
		for _, m := range next {
			present[keyOf(m)] = struct{}{}
		}
		for _, m := range s.msgs {
			if _, ok := present[keyOf(m)]; !ok {
				next = append(next, m)
			}
		}
	}

	s.msgs = next
	if s.dedupKey != nil {
		s.seen = make(map[string]struct{}, len(next))
		for _, m := range next {
			if k, ok := s.dedupKey(m); ok {
				s.seen[k] = struct{}{}
			}
		}
	}
	s.version++
	s.notifyLocked()
}

// Append adds m to the end of the sequence. It returns false only when
// deduplication is enabled and m was already stored.
func (s *Store) Append(m chat.Message) bool {
	s.Lock()
	if s.dedupKey != nil {
		if k, ok := s.dedupKey(m); ok {
			if _, dup := s.seen[k]; dup {
				s.Unlock()
				return false
			}
			if s.seen == nil {
				s.seen = make(map[string]struct{})
			}
			s.seen[k] = struct{}{}
		}
	}
	s.msgs = append(s.msgs, m)
	s.version++
	s.notifyLocked()
	return true
}

// notifyLocked releases the lock held by the caller and calls the observer
// with a copy of the sequence.
func (s *Store) notifyLocked() {
	var cp []chat.Message
	if s.observer != nil {
		cp = s.copyLocked()
	}
	s.Unlock()
	if s.observer != nil {
		s.observer(cp)
	}
}

// Messages returns a copy of the current sequence.
func (s *Store) Messages() []chat.Message {
	s.RLock()
	defer s.RUnlock()
	return s.copyLocked()
}

func (s *Store) copyLocked() []chat.Message {
	out := make([]chat.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *Store) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.msgs)
}

// Version increases by one on every mutation.
func (s *Store) Version() uint64 {
	s.RLock()
	defer s.RUnlock()
	return s.version
}

type contentKey struct {
	sender, text, timestamp string
}

func keyOf(m chat.Message) contentKey {
	return contentKey{m.Sender, m.Text, m.Timestamp}
}
