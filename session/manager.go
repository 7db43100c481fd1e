package session

import (
	"context"
	"errors"
	"sync"
)

var ErrNoSession = errors.New("session: no open conversation")

// Manager keeps at most one open session, the conversation being viewed.
type Manager struct {
	sync.Mutex

	identity string
	deps     Deps
	cur      *Session
}

func NewManager(identity string, deps Deps) *Manager {
	return &Manager{identity: identity, deps: deps}
}

// Enter closes the current session and opens groupID.
func (m *Manager) Enter(ctx context.Context, groupID string) (*Session, error) {
	m.Lock()
	defer m.Unlock()
	return m.openLocked(ctx, groupID)
}

// Refresh reopens the current conversation, picking up a changed credential.
func (m *Manager) Refresh(ctx context.Context) (*Session, error) {
	m.Lock()
	defer m.Unlock()
	if m.cur == nil {
		return nil, ErrNoSession
	}
	return m.openLocked(ctx, m.cur.GroupID())
}

// Leave closes the current session, if any.
func (m *Manager) Leave() error {
	m.Lock()
	defer m.Unlock()
	if m.cur == nil {
		return nil
	}
	err := m.cur.Close()
	m.cur = nil
	return err
}

func (m *Manager) Current() *Session {
	m.Lock()
	defer m.Unlock()
	return m.cur
}

func (m *Manager) openLocked(ctx context.Context, groupID string) (*Session, error) {
	if m.cur != nil {
		_ = m.cur.Close()
		m.cur = nil
	}
	s, err := Open(ctx, Config{GroupID: groupID, Identity: m.identity}, m.deps)
	if err != nil {
		return nil, err
	}
	m.cur = s
	return s, nil
}
