// Package membership tracks the presence announcements of the local
// participant in one group.
package membership

import (
	"sync"

	"github.com/golang/glog"

	"github.com/mqy/splitchat/wire"
)

// Announcer delivers a presence frame over the current connection.
type Announcer interface {
	Announce(event string, p wire.Presence) error
}

type AnnouncerFunc func(event string, p wire.Presence) error

func (f AnnouncerFunc) Announce(event string, p wire.Presence) error {
	return f(event, p)
}

// Membership issues one join per established connection and one leave per
// torn down connection that was joined. Connections are identified by a
// generation number that increases with every establishment.
//
// The identity is the presence key of the server, no client side
// deduplication is done across generations.
type Membership struct {
	sync.Mutex

	groupID  string
	identity string

	joinedGen uint64
	joined    bool
	lastGen   uint64
}

func New(groupID, identity string) *Membership {
	return &Membership{groupID: groupID, identity: identity}
}

func (m *Membership) presence() wire.Presence {
	return wire.Presence{GroupID: m.groupID, Email: m.identity}
}

// Connected announces join for connection gen. Calls for an already seen or
// older generation are dropped.
func (m *Membership) Connected(gen uint64, a Announcer) error {
	m.Lock()
	if gen <= m.lastGen {
		m.Unlock()
		return nil
	}
	m.lastGen = gen
	m.joinedGen = gen
	m.joined = true
	m.Unlock()

	glog.V(5).Infof("membership: join, group: %s, identity: %s, gen: %d", m.groupID, m.identity, gen)
	return a.Announce(wire.EventJoin, m.presence())
}

// Disconnected announces leave for connection gen if it was joined. Delivery
// is best effort: failures are logged and never retried.
func (m *Membership) Disconnected(gen uint64, a Announcer) {
	m.Lock()
	if !m.joined || m.joinedGen != gen {
		m.Unlock()
		return
	}
	m.joined = false
	m.Unlock()

	glog.V(5).Infof("membership: leave, group: %s, identity: %s, gen: %d", m.groupID, m.identity, gen)
	if err := a.Announce(wire.EventLeave, m.presence()); err != nil {
		glog.V(5).Infof("membership: leave not delivered, group: %s, err: %v", m.groupID, err)
	}
}

// Joined reports whether a join is outstanding.
func (m *Membership) Joined() bool {
	m.Lock()
	defer m.Unlock()
	return m.joined
}
