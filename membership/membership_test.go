package membership

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mqy/splitchat/wire"
)

type recorder struct {
	events []string
	err    error
}

func (r *recorder) Announce(event string, p wire.Presence) error {
	r.events = append(r.events, event+":"+p.GroupID+":"+p.Email)
	return r.err
}

func TestJoinLeaveOncePerGeneration(t *testing.T) {
	m := New("g1", "a@x.com")
	r := &recorder{}

	assert.NoError(t, m.Connected(1, r))
	assert.NoError(t, m.Connected(1, r))
	assert.True(t, m.Joined())

	m.Disconnected(1, r)
	m.Disconnected(1, r)
	assert.False(t, m.Joined())

	assert.NoError(t, m.Connected(2, r))
	m.Disconnected(2, r)

	assert.Equal(t, []string{
		"join:g1:a@x.com",
		"leave:g1:a@x.com",
		"join:g1:a@x.com",
		"leave:g1:a@x.com",
	}, r.events)
}

func TestLeaveWithoutJoin(t *testing.T) {
	m := New("g1", "a@x.com")
	r := &recorder{}
	m.Disconnected(1, r)
	assert.Empty(t, r.events)

	assert.NoError(t, m.Connected(2, r))
	m.Disconnected(1, r) // stale generation
	assert.True(t, m.Joined())
	assert.Equal(t, []string{"join:g1:a@x.com"}, r.events)
}

func TestLeaveFailureIgnored(t *testing.T) {
	m := New("g1", "a@x.com")
	r := &recorder{}
	assert.NoError(t, m.Connected(1, r))

	r.err = errors.New("broken pipe")
	assert.NotPanics(t, func() { m.Disconnected(1, r) })
	assert.False(t, m.Joined())
	assert.Len(t, r.events, 2)
}

func TestJoinErrorReturned(t *testing.T) {
	m := New("g1", "a@x.com")
	err := m.Connected(1, AnnouncerFunc(func(string, wire.Presence) error {
		return errors.New("closed")
	}))
	assert.EqualError(t, err, "closed")
}
