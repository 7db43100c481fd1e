package session

import (
	"context"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/splitchat/auth"
	"github.com/mqy/splitchat/chat"
	"github.com/mqy/splitchat/live"
	"github.com/mqy/splitchat/session/mock"
)

type opened struct {
	groupID, credential string
	ch                  *mock.MockLiveChannel
}

func TestManager(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	loader := mock.NewMockHistoryLoader(ctrl)
	loader.EXPECT().Load(gomock.Any(), gomock.Any(), gomock.Any()).Return([]chat.Message{}, nil).AnyTimes()

	var log []opened
	var closes int
	factory := func(groupID, identity, credential string) LiveChannel {
		events := make(chan live.Event)
		ch := mock.NewMockLiveChannel(ctrl)
		ch.EXPECT().Start(gomock.Any())
		ch.EXPECT().Events().Return((<-chan live.Event)(events))
		ch.EXPECT().Close().DoAndReturn(func() error {
			closes++
			close(events)
			return nil
		})
		// the previous conversation is closed before the next one opens
		assert.Equal(t, len(log), closes)
		log = append(log, opened{groupID, credential, ch})
		return ch
	}

	credential := "tok1"
	m := NewManager("a@x.com", Deps{
		History:  loader,
		Channels: factory,
		Credentials: auth.CredentialFunc(func(context.Context) (string, error) {
			return credential, nil
		}),
		Notifier: &recorder{},
	})
	ctx := context.Background()

	_, err := m.Refresh(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
	assert.NoError(t, m.Leave())

	s1, err := m.Enter(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, s1, m.Current())

	s2, err := m.Enter(ctx, "g2")
	require.NoError(t, err)
	assertClosed(t, s1)

	credential = "tok2"
	s3, err := m.Refresh(ctx)
	require.NoError(t, err)
	assertClosed(t, s2)
	assert.Equal(t, "g2", s3.GroupID())

	assert.NoError(t, m.Leave())
	assertClosed(t, s3)
	assert.Nil(t, m.Current())

	require.Len(t, log, 3)
	assert.Equal(t, opened{"g1", "tok1", log[0].ch}, log[0])
	assert.Equal(t, opened{"g2", "tok1", log[1].ch}, log[1])
	assert.Equal(t, opened{"g2", "tok2", log[2].ch}, log[2])
}

func assertClosed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	default:
		t.Errorf("session %s not closed", s.GroupID())
	}
}
