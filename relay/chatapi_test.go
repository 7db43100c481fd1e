package relay

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/splitchat/archive"
	archive_mock "github.com/mqy/splitchat/archive/mock"
	"github.com/mqy/splitchat/chat"
	"github.com/mqy/splitchat/chatstore"
)

type failingStore struct {
	chatstore.Store
}

func (failingStore) Append(context.Context, string, chat.Message) (chat.Message, error) {
	return chat.Message{}, errors.New("disk full")
}

func (failingStore) List(context.Context, string, int) ([]chat.Message, error) {
	return nil, errors.New("disk full")
}

func TestSave(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	writer := archive_mock.NewMockIKafkaWriter(mockCtrl)
	api := NewApi(chatstore.NewMemoryStore(), archive.NewKafka(writer, 0), &Config{MaxTextBytes: 10, HistoryLimit: 2})
	ctx := context.Background()

	writer.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).Return(nil).Times(3)

	saved := testutil.ToFloat64(savedMessages)
	for i, text := range []string{"one", "two", "three"} {
		m, apiErr := api.Save(ctx, "g1", "a@x.com", text)
		require.Nil(t, apiErr)
		assert.EqualValues(t, i+1, m.ID)
		assert.Equal(t, "a@x.com", m.Sender)
		assert.NotEmpty(t, m.Timestamp)
	}
	assert.Equal(t, saved+3, testutil.ToFloat64(savedMessages))

	msgs, apiErr := api.History(ctx, "g1")
	require.Nil(t, apiErr)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Text)

	for text, want := range map[string]string{
		"":                      "message text is empty",
		"  \n":                  "message text is empty",
		strings.Repeat("x", 11): "message text exceeds 10 bytes",
	} {
		_, apiErr := api.Save(ctx, "g1", "a@x.com", text)
		require.NotNil(t, apiErr)
		assert.Equal(t, want, apiErr.Message)
	}

	_, apiErr = api.Save(ctx, "", "a@x.com", "x")
	require.NotNil(t, apiErr)
	_, apiErr = api.History(ctx, "")
	require.NotNil(t, apiErr)
}

func TestSaveArchiveFailureKeepsMessage(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	writer := archive_mock.NewMockIKafkaWriter(mockCtrl)
	writer.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).Return(errors.New("broker down"))

	store := chatstore.NewMemoryStore()
	api := NewApi(store, archive.NewKafka(writer, 0), nil)

	failures := testutil.ToFloat64(archiveFailures)
	_, apiErr := api.Save(context.Background(), "g1", "a@x.com", "kept")
	assert.Nil(t, apiErr)
	assert.Equal(t, failures+1, testutil.ToFloat64(archiveFailures))

	msgs, _ := store.List(context.Background(), "g1", 0)
	assert.Len(t, msgs, 1)
}

func TestStorageErrorHidden(t *testing.T) {
	api := NewApi(failingStore{}, nil, nil)

	_, apiErr := api.Save(context.Background(), "g1", "a@x.com", "x")
	require.NotNil(t, apiErr)
	assert.Equal(t, tempStorageError, apiErr.Message)
	assert.Contains(t, apiErr.Error(), "disk full")

	_, apiErr = api.History(context.Background(), "g1")
	require.NotNil(t, apiErr)
	assert.Equal(t, tempStorageError, apiErr.Message)
}
