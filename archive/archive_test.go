package archive

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/splitchat/archive/mock"
	"github.com/mqy/splitchat/chat"
)

func TestArchive(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	writer := mock.NewMockIKafkaWriter(mockCtrl)
	k := NewKafka(writer, 0)

	m := chat.Message{ID: 7, Sender: "a@x.com", Text: "hi", Timestamp: "2024-03-01T10:20:30.123456Z"}
	writer.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, msgs ...kafka.Message) error {
		require.Len(t, msgs, 1)
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		assert.Equal(t, "g1", string(msgs[0].Key))

		var r Record
		require.NoError(t, json.Unmarshal(msgs[0].Value, &r))
		assert.Equal(t, Record{GroupID: "g1", Message: m}, r)
		return nil
	})
	assert.NoError(t, k.Archive(context.Background(), "g1", m))

	writer.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).Return(errors.New("broker down"))
	err := k.Archive(context.Background(), "g1", m)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")

	writer.EXPECT().Close().Return(nil)
	assert.NoError(t, k.Close())
}

func TestArchiveTooLarge(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	writer := mock.NewMockIKafkaWriter(mockCtrl)
	k := NewKafka(writer, 64)

	err := k.Archive(context.Background(), "g1", chat.Message{Sender: "a@x.com", Text: strings.Repeat("x", 100)})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds max limit")
}
