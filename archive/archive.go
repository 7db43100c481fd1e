// Package archive copies accepted chat messages to Kafka for downstream
// consumers.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/mqy/splitchat/chat"
)

const (
	writeTimeout = 3 * time.Second

	DefaultMaxBytes = 64 * 1024
)

//go:generate mockgen -destination=mock/mock_archive.go -package=mock github.com/mqy/splitchat/archive IKafkaWriter

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Archiver receives every message the relay accepted.
type Archiver interface {
	Archive(ctx context.Context, groupID string, m chat.Message) error
	Close() error
}

// Record is the kafka message value.
type Record struct {
	GroupID string       `json:"groupId"`
	Message chat.Message `json:"message"`
}

type Kafka struct {
	writer   IKafkaWriter
	maxBytes int
}

func NewKafka(writer IKafkaWriter, maxBytes int) *Kafka {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Kafka{writer: writer, maxBytes: maxBytes}
}

// NewKafkaWriter returns a writer hashing records to partitions by group id.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   writeTimeout,
			DualStack: true,
		},
	})
}

func (k *Kafka) Archive(ctx context.Context, groupID string, m chat.Message) error {
	value, err := json.Marshal(Record{GroupID: groupID, Message: m})
	if err != nil {
		return fmt.Errorf("error marshal message: %v", err)
	}
	if len(value) > k.maxBytes {
		return fmt.Errorf("archive: message exceeds max limit: %d bytes", k.maxBytes)
	}

	ctx2, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx2, kafka.Message{Key: []byte(groupID), Value: value}); err != nil {
		return fmt.Errorf("error write to kafka: %w", err)
	}
	glog.V(5).Infof("archive: group: %s, id: %d", groupID, m.ID)
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
