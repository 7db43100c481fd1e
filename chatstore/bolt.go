package chatstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"

	"github.com/mqy/splitchat/chat"
)

// boltStore keeps one bucket per group, keyed by the big-endian id.
type boltStore struct {
	db *bbolt.DB
}

func NewBoltStore(path string) (*boltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db %s: %w", path, err)
	}
	return &boltStore{db: db}, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func (s *boltStore) Append(ctx context.Context, groupID string, m chat.Message) (chat.Message, error) {
	if groupID == "" {
		return chat.Message{}, ErrEmptyGroup
	}
	var out chat.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(groupID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		out = stamp(m, int64(seq), nowFunc())
		value, err := json.Marshal(out)
		if err != nil {
			return err
		}
		return b.Put(itob(seq), value)
	})
	if err != nil {
		glog.Errorf("bolt append err: %v, group: %s", err, groupID)
		return chat.Message{}, err
	}
	return out, nil
}

func (s *boltStore) List(ctx context.Context, groupID string, limit int) ([]chat.Message, error) {
	var msgs []chat.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(groupID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(msgs) >= limit {
				break
			}
			var m chat.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode message %d of %s: %w", binary.BigEndian.Uint64(k), groupID, err)
			}
			msgs = append(msgs, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return msgs, nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
