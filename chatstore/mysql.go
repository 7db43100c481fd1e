package chatstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"

	"github.com/mqy/splitchat/chat"
)

const (
	schemaSeq = `CREATE TABLE IF NOT EXISTS chat_seq (
	group_id VARCHAR(64) NOT NULL PRIMARY KEY,
	seq      BIGINT NOT NULL
)`
	schemaMessages = `CREATE TABLE IF NOT EXISTS chat_messages (
	group_id    VARCHAR(64) NOT NULL,
	id          BIGINT NOT NULL,
	sender      VARCHAR(255) NOT NULL,
	text        TEXT NOT NULL,
	create_time DATETIME(6) NOT NULL,
	PRIMARY KEY (group_id, id)
)`
)

const (
	lockSeqSQL       = "SELECT seq FROM chat_seq WHERE group_id=? FOR UPDATE"
	insertSeqSQL     = "INSERT INTO chat_seq (group_id, seq) VALUES (?, 0)"
	incSeqSQL        = "UPDATE chat_seq SET seq=seq+1 WHERE group_id=? AND seq=?"
	insertMessageSQL = "INSERT INTO chat_messages (group_id, id, sender, text, create_time) VALUES (?,?,?,?,?)"
	listMessagesSQL  = "SELECT id, sender, text, create_time FROM chat_messages WHERE group_id=? ORDER BY id DESC LIMIT ?"
)

// mysqlStore needs a DSN with parseTime=true.
type mysqlStore struct {
	*sql.DB
}

func NewMySQLStore(db *sql.DB) *mysqlStore {
	return &mysqlStore{db}
}

func (s *mysqlStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	txOpts := &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
	if len(opts) > 0 {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}
	return tx.Commit()
}

func isDupKeyError(err error) bool {
	if val, ok := err.(*mysql.MySQLError); ok {
		return val.Number == 1062
	}
	return false
}

// incSeq locks the sequence row of the group and returns the next id.
func (s *mysqlStore) incSeq(ctx context.Context, tx *sql.Tx, groupID string) (int64, error) {
	var seq int64
	found := true

	row := tx.QueryRowContext(ctx, lockSeqSQL, groupID)
	if err := row.Scan(&seq); err != nil {
		if err != sql.ErrNoRows {
			glog.Errorf("lock seq scan err: %v", err)
			return -1, err
		}
		found = false
	}

	if !found {
		if _, err := tx.ExecContext(ctx, insertSeqSQL, groupID); err != nil {
			if !isDupKeyError(err) {
				glog.Errorf("insert seq err: %v", err)
				return -1, err
			}
			// inserted concurrently, lock again.
			row := tx.QueryRowContext(ctx, lockSeqSQL, groupID)
			if err := row.Scan(&seq); err != nil {
				return -1, err
			}
		}
	}

	if _, err := tx.ExecContext(ctx, incSeqSQL, groupID, seq); err != nil {
		glog.Errorf("update seq exec err: %v", err)
		return -1, err
	}
	return seq + 1, nil
}

func (s *mysqlStore) Append(ctx context.Context, groupID string, m chat.Message) (chat.Message, error) {
	if groupID == "" {
		return chat.Message{}, ErrEmptyGroup
	}
	var out chat.Message
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		id, err := s.incSeq(ctx, tx, groupID)
		if err != nil {
			return err
		}
		now := nowFunc().UTC().Truncate(time.Microsecond)
		if _, err := tx.ExecContext(ctx, insertMessageSQL, groupID, id, m.Sender, m.Text, now); err != nil {
			glog.Errorf("insert message exec err: %v", err)
			return err
		}
		out = stamp(m, id, now)
		return nil
	}, &sql.TxOptions{Isolation: sql.LevelSerializable}); err != nil {
		return chat.Message{}, err
	}
	return out, nil
}

func (s *mysqlStore) List(ctx context.Context, groupID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = int(^uint32(0) >> 1)
	}
	rows, err := s.QueryContext(ctx, listMessagesSQL, groupID, limit)
	if err != nil {
		glog.Errorf("list messages query err: %v", err)
		return nil, err
	}
	defer rows.Close()

	msgs := []chat.Message{}
	for rows.Next() {
		var m chat.Message
		var t time.Time
		if err := rows.Scan(&m.ID, &m.Sender, &m.Text, &t); err != nil {
			glog.Errorf("list messages scan err: %v", err)
			return nil, err
		}
		m.Timestamp = t.UTC().Format(TimeLayout)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// CreateTables creates the tables if they do not exist.
func (s *mysqlStore) CreateTables(ctx context.Context) error {
	for _, stmt := range []string{schemaSeq, schemaMessages} {
		if _, err := s.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
