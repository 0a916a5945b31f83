package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// conversationsBucket holds one nested bucket per conversation, keyed by the
// big-endian conversation id. Turns inside are keyed by big-endian turn id,
// so cursor order is id order.
var conversationsBucket = []byte("conversations")

// BoltStore implements Store on a bbolt file.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt opens (creating if needed) the bbolt file at path.
func OpenBolt(path string, opts ...Option) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	o := buildOptions(opts)
	return &BoltStore{db: db, now: o.now}, nil
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Append stores a turn and returns its id.
func (s *BoltStore) Append(ctx context.Context, conversationID int64, sender Sender, text string) (int64, error) {
	if err := validate(sender, text); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(conversationsBucket)
		seq, err := root.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)

		conv, err := root.CreateBucketIfNotExists(itob(conversationID))
		if err != nil {
			return err
		}
		enc, err := json.Marshal(Turn{
			ID:             id,
			ConversationID: conversationID,
			Text:           text,
			Sender:         sender,
			CreatedAt:      time.UnixMilli(s.now().UnixMilli()),
		})
		if err != nil {
			return err
		}
		return conv.Put(itob(id), enc)
	})
	if err != nil {
		return 0, fmt.Errorf("insert turn: %w", err)
	}
	return id, nil
}

// Turns returns every turn of a conversation in ascending id order.
func (s *BoltStore) Turns(ctx context.Context, conversationID int64) ([]Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	turns := []Turn{}
	err := s.db.View(func(tx *bolt.Tx) error {
		conv := tx.Bucket(conversationsBucket).Bucket(itob(conversationID))
		if conv == nil {
			return nil
		}
		return conv.ForEach(func(_, v []byte) error {
			var t Turn
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			turns = append(turns, t)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	return turns, nil
}

// RecentConversations returns one summary per conversation, newest activity first.
func (s *BoltStore) RecentConversations(ctx context.Context) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	summaries := []Summary{}
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(conversationsBucket)
		return root.ForEach(func(k, v []byte) error {
			// Nested buckets have a nil value.
			if v != nil {
				return nil
			}
			_, last := root.Bucket(k).Cursor().Last()
			if last == nil {
				return nil
			}
			var t Turn
			if err := json.Unmarshal(last, &t); err != nil {
				return err
			}
			summaries = append(summaries, Summary{ConversationID: t.ConversationID, LastTurn: t})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}

	sort.Slice(summaries, func(i, j int) bool {
		a, b := summaries[i].LastTurn, summaries[j].LastTurn
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	return summaries, nil
}

// DeleteConversation drops the conversation's bucket in one transaction.
func (s *BoltStore) DeleteConversation(ctx context.Context, conversationID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(conversationsBucket)
		key := itob(conversationID)
		if root.Bucket(key) == nil {
			return nil
		}
		return root.DeleteBucket(key)
	})
	if err != nil {
		return fmt.Errorf("delete conversation %d: %w", conversationID, err)
	}
	return nil
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}
