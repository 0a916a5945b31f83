// Package history is the durable turn log behind every conversation.
//
// A conversation is identified by an int64 id (a millisecond timestamp
// minted when it starts) and is the ordered set of turns that share it.
// Turns are append-only; a conversation disappears when all of its turns
// are deleted.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sender identifies who produced a turn.
type Sender string

const (
	SenderUser      Sender = "USER"
	SenderAssistant Sender = "ASSISTANT"
)

// Valid reports whether s is a known sender.
func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAssistant
}

// Turn is one utterance in a conversation.
type Turn struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Text           string    `json:"text"`
	Sender         Sender    `json:"sender"`
	CreatedAt      time.Time `json:"created_at"`
}

// Summary is one entry of the recent conversations list.
type Summary struct {
	ConversationID int64 `json:"conversation_id"`
	LastTurn       Turn  `json:"last_turn"`
}

// Store persists turns.
type Store interface {
	// Append stores a turn and returns its id. Ids grow monotonically
	// across all conversations.
	Append(ctx context.Context, conversationID int64, sender Sender, text string) (int64, error)

	// Turns returns every turn of a conversation in ascending id order.
	// An unknown conversation yields an empty slice.
	Turns(ctx context.Context, conversationID int64) ([]Turn, error)

	// RecentConversations returns one summary per conversation, the one
	// with the newest turn first.
	RecentConversations(ctx context.Context) ([]Summary, error)

	// DeleteConversation removes all turns of a conversation atomically.
	// Deleting an unknown conversation is a no-op.
	DeleteConversation(ctx context.Context, conversationID int64) error

	// Close releases the underlying database.
	Close() error
}

// Common errors.
var (
	ErrEmptyText     = errors.New("history: empty turn text")
	ErrInvalidSender = errors.New("history: invalid sender")
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Open opens the store for the named backend.
func Open(ctx context.Context, backend, path string, opts ...Option) (Store, error) {
	switch backend {
	case BackendSQLite, "":
		return OpenSQLite(ctx, path, opts...)
	case BackendBolt:
		return OpenBolt(path, opts...)
	default:
		return nil, fmt.Errorf("history: unknown backend %q", backend)
	}
}

func validate(sender Sender, text string) error {
	if !sender.Valid() {
		return ErrInvalidSender
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	return nil
}

// Window returns at most the last n turns, oldest first.
func Window(turns []Turn, n int) []Turn {
	if n <= 0 {
		return nil
	}
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}
