package history

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type opener func(t *testing.T, path string, opts ...Option) Store

var backends = map[string]struct {
	file string
	open opener
}{
	BackendSQLite: {"turns.db", func(t *testing.T, path string, opts ...Option) Store {
		s, err := OpenSQLite(context.Background(), path, opts...)
		require.NoError(t, err)
		return s
	}},
	BackendBolt: {"turns.bolt", func(t *testing.T, path string, opts ...Option) Store {
		s, err := OpenBolt(path, opts...)
		require.NoError(t, err)
		return s
	}},
}

// forEachBackend runs fn against a fresh store of every backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, s Store, clock *fakeClock)) {
	for name, b := range backends {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			s := b.open(t, filepath.Join(t.TempDir(), b.file), WithClock(clock.Now))
			t.Cleanup(func() { s.Close() })
			fn(t, s, clock)
		})
	}
}

func TestAppendAndTurns(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()

		id1, err := s.Append(ctx, 100, SenderUser, "Hello")
		require.NoError(t, err)
		clock.Advance(time.Second)
		id2, err := s.Append(ctx, 100, SenderAssistant, "Hi there.")
		require.NoError(t, err)
		assert.Greater(t, id2, id1)

		turns, err := s.Turns(ctx, 100)
		require.NoError(t, err)
		require.Len(t, turns, 2)

		assert.Equal(t, id1, turns[0].ID)
		assert.Equal(t, SenderUser, turns[0].Sender)
		assert.Equal(t, "Hello", turns[0].Text)
		assert.Equal(t, int64(100), turns[0].ConversationID)
		assert.Equal(t, SenderAssistant, turns[1].Sender)
		assert.Equal(t, "Hi there.", turns[1].Text)
		assert.True(t, turns[1].CreatedAt.After(turns[0].CreatedAt))
	})
}

func TestTurnsUnknownConversation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ *fakeClock) {
		turns, err := s.Turns(context.Background(), 42)
		require.NoError(t, err)
		assert.NotNil(t, turns)
		assert.Empty(t, turns)
	})
}

func TestAppendRejectsInvalidInput(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ *fakeClock) {
		ctx := context.Background()

		_, err := s.Append(ctx, 1, SenderUser, "   ")
		assert.ErrorIs(t, err, ErrEmptyText)

		_, err = s.Append(ctx, 1, Sender("SYSTEM"), "hi")
		assert.ErrorIs(t, err, ErrInvalidSender)

		turns, err := s.Turns(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, turns)
	})
}

func TestRecentConversationsOrdering(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()

		_, err := s.Append(ctx, 1, SenderUser, "first in one")
		require.NoError(t, err)
		clock.Advance(time.Second)
		_, err = s.Append(ctx, 2, SenderUser, "first in two")
		require.NoError(t, err)
		clock.Advance(time.Second)
		_, err = s.Append(ctx, 1, SenderAssistant, "latest in one")
		require.NoError(t, err)

		recent, err := s.RecentConversations(ctx)
		require.NoError(t, err)
		require.Len(t, recent, 2)

		assert.Equal(t, int64(1), recent[0].ConversationID)
		assert.Equal(t, "latest in one", recent[0].LastTurn.Text)
		assert.Equal(t, int64(2), recent[1].ConversationID)
		assert.Equal(t, "first in two", recent[1].LastTurn.Text)
	})
}

func TestRecentConversationsTieBreaksOnID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ *fakeClock) {
		ctx := context.Background()

		// Frozen clock: every turn carries the same timestamp.
		for _, conv := range []int64{5, 6, 7} {
			_, err := s.Append(ctx, conv, SenderUser, fmt.Sprintf("turn for %d", conv))
			require.NoError(t, err)
		}

		recent, err := s.RecentConversations(ctx)
		require.NoError(t, err)
		require.Len(t, recent, 3)
		assert.Equal(t, []int64{7, 6, 5}, []int64{
			recent[0].ConversationID, recent[1].ConversationID, recent[2].ConversationID,
		})
	})
}

func TestRecentConversationsEmpty(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ *fakeClock) {
		recent, err := s.RecentConversations(context.Background())
		require.NoError(t, err)
		assert.Empty(t, recent)
	})
}

func TestDeleteConversation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ *fakeClock) {
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			_, err := s.Append(ctx, 10, SenderUser, fmt.Sprintf("a%d", i))
			require.NoError(t, err)
			_, err = s.Append(ctx, 20, SenderUser, fmt.Sprintf("b%d", i))
			require.NoError(t, err)
		}

		require.NoError(t, s.DeleteConversation(ctx, 10))

		turns, err := s.Turns(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, turns)

		other, err := s.Turns(ctx, 20)
		require.NoError(t, err)
		assert.Len(t, other, 3)

		recent, err := s.RecentConversations(ctx)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, int64(20), recent[0].ConversationID)

		// Idempotent.
		assert.NoError(t, s.DeleteConversation(ctx, 10))
		assert.NoError(t, s.DeleteConversation(ctx, 999))
	})
}

func TestIDsNeverReusedAfterDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ *fakeClock) {
		ctx := context.Background()

		id1, err := s.Append(ctx, 1, SenderUser, "one")
		require.NoError(t, err)
		require.NoError(t, s.DeleteConversation(ctx, 1))

		id2, err := s.Append(ctx, 1, SenderUser, "two")
		require.NoError(t, err)
		assert.Greater(t, id2, id1)
	})
}

func TestConcurrentAppends(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ *fakeClock) {
		ctx := context.Background()

		const perConv = 10
		var wg sync.WaitGroup
		errs := make(chan error, 3*perConv)
		for conv := int64(1); conv <= 3; conv++ {
			wg.Add(1)
			go func(conv int64) {
				defer wg.Done()
				for i := 0; i < perConv; i++ {
					if _, err := s.Append(ctx, conv, SenderUser, fmt.Sprintf("msg %d", i)); err != nil {
						errs <- err
					}
				}
			}(conv)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		for conv := int64(1); conv <= 3; conv++ {
			turns, err := s.Turns(ctx, conv)
			require.NoError(t, err)
			require.Len(t, turns, perConv)
			for i := 1; i < len(turns); i++ {
				assert.Greater(t, turns[i].ID, turns[i-1].ID)
				assert.Equal(t, fmt.Sprintf("msg %d", i), turns[i].Text)
			}
		}
	})
}

func TestReopenKeepsTurns(t *testing.T) {
	for name, b := range backends {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), b.file)
			ctx := context.Background()

			s := b.open(t, path)
			_, err := s.Append(ctx, 7, SenderUser, "persisted")
			require.NoError(t, err)
			require.NoError(t, s.Close())

			s = b.open(t, path)
			defer s.Close()
			turns, err := s.Turns(ctx, 7)
			require.NoError(t, err)
			require.Len(t, turns, 1)
			assert.Equal(t, "persisted", turns[0].Text)
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), "postgres", filepath.Join(t.TempDir(), "x"))
	assert.Error(t, err)
}

func TestWindow(t *testing.T) {
	turns := make([]Turn, 20)
	for i := range turns {
		turns[i] = Turn{ID: int64(i + 1)}
	}

	tests := []struct {
		name  string
		in    []Turn
		n     int
		first int64
		size  int
	}{
		{"longer than window", turns, 15, 6, 15},
		{"shorter than window", turns[:4], 15, 1, 4},
		{"exact", turns[:15], 15, 1, 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Window(tt.in, tt.n)
			require.Len(t, got, tt.size)
			assert.Equal(t, tt.first, got[0].ID)
			assert.Equal(t, tt.in[len(tt.in)-1].ID, got[len(got)-1].ID)
		})
	}

	assert.Empty(t, Window(turns, 0))
}
