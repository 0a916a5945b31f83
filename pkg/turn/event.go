package turn

import (
	"sync"

	"github.com/teslashibe/go-realtalk/pkg/history"
)

// EventKind names what changed.
type EventKind string

const (
	// EventState carries the new State.
	EventState EventKind = "state"
	// EventTurn carries a turn appended to the visible transcript.
	EventTurn EventKind = "turn"
	// EventTranscript carries the whole transcript after a reload.
	EventTranscript EventKind = "transcript"
	// EventNotice carries a short user-facing message.
	EventNotice EventKind = "notice"
	// EventConversation announces a new active conversation id.
	EventConversation EventKind = "conversation"
	// EventHistory announces that the recent conversations list changed.
	EventHistory EventKind = "history"
)

// User-facing notices.
const (
	NoticePermissionDenied = "Microphone permission denied"
	NoticeStorageFailed    = "Could not save the conversation"
	noticeSpeechPrefix     = "Speech error: "
)

// Event is published to subscribers whenever observable state changes.
type Event struct {
	Kind           EventKind      `json:"kind"`
	State          *State         `json:"state,omitempty"`
	ConversationID int64          `json:"conversation_id,omitempty"`
	Turn           *history.Turn  `json:"turn,omitempty"`
	Transcript     []history.Turn `json:"transcript,omitempty"`
	Notice         string         `json:"notice,omitempty"`
}

// subscriberBuffer is the per-subscriber backlog before events are dropped.
const subscriberBuffer = 64

type broadcaster struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan Event
	closed bool
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	if b.subs == nil {
		b.subs = make(map[int]chan Event)
	}
	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// publish delivers ev to every subscriber with room; it reports how many
// subscribers missed it.
func (b *broadcaster) publish(ev Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
