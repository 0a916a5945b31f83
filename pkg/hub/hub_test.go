package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-realtalk/internal/log"
)

// fakeConn records writes and blocks reads until closed.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	types  []int
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) SetReadLimit(int64)                {}
func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}
func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("closed")
}

func (c *fakeConn) WriteMessage(t int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = append(c.types, t)
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) textFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for i, f := range c.frames {
		if c.types[i] == websocket.TextMessage {
			out = append(out, string(f))
		}
	}
	return out
}

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := New("test", log.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	return h, cancel
}

func TestBroadcastReachesClients(t *testing.T) {
	h, _ := startHub(t)

	a, b := newFakeConn(), newFakeConn()
	ca, cb := NewClient(h, a), NewClient(h, b)
	require.NotNil(t, ca)
	require.NotNil(t, cb)
	go ca.Run()
	go cb.Run()
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.BroadcastJSON(map[string]string{"kind": "state"}))

	for _, c := range []*fakeConn{a, b} {
		assert.Eventually(t, func() bool {
			frames := c.textFrames()
			return len(frames) == 1 && frames[0] == `{"kind":"state"}`
		}, time.Second, 5*time.Millisecond)
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	h, _ := startHub(t)

	conn := newFakeConn()
	c := NewClient(h, conn)
	go c.Run()
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEnqueueTargetsOneClient(t *testing.T) {
	h, _ := startHub(t)

	a, b := newFakeConn(), newFakeConn()
	ca, cb := NewClient(h, a), NewClient(h, b)
	go ca.Run()
	go cb.Run()

	msg, err := NewJSONMessage(map[string]int{"hello": 1})
	require.NoError(t, err)
	assert.True(t, ca.Enqueue(msg))

	assert.Eventually(t, func() bool { return len(a.textFrames()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, b.textFrames())
}

func TestStopClosesClients(t *testing.T) {
	h, cancel := startHub(t)

	conn := newFakeConn()
	c := NewClient(h, conn)
	go c.Run()
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-h.Done()

	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("client connection not closed")
	}
	assert.Nil(t, NewClient(h, newFakeConn()), "no registration after stop")
}

func TestInitialMessagesComeFirst(t *testing.T) {
	h, _ := startHub(t)

	first, err := NewJSONMessage("first")
	require.NoError(t, err)
	conn := newFakeConn()
	c := NewClient(h, conn, first)
	require.NotNil(t, c)
	h.Broadcast(Message{Data: []byte(`"second"`)})
	go c.Run()

	assert.Eventually(t, func() bool {
		frames := conn.textFrames()
		return len(frames) == 2 && frames[0] == `"first"` && frames[1] == `"second"`
	}, time.Second, 5*time.Millisecond)
}
