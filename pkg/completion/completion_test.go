package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-realtalk/internal/log"
	"github.com/teslashibe/go-realtalk/pkg/history"
	"github.com/teslashibe/go-realtalk/pkg/inference"
)

func turns(n int) []history.Turn {
	out := make([]history.Turn, n)
	for i := range out {
		sender := history.SenderUser
		if i%2 == 1 {
			sender = history.SenderAssistant
		}
		out[i] = history.Turn{ID: int64(i + 1), Text: fmt.Sprintf("turn %d", i+1), Sender: sender}
	}
	return out
}

func TestReplyTrimsContent(t *testing.T) {
	mock := inference.NewMock("  <speak>Hi there.</speak>\n")
	c := New(mock, WithLogger(log.Nop()))

	got := c.Reply(context.Background(), turns(1), "Current date and time is: now")
	assert.Equal(t, "<speak>Hi there.</speak>", got)
}

func TestReplySendsSystemContextAndWindow(t *testing.T) {
	mock := inference.NewMock("ok")
	c := New(mock, WithPersona("PERSONA"), WithLogger(log.Nop()))

	c.Reply(context.Background(), turns(20), "CTX")

	req := mock.LastRequest()
	require.NotNil(t, req)
	require.Len(t, req.Messages, 1+HistoryWindow)

	sys := req.Messages[0]
	assert.Equal(t, inference.RoleSystem, sys.Role)
	assert.Equal(t, "PERSONA\n\n--- CURRENT CONTEXT ---\nCTX\n--- END CONTEXT ---", sys.Content)

	// Turns 6..20 survive, oldest first.
	assert.Equal(t, "turn 6", req.Messages[1].Content)
	assert.Equal(t, inference.RoleAssistant, req.Messages[1].Role)
	assert.Equal(t, "turn 20", req.Messages[len(req.Messages)-1].Content)
	assert.Equal(t, inference.RoleAssistant, req.Messages[len(req.Messages)-1].Role)
}

func TestReplyShortHistoryKeepsAll(t *testing.T) {
	mock := inference.NewMock("ok")
	c := New(mock, WithLogger(log.Nop()))

	c.Reply(context.Background(), turns(3), "")

	req := mock.LastRequest()
	require.Len(t, req.Messages, 4)
	assert.Equal(t, inference.RoleUser, req.Messages[1].Role)
	assert.Equal(t, "turn 1", req.Messages[1].Content)
}

func TestReplyFallbacks(t *testing.T) {
	tests := []struct {
		name string
		mock *inference.Mock
	}{
		{"provider error", inference.WithError(errors.New("connection refused"))},
		{"api error", inference.WithError(&inference.APIError{StatusCode: 500, Message: "boom"})},
		{"empty content", inference.NewMock("   ")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.mock, WithLogger(log.Nop()))
			assert.Equal(t, FallbackReply, c.Reply(context.Background(), turns(2), "ctx"))
		})
	}
}

func TestReplyTimeout(t *testing.T) {
	mock := &inference.Mock{
		ChatFunc: func(ctx context.Context, req *inference.ChatRequest) (*inference.ChatResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	c := New(mock, WithTimeout(20*time.Millisecond), WithLogger(log.Nop()))

	assert.Equal(t, FallbackReply, c.Reply(context.Background(), turns(1), ""))
}

func TestReplyOverHTTP(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{
			name:   "success",
			status: http.StatusOK,
			body:   `{"choices":[{"message":{"role":"assistant","content":"Hi there."},"finish_reason":"stop"}]}`,
			want:   "Hi there.",
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   `{"error":{"message":"down"}}`,
			want:   FallbackReply,
		},
		{
			name:   "no choices",
			status: http.StatusOK,
			body:   `{"choices":[]}`,
			want:   FallbackReply,
		},
		{
			name:   "malformed",
			status: http.StatusOK,
			body:   `{"choices":`,
			want:   FallbackReply,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				assert.True(t, strings.Contains(string(body), `"content":"Hello"`))
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			provider, err := inference.NewClient(
				inference.WithBaseURL(server.URL),
				inference.WithAPIKey("k"),
				inference.WithRetry(0, 0),
				inference.WithLogger(log.Nop()),
			)
			require.NoError(t, err)

			c := New(provider, WithLogger(log.Nop()))
			hist := []history.Turn{{ID: 1, Text: "Hello", Sender: history.SenderUser}}
			assert.Equal(t, tt.want, c.Reply(context.Background(), hist, "ctx"))
		})
	}
}
