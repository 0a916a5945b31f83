// Package completion turns a conversation into the assistant's next reply.
//
// Reply never fails: any error from the model endpoint degrades to
// FallbackReply so the turn can still be persisted and spoken.
package completion

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/teslashibe/go-realtalk/pkg/history"
	"github.com/teslashibe/go-realtalk/pkg/inference"
)

// HistoryWindow is how many of the most recent turns are sent to the model.
const HistoryWindow = 15

// FallbackReply is returned whenever a completion cannot be produced.
const FallbackReply = "Sorry, something went wrong."

// Client produces assistant replies through an inference provider.
type Client struct {
	provider inference.Provider
	persona  string
	window   int
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithPersona replaces the default system prompt.
func WithPersona(persona string) Option {
	return func(c *Client) { c.persona = persona }
}

// WithWindow changes how many recent turns are sent.
func WithWindow(n int) Option {
	return func(c *Client) { c.window = n }
}

// WithTimeout bounds a whole Reply call, retries included.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a completion client.
func New(provider inference.Provider, opts ...Option) *Client {
	c := &Client{
		provider: provider,
		persona:  DefaultPersona,
		window:   HistoryWindow,
		timeout:  60 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "completion.client")
	return c
}

// Reply asks the model for the next assistant turn. turns is the persisted
// conversation in ascending order; only the last window turns are sent.
func (c *Client) Reply(ctx context.Context, turns []history.Turn, contextBlock string) string {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.provider.Chat(ctx, &inference.ChatRequest{
		Messages: BuildMessages(c.persona, contextBlock, history.Window(turns, c.window)),
	})
	if err != nil {
		c.logger.Error("completion failed",
			"status", inference.StatusCode(err),
			"error", err,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		return FallbackReply
	}

	reply := strings.TrimSpace(resp.Message.Content)
	if reply == "" {
		c.logger.Error("completion returned empty content",
			"finish_reason", resp.FinishReason,
			"model", resp.Model,
		)
		return FallbackReply
	}

	c.logger.Debug("completion received",
		"model", resp.Model,
		"chars", len(reply),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return reply
}

// BuildMessages assembles the request: one system message carrying persona
// and context, then the turns mapped to user/assistant roles in order.
func BuildMessages(persona, contextBlock string, turns []history.Turn) []inference.Message {
	messages := make([]inference.Message, 0, len(turns)+1)
	messages = append(messages, inference.NewSystemMessage(SystemMessage(persona, contextBlock)))
	for _, t := range turns {
		switch t.Sender {
		case history.SenderUser:
			messages = append(messages, inference.NewUserMessage(t.Text))
		case history.SenderAssistant:
			messages = append(messages, inference.NewAssistantMessage(t.Text))
		}
	}
	return messages
}
