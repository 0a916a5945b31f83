package inference

import (
	"context"
	"errors"
	"log/slog"
)

// Chain asks each provider in turn and returns the first reply. The
// assistant puts it in front of the completion endpoint when a second
// endpoint is configured to cover outages of the first.
type Chain struct {
	providers []Provider
	logger    *slog.Logger
}

// NewChain returns a chain over providers, which must not be empty.
func NewChain(providers ...Provider) (*Chain, error) {
	return NewChainWithLogger(slog.Default(), providers...)
}

// NewChainWithLogger is NewChain with an explicit logger.
func NewChainWithLogger(logger *slog.Logger, providers ...Provider) (*Chain, error) {
	if len(providers) == 0 {
		return nil, ErrProviderUnavailable
	}
	return &Chain{
		providers: providers,
		logger:    logger.With("component", "inference.chain"),
	}, nil
}

// Chat returns the first successful reply. A cancelled context stops the
// walk; otherwise every failure is collected into a *ChainError.
func (c *Chain) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	errs := make([]error, 0, len(c.providers))
	for i, p := range c.providers {
		resp, err := p.Chat(ctx, req)
		if err == nil {
			if i > 0 {
				c.logger.Info("reply from fallback endpoint", "index", i, "model", resp.Model)
			}
			return resp, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if i+1 < len(c.providers) {
			c.logger.Warn("completion failed, falling back",
				"index", i,
				"status", StatusCode(err),
				"error", err,
			)
		}
	}
	return nil, &ChainError{Errors: errs}
}

// Health is nil as soon as one provider answers. When none does, the
// per-provider failures are joined.
func (c *Chain) Health(ctx context.Context) error {
	var errs []error
	for i, p := range c.providers {
		err := p.Health(ctx)
		if err == nil {
			if i > 0 {
				c.logger.Warn("primary endpoint unhealthy, fallback reachable", "index", i)
			}
			return nil
		}
		errs = append(errs, err)
	}
	return WrapError("chain", errors.Join(errs...))
}

// Close closes every provider.
func (c *Chain) Close() error {
	var errs []error
	for _, p := range c.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Provider = (*Chain)(nil)
