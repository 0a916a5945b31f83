// Package enrich builds the ambient context block attached to every
// completion request: the current date and time plus top news headlines.
//
// Gather never fails. A missing or broken news source degrades to a fixed
// placeholder sentence in place of the headlines.
package enrich

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// Placeholders used when headlines are unavailable.
const (
	NewsNotConfigured = "News feature not configured."
	NewsFetchFailed   = "Failed to fetch news headlines due to an error."
)

// MaxHeadlines caps how many titles make it into the context block.
const MaxHeadlines = 4

// ClockLayout renders like "Mon, 19 October 2026 14:03:05 UTC".
const ClockLayout = "Mon, 2 January 2006 15:04:05 MST"

// HeadlineSource returns current headline titles, most important first.
type HeadlineSource interface {
	Headlines(ctx context.Context) ([]string, error)
}

// Enricher assembles the context block.
type Enricher struct {
	news     HeadlineSource
	now      func() time.Time
	location *time.Location
	logger   *slog.Logger
}

// Option configures an Enricher.
type Option func(*Enricher)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Enricher) { e.now = now }
}

// WithLocation sets the time zone the clock line is rendered in.
func WithLocation(loc *time.Location) Option {
	return func(e *Enricher) { e.location = loc }
}

// WithFetchTimeout bounds each headline fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(e *Enricher) {
		if e.news != nil && d > 0 {
			e.news = timeoutSource{src: e.news, timeout: d}
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Enricher) { e.logger = l }
}

// New creates an Enricher. news may be nil, meaning not configured.
func New(news HeadlineSource, opts ...Option) *Enricher {
	e := &Enricher{
		news:     news,
		now:      time.Now,
		location: time.Local,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "enrich")
	return e
}

// Gather returns the clock line and the headline section joined by a newline.
func (e *Enricher) Gather(ctx context.Context) string {
	return e.Clock() + "\n" + e.Headlines(ctx)
}

// Clock returns the current date and time line.
func (e *Enricher) Clock() string {
	return "Current date and time is: " + e.now().In(e.location).Format(ClockLayout)
}

// Headlines returns the formatted headline section or a placeholder.
func (e *Enricher) Headlines(ctx context.Context) string {
	if e.news == nil {
		return NewsNotConfigured
	}

	titles, err := e.news.Headlines(ctx)
	if errors.Is(err, ErrNotConfigured) {
		return NewsNotConfigured
	}
	if err != nil {
		e.logger.Warn("headline fetch failed", "error", err)
		return NewsFetchFailed
	}
	return FormatHeadlines(titles)
}

// FormatHeadlines renders up to MaxHeadlines titles as a bulleted list.
func FormatHeadlines(titles []string) string {
	if len(titles) > MaxHeadlines {
		titles = titles[:MaxHeadlines]
	}
	var b strings.Builder
	b.WriteString("Today's Top Headlines:\n")
	for _, t := range titles {
		b.WriteString("- ")
		b.WriteString(t)
		b.WriteString("\n")
	}
	return b.String()
}
