package stt

import (
	"context"
	"sync"
)

// Fake is a Recognizer driven by the caller: each Recognize call blocks
// until Push supplies a result or ctx is cancelled.
type Fake struct {
	results chan fakeResult

	mu        sync.Mutex
	calls     int
	cancelled int
	waiting   chan struct{}
}

type fakeResult struct {
	text string
	err  error
}

// NewFake creates a Fake recognizer.
func NewFake() *Fake {
	return &Fake{
		results: make(chan fakeResult, 16),
		waiting: make(chan struct{}, 16),
	}
}

// Recognize waits for the next pushed result.
func (f *Fake) Recognize(ctx context.Context) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	f.waiting <- struct{}{}

	select {
	case r := <-f.results:
		return r.text, r.err
	case <-ctx.Done():
		f.mu.Lock()
		f.cancelled++
		f.mu.Unlock()
		return "", ctx.Err()
	}
}

// Push delivers the result of the current (or next) Recognize call.
func (f *Fake) Push(text string, err error) {
	f.results <- fakeResult{text: text, err: err}
}

// Listening returns a channel that receives once per Recognize call, after
// the call has started waiting.
func (f *Fake) Listening() <-chan struct{} {
	return f.waiting
}

// Calls returns how many captures were started.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Cancelled returns how many captures ended by cancellation.
func (f *Fake) Cancelled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

var _ Recognizer = (*Fake)(nil)
