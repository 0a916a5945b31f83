// Package turn runs the tap-to-talk conversation loop.
//
// One goroutine (Run) owns every piece of observable state: the turn state,
// the active conversation id and its visible transcript. Store access,
// context gathering, completion and capture all happen on worker goroutines
// that hand their results back to the loop, so the loop never blocks on I/O.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-realtalk/pkg/history"
	"github.com/teslashibe/go-realtalk/pkg/stt"
)

// Errors returned by commands.
var (
	ErrBusy                = errors.New("turn: busy")
	ErrInvalidConversation = errors.New("turn: invalid conversation id")
	ErrStopped             = errors.New("turn: orchestrator stopped")
	ErrAlreadyRunning      = errors.New("turn: already running")
)

// Enricher produces the ambient context block for a completion request.
type Enricher interface {
	Gather(ctx context.Context) string
}

// Completer produces the assistant reply. It never fails; failures come back
// as a fallback reply.
type Completer interface {
	Reply(ctx context.Context, turns []history.Turn, contextBlock string) string
}

// Speaker speaks a reply without blocking.
type Speaker interface {
	Speak(text string) error
}

// Capture starts single-shot speech capture sessions.
type Capture interface {
	Start(ctx context.Context) (*stt.Session, error)
}

// Deps are the collaborators of an Orchestrator. Permission may be nil,
// meaning capture is always allowed.
type Deps struct {
	Store      history.Store
	Enricher   Enricher
	Completer  Completer
	Speaker    Speaker
	Capture    Capture
	Permission stt.Permission
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides the time source used for new ids and turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator is the turn state machine.
type Orchestrator struct {
	store      history.Store
	enricher   Enricher
	completer  Completer
	speaker    Speaker
	capture    Capture
	permission stt.Permission

	logger *slog.Logger
	now    func() time.Time

	cmds    chan func()
	results chan func()
	ready   chan struct{}
	stopped chan struct{}
	running atomic.Bool
	workers sync.WaitGroup
	events  broadcaster

	// Owned by the Run goroutine.
	ctx               context.Context
	state             State
	conv              int64
	transcript        []history.Turn
	session           *stt.Session
	permissionPending bool
	switching         bool
	pendingExtra      []history.Turn
	job               *job
	nextJob           int64
	lastMinted        int64
}

// New creates an Orchestrator. Call Run to start it.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("turn: store required")
	case deps.Enricher == nil:
		return nil, errors.New("turn: enricher required")
	case deps.Completer == nil:
		return nil, errors.New("turn: completer required")
	case deps.Speaker == nil:
		return nil, errors.New("turn: speaker required")
	case deps.Capture == nil:
		return nil, errors.New("turn: capture required")
	}

	o := &Orchestrator{
		store:      deps.Store,
		enricher:   deps.Enricher,
		completer:  deps.Completer,
		speaker:    deps.Speaker,
		capture:    deps.Capture,
		permission: deps.Permission,
		logger:     slog.Default(),
		now:        time.Now,
		cmds:       make(chan func()),
		results:    make(chan func(), 16),
		ready:      make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "turn.orchestrator")
	return o, nil
}

// Ready is closed once the startup conversation has been restored.
func (o *Orchestrator) Ready() <-chan struct{} {
	return o.ready
}

// Done is closed once Run has returned.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.stopped
}

// Run restores the newest conversation and processes commands until ctx is
// cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	o.ctx = ctx
	o.restore(ctx)
	close(o.ready)

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case fn := <-o.cmds:
			fn()
		case fn := <-o.results:
			fn()
		}
	}
}

func (o *Orchestrator) shutdown() {
	if o.session != nil {
		o.session.Stop()
		o.session = nil
	}
	close(o.stopped)
	o.workers.Wait()
	o.events.closeAll()
	o.logger.Info("orchestrator stopped", "conversation_id", o.conv)
}

// restore picks the most recently active conversation, or mints a new id.
func (o *Orchestrator) restore(ctx context.Context) {
	recent, err := o.store.RecentConversations(ctx)
	if err != nil {
		o.logger.Error("load recent conversations", "error", err)
	}
	for _, s := range recent {
		if s.ConversationID > o.lastMinted {
			o.lastMinted = s.ConversationID
		}
	}

	if len(recent) == 0 {
		o.conv = o.mint()
		o.logger.Info("started new conversation", "conversation_id", o.conv)
		return
	}

	o.conv = recent[0].ConversationID
	turns, err := o.store.Turns(ctx, o.conv)
	if err != nil {
		o.logger.Error("load transcript", "conversation_id", o.conv, "error", err)
	}
	o.transcript = turns
	o.logger.Info("restored conversation", "conversation_id", o.conv, "turns", len(turns))
}

// mint returns a fresh conversation id: the current time in milliseconds,
// bumped past the last id handed out.
func (o *Orchestrator) mint() int64 {
	id := o.now().UnixMilli()
	if id <= o.lastMinted {
		id = o.lastMinted + 1
	}
	o.lastMinted = id
	return id
}

// do runs fn on the loop and waits for its answer. A non-nil channel from
// fn is waited on as well, for commands that finish on a worker.
func (o *Orchestrator) do(ctx context.Context, fn func() (<-chan error, error)) error {
	type reply struct {
		wait <-chan error
		err  error
	}
	replies := make(chan reply, 1)
	cmd := func() {
		wait, err := fn()
		replies <- reply{wait, err}
	}

	select {
	case o.cmds <- cmd:
	case <-o.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	var r reply
	select {
	case r = <-replies:
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.err != nil || r.wait == nil {
		return r.err
	}

	select {
	case err := <-r.wait:
		return err
	case <-o.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// goWork runs fn on a worker goroutine with the Run context.
func (o *Orchestrator) goWork(fn func(ctx context.Context)) {
	ctx := o.ctx
	o.workers.Add(1)
	go func() {
		defer o.workers.Done()
		fn(ctx)
	}()
}

// post hands fn to the loop. It is dropped if the loop has stopped.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.results <- fn:
	case <-o.stopped:
	}
}

// Subscribe returns a stream of events and a function that ends the
// subscription. Slow subscribers miss events rather than stall the loop.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	return o.events.subscribe()
}

func (o *Orchestrator) publish(ev Event) {
	if dropped := o.events.publish(ev); dropped > 0 {
		o.logger.Debug("event dropped for slow subscribers", "kind", ev.Kind, "subscribers", dropped)
	}
}

func (o *Orchestrator) setState(s State) {
	if s == o.state {
		return
	}
	o.logger.Debug("state change", "from", o.state.String(), "to", s.String(), "conversation_id", o.conv)
	o.state = s
	o.publish(Event{Kind: EventState, State: &s, ConversationID: o.conv})
}

func (o *Orchestrator) notice(msg string) {
	o.logger.Info("notice", "message", msg)
	o.publish(Event{Kind: EventNotice, Notice: msg, ConversationID: o.conv})
}

func (o *Orchestrator) publishTranscript() {
	o.publish(Event{Kind: EventTranscript, ConversationID: o.conv, Transcript: o.copyTranscript()})
}

func (o *Orchestrator) copyTranscript() []history.Turn {
	out := make([]history.Turn, len(o.transcript))
	copy(out, o.transcript)
	return out
}

// appendVisible adds t to the transcript unless a turn with the same id is
// already shown.
func (o *Orchestrator) appendVisible(t history.Turn) {
	if o.switching {
		o.pendingExtra = append(o.pendingExtra, t)
	}
	if t.ID != 0 {
		for _, existing := range o.transcript {
			if existing.ID == t.ID {
				return
			}
		}
	}
	o.transcript = append(o.transcript, t)
	o.publish(Event{Kind: EventTurn, ConversationID: t.ConversationID, Turn: &t})
}

// Snapshot returns the current state, active conversation and transcript.
func (o *Orchestrator) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := o.do(ctx, func() (<-chan error, error) {
		snap = Snapshot{State: o.state, ConversationID: o.conv, Transcript: o.copyTranscript()}
		return nil, nil
	})
	return snap, err
}

// Conversations lists recent conversations, newest activity first.
func (o *Orchestrator) Conversations(ctx context.Context) ([]history.Summary, error) {
	return o.store.RecentConversations(ctx)
}

// Tap toggles listening. From IDLE it starts a capture (asking for
// microphone permission first when needed); while LISTENING it cancels the
// capture. Any other state returns ErrBusy.
func (o *Orchestrator) Tap(ctx context.Context) error {
	return o.do(ctx, func() (<-chan error, error) {
		return nil, o.tap()
	})
}

func (o *Orchestrator) tap() error {
	switch {
	case o.state == Listening:
		o.stopListening()
		return nil
	case o.state != Idle || o.switching:
		return ErrBusy
	case o.permission != nil && !o.permission.Granted():
		o.requestPermission()
		return nil
	default:
		o.startListening()
		return nil
	}
}

func (o *Orchestrator) requestPermission() {
	if o.permissionPending {
		return
	}
	o.permissionPending = true
	perm := o.permission
	o.goWork(func(ctx context.Context) {
		granted, err := perm.Request(ctx)
		o.post(func() {
			o.permissionPending = false
			if err != nil || !granted {
				if err != nil {
					o.logger.Warn("permission request failed", "error", err)
				}
				o.notice(NoticePermissionDenied)
				return
			}
			if o.state == Idle && !o.switching {
				o.startListening()
			}
		})
	})
}

func (o *Orchestrator) startListening() {
	sess, err := o.capture.Start(o.ctx)
	if err != nil {
		o.logger.Warn("capture start failed", "error", err)
		o.notice(noticeSpeechPrefix + string(stt.Classify(err)))
		return
	}
	o.session = sess
	o.setState(Listening)

	o.goWork(func(ctx context.Context) {
		out, ok := <-sess.Done()
		o.post(func() { o.captureDone(sess, out, ok) })
	})
}

func (o *Orchestrator) stopListening() {
	o.session.Stop()
	o.session = nil
	o.setState(Idle)
}

func (o *Orchestrator) captureDone(sess *stt.Session, out stt.Outcome, ok bool) {
	if sess != o.session {
		return
	}
	o.session = nil
	if !ok {
		o.setState(Idle)
		return
	}

	switch out.Kind {
	case stt.OutcomeText:
		o.beginTurn(out.Text)
	case stt.OutcomeEmpty:
		o.setState(Idle)
	default:
		o.setState(Idle)
		o.notice(noticeSpeechPrefix + string(out.Code))
	}
}

// SelectConversation makes id the active conversation and loads its turns.
func (o *Orchestrator) SelectConversation(ctx context.Context, id int64) error {
	if id <= 0 {
		return ErrInvalidConversation
	}
	return o.do(ctx, func() (<-chan error, error) {
		if err := o.beginSwitch(); err != nil {
			return nil, err
		}
		return o.load(id), nil
	})
}

// NewConversation starts an empty conversation and returns its id.
func (o *Orchestrator) NewConversation(ctx context.Context) (int64, error) {
	var id int64
	err := o.do(ctx, func() (<-chan error, error) {
		if err := o.beginSwitch(); err != nil {
			return nil, err
		}
		id = o.mint()
		o.conv = id
		o.transcript = nil
		o.publish(Event{Kind: EventConversation, ConversationID: id})
		o.publishTranscript()
		return nil, nil
	})
	return id, err
}

// DeleteConversation removes a conversation. Deleting the active one moves
// to the newest remaining conversation, or a fresh one when none remain.
func (o *Orchestrator) DeleteConversation(ctx context.Context, id int64) error {
	if id <= 0 {
		return ErrInvalidConversation
	}
	return o.do(ctx, func() (<-chan error, error) {
		if id == o.conv {
			return o.deleteActive()
		}
		done := make(chan error, 1)
		o.goWork(func(ctx context.Context) {
			err := o.store.DeleteConversation(ctx, id)
			o.post(func() {
				if err != nil {
					o.logger.Error("delete conversation", "conversation_id", id, "error", err)
				} else {
					o.publish(Event{Kind: EventHistory, ConversationID: o.conv})
				}
				done <- err
			})
		})
		return done, nil
	})
}

// DeleteActiveConversation deletes the conversation currently shown.
func (o *Orchestrator) DeleteActiveConversation(ctx context.Context) error {
	return o.do(ctx, o.deleteActive)
}

// beginSwitch checks that the active conversation may change and detaches
// any reply still in flight.
func (o *Orchestrator) beginSwitch() error {
	if o.switching || !o.state.switchable() {
		return ErrBusy
	}
	if o.state == AwaitingCompletion {
		o.logger.Info("detaching in-flight reply", "conversation_id", o.conv)
		o.job = nil
		o.setState(Idle)
	}
	return nil
}

func (o *Orchestrator) load(id int64) <-chan error {
	o.switching = true
	o.pendingExtra = nil
	o.conv = id
	o.transcript = nil
	o.publish(Event{Kind: EventConversation, ConversationID: id})

	done := make(chan error, 1)
	o.goWork(func(ctx context.Context) {
		turns, err := o.store.Turns(ctx, id)
		o.post(func() { o.finishSwitch(id, turns, err, done) })
	})
	return done
}

func (o *Orchestrator) deleteActive() (<-chan error, error) {
	if err := o.beginSwitch(); err != nil {
		return nil, err
	}
	o.switching = true
	o.pendingExtra = nil
	victim := o.conv

	done := make(chan error, 1)
	o.goWork(func(ctx context.Context) {
		var next int64
		var turns []history.Turn
		err := o.store.DeleteConversation(ctx, victim)
		if err == nil {
			var recent []history.Summary
			recent, err = o.store.RecentConversations(ctx)
			if err == nil && len(recent) > 0 {
				next = recent[0].ConversationID
				turns, err = o.store.Turns(ctx, next)
			}
		}
		o.post(func() {
			if err != nil {
				o.logger.Error("delete active conversation", "conversation_id", victim, "error", err)
				o.switching = false
				o.pendingExtra = nil
				o.notice(NoticeStorageFailed)
				done <- err
				return
			}
			if next == 0 {
				next = o.mint()
			}
			o.conv = next
			o.publish(Event{Kind: EventConversation, ConversationID: next})
			o.publish(Event{Kind: EventHistory, ConversationID: next})
			o.finishSwitch(next, turns, nil, done)
		})
	})
	return done, nil
}

// finishSwitch installs the loaded transcript for id, merging any turns that
// landed for it while the load was in flight.
func (o *Orchestrator) finishSwitch(id int64, turns []history.Turn, err error, done chan<- error) {
	extra := o.pendingExtra
	o.switching = false
	o.pendingExtra = nil

	if err != nil {
		o.logger.Error("load transcript", "conversation_id", id, "error", err)
		o.notice(NoticeStorageFailed)
	}
	o.transcript = mergeTurns(turns, extra, id)
	o.publishTranscript()
	done <- err
}

// mergeTurns adds the turns of extra that belong to conversation id and are
// missing from base, keeping id order.
func mergeTurns(base, extra []history.Turn, id int64) []history.Turn {
	seen := make(map[int64]bool, len(base))
	for _, t := range base {
		seen[t.ID] = true
	}
	out := base
	added := false
	for _, t := range extra {
		if t.ConversationID != id || t.ID == 0 || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
		added = true
	}
	if added {
		sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	return out
}
