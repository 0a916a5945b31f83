package turn

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-realtalk/pkg/history"
)

// job is one user utterance on its way to an assistant reply. The reply is
// always persisted to conv; it is shown and spoken only while the job is
// still the orchestrator's current one.
type job struct {
	id    int64
	conv  int64
	text  string
	saved bool
}

// beginTurn records the transcribed utterance and starts the reply job.
func (o *Orchestrator) beginTurn(text string) {
	o.setState(Transcribed)
	o.appendVisible(history.Turn{
		ConversationID: o.conv,
		Text:           text,
		Sender:         history.SenderUser,
		CreatedAt:      o.now(),
	})

	o.nextJob++
	j := &job{id: o.nextJob, conv: o.conv, text: text}
	o.job = j
	o.setState(AwaitingCompletion)

	o.goWork(func(ctx context.Context) { o.runJob(ctx, j) })
}

// runJob persists the user turn while gathering context, then asks for the
// reply over the persisted history and persists it.
func (o *Orchestrator) runJob(ctx context.Context, j *job) {
	logger := o.logger.With("conversation_id", j.conv, "job", j.id)

	var userID int64
	var contextBlock string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		id, err := o.store.Append(gctx, j.conv, history.SenderUser, j.text)
		if err != nil {
			return fmt.Errorf("persist user turn: %w", err)
		}
		userID = id
		return nil
	})
	g.Go(func() error {
		contextBlock = o.enricher.Gather(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		o.post(func() { o.jobFailed(j, err) })
		return
	}
	o.post(func() { o.userSaved(j, userID) })

	turns, err := o.store.Turns(ctx, j.conv)
	if err != nil {
		o.post(func() { o.jobFailed(j, fmt.Errorf("load history: %w", err)) })
		return
	}

	reply := o.completer.Reply(ctx, turns, contextBlock)

	id, err := o.store.Append(ctx, j.conv, history.SenderAssistant, reply)
	if err != nil {
		o.post(func() { o.jobFailed(j, fmt.Errorf("persist assistant turn: %w", err)) })
		return
	}
	logger.Debug("reply persisted", "turn_id", id, "history", len(turns))

	assistant := history.Turn{
		ID:             id,
		ConversationID: j.conv,
		Text:           reply,
		Sender:         history.SenderAssistant,
		CreatedAt:      o.now(),
	}
	o.post(func() { o.replyReady(j, assistant) })
}

// userSaved stamps the persisted id onto the visible user turn. A reload
// that finished before the append returned has no unsaved turn to stamp, so
// the stored one is merged in instead.
func (o *Orchestrator) userSaved(j *job, id int64) {
	j.saved = true
	userTurn := history.Turn{
		ID:             id,
		ConversationID: j.conv,
		Text:           j.text,
		Sender:         history.SenderUser,
		CreatedAt:      o.now(),
	}
	if o.switching {
		o.pendingExtra = append(o.pendingExtra, userTurn)
	}
	if j.conv != o.conv {
		return
	}
	for i := len(o.transcript) - 1; i >= 0; i-- {
		t := &o.transcript[i]
		if t.ID == 0 && t.Sender == history.SenderUser && t.Text == j.text {
			t.ID = id
			return
		}
	}
	if !o.switching {
		o.transcript = mergeTurns(o.transcript, []history.Turn{userTurn}, o.conv)
		o.publishTranscript()
	}
}

// jobFailed ends the job. A user turn that never reached the store is taken
// back off the transcript.
func (o *Orchestrator) jobFailed(j *job, err error) {
	o.logger.Error("turn failed", "conversation_id", j.conv, "job", j.id, "error", err)
	if !j.saved && j.conv == o.conv {
		o.dropUnsaved(j.text)
	}
	if o.job != j {
		return
	}
	o.job = nil
	if o.state == AwaitingCompletion {
		o.setState(Idle)
	}
	o.notice(NoticeStorageFailed)
}

func (o *Orchestrator) dropUnsaved(text string) {
	for i := len(o.transcript) - 1; i >= 0; i-- {
		t := o.transcript[i]
		if t.ID == 0 && t.Sender == history.SenderUser && t.Text == text {
			o.transcript = append(o.transcript[:i:i], o.transcript[i+1:]...)
			o.publishTranscript()
			return
		}
	}
}

// replyReady shows the reply if its conversation is on screen, and speaks
// it if the job was not detached by a conversation switch.
func (o *Orchestrator) replyReady(j *job, t history.Turn) {
	switch {
	case t.ConversationID == o.conv:
		o.appendVisible(t)
	case o.switching:
		o.pendingExtra = append(o.pendingExtra, t)
	}

	if o.job != j {
		o.logger.Info("reply persisted for detached turn", "conversation_id", j.conv, "turn_id", t.ID)
		return
	}
	o.job = nil
	if o.state != AwaitingCompletion {
		return
	}

	o.setState(Speaking)
	if err := o.speaker.Speak(t.Text); err != nil {
		o.logger.Warn("speech dispatch failed", "error", err)
	}
	o.setState(Idle)
}
