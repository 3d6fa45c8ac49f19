package conversation

import (
	"context"
	"strings"

	"testscribe/internal/domain"
)

// SendInput is one message composed by the user.
type SendInput struct {
	Text        string
	Tools       []string
	Attachments []domain.AttachmentMeta

	// RetryFrom, when set, is the assistant message being retried. History
	// is cut just before it and Text is sent as a new user message.
	RetryFrom string
}

// SendMessage appends a user message to the active thread and streams the
// reply into it. It returns when the reply is complete, failed or was
// cancelled; the partial reply is kept on cancellation.
func (s *Store) SendMessage(ctx context.Context, in SendInput) error {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return domain.NewDomainError("Store.SendMessage", domain.ErrInvalidInput, "empty message")
	}
	ts, err := s.activeState()
	if err != nil {
		return err
	}

	if in.RetryFrom != "" {
		return s.retry(ctx, ts, in.RetryFrom, turn{text: text, tools: in.Tools, attachments: in.Attachments})
	}
	return s.submit(ctx, ts, turn{
		cut:         -1,
		text:        text,
		tools:       in.Tools,
		attachments: in.Attachments,
	})
}

// EditUserMessage replaces the user message messageID, and everything
// after it, with newText carrying the original attachments, then streams
// a reply.
func (s *Store) EditUserMessage(ctx context.Context, messageID, newText string, tools []string) error {
	text := strings.TrimSpace(newText)
	if text == "" {
		return domain.NewDomainError("Store.EditUserMessage", domain.ErrInvalidInput, "empty message")
	}
	ts, err := s.activeState()
	if err != nil {
		return err
	}

	t := ts.snapshot()
	idx := t.IndexOf(messageID)
	if idx < 0 {
		return domain.NewDomainError("Store.EditUserMessage", domain.ErrMessageNotFound, messageID)
	}
	if t.Messages[idx].Role != domain.RoleUser {
		return domain.NewDomainError("Store.EditUserMessage", domain.ErrNotUserMessage, messageID)
	}
	return s.submit(ctx, ts, turn{
		cut:         idx,
		text:        text,
		tools:       tools,
		attachments: t.Messages[idx].Attachments,
	})
}

// Retry drops the assistant message assistantID and everything after it,
// then sends the user message that produced it again as a new turn. The
// original user message stays in history. extra attachments (typically
// framework contexts) are sent alongside the original ones.
func (s *Store) Retry(ctx context.Context, assistantID string, tools []string, extra ...domain.AttachmentMeta) error {
	ts, err := s.activeState()
	if err != nil {
		return err
	}
	t := ts.snapshot()
	idx := t.IndexOf(assistantID)
	if idx < 0 {
		return domain.NewDomainError("Store.Retry", domain.ErrMessageNotFound, assistantID)
	}
	if idx == 0 || t.Messages[idx-1].Role != domain.RoleUser {
		return domain.NewDomainError("Store.Retry", domain.ErrNotUserMessage, "no user message before "+assistantID)
	}
	user := t.Messages[idx-1]
	return s.retry(ctx, ts, assistantID, turn{
		text:        user.Content,
		tools:       tools,
		attachments: append(append([]domain.AttachmentMeta(nil), user.Attachments...), extra...),
	})
}

// retry submits tr with history cut just before assistantID.
func (s *Store) retry(ctx context.Context, ts *threadState, assistantID string, tr turn) error {
	idx := ts.snapshot().IndexOf(assistantID)
	if idx < 0 {
		return domain.NewDomainError("Store.Retry", domain.ErrMessageNotFound, assistantID)
	}
	tr.cut = idx
	return s.submit(ctx, ts, tr)
}

// turn describes one submission. cut is the index history is truncated at
// (exclusive); -1 keeps the whole history.
type turn struct {
	cut         int
	text        string
	tools       []string
	attachments []domain.AttachmentMeta
}

// submit appends the user message, sends the request and consumes the
// reply. It is the single path behind send, edit and retry.
func (s *Store) submit(ctx context.Context, ts *threadState, tr turn) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	now := s.now()
	model := s.SelectedModel()
	user := domain.ChatMessage{
		ID:          s.newID(),
		Role:        domain.RoleUser,
		Content:     tr.text,
		Attachments: tr.attachments,
		Timestamp:   now.UnixMilli(),
	}

	ts.mu.Lock()
	if ts.cancel != nil {
		ts.mu.Unlock()
		return domain.NewDomainError("Store.submit", domain.ErrThreadBusy, ts.thread.ID)
	}
	ts.cancel = cancel
	history := ts.thread.Messages
	if tr.cut >= 0 && tr.cut <= len(history) {
		history = history[:tr.cut]
	}
	if len(history) == 0 {
		if title := domain.TitleFrom(tr.text); title != "" {
			ts.thread.Title = title
		}
	}
	msgs := make([]domain.ChatMessage, 0, len(history)+2)
	msgs = append(msgs, history...)
	msgs = append(msgs, user)
	ts.thread.Messages = msgs
	threadID := ts.thread.ID
	req := domain.ChatTurnRequest{
		Messages:    domain.Turns(msgs),
		Model:       model,
		Tools:       tr.tools,
		Attachments: tr.attachments,
	}
	ts.mu.Unlock()

	defer func() {
		ts.mu.Lock()
		ts.cancel = nil
		ts.mu.Unlock()
	}()

	if keys := s.Keys(); !keys.IsZero() {
		req.Keys = &keys
	}

	s.notify(threadID)
	s.persistQuietly(ctx)

	sink := &threadSink{store: s, ts: ts}
	resp, err := s.transport.Send(runCtx, req)
	if err != nil {
		if runCtx.Err() == nil {
			s.logger.Warn("chat request failed", "thread", threadID, "error", err)
			sink.appendMessage(s.consumer.failure(req.Model))
		}
		s.persistQuietly(ctx)
		return domain.WrapOp("send chat request", err)
	}

	err = s.consumer.consume(runCtx, resp, now, user.ID, req.Model, sink)
	if err != nil && runCtx.Err() == nil {
		s.logger.Warn("chat stream failed", "thread", threadID, "error", err)
	}
	if perr := s.saveThreads(context.WithoutCancel(ctx)); perr != nil && err == nil {
		err = perr
	}
	return err
}

// persistQuietly saves the thread list, logging failures. Used mid-request
// where a persistence error must not abort the reply.
func (s *Store) persistQuietly(ctx context.Context) {
	if err := s.saveThreads(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("persist threads failed", "error", err)
	}
}

// threadSink writes reply progress into one thread.
type threadSink struct {
	store *Store
	ts    *threadState
}

func (w *threadSink) appendMessage(m domain.ChatMessage) {
	w.ts.mu.Lock()
	w.ts.thread.Messages = append(w.ts.thread.Messages, m)
	id := w.ts.thread.ID
	w.ts.mu.Unlock()
	w.store.notify(id)
}

func (w *threadSink) updateMessage(msgID string, fn func(m *domain.ChatMessage)) {
	w.ts.mu.Lock()
	idx := w.ts.thread.IndexOf(msgID)
	if idx >= 0 {
		fn(&w.ts.thread.Messages[idx])
	}
	id := w.ts.thread.ID
	w.ts.mu.Unlock()
	if idx >= 0 {
		w.store.notify(id)
	}
}
