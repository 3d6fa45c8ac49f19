package conversation

import (
	"context"
	"errors"

	"testscribe/internal/domain"
)

// NewThread prepends an empty thread and makes it active.
func (s *Store) NewThread(ctx context.Context) (domain.Thread, error) {
	t := s.blankThread()
	s.insertActive(t)
	if err := s.saveLayout(ctx); err != nil {
		return t.Clone(), err
	}
	s.notify(t.ID)
	return t.Clone(), nil
}

func (s *Store) insertActive(t domain.Thread) {
	s.mu.Lock()
	prev := s.active
	s.threads = append([]*threadState{{thread: t}}, s.threads...)
	s.active = t.ID
	s.mu.Unlock()
	s.leave(prev)
}

// saveLayout persists the thread list and the active pointer.
func (s *Store) saveLayout(ctx context.Context) error {
	return errors.Join(s.saveThreads(ctx), s.saveValue(ctx, domain.KeyActiveThreadID, s.ActiveThreadID()))
}

// leave is called when the active pointer moves off threadID.
func (s *Store) leave(threadID string) {
	if s.cancelOnSwitch {
		s.Abort(threadID)
	}
}

// SelectThread makes id the active thread.
func (s *Store) SelectThread(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.find(id) == nil {
		s.mu.Unlock()
		return domain.NewDomainError("Store.SelectThread", domain.ErrThreadNotFound, id)
	}
	prev := s.active
	s.active = id
	s.mu.Unlock()

	if prev != id {
		s.leave(prev)
	}
	return s.saveValue(ctx, domain.KeyActiveThreadID, id)
}

// RenameThread sets the title of thread id.
func (s *Store) RenameThread(ctx context.Context, id, title string) error {
	ts, err := s.state(id)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	ts.thread.Title = title
	ts.mu.Unlock()

	s.notify(id)
	return s.saveThreads(ctx)
}

// DeleteThread removes thread id. When it was active the first remaining
// thread becomes active; when it was the last one a fresh thread replaces it.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	s.mu.Lock()
	idx := -1
	for i, ts := range s.threads {
		if ts.thread.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return domain.NewDomainError("Store.DeleteThread", domain.ErrThreadNotFound, id)
	}
	removed := s.threads[idx]
	s.threads = append(s.threads[:idx:idx], s.threads[idx+1:]...)
	switch {
	case len(s.threads) == 0:
		fresh := s.blankThread()
		s.threads = []*threadState{{thread: fresh}}
		s.active = fresh.ID
	case s.active == id:
		s.active = s.threads[0].thread.ID
	}
	s.mu.Unlock()

	if s.cancelOnSwitch {
		removed.abort()
	}
	s.notify(id)
	return s.saveLayout(ctx)
}

// BranchOff creates a thread holding the active thread's messages up to
// and including messageID, and makes it active. An unknown messageID
// copies the whole history.
func (s *Store) BranchOff(ctx context.Context, messageID string) (domain.Thread, error) {
	ts, err := s.activeState()
	if err != nil {
		return domain.Thread{}, err
	}
	src := ts.snapshot()

	msgs := src.Messages
	var content string
	if idx := src.IndexOf(messageID); idx >= 0 {
		msgs = msgs[:idx+1]
		content = msgs[idx].Content
	}

	branch := domain.Thread{
		ID:               s.newID(),
		Title:            "Branch: " + domain.Truncate(content, 30) + "...",
		Messages:         msgs,
		IsBranched:       true,
		ParentID:         src.ID,
		AttachedContexts: src.AttachedContexts,
	}
	if branch.Messages == nil {
		branch.Messages = []domain.ChatMessage{}
	}
	s.insertActive(branch)

	if err := s.saveLayout(ctx); err != nil {
		return branch.Clone(), err
	}
	s.notify(branch.ID)
	return branch.Clone(), nil
}

// Abort cancels the in-flight request of threadID. It reports whether
// there was one.
func (s *Store) Abort(threadID string) bool {
	ts, err := s.state(threadID)
	if err != nil {
		return false
	}
	return ts.abort()
}

func (ts *threadState) abort() bool {
	ts.mu.Lock()
	cancel := ts.cancel
	ts.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// MarkContextsAttached records that the given framework contexts were
// sent in the active thread, so they are not sent again.
func (s *Store) MarkContextsAttached(ctx context.Context, keys ...domain.FrameworkContextKey) error {
	if len(keys) == 0 {
		return nil
	}
	ts, err := s.activeState()
	if err != nil {
		return err
	}
	ts.mu.Lock()
	for _, k := range keys {
		if !ts.thread.HasContext(k) {
			ts.thread.AttachedContexts = append(ts.thread.AttachedContexts, k)
		}
	}
	id := ts.thread.ID
	ts.mu.Unlock()

	s.notify(id)
	return s.saveThreads(ctx)
}

// IsContextAttached reports whether key was already sent in the active thread.
func (s *Store) IsContextAttached(key domain.FrameworkContextKey) bool {
	ts, err := s.activeState()
	if err != nil {
		return false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.thread.HasContext(key)
}

// TotalThreadTokens estimates the size of the active thread: message
// content plus attachment content.
func (s *Store) TotalThreadTokens() int {
	t := s.ActiveThread()
	total := 0
	for _, m := range t.Messages {
		total += domain.ApproxTokens(m.Content)
		for _, a := range m.Attachments {
			total += domain.ApproxTokens(a.Content)
		}
	}
	return total
}

var contextNames = map[domain.FrameworkContextKey]string{
	domain.ContextPlaywright: "Playwright Context",
	domain.ContextSelenium:   "Selenium Context",
	domain.ContextCypress:    "Cypress Context",
}

// FrameworkAttachments builds the virtual attachments for the selected
// framework contexts that were fetched and are not yet attached to the
// active thread. It returns the attachments and the keys they cover; pass
// the keys to MarkContextsAttached once the message is sent.
func (s *Store) FrameworkAttachments(selected []domain.FrameworkContextKey, fetched map[domain.FrameworkContextKey]string) ([]domain.AttachmentMeta, []domain.FrameworkContextKey) {
	want := make(map[domain.FrameworkContextKey]bool, len(selected))
	for _, k := range selected {
		want[k] = true
	}

	var (
		atts []domain.AttachmentMeta
		keys []domain.FrameworkContextKey
	)
	for _, k := range domain.FrameworkContextKeys {
		content := fetched[k]
		if !want[k] || content == "" || s.IsContextAttached(k) {
			continue
		}
		atts = append(atts, domain.AttachmentMeta{
			Name:            contextNames[k],
			Size:            int64(len(content)),
			Type:            "text/plain",
			ExternalContext: true,
			Content:         content,
		})
		keys = append(keys, k)
	}
	return atts, keys
}
