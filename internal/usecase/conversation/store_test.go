package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testscribe/internal/domain"
)

// --- fakes ---

type memPersist struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemPersist() *memPersist { return &memPersist{data: make(map[string][]byte)} }

func (m *memPersist) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return v, nil
}

func (m *memPersist) Save(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memPersist) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memPersist) get(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.data[key])
}

// chunkReader returns one chunk per Read, then err (io.EOF by default).
type chunkReader struct {
	chunks []string
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

type fakeTransport struct {
	mu     sync.Mutex
	reqs   []domain.ChatTurnRequest
	onSend func(ctx context.Context, req domain.ChatTurnRequest) (*Response, error)
}

func (f *fakeTransport) Send(ctx context.Context, req domain.ChatTurnRequest) (*Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.onSend(ctx, req)
}

func (f *fakeTransport) last() domain.ChatTurnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

func textReply(chunks ...string) func(context.Context, domain.ChatTurnRequest) (*Response, error) {
	return func(context.Context, domain.ChatTurnRequest) (*Response, error) {
		return &Response{ContentType: "text/plain; charset=utf-8", Body: io.NopCloser(&chunkReader{chunks: chunks})}, nil
	}
}

// textDecoder is a minimal stream decoder: the whole body is the text.
type textDecoder struct{ acc strings.Builder }

func (d *textDecoder) Feed(chunk []byte) { d.acc.Write(chunk) }
func (d *textDecoder) Finish()           {}
func (d *textDecoder) Snapshot() domain.StreamSnapshot {
	return domain.StreamSnapshot{Text: strings.TrimSpace(d.acc.String())}
}

func testDecoders(contentType string) (Decoder, bool) {
	if strings.HasPrefix(contentType, "text/plain") {
		return &textDecoder{}, true
	}
	return nil, false
}

type clock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.t
	c.t = c.t.Add(c.step)
	return t
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func newTestStore(t *testing.T, tr *fakeTransport, opts ...Option) (*Store, *memPersist) {
	t.Helper()
	p := newMemPersist()
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), step: 50 * time.Millisecond}
	base := []Option{WithClock(c.now), WithIDs(sequentialIDs())}
	s := NewStore(p, tr, testDecoders, append(base, opts...)...)
	require.NoError(t, s.Hydrate(context.Background()))
	return s, p
}

func seed(t *testing.T, s *Store, contents ...string) {
	t.Helper()
	ts, err := s.activeState()
	require.NoError(t, err)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for i, c := range contents {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		ts.thread.Messages = append(ts.thread.Messages, domain.ChatMessage{ID: fmt.Sprintf("m%d", i), Role: role, Content: c})
	}
}

// --- hydrate / preferences ---

func TestHydrate_CreatesDefaultThread(t *testing.T) {
	s, p := newTestStore(t, &fakeTransport{})

	threads := s.Threads()
	require.Len(t, threads, 1)
	assert.Equal(t, "New Chat", threads[0].Title)
	assert.Equal(t, threads[0].ID, s.ActiveThreadID())
	assert.Equal(t, DefaultModel, s.SelectedModel())

	assert.Equal(t, `"`+threads[0].ID+`"`, p.get(domain.KeyActiveThreadID))
	assert.Contains(t, p.get(domain.KeyThreads), threads[0].ID)
}

func TestHydrate_RestoresState(t *testing.T) {
	p := newMemPersist()
	ctx := context.Background()
	threads, _ := json.Marshal([]domain.Thread{{ID: "a", Title: "A"}, {ID: "b", Title: "B"}})
	require.NoError(t, p.Save(ctx, domain.KeyThreads, threads))
	require.NoError(t, p.Save(ctx, domain.KeyActiveThreadID, []byte(`"b"`)))
	require.NoError(t, p.Save(ctx, domain.KeySelectedModel, []byte(`"gpt-4.1"`)))
	require.NoError(t, p.Save(ctx, domain.KeySidebarCollapsed, []byte(`true`)))
	require.NoError(t, p.Save(ctx, domain.KeyAPIKeys, []byte(`{"openai":"sk"}`)))

	s := NewStore(p, &fakeTransport{}, testDecoders)
	require.NoError(t, s.Hydrate(ctx))

	assert.Len(t, s.Threads(), 2)
	assert.Equal(t, "b", s.ActiveThreadID())
	assert.Equal(t, "gpt-4.1", s.SelectedModel())
	assert.True(t, s.SidebarCollapsed())
	assert.Equal(t, "sk", s.Keys().OpenAI)
}

func TestHydrate_UnknownActiveAndCorruptBlobs(t *testing.T) {
	p := newMemPersist()
	ctx := context.Background()
	threads, _ := json.Marshal([]domain.Thread{{ID: "a"}, {ID: "b"}})
	require.NoError(t, p.Save(ctx, domain.KeyThreads, threads))
	require.NoError(t, p.Save(ctx, domain.KeyActiveThreadID, []byte(`"gone"`)))
	require.NoError(t, p.Save(ctx, domain.KeySelectedModel, []byte(`{not json`)))

	s := NewStore(p, &fakeTransport{}, testDecoders, WithDefaultModel("gpt-4o"))
	require.NoError(t, s.Hydrate(ctx))

	assert.Equal(t, "a", s.ActiveThreadID())
	assert.Equal(t, "gpt-4o", s.SelectedModel())
	assert.Equal(t, `"a"`, p.get(domain.KeyActiveThreadID))
}

func TestPreferences(t *testing.T) {
	s, p := newTestStore(t, &fakeTransport{})
	ctx := context.Background()

	require.NoError(t, s.SetSelectedModel(ctx, "claude-sonnet-4"))
	require.NoError(t, s.SetSidebarCollapsed(ctx, true))
	require.NoError(t, s.SetKeys(ctx, domain.ProviderKeys{Groq: "g"}))

	assert.Equal(t, `"claude-sonnet-4"`, p.get(domain.KeySelectedModel))
	assert.Equal(t, `true`, p.get(domain.KeySidebarCollapsed))
	assert.JSONEq(t, `{"groq":"g"}`, p.get(domain.KeyAPIKeys))

	require.NoError(t, s.SetKeys(ctx, domain.ProviderKeys{}))
	_, err := p.Load(ctx, domain.KeyAPIKeys)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// --- thread management ---

func TestNewSelectRename(t *testing.T) {
	s, _ := newTestStore(t, &fakeTransport{})
	ctx := context.Background()
	first := s.ActiveThreadID()

	th, err := s.NewThread(ctx)
	require.NoError(t, err)
	assert.Equal(t, th.ID, s.ActiveThreadID())
	assert.Equal(t, th.ID, s.Threads()[0].ID, "new threads are prepended")

	require.NoError(t, s.SelectThread(ctx, first))
	assert.Equal(t, first, s.ActiveThreadID())
	assert.ErrorIs(t, s.SelectThread(ctx, "nope"), domain.ErrThreadNotFound)

	require.NoError(t, s.RenameThread(ctx, first, "Login tests"))
	got, err := s.Thread(first)
	require.NoError(t, err)
	assert.Equal(t, "Login tests", got.Title)
	assert.ErrorIs(t, s.RenameThread(ctx, "nope", "x"), domain.ErrThreadNotFound)
}

func TestDeleteThread(t *testing.T) {
	s, _ := newTestStore(t, &fakeTransport{})
	ctx := context.Background()
	a := s.ActiveThreadID()
	b, err := s.NewThread(ctx)
	require.NoError(t, err)

	// Deleting the active thread activates the first remaining one.
	require.NoError(t, s.DeleteThread(ctx, b.ID))
	assert.Equal(t, a, s.ActiveThreadID())

	// Deleting the last thread replaces it with a fresh one.
	require.NoError(t, s.DeleteThread(ctx, a))
	threads := s.Threads()
	require.Len(t, threads, 1)
	assert.NotEqual(t, a, threads[0].ID)
	assert.Equal(t, "New Chat", threads[0].Title)
	assert.Equal(t, threads[0].ID, s.ActiveThreadID())

	assert.ErrorIs(t, s.DeleteThread(ctx, "nope"), domain.ErrThreadNotFound)
}

func TestDeleteInactiveThreadKeepsActive(t *testing.T) {
	s, _ := newTestStore(t, &fakeTransport{})
	ctx := context.Background()
	a := s.ActiveThreadID()
	b, err := s.NewThread(ctx)
	require.NoError(t, err)

	require.NoError(t, s.DeleteThread(ctx, a))
	assert.Equal(t, b.ID, s.ActiveThreadID())
}

func TestBranchOff(t *testing.T) {
	s, _ := newTestStore(t, &fakeTransport{})
	ctx := context.Background()
	seed(t, s, "write a login test for the checkout page", "sure", "now cypress", "ok")
	require.NoError(t, s.MarkContextsAttached(ctx, domain.ContextPlaywright))
	src := s.ActiveThreadID()

	branch, err := s.BranchOff(ctx, "m1")
	require.NoError(t, err)

	assert.Len(t, branch.Messages, 2)
	assert.True(t, branch.IsBranched)
	assert.Equal(t, src, branch.ParentID)
	assert.Equal(t, "Branch: sure...", branch.Title)
	assert.Equal(t, []domain.FrameworkContextKey{domain.ContextPlaywright}, branch.AttachedContexts)
	assert.Equal(t, branch.ID, s.ActiveThreadID())

	orig, err := s.Thread(src)
	require.NoError(t, err)
	assert.Len(t, orig.Messages, 4)
}

func TestBranchOff_TruncatesTitleAndFallsBackToFullHistory(t *testing.T) {
	s, _ := newTestStore(t, &fakeTransport{})
	seed(t, s, strings.Repeat("x", 50), "y")

	b, err := s.BranchOff(context.Background(), "m0")
	require.NoError(t, err)
	assert.Equal(t, "Branch: "+strings.Repeat("x", 30)+"...", b.Title)

	require.NoError(t, s.SelectThread(context.Background(), b.ParentID))
	full, err := s.BranchOff(context.Background(), "missing")
	require.NoError(t, err)
	assert.Len(t, full.Messages, 2)
}

func TestContextsAndTokens(t *testing.T) {
	s, _ := newTestStore(t, &fakeTransport{})
	ctx := context.Background()

	fetched := map[domain.FrameworkContextKey]string{
		domain.ContextPlaywright: "pw docs",
		domain.ContextCypress:    "cy docs",
	}
	atts, keys := s.FrameworkAttachments([]domain.FrameworkContextKey{domain.ContextCypress, domain.ContextSelenium, domain.ContextPlaywright}, fetched)
	require.Len(t, atts, 2)
	assert.Equal(t, []domain.FrameworkContextKey{domain.ContextPlaywright, domain.ContextCypress}, keys)
	assert.Equal(t, domain.AttachmentMeta{Name: "Playwright Context", Size: 7, Type: "text/plain", ExternalContext: true, Content: "pw docs"}, atts[0])

	require.NoError(t, s.MarkContextsAttached(ctx, keys...))
	require.NoError(t, s.MarkContextsAttached(ctx, domain.ContextPlaywright))
	assert.True(t, s.IsContextAttached(domain.ContextCypress))
	assert.False(t, s.IsContextAttached(domain.ContextSelenium))
	assert.Len(t, s.ActiveThread().AttachedContexts, 2)

	atts, keys = s.FrameworkAttachments([]domain.FrameworkContextKey{domain.ContextPlaywright}, fetched)
	assert.Empty(t, atts)
	assert.Empty(t, keys)

	ts, err := s.activeState()
	require.NoError(t, err)
	ts.mu.Lock()
	ts.thread.Messages = []domain.ChatMessage{
		{ID: "1", Role: domain.RoleUser, Content: "1234567", Attachments: []domain.AttachmentMeta{{Content: "abcd"}}},
		{ID: "2", Role: domain.RoleAssistant, Content: "x"},
	}
	ts.mu.Unlock()
	// ceil(7/3.5)=2, ceil(4/3.5)=2, ceil(1/3.5)=1
	assert.Equal(t, 5, s.TotalThreadTokens())
}

// --- sending ---

func TestSendMessage_Streams(t *testing.T) {
	tr := &fakeTransport{onSend: textReply("", "Here is ", "your test.")}
	s, p := newTestStore(t, tr)
	ctx := context.Background()
	require.NoError(t, s.SetKeys(ctx, domain.ProviderKeys{Google: "g"}))

	var notified int
	unsub := s.Subscribe(func(string) { notified++ })
	defer unsub()

	atts := []domain.AttachmentMeta{{Name: "page.json", Type: "application/json", DomInspExtractData: true, Content: `{}`}}
	require.NoError(t, s.SendMessage(ctx, SendInput{Text: "  write a login test  ", Tools: []string{"GITHUB_STAR"}, Attachments: atts}))

	th := s.ActiveThread()
	require.Len(t, th.Messages, 2)
	assert.Equal(t, "write a login test", th.Title)

	user, reply := th.Messages[0], th.Messages[1]
	assert.Equal(t, domain.RoleUser, user.Role)
	assert.Equal(t, "write a login test", user.Content)
	assert.Equal(t, atts, user.Attachments)

	assert.Equal(t, StreamMessageID(user.ID), reply.ID)
	assert.Equal(t, "Here is your test.", reply.Content)
	assert.Equal(t, DefaultModel, reply.Model)
	require.NotNil(t, reply.TotalTokens)
	assert.Equal(t, domain.ApproxTokens("Here is your test."), *reply.TotalTokens)
	require.NotNil(t, reply.TimeToFirstToken)
	assert.Positive(t, *reply.TimeToFirstToken)
	require.NotNil(t, reply.TokensPerSecond)

	req := tr.last()
	assert.Equal(t, DefaultModel, req.Model)
	assert.Equal(t, []string{"GITHUB_STAR"}, req.Tools)
	assert.Equal(t, []domain.TurnMessage{{Role: "user", Content: "write a login test"}}, req.Messages)
	assert.Equal(t, atts, req.Attachments)
	require.NotNil(t, req.Keys)
	assert.Equal(t, "g", req.Keys.Google)

	assert.Positive(t, notified)
	assert.Contains(t, p.get(domain.KeyThreads), "Here is your test.")
	assert.False(t, s.Busy(th.ID))
}

func TestSendMessage_KeepsTitleAfterFirstMessage(t *testing.T) {
	tr := &fakeTransport{onSend: textReply("ok")}
	s, _ := newTestStore(t, tr)
	ctx := context.Background()

	require.NoError(t, s.SendMessage(ctx, SendInput{Text: "first"}))
	require.NoError(t, s.SendMessage(ctx, SendInput{Text: "second"}))

	th := s.ActiveThread()
	assert.Equal(t, "first", th.Title)
	assert.Len(t, th.Messages, 4)
	assert.Len(t, tr.last().Messages, 3)
	assert.Nil(t, tr.last().Keys)
}

func TestSendMessage_Empty(t *testing.T) {
	s, _ := newTestStore(t, &fakeTransport{})
	err := s.SendMessage(context.Background(), SendInput{Text: "   "})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Empty(t, s.ActiveThread().Messages)
}

func TestSendMessage_ShortStreamHasNoRate(t *testing.T) {
	tr := &fakeTransport{onSend: textReply("hi")}
	s, _ := newTestStore(t, tr)
	// A clock that never advances: elapsed is zero.
	s.now = func() time.Time { return time.Unix(100, 0) }
	s.consumer.now = s.now

	require.NoError(t, s.SendMessage(context.Background(), SendInput{Text: "x"}))
	reply := s.ActiveThread().Messages[1]
	assert.Nil(t, reply.TokensPerSecond)
	require.NotNil(t, reply.TotalTokens)
	assert.Equal(t, 1, *reply.TotalTokens)
}

func TestSendMessage_JSONResponse(t *testing.T) {
	tr := &fakeTransport{onSend: func(context.Context, domain.ChatTurnRequest) (*Response, error) {
		return &Response{ContentType: "application/json", Body: io.NopCloser(strings.NewReader(`{"content":"whole answer"}`))}, nil
	}}
	s, _ := newTestStore(t, tr)

	require.NoError(t, s.SendMessage(context.Background(), SendInput{Text: "hi"}))
	msgs := s.ActiveThread().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "whole answer", msgs[1].Content)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
}

func TestSendMessage_RequestFailure(t *testing.T) {
	tr := &fakeTransport{onSend: func(context.Context, domain.ChatTurnRequest) (*Response, error) {
		return nil, errors.New("connection refused")
	}}
	s, _ := newTestStore(t, tr)

	err := s.SendMessage(context.Background(), SendInput{Text: "hi"})
	require.Error(t, err)
	msgs := s.ActiveThread().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, RequestFailed, msgs[1].Content)
	assert.False(t, s.Busy(s.ActiveThreadID()))
}

func TestSendMessage_StreamFailure(t *testing.T) {
	tr := &fakeTransport{onSend: func(context.Context, domain.ChatTurnRequest) (*Response, error) {
		body := &chunkReader{chunks: []string{"partial"}, err: errors.New("connection reset")}
		return &Response{ContentType: "text/plain", Body: io.NopCloser(body)}, nil
	}}
	s, _ := newTestStore(t, tr)

	err := s.SendMessage(context.Background(), SendInput{Text: "hi"})
	require.Error(t, err)
	msgs := s.ActiveThread().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, StreamFailed, msgs[1].Content)
	assert.Equal(t, StreamMessageID(msgs[0].ID), msgs[1].ID)
	assert.Nil(t, msgs[1].TotalTokens)
}

func TestEditUserMessage(t *testing.T) {
	s, _ := newTestStore(t, &fakeTransport{})
	seed(t, s, "u0", "a0", "u1", "a1", "u2", "a2")
	ts, err := s.activeState()
	require.NoError(t, err)
	ts.mu.Lock()
	ts.thread.Messages[2].Attachments = []domain.AttachmentMeta{{Name: "orig.json", Content: "{}"}}
	ts.mu.Unlock()

	var atSend int
	s.transport = &fakeTransport{onSend: func(context.Context, domain.ChatTurnRequest) (*Response, error) {
		atSend = len(s.ActiveThread().Messages)
		return textReply("edited reply")(context.Background(), domain.ChatTurnRequest{})
	}}

	require.NoError(t, s.EditUserMessage(context.Background(), "m2", " u1 edited ", []string{"T"}))

	assert.Equal(t, 3, atSend, "k+1 messages right after the edit")
	msgs := s.ActiveThread().Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, "u1 edited", msgs[2].Content)
	assert.NotEqual(t, "m2", msgs[2].ID)
	assert.Equal(t, "orig.json", msgs[2].Attachments[0].Name)
	assert.Equal(t, "edited reply", msgs[3].Content)
}

func TestEditUserMessage_Errors(t *testing.T) {
	s, _ := newTestStore(t, &fakeTransport{})
	seed(t, s, "u0", "a0")
	ctx := context.Background()

	assert.ErrorIs(t, s.EditUserMessage(ctx, "missing", "x", nil), domain.ErrMessageNotFound)
	assert.ErrorIs(t, s.EditUserMessage(ctx, "m1", "x", nil), domain.ErrNotUserMessage)
	assert.ErrorIs(t, s.EditUserMessage(ctx, "m0", " ", nil), domain.ErrInvalidInput)
}

func TestEditFirstMessageRetitles(t *testing.T) {
	tr := &fakeTransport{onSend: textReply("ok")}
	s, _ := newTestStore(t, tr)
	seed(t, s, "old", "reply")

	require.NoError(t, s.EditUserMessage(context.Background(), "m0", "new title", nil))
	assert.Equal(t, "new title", s.ActiveThread().Title)
}

func TestRetry(t *testing.T) {
	tr := &fakeTransport{onSend: textReply("second try")}
	s, _ := newTestStore(t, tr)
	seed(t, s, "u0", "a0", "u1", "a1")
	ts, err := s.activeState()
	require.NoError(t, err)
	ts.mu.Lock()
	ts.thread.Messages[2].Attachments = []domain.AttachmentMeta{{Name: "dom.json", DomInspExtractData: true, Content: "{}"}}
	ts.mu.Unlock()

	extra := domain.AttachmentMeta{Name: "Cypress Context", ExternalContext: true, Content: "docs"}
	require.NoError(t, s.Retry(context.Background(), "m3", []string{"T"}, extra))

	msgs := s.ActiveThread().Messages
	require.Len(t, msgs, 5, "the triggering user turn stays and is sent again")
	assert.Equal(t, "m2", msgs[2].ID)
	assert.Equal(t, "u1", msgs[3].Content)
	assert.NotEqual(t, "m2", msgs[3].ID)
	assert.Equal(t, domain.RoleUser, msgs[3].Role)
	assert.Equal(t, "second try", msgs[4].Content)

	req := tr.last()
	assert.Equal(t, []domain.TurnMessage{
		{Role: "user", Content: "u0"}, {Role: "assistant", Content: "a0"},
		{Role: "user", Content: "u1"}, {Role: "user", Content: "u1"},
	}, req.Messages)
	require.Len(t, req.Attachments, 2)
	assert.Equal(t, "Cypress Context", req.Attachments[1].Name)
}

func TestRetry_ViaSendInput(t *testing.T) {
	tr := &fakeTransport{onSend: textReply("again")}
	s, _ := newTestStore(t, tr)
	seed(t, s, "u0", "a0", "u1", "a1")

	require.NoError(t, s.SendMessage(context.Background(), SendInput{Text: "resubmitted text", RetryFrom: "m1"}))

	msgs := s.ActiveThread().Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "u0", msgs[0].Content)
	assert.Equal(t, domain.RoleUser, msgs[1].Role)
	assert.Equal(t, "resubmitted text", msgs[1].Content)
	assert.Equal(t, "again", msgs[2].Content)
	assert.Equal(t, []domain.TurnMessage{
		{Role: "user", Content: "u0"}, {Role: "user", Content: "resubmitted text"},
	}, tr.last().Messages)
}

func TestRetry_ViaSendInput_UnknownMessage(t *testing.T) {
	s, _ := newTestStore(t, &fakeTransport{})
	seed(t, s, "u0", "a0")

	err := s.SendMessage(context.Background(), SendInput{Text: "x", RetryFrom: "gone"})
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
	assert.Len(t, s.ActiveThread().Messages, 2)
}

func TestRetry_Errors(t *testing.T) {
	s, _ := newTestStore(t, &fakeTransport{})
	seed(t, s, "u0", "a0")
	ctx := context.Background()

	assert.ErrorIs(t, s.Retry(ctx, "nope", nil), domain.ErrMessageNotFound)
	assert.ErrorIs(t, s.Retry(ctx, "m0", nil), domain.ErrNotUserMessage)
}

// --- cancellation and concurrency ---

// blockingReply streams "partial" and then holds the body open until the
// request context is cancelled.
func blockingReply(written chan<- struct{}) func(context.Context, domain.ChatTurnRequest) (*Response, error) {
	return func(ctx context.Context, _ domain.ChatTurnRequest) (*Response, error) {
		pr, pw := io.Pipe()
		go func() {
			pw.Write([]byte("partial"))
			close(written)
			<-ctx.Done()
			pw.CloseWithError(ctx.Err())
		}()
		return &Response{ContentType: "text/plain", Body: pr}, nil
	}
}

func startSend(s *Store, text string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.SendMessage(context.Background(), SendInput{Text: text}) }()
	return done
}

func TestAbort_KeepsPartialContent(t *testing.T) {
	written := make(chan struct{})
	tr := &fakeTransport{onSend: blockingReply(written)}
	s, _ := newTestStore(t, tr)
	id := s.ActiveThreadID()

	done := startSend(s, "hi")
	<-written
	require.Eventually(t, func() bool {
		msgs := s.ActiveThread().Messages
		return len(msgs) == 2 && msgs[1].Content == "partial"
	}, time.Second, 5*time.Millisecond)

	assert.True(t, s.Busy(id))
	assert.True(t, s.Abort(id))

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	msgs := s.ActiveThread().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial", msgs[1].Content)
	assert.False(t, s.Busy(id))
	assert.False(t, s.Abort(id))
}

func TestThreadBusy(t *testing.T) {
	written := make(chan struct{})
	tr := &fakeTransport{onSend: blockingReply(written)}
	s, _ := newTestStore(t, tr)
	id := s.ActiveThreadID()

	done := startSend(s, "first")
	<-written

	err := s.SendMessage(context.Background(), SendInput{Text: "second"})
	assert.ErrorIs(t, err, domain.ErrThreadBusy)

	s.Abort(id)
	<-done
	msgs := s.ActiveThread().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
}

func TestCancelOnSwitch(t *testing.T) {
	written := make(chan struct{})
	tr := &fakeTransport{onSend: blockingReply(written)}
	s, _ := newTestStore(t, tr, WithCancelOnSwitch(true))
	ctx := context.Background()
	first := s.ActiveThreadID()

	done := startSend(s, "hi")
	<-written

	_, err := s.NewThread(ctx)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("switching threads did not cancel the request")
	}
	assert.False(t, s.Busy(first))
}

func TestNoCancelOnSwitchByDefault(t *testing.T) {
	written := make(chan struct{})
	tr := &fakeTransport{onSend: blockingReply(written)}
	s, _ := newTestStore(t, tr)
	ctx := context.Background()
	first := s.ActiveThreadID()

	done := startSend(s, "hi")
	<-written

	_, err := s.NewThread(ctx)
	require.NoError(t, err)
	assert.True(t, s.Busy(first))

	s.Abort(first)
	<-done
}

func TestConcurrentThreads(t *testing.T) {
	tr := &fakeTransport{onSend: textReply("a", "b", "c")}
	s, _ := newTestStore(t, tr)
	ctx := context.Background()

	ids := []string{s.ActiveThreadID()}
	for i := 0; i < 3; i++ {
		th, err := s.NewThread(ctx)
		require.NoError(t, err)
		ids = append(ids, th.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		ts, err := s.state(id)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.submit(ctx, ts, turn{cut: -1, text: "hello"}))
		}()
	}
	wg.Wait()

	for _, id := range ids {
		th, err := s.Thread(id)
		require.NoError(t, err)
		require.Len(t, th.Messages, 2)
		assert.Equal(t, "abc", th.Messages[1].Content)
	}
}
