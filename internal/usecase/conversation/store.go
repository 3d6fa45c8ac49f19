// Package conversation owns the client's threads: the active pointer,
// message history, persisted preferences, and the streaming of replies
// into assistant messages.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"testscribe/internal/domain"
)

// DefaultModel is selected until the user picks another model.
const DefaultModel = "gemini-2.5-flash"

const newThreadTitle = "New Chat"

// threadState guards one thread. A thread accepts one request at a time;
// cancel is set while a request is in flight.
type threadState struct {
	mu     sync.Mutex
	thread domain.Thread
	cancel context.CancelFunc
}

func (ts *threadState) snapshot() domain.Thread {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.thread.Clone()
}

// Store is the client conversation state. Each thread has its own lock so
// replies streaming into different threads do not contend.
type Store struct {
	persist   Persistence
	transport ChatTransport
	consumer  StreamConsumer
	logger    *slog.Logger

	now            func() time.Time
	newID          func() string
	cancelOnSwitch bool
	defaultModel   string

	mu        sync.RWMutex
	threads   []*threadState
	active    string
	model     string
	sidebar   bool
	keys      domain.ProviderKeys
	listeners map[int]func(threadID string)
	nextSub   int

	// saveMu serializes thread snapshots with their writes so an older
	// snapshot never overwrites a newer one.
	saveMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithCancelOnSwitch makes selecting away from a thread, or deleting it,
// cancel its in-flight request.
func WithCancelOnSwitch(enabled bool) Option {
	return func(s *Store) { s.cancelOnSwitch = enabled }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDs overrides the id generator.
func WithIDs(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithDefaultModel sets the model selected when none was persisted.
func WithDefaultModel(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.defaultModel = name
		}
	}
}

// NewStore creates a store. Call Hydrate before use.
func NewStore(persist Persistence, transport ChatTransport, decoders DecoderFunc, opts ...Option) *Store {
	s := &Store{
		persist:      persist,
		transport:    transport,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:          time.Now,
		newID:        func() string { return ulid.Make().String() },
		defaultModel: DefaultModel,
		listeners:    make(map[int]func(string)),
	}
	for _, o := range opts {
		o(s)
	}
	s.model = s.defaultModel
	s.consumer = StreamConsumer{decoders: decoders, now: s.now, newID: s.newID}
	return s
}

// Hydrate loads the persisted state. A blob that is missing or unreadable
// leaves its default in place. A fresh thread is created when none exist.
func (s *Store) Hydrate(ctx context.Context) error {
	var (
		threads []domain.Thread
		active  string
		model   string
		sidebar bool
		keys    domain.ProviderKeys
	)
	s.load(ctx, domain.KeyThreads, &threads)
	s.load(ctx, domain.KeyActiveThreadID, &active)
	s.load(ctx, domain.KeySelectedModel, &model)
	s.load(ctx, domain.KeySidebarCollapsed, &sidebar)
	s.load(ctx, domain.KeyAPIKeys, &keys)

	s.mu.Lock()
	s.threads = s.threads[:0]
	for _, t := range threads {
		s.threads = append(s.threads, &threadState{thread: t})
	}
	created := len(s.threads) == 0
	if created {
		s.threads = append(s.threads, &threadState{thread: s.blankThread()})
	}
	s.active = active
	if s.find(active) == nil {
		s.active = s.threads[0].thread.ID
	}
	if model != "" {
		s.model = model
	}
	s.sidebar = sidebar
	s.keys = keys
	activeID := s.active
	s.mu.Unlock()

	if created || activeID != active {
		return errors.Join(s.saveThreads(ctx), s.saveValue(ctx, domain.KeyActiveThreadID, activeID))
	}
	return nil
}

func (s *Store) load(ctx context.Context, key string, v any) {
	data, err := s.persist.Load(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("load client state failed", "key", key, "error", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("client state unreadable, using default", "key", key, "error", err)
	}
}

func (s *Store) blankThread() domain.Thread {
	return domain.Thread{ID: s.newID(), Title: newThreadTitle, Messages: []domain.ChatMessage{}}
}

// find returns the state for id. Caller holds s.mu.
func (s *Store) find(id string) *threadState {
	for _, ts := range s.threads {
		if ts.thread.ID == id {
			return ts
		}
	}
	return nil
}

// activeState returns the active thread's state.
func (s *Store) activeState() (*threadState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts := s.find(s.active)
	if ts == nil {
		if len(s.threads) == 0 {
			return nil, domain.NewDomainError("Store", domain.ErrThreadNotFound, "no threads")
		}
		ts = s.threads[0]
	}
	return ts, nil
}

func (s *Store) state(id string) (*threadState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ts := s.find(id); ts != nil {
		return ts, nil
	}
	return nil, domain.NewDomainError("Store", domain.ErrThreadNotFound, id)
}

// Threads returns copies of all threads, most recent first.
func (s *Store) Threads() []domain.Thread {
	s.mu.RLock()
	states := append([]*threadState(nil), s.threads...)
	s.mu.RUnlock()

	out := make([]domain.Thread, len(states))
	for i, ts := range states {
		out[i] = ts.snapshot()
	}
	return out
}

// Thread returns a copy of the thread with id.
func (s *Store) Thread(id string) (domain.Thread, error) {
	ts, err := s.state(id)
	if err != nil {
		return domain.Thread{}, err
	}
	return ts.snapshot(), nil
}

// ActiveThread returns a copy of the active thread.
func (s *Store) ActiveThread() domain.Thread {
	ts, err := s.activeState()
	if err != nil {
		return domain.Thread{}
	}
	return ts.snapshot()
}

// ActiveThreadID returns the id of the active thread.
func (s *Store) ActiveThreadID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Busy reports whether the thread has a request in flight.
func (s *Store) Busy(threadID string) bool {
	ts, err := s.state(threadID)
	if err != nil {
		return false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.cancel != nil
}

// Subscribe registers fn to be called with a thread id whenever that
// thread changes. The returned func removes the subscription.
func (s *Store) Subscribe(fn func(threadID string)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify(threadID string) {
	s.mu.RLock()
	fns := make([]func(string), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(threadID)
	}
}

// saveThreads writes the thread list.
func (s *Store) saveThreads(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	threads := s.Threads()
	data, err := json.Marshal(threads)
	if err != nil {
		return domain.WrapOp("marshal threads", err)
	}
	return s.persist.Save(ctx, domain.KeyThreads, data)
}

func (s *Store) saveValue(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return domain.WrapOp("marshal "+key, err)
	}
	return s.persist.Save(ctx, key, data)
}

// SelectedModel returns the model used for new requests.
func (s *Store) SelectedModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// SetSelectedModel changes and persists the selected model.
func (s *Store) SetSelectedModel(ctx context.Context, name string) error {
	s.mu.Lock()
	s.model = name
	s.mu.Unlock()
	return s.saveValue(ctx, domain.KeySelectedModel, name)
}

// SidebarCollapsed returns the persisted sidebar preference.
func (s *Store) SidebarCollapsed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sidebar
}

// SetSidebarCollapsed changes and persists the sidebar preference.
func (s *Store) SetSidebarCollapsed(ctx context.Context, collapsed bool) error {
	s.mu.Lock()
	s.sidebar = collapsed
	s.mu.Unlock()
	return s.saveValue(ctx, domain.KeySidebarCollapsed, collapsed)
}

// Keys returns the bring-your-own-key bundle.
func (s *Store) Keys() domain.ProviderKeys {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys
}

// SetKeys replaces and persists the key bundle.
func (s *Store) SetKeys(ctx context.Context, keys domain.ProviderKeys) error {
	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
	if keys.IsZero() {
		return s.persist.Delete(ctx, domain.KeyAPIKeys)
	}
	return s.saveValue(ctx, domain.KeyAPIKeys, keys)
}
