package tool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"testscribe/internal/domain"
)

// Registry resolves tool identifiers for chat requests. Locally
// registered tools (MCP bridges) are matched by name first; the remaining
// identifiers go to the remote source.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]domain.Tool
	remote   domain.ToolSource
	validate bool
	timeout  time.Duration
	observe  func(outcome string)
	logger   *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRemote sets the source for identifiers not registered locally.
func WithRemote(src domain.ToolSource) RegistryOption {
	return func(r *Registry) { r.remote = src }
}

// WithArgValidation enables JSON-schema validation of call arguments.
func WithArgValidation(enabled bool) RegistryOption {
	return func(r *Registry) { r.validate = enabled }
}

// WithExecution sets the per-call deadline and the outcome observer.
func WithExecution(timeout time.Duration, observe func(outcome string)) RegistryOption {
	return func(r *Registry) {
		r.timeout = timeout
		r.observe = observe
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:  make(map[string]domain.Tool),
		logger: logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a local tool. Names must be unique.
func (r *Registry) Register(t domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = r.wrap(t)
	return nil
}

// wrap applies validation and instrumentation. A schema that fails to
// compile disables validation for that tool only.
func (r *Registry) wrap(t domain.Tool) domain.Tool {
	if r.validate {
		wrapped, err := WithSchemaValidation(t)
		if err != nil {
			r.logger.Warn("schema validation disabled for tool", "tool", t.Name(), "error", err)
		} else {
			t = wrapped
		}
	}
	return Instrument(t, r.timeout, r.observe, r.logger)
}

// Get retrieves a local tool by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

// Names lists local tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the schemas of all local tools.
func (r *Registry) Schemas() []domain.ToolSchema {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]domain.ToolSchema, 0, len(names))
	for _, n := range names {
		schemas = append(schemas, r.tools[n].Schema())
	}
	return schemas
}

// Tools implements domain.ToolSource. Local matches are always returned,
// even when the remote lookup fails; the error reports the remote
// failure so callers can count it.
func (r *Registry) Tools(ctx context.Context, ids []string, credential string) ([]domain.Tool, error) {
	var (
		out  []domain.Tool
		rest []string
		seen = make(map[string]bool, len(ids))
	)

	r.mu.RLock()
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if t, ok := r.tools[id]; ok {
			out = append(out, t)
			continue
		}
		rest = append(rest, id)
	}
	r.mu.RUnlock()

	if len(rest) == 0 {
		return out, nil
	}
	if r.remote == nil {
		r.logger.Debug("unknown tool identifiers ignored", "ids", rest)
		return out, nil
	}

	remote, err := r.remote.Tools(ctx, rest, credential)
	for _, t := range remote {
		out = append(out, r.wrap(t))
	}
	if err != nil {
		return out, fmt.Errorf("resolve remote tools: %w", err)
	}
	return out, nil
}
