package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcpool/internal/domain"
	"mcpool/internal/infra/session"
	"mcpool/internal/infra/telemetry"
)

// Loader fetches a provider's tool list over an established session and
// caches it for that session's lifetime. One tools/list sequence per session,
// no matter how many callers ask; concurrent callers for the same session
// rendezvous on an in-flight marker.
type Loader struct {
	logger  *zap.Logger
	metrics domain.Metrics
	store   *Store
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*loadEntry
}

type loadEntry struct {
	done  chan struct{}
	tools []domain.ToolDefinition
	err   error
}

type LoaderOptions struct {
	Logger  *zap.Logger
	Metrics domain.Metrics
	// Store, when set, receives a snapshot after every successful live load.
	Store   *Store
	Timeout time.Duration
}

func NewLoader(opts LoaderOptions) *Loader {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Loader{
		logger:  logger.Named("catalog"),
		metrics: metrics,
		store:   opts.Store,
		timeout: opts.Timeout,
		entries: make(map[string]*loadEntry),
	}
}

// LoadTools returns descriptors for every tool the session's provider
// exposes, bound to that session's ID. Results are cached per session, so a
// repeat call never issues another tools/list.
func (l *Loader) LoadTools(ctx context.Context, h *session.Handle) ([]domain.ToolDescriptor, error) {
	const op = "load tool catalog"

	for {
		l.mu.Lock()
		e := l.entries[h.ID()]
		if e != nil {
			done := e.done
			l.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return nil, domain.Wrap(domain.CodeCanceled, op, ctx.Err())
			}
			l.mu.Lock()
			tools, loadErr := e.tools, e.err
			l.mu.Unlock()
			if loadErr != nil {
				return nil, loadErr
			}
			return l.describe(h, tools), nil
		}

		e = &loadEntry{done: make(chan struct{})}
		l.entries[h.ID()] = e
		l.mu.Unlock()

		tools, err := l.fetch(ctx, h)

		l.mu.Lock()
		if err != nil {
			// A failed load must not poison the session's cache slot.
			delete(l.entries, h.ID())
			e.err = err
			close(e.done)
			l.mu.Unlock()
			return nil, err
		}
		e.tools = tools
		close(e.done)
		l.mu.Unlock()

		l.metrics.ObserveCatalogLoad(h.Provider(), domain.ToolSourceLive)
		l.logger.Info("tool catalog loaded",
			telemetry.EventField(telemetry.EventCatalogLoaded),
			telemetry.ProviderField(h.Provider()),
			telemetry.SessionIDField(h.ID()),
			zap.Int("tools", len(tools)),
		)

		if l.store != nil {
			if err := l.store.Put(h.Provider(), tools); err != nil {
				l.logger.Warn("catalog snapshot write failed",
					telemetry.ProviderField(h.Provider()),
					zap.Error(err),
				)
			}
		}
		return l.describe(h, tools), nil
	}
}

// Invalidate drops the cached tool list for a session. Called on eviction so
// descriptors bound to the dead session cannot be re-issued.
func (l *Loader) Invalidate(sessionID string) {
	l.mu.Lock()
	delete(l.entries, sessionID)
	l.mu.Unlock()
}

// Cached returns the persisted snapshot for a provider without touching any
// session. Descriptors from a snapshot carry no session binding.
func (l *Loader) Cached(provider string) (*domain.ToolCatalogSnapshot, error) {
	if l.store == nil {
		return nil, domain.E(domain.CodeCatalog, "read cached catalog", "no snapshot store configured", nil)
	}
	snapshot, err := l.store.Get(provider)
	if err != nil {
		return nil, err
	}
	l.metrics.ObserveCatalogLoad(provider, domain.ToolSourceCache)
	return snapshot, nil
}

func (l *Loader) describe(h *session.Handle, tools []domain.ToolDefinition) []domain.ToolDescriptor {
	descriptors := make([]domain.ToolDescriptor, 0, len(tools))
	for _, tool := range tools {
		descriptors = append(descriptors, domain.ToolDescriptor{
			Definition: tool,
			Provider:   h.Provider(),
			SessionID:  h.ID(),
		})
	}
	return descriptors
}

// fetch walks the cursor-paginated tools/list sequence.
func (l *Loader) fetch(ctx context.Context, h *session.Handle) ([]domain.ToolDefinition, error) {
	const op = "load tool catalog"

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	var tools []domain.ToolDefinition
	cursor := ""
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}

		raw, err := h.Call(ctx, "tools/list", params)
		if err != nil {
			return nil, domain.Wrap(domain.CodeCatalog, op, err)
		}

		var page struct {
			Tools      []json.RawMessage `json:"tools"`
			NextCursor string            `json:"nextCursor"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, domain.E(domain.CodeCatalog, op, "", fmt.Errorf("decode tools/list result: %w", err))
		}

		for _, toolJSON := range page.Tools {
			var meta struct {
				Name        string `json:"name"`
				Description string `json:"description"`
			}
			if err := json.Unmarshal(toolJSON, &meta); err != nil {
				return nil, domain.E(domain.CodeCatalog, op, "", fmt.Errorf("decode tool entry: %w", err))
			}
			if meta.Name == "" {
				return nil, domain.E(domain.CodeCatalog, op, "tool entry missing name", nil)
			}
			tools = append(tools, domain.ToolDefinition{
				Name:        meta.Name,
				Description: meta.Description,
				ToolJSON:    append([]byte(nil), toolJSON...),
				Provider:    h.Provider(),
			})
		}

		if page.NextCursor == "" {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}
