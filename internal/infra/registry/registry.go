package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcpool/internal/domain"
	"mcpool/internal/infra/session"
	"mcpool/internal/infra/telemetry"
)

// Registry enforces at-most-one live session per provider. The global mutex
// guards only map mutation; connect and handshake run outside it, and
// concurrent callers for the same provider rendezvous on a pending-creation
// marker instead of racing into duplicate handshakes. Callers for distinct
// providers never serialize against each other.
type Registry struct {
	transport        domain.Transport
	logger           *zap.Logger
	metrics          domain.Metrics
	handshakeTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// entry is either a settled live session or an in-flight creation. pending
// is non-nil while creation runs and is closed once handle/err are set.
type entry struct {
	pending chan struct{}
	handle  *session.Handle
	err     error
}

type Options struct {
	Transport        domain.Transport
	Logger           *zap.Logger
	Metrics          domain.Metrics
	HandshakeTimeout time.Duration
}

func New(opts Options) *Registry {
	if opts.Transport == nil {
		panic("registry requires a transport")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Registry{
		transport:        opts.Transport,
		logger:           logger.Named("registry"),
		metrics:          metrics,
		handshakeTimeout: opts.HandshakeTimeout,
		entries:          make(map[string]*entry),
	}
}

// GetOrCreate returns the live session for spec.Name, creating one if
// needed. N concurrent callers on a cold registry produce exactly one
// connect/handshake sequence.
func (r *Registry) GetOrCreate(ctx context.Context, spec domain.ProviderSpec) (*session.Handle, error) {
	const op = "session get or create"

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, domain.E(domain.CodeUnavailable, op, "", domain.ErrManagerClosed)
		}

		e := r.entries[spec.Name]
		if e != nil && e.pending != nil {
			pending := e.pending
			r.mu.Unlock()
			select {
			case <-pending:
			case <-ctx.Done():
				return nil, domain.Wrap(ctxCode(ctx.Err()), op, ctx.Err())
			}
			r.mu.Lock()
			handle, settledErr := e.handle, e.err
			r.mu.Unlock()
			if settledErr != nil {
				return nil, settledErr
			}
			if handle != nil && handle.IsAlive() {
				return handle, nil
			}
			// The shared session died between settle and return; retry.
			continue
		}

		if e != nil && e.handle != nil {
			if e.handle.IsAlive() {
				handle := e.handle
				r.mu.Unlock()
				return handle, nil
			}
			delete(r.entries, spec.Name)
			stale := e.handle
			r.mu.Unlock()
			r.closeEvicted(stale, "dead session")
			continue
		}

		e = &entry{pending: make(chan struct{})}
		r.entries[spec.Name] = e
		r.mu.Unlock()

		handle, err := r.create(ctx, spec)

		r.mu.Lock()
		if err != nil {
			delete(r.entries, spec.Name)
			e.err = err
			close(e.pending)
			r.mu.Unlock()
			return nil, err
		}
		if r.closed {
			delete(r.entries, spec.Name)
			e.err = domain.E(domain.CodeUnavailable, op, "", domain.ErrManagerClosed)
			close(e.pending)
			r.mu.Unlock()
			_ = handle.Close()
			return nil, e.err
		}
		e.handle = handle
		close(e.pending)
		e.pending = nil
		r.mu.Unlock()

		r.metrics.SetOpenSessions(spec.Name, 1)
		return handle, nil
	}
}

func (r *Registry) create(ctx context.Context, spec domain.ProviderSpec) (*session.Handle, error) {
	started := time.Now()
	r.logger.Info("session create attempt",
		telemetry.EventField(telemetry.EventSessionCreateAttempt),
		telemetry.ProviderField(spec.Name),
	)

	createCtx := ctx
	if r.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		createCtx, cancel = context.WithTimeout(ctx, r.handshakeTimeout)
		defer cancel()
	}

	conn, err := r.transport.Connect(createCtx, spec)
	if err != nil {
		r.metrics.ObserveHandshake(spec.Name, time.Since(started), err)
		r.logger.Error("session create failed",
			telemetry.EventField(telemetry.EventSessionCreateFailure),
			telemetry.ProviderField(spec.Name),
			telemetry.DurationField(time.Since(started)),
			zap.Error(err),
		)
		return nil, domain.Wrap(domain.CodeConnection, "session get or create", err)
	}

	handle, err := session.Establish(createCtx, conn, spec, r.logger.Named("session"))
	if err != nil {
		r.metrics.ObserveHandshake(spec.Name, time.Since(started), err)
		r.logger.Error("session handshake failed",
			telemetry.EventField(telemetry.EventHandshakeFailure),
			telemetry.ProviderField(spec.Name),
			telemetry.DurationField(time.Since(started)),
			zap.Error(err),
		)
		return nil, err
	}

	r.metrics.ObserveHandshake(spec.Name, time.Since(started), nil)
	r.logger.Info("session created",
		telemetry.EventField(telemetry.EventSessionCreateSuccess),
		telemetry.ProviderField(spec.Name),
		telemetry.SessionIDField(handle.ID()),
		telemetry.DurationField(time.Since(started)),
	)
	return handle, nil
}

// Lookup returns the current handle for a provider without creating one.
// The handle may be dead; callers check IsAlive.
func (r *Registry) Lookup(provider string) (*session.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[provider]
	if e == nil || e.handle == nil {
		return nil, false
	}
	return e.handle, true
}

// Evict removes and closes a handle iff the registry still holds that exact
// handle. Evicting an already-replaced handle is a no-op, so racing callers
// cannot tear down each other's fresh sessions.
func (r *Registry) Evict(provider string, handle *session.Handle, reason string) {
	r.mu.Lock()
	e := r.entries[provider]
	if e == nil || e.handle != handle {
		r.mu.Unlock()
		return
	}
	delete(r.entries, provider)
	r.mu.Unlock()
	r.closeEvicted(handle, reason)
}

func (r *Registry) closeEvicted(handle *session.Handle, reason string) {
	if err := handle.Close(); err != nil {
		r.logger.Warn("evicted session close failed",
			telemetry.ProviderField(handle.Provider()),
			telemetry.SessionIDField(handle.ID()),
			zap.Error(err),
		)
	}
	r.logger.Info("session evicted",
		telemetry.EventField(telemetry.EventSessionEvicted),
		telemetry.ProviderField(handle.Provider()),
		telemetry.SessionIDField(handle.ID()),
		telemetry.ReasonField(reason),
	)
	r.metrics.ObserveEviction(handle.Provider(), reason)
	r.metrics.SetOpenSessions(handle.Provider(), 0)
}

// CloseAll closes every live session and marks the registry closed. Close
// failures are logged, never propagated; shutdown always completes. Safe to
// call more than once.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for provider, e := range entries {
		if e.handle == nil {
			// In-flight creation observes the closed flag and closes its
			// own handle when it settles.
			continue
		}
		if err := e.handle.Close(); err != nil {
			r.logger.Warn("session close failed during shutdown",
				telemetry.ProviderField(provider),
				telemetry.SessionIDField(e.handle.ID()),
				zap.Error(err),
			)
		}
		r.metrics.SetOpenSessions(provider, 0)
	}
}

// Sessions returns snapshots of all settled sessions.
func (r *Registry) Sessions() []domain.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]domain.SessionInfo, 0, len(r.entries))
	for _, e := range r.entries {
		if e.handle != nil {
			infos = append(infos, e.handle.Info())
		}
	}
	return infos
}

func ctxCode(err error) domain.ErrorCode {
	if err == context.DeadlineExceeded {
		return domain.CodeDeadlineExceeded
	}
	return domain.CodeCanceled
}
