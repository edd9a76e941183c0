package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcpool/internal/domain"
	"mcpool/internal/infra/catalog"
	"mcpool/internal/infra/registry"
	"mcpool/internal/infra/session"
	"mcpool/internal/infra/telemetry"
)

// Manager coordinates session acquisition, tool catalogs, and invocation for
// every configured provider. Callers never see sessions come and go: a dead
// or replaced session is evicted and re-established behind exactly one
// transparent retry, and every other failure surfaces as-is.
type Manager struct {
	config   domain.Config
	registry *registry.Registry
	loader   *catalog.Loader
	logger   *zap.Logger
	metrics  domain.Metrics

	invokeTimeout time.Duration

	mu    sync.Mutex
	state domain.ManagerState
}

type Options struct {
	Config    domain.Config
	Transport domain.Transport
	Logger    *zap.Logger
	Metrics   domain.Metrics
	// Store, when set, persists catalog snapshots across runs.
	Store *catalog.Store
}

func NewManager(opts Options) *Manager {
	if opts.Transport == nil {
		panic("manager requires a transport")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}

	runtime := opts.Config.Runtime
	handshakeTimeout := secondsOrDefault(runtime.HandshakeTimeoutSeconds, domain.DefaultHandshakeTimeoutSeconds)
	invokeTimeout := secondsOrDefault(runtime.InvokeTimeoutSeconds, domain.DefaultInvokeTimeoutSeconds)
	catalogTimeout := secondsOrDefault(runtime.CatalogTimeoutSeconds, domain.DefaultCatalogTimeoutSeconds)

	return &Manager{
		config: opts.Config,
		registry: registry.New(registry.Options{
			Transport:        opts.Transport,
			Logger:           logger,
			Metrics:          metrics,
			HandshakeTimeout: handshakeTimeout,
		}),
		loader: catalog.NewLoader(catalog.LoaderOptions{
			Logger:  logger,
			Metrics: metrics,
			Store:   opts.Store,
			Timeout: catalogTimeout,
		}),
		logger:        logger.Named("lifecycle"),
		metrics:       metrics,
		invokeTimeout: invokeTimeout,
		state:         domain.ManagerStateUninitialized,
	}
}

// AcquireTools returns tool descriptors for a provider, establishing a
// session if none is live. Any failure to produce a working session surfaces
// as CodeUnavailable.
func (m *Manager) AcquireTools(ctx context.Context, provider string) ([]domain.ToolDescriptor, error) {
	const op = "acquire tools"

	if err := m.operational(op); err != nil {
		return nil, err
	}
	spec, err := m.spec(op, provider)
	if err != nil {
		return nil, err
	}

	handle, err := m.registry.GetOrCreate(ctx, spec)
	if err != nil {
		return nil, domain.E(domain.CodeUnavailable, op, fmt.Sprintf("provider %s", provider), err)
	}

	descriptors, err := m.loader.LoadTools(ctx, handle)
	if err == nil {
		return descriptors, nil
	}
	if !isRetryable(err) {
		return nil, err
	}

	// The session died under the catalog load. One transparent retry on a
	// fresh session; a second failure surfaces.
	m.recycle(spec.Name, handle, "dead session")
	handle, err = m.registry.GetOrCreate(ctx, spec)
	if err != nil {
		return nil, domain.E(domain.CodeUnavailable, op, fmt.Sprintf("provider %s", provider), err)
	}
	return m.loader.LoadTools(ctx, handle)
}

// AcquireSession returns the live session handle for a provider, creating it
// if needed. Used by probes and benchmarks, not by the invoke path.
func (m *Manager) AcquireSession(ctx context.Context, provider string) (*session.Handle, error) {
	const op = "acquire session"

	if err := m.operational(op); err != nil {
		return nil, err
	}
	spec, err := m.spec(op, provider)
	if err != nil {
		return nil, err
	}

	handle, err := m.registry.GetOrCreate(ctx, spec)
	if err != nil {
		return nil, domain.E(domain.CodeUnavailable, op, fmt.Sprintf("provider %s", provider), err)
	}
	return handle, nil
}

// Invoke runs a tool through the descriptor's provider. A descriptor bound
// to an evicted or dead session is rebound to a fresh session and retried
// exactly once; the rebind re-resolves the tool by name against the fresh
// catalog, so a tool the provider no longer exposes fails with
// CodeToolNotFound rather than an opaque invocation error.
func (m *Manager) Invoke(ctx context.Context, descriptor domain.ToolDescriptor, args json.RawMessage) (json.RawMessage, error) {
	const op = "invoke tool"

	if err := m.operational(op); err != nil {
		return nil, err
	}
	spec, err := m.spec(op, descriptor.Provider)
	if err != nil {
		return nil, err
	}
	toolName := descriptor.Definition.Name
	if toolName == "" {
		return nil, domain.E(domain.CodeInvalidArgument, op, "descriptor has no tool name", nil)
	}

	current, ok := m.registry.Lookup(spec.Name)
	if ok && current.ID() == descriptor.SessionID && current.IsAlive() {
		result, err := m.invokeOnce(ctx, current, toolName, args)
		if err == nil {
			return result, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		m.recycle(spec.Name, current, "dead session")
	} else {
		// Stale descriptor: its session was evicted or replaced.
		if ok && current.ID() == descriptor.SessionID {
			m.recycle(spec.Name, current, "dead session")
		}
		m.logger.Debug("rebinding stale tool descriptor",
			telemetry.ProviderField(spec.Name),
			telemetry.ToolField(toolName),
			telemetry.SessionIDField(descriptor.SessionID),
		)
	}

	handle, err := m.registry.GetOrCreate(ctx, spec)
	if err != nil {
		return nil, domain.E(domain.CodeUnavailable, op, fmt.Sprintf("provider %s", descriptor.Provider), err)
	}
	descriptors, err := m.loader.LoadTools(ctx, handle)
	if err != nil {
		return nil, err
	}
	if _, found := findTool(descriptors, toolName); !found {
		return nil, domain.E(domain.CodeToolNotFound, op,
			fmt.Sprintf("tool %s on provider %s", toolName, descriptor.Provider), domain.ErrToolNotFound)
	}
	return m.invokeOnce(ctx, handle, toolName, args)
}

func (m *Manager) invokeOnce(ctx context.Context, h *session.Handle, tool string, args json.RawMessage) (json.RawMessage, error) {
	if m.invokeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.invokeTimeout)
		defer cancel()
	}

	started := time.Now()
	result, err := h.Invoke(ctx, tool, args)
	m.metrics.ObserveInvoke(h.Provider(), tool, time.Since(started), err)
	if err != nil {
		m.logger.Warn("tool invocation failed",
			telemetry.EventField(telemetry.EventInvokeFailure),
			telemetry.ProviderField(h.Provider()),
			telemetry.ToolField(tool),
			telemetry.SessionIDField(h.ID()),
			telemetry.DurationField(time.Since(started)),
			zap.Error(err),
		)
		return nil, err
	}
	return result, nil
}

// recycle evicts a handle and drops its cached catalog so nothing can bind
// to the dead session again.
func (m *Manager) recycle(provider string, h *session.Handle, reason string) {
	m.registry.Evict(provider, h, reason)
	m.loader.Invalidate(h.ID())
}

// Providers lists configured provider names, including disabled ones.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.config.Providers))
	for name := range m.config.Providers {
		names = append(names, name)
	}
	return names
}

func (m *Manager) Sessions() []domain.SessionInfo {
	return m.registry.Sessions()
}

// CachedCatalog returns the persisted snapshot for a provider without
// establishing a session.
func (m *Manager) CachedCatalog(provider string) (*domain.ToolCatalogSnapshot, error) {
	return m.loader.Cached(provider)
}

func (m *Manager) State() domain.ManagerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Shutdown closes every live session. Individual close failures are logged
// and swallowed; shutdown always completes. Idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == domain.ManagerStateClosed {
		return nil
	}
	m.state = domain.ManagerStateShuttingDown

	started := time.Now()
	m.registry.CloseAll(ctx)
	m.state = domain.ManagerStateClosed

	m.logger.Info("shutdown complete",
		telemetry.EventField(telemetry.EventShutdownComplete),
		telemetry.DurationField(time.Since(started)),
	)
	return nil
}

func (m *Manager) operational(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case domain.ManagerStateShuttingDown, domain.ManagerStateClosed:
		return domain.E(domain.CodeUnavailable, op, "", domain.ErrManagerClosed)
	case domain.ManagerStateUninitialized:
		m.state = domain.ManagerStateReady
	}
	return nil
}

func (m *Manager) spec(op, provider string) (domain.ProviderSpec, error) {
	spec, ok := m.config.Providers[provider]
	if !ok {
		return domain.ProviderSpec{}, domain.E(domain.CodeInvalidArgument, op,
			fmt.Sprintf("provider %s", provider), domain.ErrUnknownProvider)
	}
	if spec.Disabled {
		return domain.ProviderSpec{}, domain.E(domain.CodeUnavailable, op,
			fmt.Sprintf("provider %s is disabled", provider), domain.ErrProviderUnavailable)
	}
	return spec, nil
}

func findTool(descriptors []domain.ToolDescriptor, name string) (domain.ToolDescriptor, bool) {
	for _, d := range descriptors {
		if d.Definition.Name == name {
			return d, true
		}
	}
	return domain.ToolDescriptor{}, false
}

func isRetryable(err error) bool {
	code, ok := domain.CodeFrom(err)
	if !ok {
		return false
	}
	return code == domain.CodeSessionDead || code == domain.CodeStaleSession
}

func secondsOrDefault(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}
