package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"mcpool/internal/domain"
	"mcpool/internal/infra/catalog"
	"mcpool/internal/infra/config"
	"mcpool/internal/infra/lifecycle"
	"mcpool/internal/infra/probe"
	"mcpool/internal/infra/telemetry"
	"mcpool/internal/infra/transport"
)

type App struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *App {
	return &App{
		logger: logger.Named("app"),
	}
}

type runtime struct {
	manager *lifecycle.Manager
	store   *catalog.Store
	config  domain.Config
}

func (r *runtime) close(ctx context.Context) {
	_ = r.manager.Shutdown(ctx)
	if r.store != nil {
		_ = r.store.Close()
	}
}

// bootstrap loads the config and wires the full manager stack: composite
// transport, session registry, catalog loader, optional snapshot store.
func (a *App) bootstrap(ctx context.Context, configPath string, metrics domain.Metrics) (*runtime, error) {
	cfg, err := config.NewLoader(a.logger).Load(ctx, configPath)
	if err != nil {
		return nil, err
	}

	a.logger.Info("configuration loaded",
		zap.String("config", configPath),
		zap.Int("providers", len(cfg.Providers)),
	)

	var store *catalog.Store
	if cfg.Runtime.CatalogCachePath != "" {
		store, err = catalog.OpenStore(cfg.Runtime.CatalogCachePath)
		if err != nil {
			a.logger.Warn("catalog snapshot store unavailable", zap.Error(err))
			store = nil
		}
	}

	composite := transport.NewCompositeTransport(transport.CompositeTransportOptions{
		Stdio:          transport.NewStdioTransport(transport.StdioTransportOptions{Logger: a.logger}),
		StreamableHTTP: transport.NewStreamableHTTPTransport(transport.StreamableHTTPTransportOptions{Logger: a.logger}),
	})

	manager := lifecycle.NewManager(lifecycle.Options{
		Config:    cfg,
		Transport: composite,
		Logger:    a.logger,
		Metrics:   metrics,
		Store:     store,
	})

	return &runtime{manager: manager, store: store, config: cfg}, nil
}

type ToolsConfig struct {
	ConfigPath string
	Provider   string
	Cached     bool
}

// Tools prints the tool catalog for one provider, or for every enabled
// provider when none is named. With Cached it reads persisted snapshots and
// never establishes a session.
func (a *App) Tools(ctx context.Context, cfg ToolsConfig) error {
	rt, err := a.bootstrap(ctx, cfg.ConfigPath, nil)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	providers := []string{cfg.Provider}
	if cfg.Provider == "" {
		providers = providers[:0]
		for name, spec := range rt.config.Providers {
			if !spec.Disabled {
				providers = append(providers, name)
			}
		}
		sort.Strings(providers)
	}

	type toolListing struct {
		Provider string          `json:"provider"`
		Source   string          `json:"source"`
		ETag     string          `json:"etag,omitempty"`
		Tools    json.RawMessage `json:"tools"`
	}

	var listings []toolListing
	for _, provider := range providers {
		if cfg.Cached {
			snapshot, err := rt.manager.CachedCatalog(provider)
			if err != nil {
				return err
			}
			tools, err := json.Marshal(snapshot.Tools)
			if err != nil {
				return err
			}
			listings = append(listings, toolListing{
				Provider: provider,
				Source:   string(domain.ToolSourceCache),
				ETag:     snapshot.ETag,
				Tools:    tools,
			})
			continue
		}

		descriptors, err := rt.manager.AcquireTools(ctx, provider)
		if err != nil {
			return err
		}
		definitions := make([]domain.ToolDefinition, 0, len(descriptors))
		for _, d := range descriptors {
			definitions = append(definitions, d.Definition)
		}
		tools, err := json.Marshal(definitions)
		if err != nil {
			return err
		}
		listings = append(listings, toolListing{
			Provider: provider,
			Source:   string(domain.ToolSourceLive),
			Tools:    tools,
		})
	}

	return printJSON(listings)
}

type CallConfig struct {
	ConfigPath string
	Provider   string
	Tool       string
	Args       string
}

// Call invokes one tool and prints the raw result.
func (a *App) Call(ctx context.Context, cfg CallConfig) error {
	if cfg.Provider == "" || cfg.Tool == "" {
		return fmt.Errorf("provider and tool are required")
	}
	args := json.RawMessage(`{}`)
	if cfg.Args != "" {
		if !json.Valid([]byte(cfg.Args)) {
			return fmt.Errorf("args must be valid JSON")
		}
		args = json.RawMessage(cfg.Args)
	}

	rt, err := a.bootstrap(ctx, cfg.ConfigPath, nil)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	descriptors, err := rt.manager.AcquireTools(ctx, cfg.Provider)
	if err != nil {
		return err
	}

	var descriptor *domain.ToolDescriptor
	for i := range descriptors {
		if descriptors[i].Definition.Name == cfg.Tool {
			descriptor = &descriptors[i]
			break
		}
	}
	if descriptor == nil {
		return domain.E(domain.CodeToolNotFound, "call tool",
			fmt.Sprintf("tool %s on provider %s", cfg.Tool, cfg.Provider), domain.ErrToolNotFound)
	}

	result, err := rt.manager.Invoke(ctx, *descriptor, args)
	if err != nil {
		return err
	}
	return printJSON(json.RawMessage(result))
}

type ProbeConfig struct {
	ConfigPath string
	Provider   string
	Timeout    time.Duration
}

// Probe establishes (or reuses) a session and measures a ping round trip.
func (a *App) Probe(ctx context.Context, cfg ProbeConfig) error {
	if cfg.Provider == "" {
		return fmt.Errorf("provider is required")
	}

	rt, err := a.bootstrap(ctx, cfg.ConfigPath, nil)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	handle, err := rt.manager.AcquireSession(ctx, cfg.Provider)
	if err != nil {
		return err
	}

	pinger := &probe.PingProbe{Timeout: cfg.Timeout}
	latency, err := pinger.Ping(ctx, handle)
	if err != nil {
		return err
	}

	return printJSON(map[string]any{
		"provider":  cfg.Provider,
		"sessionID": handle.ID(),
		"latencyMs": latency.Milliseconds(),
	})
}

type BenchConfig struct {
	ConfigPath    string
	Provider      string
	Tool          string
	Args          string
	Concurrency   int
	Requests      int
	MetricsListen string
}

type benchReport struct {
	Provider     string `json:"provider"`
	Tool         string `json:"tool"`
	Requests     int    `json:"requests"`
	Failures     int    `json:"failures"`
	OpenSessions int    `json:"openSessions"`
	DurationMs   int64  `json:"durationMs"`
	PerSecond    int64  `json:"perSecond"`
}

// Bench hammers one tool with concurrent invokes through the shared session
// and reports throughput. The interesting number is OpenSessions: a healthy
// run ends with exactly one no matter the concurrency.
func (a *App) Bench(ctx context.Context, cfg BenchConfig) error {
	if cfg.Provider == "" || cfg.Tool == "" {
		return fmt.Errorf("provider and tool are required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Requests <= 0 {
		cfg.Requests = 100
	}
	args := json.RawMessage(`{}`)
	if cfg.Args != "" {
		if !json.Valid([]byte(cfg.Args)) {
			return fmt.Errorf("args must be valid JSON")
		}
		args = json.RawMessage(cfg.Args)
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewPrometheusMetrics(registry)

	if cfg.MetricsListen != "" {
		go func() {
			err := telemetry.StartHTTPServer(ctx, telemetry.HTTPServerOptions{
				Addr:     cfg.MetricsListen,
				Registry: registry,
			}, a.logger)
			if err != nil {
				a.logger.Warn("metrics server error", zap.Error(err))
			}
		}()
	}

	rt, err := a.bootstrap(ctx, cfg.ConfigPath, metrics)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	descriptors, err := rt.manager.AcquireTools(ctx, cfg.Provider)
	if err != nil {
		return err
	}
	var descriptor *domain.ToolDescriptor
	for i := range descriptors {
		if descriptors[i].Definition.Name == cfg.Tool {
			descriptor = &descriptors[i]
			break
		}
	}
	if descriptor == nil {
		return domain.E(domain.CodeToolNotFound, "bench tool",
			fmt.Sprintf("tool %s on provider %s", cfg.Tool, cfg.Provider), domain.ErrToolNotFound)
	}

	started := time.Now()
	var failures atomic.Int64
	work := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range work {
				if _, err := rt.manager.Invoke(ctx, *descriptor, args); err != nil {
					failures.Add(1)
				}
			}
		}()
	}
	for i := 0; i < cfg.Requests; i++ {
		work <- struct{}{}
	}
	close(work)
	wg.Wait()

	elapsed := time.Since(started)
	sessions := rt.manager.Sessions()
	perSecond := int64(0)
	if elapsed > 0 {
		perSecond = int64(float64(cfg.Requests) / elapsed.Seconds())
	}

	return printJSON(benchReport{
		Provider:     cfg.Provider,
		Tool:         cfg.Tool,
		Requests:     cfg.Requests,
		Failures:     int(failures.Load()),
		OpenSessions: len(sessions),
		DurationMs:   elapsed.Milliseconds(),
		PerSecond:    perSecond,
	})
}

type ValidateConfig struct {
	ConfigPath string
}

// Validate loads and validates the config without contacting any provider.
func (a *App) Validate(ctx context.Context, cfg ValidateConfig) error {
	loaded, err := config.NewLoader(a.logger).Load(ctx, cfg.ConfigPath)
	if err != nil {
		return err
	}

	enabled := 0
	for _, spec := range loaded.Providers {
		if !spec.Disabled {
			enabled++
		}
	}
	a.logger.Info("configuration validated",
		zap.String("config", cfg.ConfigPath),
		zap.Int("providers", len(loaded.Providers)),
		zap.Int("enabled", enabled),
	)
	return nil
}

func printJSON(value any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
