package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mcpool/internal/domain"
)

// Loader reads the provider config file: a list of providers plus runtime
// settings. Environment references like ${TAVILY_API_KEY} are expanded
// before decoding; validation errors are aggregated so one pass reports
// every problem in the file.
type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		return &Loader{logger: zap.NewNop()}
	}
	return &Loader{logger: logger.Named("config")}
}

type rawConfig struct {
	Providers  []rawProviderSpec `mapstructure:"providers"`
	rawRuntime `mapstructure:",squash"`
}

type rawProviderSpec struct {
	Name            string            `mapstructure:"name"`
	Transport       string            `mapstructure:"transport"`
	Cmd             []string          `mapstructure:"cmd"`
	Env             map[string]string `mapstructure:"env"`
	Cwd             string            `mapstructure:"cwd"`
	ProtocolVersion string            `mapstructure:"protocolVersion"`
	Disabled        bool              `mapstructure:"disabled"`
	HTTP            rawHTTPConfig     `mapstructure:"http"`
}

type rawHTTPConfig struct {
	Endpoint   string            `mapstructure:"endpoint"`
	Headers    map[string]string `mapstructure:"headers"`
	MaxRetries *int              `mapstructure:"maxRetries"`
}

type rawRuntime struct {
	HandshakeTimeoutSeconds int              `mapstructure:"handshakeTimeoutSeconds"`
	InvokeTimeoutSeconds    int              `mapstructure:"invokeTimeoutSeconds"`
	CatalogTimeoutSeconds   int              `mapstructure:"catalogTimeoutSeconds"`
	CatalogCachePath        string           `mapstructure:"catalogCachePath"`
	Observability           rawObservability `mapstructure:"observability"`
}

type rawObservability struct {
	ListenAddress string `mapstructure:"listenAddress"`
}

func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("handshakeTimeoutSeconds", domain.DefaultHandshakeTimeoutSeconds)
	v.SetDefault("invokeTimeoutSeconds", domain.DefaultInvokeTimeoutSeconds)
	v.SetDefault("catalogTimeoutSeconds", domain.DefaultCatalogTimeoutSeconds)
	v.SetDefault("observability.listenAddress", domain.DefaultObservabilityListenAddress)
	return v
}

func (l *Loader) Load(ctx context.Context, path string) (domain.Config, error) {
	if path == "" {
		return domain.Config{}, errors.New("config path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Config{}, fmt.Errorf("read config: %w", err)
	}

	expanded, missing, err := expandEnv(data)
	if err != nil {
		return domain.Config{}, err
	}
	if len(missing) > 0 {
		l.logger.Warn("missing environment variables in config",
			zap.String("path", path),
			zap.Strings("missing", missing),
		)
	}

	v := newConfigViper()
	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return domain.Config{}, fmt.Errorf("parse config: %w", err)
	}

	var cfg rawConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return domain.Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return domain.Config{}, err
	}

	providers := make(map[string]domain.ProviderSpec, len(cfg.Providers))
	var validationErrors []string
	nameSeen := make(map[string]struct{})

	runtime, runtimeErrs := normalizeRuntime(cfg.rawRuntime)
	validationErrors = append(validationErrors, runtimeErrs...)

	for i, raw := range cfg.Providers {
		spec := normalizeProviderSpec(raw)
		if _, exists := nameSeen[spec.Name]; exists {
			validationErrors = append(validationErrors, fmt.Sprintf("providers[%d]: duplicate name %q", i, spec.Name))
		} else if spec.Name != "" {
			nameSeen[spec.Name] = struct{}{}
		}

		if errs := validateProviderSpec(spec, i); len(errs) > 0 {
			validationErrors = append(validationErrors, errs...)
			continue
		}
		providers[spec.Name] = spec
	}

	if len(validationErrors) > 0 {
		return domain.Config{}, errors.New(strings.Join(validationErrors, "; "))
	}

	return domain.Config{
		Providers: providers,
		Runtime:   runtime,
	}, nil
}

func normalizeProviderSpec(raw rawProviderSpec) domain.ProviderSpec {
	transport := domain.NormalizeTransport(domain.TransportKind(raw.Transport))
	if transport == domain.TransportStdio && strings.TrimSpace(raw.Transport) == "" {
		if strings.TrimSpace(raw.HTTP.Endpoint) != "" {
			transport = domain.TransportStreamableHTTP
		}
	}

	spec := domain.ProviderSpec{
		Name:            strings.TrimSpace(raw.Name),
		Transport:       transport,
		Cmd:             raw.Cmd,
		Env:             raw.Env,
		Cwd:             raw.Cwd,
		ProtocolVersion: strings.TrimSpace(raw.ProtocolVersion),
		Disabled:        raw.Disabled,
		HTTP:            normalizeHTTPConfig(raw.HTTP, transport),
	}
	if spec.ProtocolVersion == "" {
		if transport == domain.TransportStreamableHTTP {
			spec.ProtocolVersion = domain.DefaultStreamableHTTPProtocolVersion
		} else {
			spec.ProtocolVersion = domain.DefaultProtocolVersion
		}
	}
	return spec
}

func normalizeHTTPConfig(raw rawHTTPConfig, transport domain.TransportKind) *domain.StreamableHTTPConfig {
	if transport != domain.TransportStreamableHTTP {
		return nil
	}

	maxRetries := domain.DefaultStreamableHTTPMaxRetries
	if raw.MaxRetries != nil {
		maxRetries = *raw.MaxRetries
	}
	return &domain.StreamableHTTPConfig{
		Endpoint:   strings.TrimSpace(raw.Endpoint),
		Headers:    canonicalHeaders(raw.Headers),
		MaxRetries: maxRetries,
	}
}

func canonicalHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}

	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	normalized := make(map[string]string, len(headers))
	for _, key := range keys {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			normalized[""] = strings.TrimSpace(headers[key])
			continue
		}
		normalized[http.CanonicalHeaderKey(trimmed)] = strings.TrimSpace(headers[key])
	}
	return normalized
}

var protocolVersionPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

func validateProviderSpec(spec domain.ProviderSpec, index int) []string {
	var errs []string

	if spec.Name == "" {
		errs = append(errs, fmt.Sprintf("providers[%d]: name is required", index))
	}

	switch spec.Transport {
	case domain.TransportStdio:
		if len(spec.Cmd) == 0 {
			errs = append(errs, fmt.Sprintf("providers[%d]: cmd is required", index))
		}
	case domain.TransportStreamableHTTP:
		if len(spec.Cmd) > 0 {
			errs = append(errs, fmt.Sprintf("providers[%d]: cmd must be empty for streamable_http transport", index))
		}
		if spec.Cwd != "" {
			errs = append(errs, fmt.Sprintf("providers[%d]: cwd must be empty for streamable_http transport", index))
		}
		if len(spec.Env) > 0 {
			errs = append(errs, fmt.Sprintf("providers[%d]: env must be empty for streamable_http transport", index))
		}
		errs = append(errs, validateHTTPConfig(spec, index)...)
	}

	if spec.ProtocolVersion != "" && !protocolVersionPattern.MatchString(spec.ProtocolVersion) {
		errs = append(errs, fmt.Sprintf("providers[%d]: protocolVersion must match YYYY-MM-DD", index))
	}

	return errs
}

func validateHTTPConfig(spec domain.ProviderSpec, index int) []string {
	var errs []string

	if spec.HTTP == nil {
		return append(errs, fmt.Sprintf("providers[%d]: http config is required for streamable_http transport", index))
	}

	endpoint := spec.HTTP.Endpoint
	if endpoint == "" {
		errs = append(errs, fmt.Sprintf("providers[%d]: http.endpoint is required", index))
	} else if parsed, err := url.ParseRequestURI(endpoint); err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		errs = append(errs, fmt.Sprintf("providers[%d]: http.endpoint must be a valid http(s) URL", index))
	}

	if spec.HTTP.MaxRetries < -1 {
		errs = append(errs, fmt.Sprintf("providers[%d]: http.maxRetries must be >= -1 (-1 disables retries)", index))
	}

	for key, value := range spec.HTTP.Headers {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, fmt.Sprintf("providers[%d]: http.headers contains empty header name", index))
			continue
		}
		if isReservedHeader(key) {
			errs = append(errs, fmt.Sprintf("providers[%d]: http.headers.%s is reserved and managed by transport", index, key))
		}
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Sprintf("providers[%d]: http.headers.%s must not be empty", index, key))
		}
	}

	return errs
}

func isReservedHeader(header string) bool {
	switch strings.ToLower(strings.TrimSpace(header)) {
	case "content-type", "accept", "mcp-protocol-version", "mcp-session-id", "last-event-id",
		"host", "content-length", "transfer-encoding", "connection":
		return true
	default:
		return false
	}
}

func normalizeRuntime(raw rawRuntime) (domain.RuntimeConfig, []string) {
	var errs []string

	if raw.HandshakeTimeoutSeconds <= 0 {
		errs = append(errs, "handshakeTimeoutSeconds must be > 0")
	}
	if raw.InvokeTimeoutSeconds <= 0 {
		errs = append(errs, "invokeTimeoutSeconds must be > 0")
	}
	if raw.CatalogTimeoutSeconds <= 0 {
		errs = append(errs, "catalogTimeoutSeconds must be > 0")
	}

	listenAddress := strings.TrimSpace(raw.Observability.ListenAddress)
	if listenAddress == "" {
		listenAddress = domain.DefaultObservabilityListenAddress
	}

	return domain.RuntimeConfig{
		HandshakeTimeoutSeconds: raw.HandshakeTimeoutSeconds,
		InvokeTimeoutSeconds:    raw.InvokeTimeoutSeconds,
		CatalogTimeoutSeconds:   raw.CatalogTimeoutSeconds,
		CatalogCachePath:        strings.TrimSpace(raw.CatalogCachePath),
		Observability: domain.ObservabilityConfig{
			ListenAddress: listenAddress,
		},
	}, errs
}
