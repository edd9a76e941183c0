package domain

import (
	"errors"
	"strings"
	"time"
)

// TransportKind selects the physical channel to a provider.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportStreamableHTTP TransportKind = "streamable_http"
)

func NormalizeTransport(kind TransportKind) TransportKind {
	switch TransportKind(strings.ToLower(strings.TrimSpace(string(kind)))) {
	case TransportStreamableHTTP:
		return TransportStreamableHTTP
	default:
		return TransportStdio
	}
}

// StreamableHTTPConfig configures a provider reached over streamable HTTP.
type StreamableHTTPConfig struct {
	Endpoint   string            `json:"endpoint"`
	Headers    map[string]string `json:"headers,omitempty"`
	MaxRetries int               `json:"maxRetries"`
}

// ProviderSpec describes one remote tool provider. Name is the stable
// identity used as the session registry key.
type ProviderSpec struct {
	Name            string                `json:"name"`
	Transport       TransportKind         `json:"transport"`
	Cmd             []string              `json:"cmd,omitempty"`
	Env             map[string]string     `json:"env,omitempty"`
	Cwd             string                `json:"cwd,omitempty"`
	ProtocolVersion string                `json:"protocolVersion"`
	Disabled        bool                  `json:"disabled,omitempty"`
	HTTP            *StreamableHTTPConfig `json:"http,omitempty"`
}

type RuntimeConfig struct {
	HandshakeTimeoutSeconds int                 `json:"handshakeTimeoutSeconds"`
	InvokeTimeoutSeconds    int                 `json:"invokeTimeoutSeconds"`
	CatalogTimeoutSeconds   int                 `json:"catalogTimeoutSeconds"`
	CatalogCachePath        string              `json:"catalogCachePath,omitempty"`
	Observability           ObservabilityConfig `json:"observability"`
}

type ObservabilityConfig struct {
	ListenAddress string `json:"listenAddress"`
}

// Config is the loaded provider catalog plus runtime settings.
type Config struct {
	Providers map[string]ProviderSpec
	Runtime   RuntimeConfig
}

const (
	DefaultProtocolVersion               = "2025-06-18"
	DefaultStreamableHTTPProtocolVersion = "2025-03-26"
	DefaultStreamableHTTPMaxRetries      = 3
	DefaultHandshakeTimeoutSeconds       = 10
	DefaultInvokeTimeoutSeconds          = 60
	DefaultCatalogTimeoutSeconds         = 15
	DefaultObservabilityListenAddress    = "127.0.0.1:9464"
)

type SessionState string

const (
	SessionStateReady  SessionState = "ready"
	SessionStateDead   SessionState = "dead"
	SessionStateClosed SessionState = "closed"
)

// SessionInfo is a read-only snapshot of one session for status queries.
type SessionInfo struct {
	ID        string
	Provider  string
	State     SessionState
	CreatedAt time.Time
	LastUsed  time.Time
}

// ToolDefinition carries the raw tool metadata as reported by a provider.
// ToolJSON is the provider's tool object verbatim; Name is extracted for lookup.
type ToolDefinition struct {
	Name        string
	Description string
	ToolJSON    []byte
	Provider    string
}

// ToolDescriptor binds a tool definition to the session it was fetched from.
// Invoking through a descriptor whose session has been evicted fails with
// CodeStaleSession and must be re-fetched.
type ToolDescriptor struct {
	Definition ToolDefinition
	Provider   string
	SessionID  string
}

// ToolSource indicates where tool metadata was obtained.
type ToolSource string

const (
	ToolSourceLive  ToolSource = "live"
	ToolSourceCache ToolSource = "cache"
)

// ToolCatalogSnapshot is a persistable view of one provider's tool list.
type ToolCatalogSnapshot struct {
	Provider string           `json:"provider"`
	ETag     string           `json:"etag"`
	CachedAt time.Time        `json:"cachedAt"`
	Tools    []ToolDefinition `json:"tools"`
}

// ManagerState tracks the coordinator lifecycle.
type ManagerState string

const (
	ManagerStateUninitialized ManagerState = "uninitialized"
	ManagerStateReady         ManagerState = "ready"
	ManagerStateShuttingDown  ManagerState = "shuttingDown"
	ManagerStateClosed        ManagerState = "closed"
)

var ErrUnknownProvider = errors.New("unknown provider")
var ErrToolNotFound = errors.New("tool not found")
var ErrSessionDead = errors.New("session dead")
var ErrStaleSession = errors.New("stale session descriptor")
var ErrConnectionClosed = errors.New("connection closed")
var ErrProviderUnavailable = errors.New("provider unavailable")
var ErrManagerClosed = errors.New("manager closed")
var ErrInvalidCommand = errors.New("invalid command")
var ErrUnsupportedProtocol = errors.New("unsupported protocol version")
