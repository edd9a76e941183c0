package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Conn is one physical channel to a provider. Call performs a JSON-RPC
// request/response round trip and is safe for concurrent use; interleaved
// responses are correlated by request id inside the implementation.
type Conn interface {
	Call(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params json.RawMessage) error
	Close() error
}

// Transport opens a Conn for a provider spec. Implementations do not retry;
// retry policy belongs to the caller.
type Transport interface {
	Connect(ctx context.Context, spec ProviderSpec) (Conn, error)
}

// Metrics receives session lifecycle and invocation observations.
type Metrics interface {
	ObserveHandshake(provider string, duration time.Duration, err error)
	ObserveInvoke(provider, tool string, duration time.Duration, err error)
	ObserveEviction(provider, reason string)
	ObserveCatalogLoad(provider string, source ToolSource)
	SetOpenSessions(provider string, count int)
}
