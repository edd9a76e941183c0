package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcpool/internal/domain"
)

// StreamableHTTPTransport connects to a provider exposed over the MCP
// streamable HTTP transport.
type StreamableHTTPTransport struct {
	logger *zap.Logger
}

type StreamableHTTPTransportOptions struct {
	Logger *zap.Logger
}

func NewStreamableHTTPTransport(opts StreamableHTTPTransportOptions) *StreamableHTTPTransport {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamableHTTPTransport{logger: logger}
}

func (t *StreamableHTTPTransport) Connect(ctx context.Context, spec domain.ProviderSpec) (domain.Conn, error) {
	if spec.HTTP == nil {
		return nil, domain.E(domain.CodeInvalidArgument, "http connect", "streamable http config is required", nil)
	}
	endpoint := strings.TrimSpace(spec.HTTP.Endpoint)
	if endpoint == "" {
		return nil, domain.E(domain.CodeInvalidArgument, "http connect", "streamable http endpoint is required", nil)
	}

	headerTransport, err := buildStreamableHTTPTransport(spec)
	if err != nil {
		return nil, domain.E(domain.CodeInvalidArgument, "http connect", "", err)
	}

	client := &http.Client{
		Transport: headerTransport,
	}

	maxRetries := spec.HTTP.MaxRetries
	if maxRetries == 0 {
		maxRetries = domain.DefaultStreamableHTTPMaxRetries
	}
	transport := &mcp.StreamableClientTransport{
		Endpoint:   endpoint,
		HTTPClient: client,
		MaxRetries: maxRetries,
	}
	mcpConn, err := transport.Connect(ctx)
	if err != nil {
		return nil, domain.E(domain.CodeConnection, "http connect", "", fmt.Errorf("connect streamable http: %w", err))
	}

	return newProviderConn(mcpConn, providerConnOptions{
		Logger:   t.logger.Named("http_conn"),
		Provider: spec.Name,
	}), nil
}

func buildStreamableHTTPTransport(spec domain.ProviderSpec) (http.RoundTripper, error) {
	headers := http.Header{}
	if spec.ProtocolVersion != "" {
		headers.Set("Mcp-Protocol-Version", spec.ProtocolVersion)
	}
	for key, value := range spec.HTTP.Headers {
		name := http.CanonicalHeaderKey(strings.TrimSpace(key))
		if name == "" {
			return nil, errors.New("http headers contain empty key")
		}
		headers.Set(name, value)
	}

	base := http.DefaultTransport
	if base == nil {
		return nil, errors.New("default http transport is nil")
	}

	return &headerRoundTripper{
		base:    base,
		headers: headers,
	}, nil
}

type headerRoundTripper struct {
	base    http.RoundTripper
	headers http.Header
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for key, values := range h.headers {
		req.Header.Del(key)
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	return h.base.RoundTrip(req)
}
