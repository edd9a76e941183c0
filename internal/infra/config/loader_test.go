package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpool/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadStdioProvider(t *testing.T) {
	path := writeConfig(t, `
providers:
  - name: search-provider
    transport: stdio
    cmd: ["npx", "-y", "tavily-mcp"]
    env:
      TAVILY_API_KEY: secret
`)

	cfg, err := NewLoader(zap.NewNop()).Load(context.Background(), path)
	require.NoError(t, err)

	spec, ok := cfg.Providers["search-provider"]
	require.True(t, ok)
	require.Equal(t, domain.TransportStdio, spec.Transport)
	require.Equal(t, []string{"npx", "-y", "tavily-mcp"}, spec.Cmd)
	require.Equal(t, domain.DefaultProtocolVersion, spec.ProtocolVersion)

	require.Equal(t, domain.DefaultHandshakeTimeoutSeconds, cfg.Runtime.HandshakeTimeoutSeconds)
	require.Equal(t, domain.DefaultObservabilityListenAddress, cfg.Runtime.Observability.ListenAddress)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TAVILY_API_KEY", "tvly-123")
	path := writeConfig(t, `
providers:
  - name: search-provider
    cmd: ["npx", "tavily-mcp"]
    env:
      TAVILY_API_KEY: ${TAVILY_API_KEY}
`)

	cfg, err := NewLoader(zap.NewNop()).Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "tvly-123", cfg.Providers["search-provider"].Env["TAVILY_API_KEY"])
}

func TestLoadInfersHTTPTransportFromEndpoint(t *testing.T) {
	path := writeConfig(t, `
providers:
  - name: hosted-provider
    http:
      endpoint: https://mcp.example.com/v1
      headers:
        Authorization: Bearer token
`)

	cfg, err := NewLoader(zap.NewNop()).Load(context.Background(), path)
	require.NoError(t, err)

	spec := cfg.Providers["hosted-provider"]
	require.Equal(t, domain.TransportStreamableHTTP, spec.Transport)
	require.Equal(t, domain.DefaultStreamableHTTPProtocolVersion, spec.ProtocolVersion)
	require.NotNil(t, spec.HTTP)
	require.Equal(t, "https://mcp.example.com/v1", spec.HTTP.Endpoint)
	require.Equal(t, "Bearer token", spec.HTTP.Headers["Authorization"])
	require.Equal(t, domain.DefaultStreamableHTTPMaxRetries, spec.HTTP.MaxRetries)
}

func TestLoadAggregatesValidationErrors(t *testing.T) {
	path := writeConfig(t, `
handshakeTimeoutSeconds: 0
providers:
  - name: ""
    transport: stdio
  - name: hosted-provider
    transport: streamable_http
    cmd: ["should", "not", "be", "here"]
    http:
      endpoint: "not a url"
`)

	_, err := NewLoader(zap.NewNop()).Load(context.Background(), path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "handshakeTimeoutSeconds must be > 0")
	require.Contains(t, err.Error(), "providers[0]: name is required")
	require.Contains(t, err.Error(), "providers[1]: cmd must be empty")
	require.Contains(t, err.Error(), "providers[1]: http.endpoint must be a valid http(s) URL")
}

func TestLoadRejectsDuplicateProviderNames(t *testing.T) {
	path := writeConfig(t, `
providers:
  - name: search-provider
    cmd: ["./a"]
  - name: search-provider
    cmd: ["./b"]
`)

	_, err := NewLoader(zap.NewNop()).Load(context.Background(), path)
	require.Error(t, err)
	require.Contains(t, err.Error(), `duplicate name "search-provider"`)
}

func TestLoadRejectsReservedHeaders(t *testing.T) {
	path := writeConfig(t, `
providers:
  - name: hosted-provider
    http:
      endpoint: https://mcp.example.com/v1
      headers:
        Mcp-Session-Id: forced
`)

	_, err := NewLoader(zap.NewNop()).Load(context.Background(), path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "reserved")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := NewLoader(zap.NewNop()).Load(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestExpandEnvTracksMissingVariables(t *testing.T) {
	expanded, missing, err := expandEnv([]byte("value: ${DEFINITELY_NOT_SET_ANYWHERE}\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"DEFINITELY_NOT_SET_ANYWHERE"}, missing)
	require.Contains(t, expanded, "value:")
}

func TestExpandEnvCoercesNumericScalar(t *testing.T) {
	t.Setenv("INVOKE_TIMEOUT", "30")
	path := writeConfig(t, `
invokeTimeoutSeconds: ${INVOKE_TIMEOUT}
providers:
  - name: search-provider
    cmd: ["./provider"]
`)

	cfg, err := NewLoader(zap.NewNop()).Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, 30, cfg.Runtime.InvokeTimeoutSeconds)
}
