package transport

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcpool/internal/domain"
)

// StdioTransport launches a provider as a child process and speaks MCP over
// its stdin/stdout.
type StdioTransport struct {
	logger *zap.Logger
}

type StdioTransportOptions struct {
	Logger *zap.Logger
}

func NewStdioTransport(opts StdioTransportOptions) *StdioTransport {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioTransport{logger: logger}
}

func (t *StdioTransport) Connect(ctx context.Context, spec domain.ProviderSpec) (domain.Conn, error) {
	if len(spec.Cmd) == 0 {
		return nil, domain.E(domain.CodeInvalidArgument, "stdio connect", "cmd is required for stdio transport", domain.ErrInvalidCommand)
	}

	cmd := exec.Command(spec.Cmd[0], spec.Cmd[1:]...)
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}
	cmd.Env = append(os.Environ(), formatEnv(spec.Env)...)

	transport := &mcp.CommandTransport{
		Command: cmd,
	}

	mcpConn, err := transport.Connect(ctx)
	if err != nil {
		return nil, domain.E(domain.CodeConnection, "stdio connect", "", fmt.Errorf("connect stdio: %w", err))
	}

	return newProviderConn(mcpConn, providerConnOptions{
		Logger:   t.logger.Named("stdio_conn"),
		Provider: spec.Name,
	}), nil
}

func formatEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
