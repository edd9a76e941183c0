package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpool/internal/domain"
)

const initResultJSON = `{"protocolVersion":"2025-06-18","capabilities":{"tools":{}},"serverInfo":{"name":"srv","version":"1.0"}}`

// scriptedConn decodes each request and answers via handler. callErr, when
// set, simulates a severed channel.
type scriptedConn struct {
	mu            sync.Mutex
	closeCount    int
	callErr       error
	notifications []string
	handler       func(method string, params json.RawMessage) (json.RawMessage, error)
}

func (c *scriptedConn) Call(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	callErr := c.callErr
	c.mu.Unlock()
	if callErr != nil {
		return nil, callErr
	}

	msg, err := jsonrpc.DecodeMessage(payload)
	if err != nil {
		return nil, err
	}
	req := msg.(*jsonrpc.Request)

	result, wireErr := c.handler(req.Method, req.Params)
	resp := &jsonrpc.Response{ID: req.ID}
	if wireErr != nil {
		resp.Error = wireErr
	} else {
		resp.Result = result
	}
	wire, err := jsonrpc.EncodeMessage(resp)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(wire), nil
}

func (c *scriptedConn) Notify(ctx context.Context, method string, params json.RawMessage) error {
	c.mu.Lock()
	c.notifications = append(c.notifications, method)
	c.mu.Unlock()
	return nil
}

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	c.closeCount++
	c.mu.Unlock()
	return nil
}

func (c *scriptedConn) setCallErr(err error) {
	c.mu.Lock()
	c.callErr = err
	c.mu.Unlock()
}

func initOKConn() *scriptedConn {
	return &scriptedConn{
		handler: func(method string, params json.RawMessage) (json.RawMessage, error) {
			switch method {
			case "initialize":
				return json.RawMessage(initResultJSON), nil
			case "tools/call":
				return json.RawMessage(`{"content":[{"type":"text","text":"ok"}],"isError":false}`), nil
			case "ping":
				return json.RawMessage(`{}`), nil
			default:
				return json.RawMessage(`{}`), nil
			}
		},
	}
}

func testSpec() domain.ProviderSpec {
	return domain.ProviderSpec{
		Name:            "search-provider",
		Transport:       domain.TransportStdio,
		Cmd:             []string{"./provider"},
		ProtocolVersion: "2025-06-18",
	}
}

func TestEstablishSuccess(t *testing.T) {
	conn := initOKConn()
	h, err := Establish(context.Background(), conn, testSpec(), zap.NewNop())
	require.NoError(t, err)
	require.True(t, h.IsAlive())
	require.NotEmpty(t, h.ID())
	require.Equal(t, "search-provider", h.Provider())
	require.Contains(t, conn.notifications, "notifications/initialized")
}

func TestEstablishHandshakeRejectedClosesConn(t *testing.T) {
	conn := &scriptedConn{
		handler: func(method string, params json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("unauthorized")
		},
	}
	_, err := Establish(context.Background(), conn, testSpec(), zap.NewNop())
	require.Error(t, err)

	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeHandshake, code)
	require.Equal(t, 1, conn.closeCount)
}

func TestEstablishProtocolMismatchClosesConn(t *testing.T) {
	conn := &scriptedConn{
		handler: func(method string, params json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"protocolVersion":"2024-01-01","capabilities":{},"serverInfo":{"name":"srv"}}`), nil
		},
	}
	_, err := Establish(context.Background(), conn, testSpec(), zap.NewNop())
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrUnsupportedProtocol)
	require.Equal(t, 1, conn.closeCount)
}

func TestEstablishTransportFailureClosesConn(t *testing.T) {
	conn := initOKConn()
	conn.setCallErr(domain.ErrConnectionClosed)

	_, err := Establish(context.Background(), conn, testSpec(), zap.NewNop())
	require.Error(t, err)
	require.Equal(t, 1, conn.closeCount)
}

func TestInvokeSuccess(t *testing.T) {
	conn := initOKConn()
	h, err := Establish(context.Background(), conn, testSpec(), zap.NewNop())
	require.NoError(t, err)

	result, err := h.Invoke(context.Background(), "tavily_search", json.RawMessage(`{"query":"go"}`))
	require.NoError(t, err)
	require.Contains(t, string(result), "ok")
}

func TestInvokeToolErrorIsInvocation(t *testing.T) {
	conn := initOKConn()
	h, err := Establish(context.Background(), conn, testSpec(), zap.NewNop())
	require.NoError(t, err)

	conn.handler = func(method string, params json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"content":[{"type":"text","text":"boom"}],"isError":true}`), nil
	}

	_, err = h.Invoke(context.Background(), "tavily_search", nil)
	require.Error(t, err)

	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeInvocation, code)
	// An application-level failure must not kill the session.
	require.True(t, h.IsAlive())
}

func TestInvokeTransportFailureMarksDead(t *testing.T) {
	conn := initOKConn()
	h, err := Establish(context.Background(), conn, testSpec(), zap.NewNop())
	require.NoError(t, err)

	conn.setCallErr(domain.ErrConnectionClosed)

	_, err = h.Invoke(context.Background(), "tavily_search", nil)
	require.Error(t, err)

	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeSessionDead, code)
	require.False(t, h.IsAlive())

	// Subsequent calls fail fast without touching the conn.
	conn.setCallErr(nil)
	_, err = h.Invoke(context.Background(), "tavily_search", nil)
	code, ok = domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeSessionDead, code)
}

func TestCanceledCallerDoesNotKillSession(t *testing.T) {
	conn := initOKConn()
	h, err := Establish(context.Background(), conn, testSpec(), zap.NewNop())
	require.NoError(t, err)

	conn.setCallErr(context.Canceled)
	_, err = h.Invoke(context.Background(), "tavily_search", nil)
	require.Error(t, err)
	require.True(t, h.IsAlive())
}

func TestCloseIdempotent(t *testing.T) {
	conn := initOKConn()
	h, err := Establish(context.Background(), conn, testSpec(), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	require.Equal(t, 1, conn.closeCount)
	require.False(t, h.IsAlive())
	require.Equal(t, domain.SessionStateClosed, h.Info().State)
}
