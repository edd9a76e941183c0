package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpool/internal/domain"
)

const (
	initResultJSON   = `{"protocolVersion":"2025-06-18","capabilities":{"tools":{}},"serverInfo":{"name":"srv","version":"1.0"}}`
	defaultToolsJSON = `[{"name":"tavily_search","description":"web search"}]`
)

// stubConn serves the full provider protocol: initialize, tools/list,
// tools/call, ping. failTransport simulates a severed channel; failToolCall
// makes the tool report an application-level error.
type stubConn struct {
	toolsJSON string

	mu            sync.Mutex
	failTransport bool
	failToolCall  bool
	dropToolCalls bool
	closeCount    int
	toolCalls     int
}

func (c *stubConn) Call(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	failTransport := c.failTransport
	failToolCall := c.failToolCall
	dropToolCalls := c.dropToolCalls
	c.mu.Unlock()
	if failTransport {
		return nil, domain.ErrConnectionClosed
	}

	msg, err := jsonrpc.DecodeMessage(payload)
	if err != nil {
		return nil, err
	}
	req := msg.(*jsonrpc.Request)

	var result json.RawMessage
	switch req.Method {
	case "initialize":
		result = json.RawMessage(initResultJSON)
	case "tools/list":
		result = json.RawMessage(`{"tools":` + c.toolsJSON + `}`)
	case "tools/call":
		c.mu.Lock()
		c.toolCalls++
		c.mu.Unlock()
		if dropToolCalls {
			return nil, domain.ErrConnectionClosed
		}
		if failToolCall {
			result = json.RawMessage(`{"content":[{"type":"text","text":"boom"}],"isError":true}`)
		} else {
			result = json.RawMessage(`{"content":[{"type":"text","text":"ok"}],"isError":false}`)
		}
	default:
		result = json.RawMessage(`{}`)
	}

	wire, err := jsonrpc.EncodeMessage(&jsonrpc.Response{ID: req.ID, Result: result})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(wire), nil
}

func (c *stubConn) Notify(ctx context.Context, method string, params json.RawMessage) error {
	return nil
}

func (c *stubConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	return nil
}

func (c *stubConn) sever() {
	c.mu.Lock()
	c.failTransport = true
	c.mu.Unlock()
}

type stubTransport struct {
	connects atomic.Int64

	mu            sync.Mutex
	failNext      error
	nextToolsJSON string
	dropToolCalls bool
	conns         []*stubConn
}

func newStubTransport() *stubTransport {
	return &stubTransport{nextToolsJSON: defaultToolsJSON}
}

func (t *stubTransport) Connect(ctx context.Context, spec domain.ProviderSpec) (domain.Conn, error) {
	t.connects.Add(1)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failNext != nil {
		err := t.failNext
		t.failNext = nil
		return nil, err
	}
	conn := &stubConn{toolsJSON: t.nextToolsJSON, dropToolCalls: t.dropToolCalls}
	t.conns = append(t.conns, conn)
	return conn, nil
}

func (t *stubTransport) setDropToolCalls(drop bool) {
	t.mu.Lock()
	t.dropToolCalls = drop
	t.mu.Unlock()
}

func (t *stubTransport) lastConn() *stubConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[len(t.conns)-1]
}

func (t *stubTransport) setNextToolsJSON(toolsJSON string) {
	t.mu.Lock()
	t.nextToolsJSON = toolsJSON
	t.mu.Unlock()
}

func (t *stubTransport) failNextConnect(err error) {
	t.mu.Lock()
	t.failNext = err
	t.mu.Unlock()
}

func testConfig() domain.Config {
	return domain.Config{
		Providers: map[string]domain.ProviderSpec{
			"search-provider": {
				Name:            "search-provider",
				Transport:       domain.TransportStdio,
				Cmd:             []string{"./provider"},
				ProtocolVersion: "2025-06-18",
			},
			"disabled-provider": {
				Name:            "disabled-provider",
				Transport:       domain.TransportStdio,
				Cmd:             []string{"./provider"},
				ProtocolVersion: "2025-06-18",
				Disabled:        true,
			},
		},
	}
}

func newTestManager(t *testing.T, transport domain.Transport) *Manager {
	t.Helper()
	m := NewManager(Options{
		Config:    testConfig(),
		Transport: transport,
		Logger:    zap.NewNop(),
	})
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func TestAcquireToolsEstablishesSessionOnce(t *testing.T) {
	transport := newStubTransport()
	m := newTestManager(t, transport)

	first, err := m.AcquireTools(context.Background(), "search-provider")
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, "tavily_search", first[0].Definition.Name)
	require.Equal(t, domain.ManagerStateReady, m.State())

	second, err := m.AcquireTools(context.Background(), "search-provider")
	require.NoError(t, err)
	require.Equal(t, first[0].SessionID, second[0].SessionID)
	require.Equal(t, int64(1), transport.connects.Load())
}

func TestConcurrentInvokesReuseOneSession(t *testing.T) {
	transport := newStubTransport()
	m := newTestManager(t, transport)

	descriptors, err := m.AcquireTools(context.Background(), "search-provider")
	require.NoError(t, err)

	const callers = 20
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := m.Invoke(context.Background(), descriptors[0], json.RawMessage(`{"query":"go"}`))
			require.NoError(t, err)
			require.Contains(t, string(result), "ok")
		}()
	}
	wg.Wait()

	// All twenty ran over the original session: zero new handshakes.
	require.Equal(t, int64(1), transport.connects.Load())
	require.Equal(t, callers, transport.lastConn().toolCalls)
}

func TestDeadSessionInvokeRetriedOnFreshSession(t *testing.T) {
	transport := newStubTransport()
	m := newTestManager(t, transport)

	descriptors, err := m.AcquireTools(context.Background(), "search-provider")
	require.NoError(t, err)

	transport.lastConn().sever()

	result, err := m.Invoke(context.Background(), descriptors[0], nil)
	require.NoError(t, err)
	require.Contains(t, string(result), "ok")
	require.Equal(t, int64(2), transport.connects.Load())
}

func TestStaleDescriptorReboundToFreshSession(t *testing.T) {
	transport := newStubTransport()
	m := newTestManager(t, transport)

	descriptors, err := m.AcquireTools(context.Background(), "search-provider")
	require.NoError(t, err)
	stale := descriptors[0]

	// Replace the session out from under the descriptor.
	h, err := m.AcquireSession(context.Background(), "search-provider")
	require.NoError(t, err)
	h.MarkDead()
	fresh, err := m.AcquireSession(context.Background(), "search-provider")
	require.NoError(t, err)
	require.NotEqual(t, stale.SessionID, fresh.ID())

	result, err := m.Invoke(context.Background(), stale, nil)
	require.NoError(t, err)
	require.Contains(t, string(result), "ok")
	// The rebound invoke rode the existing fresh session.
	require.Equal(t, int64(2), transport.connects.Load())
}

func TestRetryHappensExactlyOnce(t *testing.T) {
	transport := newStubTransport()
	m := newTestManager(t, transport)

	descriptors, err := m.AcquireTools(context.Background(), "search-provider")
	require.NoError(t, err)

	transport.lastConn().sever()
	// Replacement sessions handshake and list fine but die on tools/call,
	// so the single retry also fails.
	transport.setDropToolCalls(true)

	_, err = m.Invoke(context.Background(), descriptors[0], nil)
	require.Error(t, err)

	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeSessionDead, code)
	// Original session plus exactly one replacement: no retry storm.
	require.Equal(t, int64(2), transport.connects.Load())
}

func TestInvocationErrorIsNotRetried(t *testing.T) {
	transport := newStubTransport()
	m := newTestManager(t, transport)

	descriptors, err := m.AcquireTools(context.Background(), "search-provider")
	require.NoError(t, err)

	conn := transport.lastConn()
	conn.mu.Lock()
	conn.failToolCall = true
	conn.mu.Unlock()

	_, err = m.Invoke(context.Background(), descriptors[0], nil)
	require.Error(t, err)

	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeInvocation, code)
	// An application-level failure never costs a handshake.
	require.Equal(t, int64(1), transport.connects.Load())
}

func TestReboundToolMissingFromFreshCatalog(t *testing.T) {
	transport := newStubTransport()
	m := newTestManager(t, transport)

	descriptors, err := m.AcquireTools(context.Background(), "search-provider")
	require.NoError(t, err)

	transport.lastConn().sever()
	transport.setNextToolsJSON(`[{"name":"tavily_extract","description":"extract page content"}]`)

	_, err = m.Invoke(context.Background(), descriptors[0], nil)
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestFailedRecreateSurfacesUnavailable(t *testing.T) {
	transport := newStubTransport()
	m := newTestManager(t, transport)

	_, err := m.AcquireTools(context.Background(), "search-provider")
	require.NoError(t, err)

	h, err := m.AcquireSession(context.Background(), "search-provider")
	require.NoError(t, err)
	h.MarkDead()
	transport.failNextConnect(errors.New("connection refused"))

	_, err = m.AcquireTools(context.Background(), "search-provider")
	require.Error(t, err)

	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeUnavailable, code)

	// The dead session is gone and nothing half-created remains.
	require.Empty(t, m.Sessions())
}

func TestUnknownProvider(t *testing.T) {
	m := newTestManager(t, newStubTransport())

	_, err := m.AcquireTools(context.Background(), "no-such-provider")
	require.ErrorIs(t, err, domain.ErrUnknownProvider)
}

func TestDisabledProvider(t *testing.T) {
	m := newTestManager(t, newStubTransport())

	_, err := m.AcquireTools(context.Background(), "disabled-provider")
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestShutdownClosesSessionsAndRejectsFurtherWork(t *testing.T) {
	transport := newStubTransport()
	m := newTestManager(t, transport)

	_, err := m.AcquireTools(context.Background(), "search-provider")
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
	require.Equal(t, domain.ManagerStateClosed, m.State())
	require.Equal(t, 1, func() int {
		conn := transport.lastConn()
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.closeCount
	}())

	_, err = m.AcquireTools(context.Background(), "search-provider")
	require.ErrorIs(t, err, domain.ErrManagerClosed)

	_, err = m.Invoke(context.Background(), domain.ToolDescriptor{
		Provider:   "search-provider",
		Definition: domain.ToolDefinition{Name: "tavily_search"},
	}, nil)
	require.ErrorIs(t, err, domain.ErrManagerClosed)
}
