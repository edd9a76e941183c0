package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcpool/internal/domain"
)

// providerConn adapts an mcp.Connection into a concurrent-safe
// request/response channel. A single read loop correlates responses to
// pending calls by request id; server-initiated requests are rejected with
// method-not-found, notifications are dropped.
type providerConn struct {
	conn     mcp.Connection
	pending  map[string]chan callResult
	provider string
	logger   *zap.Logger

	mu        sync.Mutex
	closeOnce sync.Once
	cancel    context.CancelFunc
	closed    chan struct{}
}

type providerConnOptions struct {
	Logger   *zap.Logger
	Provider string
}

type callResult struct {
	resp *jsonrpc.Response
	err  error
}

func newProviderConn(conn mcp.Connection, opts providerConnOptions) *providerConn {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &providerConn{
		conn:     conn,
		pending:  make(map[string]chan callResult),
		provider: opts.Provider,
		logger:   logger,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
	go c.readLoop(ctx)
	return c
}

func (c *providerConn) Call(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if c.isClosed() {
		return nil, domain.ErrConnectionClosed
	}
	msg, err := jsonrpc.DecodeMessage(payload)
	if err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok || !req.ID.IsValid() {
		return nil, errors.New("request id is required")
	}
	key, err := idKey(req.ID)
	if err != nil {
		return nil, err
	}

	resultCh := make(chan callResult, 1)
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return nil, domain.ErrConnectionClosed
	}
	c.pending[key] = resultCh
	c.mu.Unlock()

	if err := c.conn.Write(ctx, req); err != nil {
		c.removePending(key)
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, result.err
		}
		wire, err := jsonrpc.EncodeMessage(result.resp)
		if err != nil {
			return nil, fmt.Errorf("encode response: %w", err)
		}
		return json.RawMessage(wire), nil
	case <-ctx.Done():
		c.removePending(key)
		return nil, ctx.Err()
	}
}

func (c *providerConn) Notify(ctx context.Context, method string, params json.RawMessage) error {
	if c.isClosed() {
		return domain.ErrConnectionClosed
	}
	if strings.TrimSpace(method) == "" {
		return errors.New("method is required")
	}
	req := &jsonrpc.Request{
		Method: method,
		Params: params,
	}
	if err := c.conn.Write(ctx, req); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

func (c *providerConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		err = c.conn.Close()
		c.failPending(domain.ErrConnectionClosed)
	})
	return err
}

func (c *providerConn) readLoop(ctx context.Context) {
	for {
		msg, err := c.conn.Read(ctx)
		if err != nil {
			c.failPending(fmt.Errorf("read: %w", err))
			return
		}
		switch typed := msg.(type) {
		case *jsonrpc.Response:
			c.dispatchResponse(typed)
		case *jsonrpc.Request:
			if typed.ID.IsValid() {
				c.rejectServerCall(ctx, typed)
				continue
			}
			c.logger.Debug("drop notification",
				zap.String("provider", c.provider),
				zap.String("method", typed.Method),
			)
		}
	}
}

func (c *providerConn) dispatchResponse(resp *jsonrpc.Response) {
	key, err := idKey(resp.ID)
	if err != nil {
		c.logger.Debug("drop response with invalid id", zap.Error(err))
		return
	}
	c.mu.Lock()
	ch := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if ch == nil {
		c.logger.Debug("drop response with no pending call", zap.String("id", key))
		return
	}
	ch <- callResult{resp: resp}
}

func (c *providerConn) rejectServerCall(ctx context.Context, req *jsonrpc.Request) {
	resp := newMethodNotFoundResponse(req.ID)
	if err := c.conn.Write(ctx, resp); err != nil {
		c.logger.Warn("respond to server call failed", zap.String("method", req.Method), zap.Error(err))
	}
}

func (c *providerConn) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

func (c *providerConn) removePending(key string) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, key)
	}
	c.mu.Unlock()
}

func (c *providerConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func idKey(id jsonrpc.ID) (string, error) {
	if !id.IsValid() {
		return "", errors.New("missing request id")
	}
	raw := id.Raw()
	switch typed := raw.(type) {
	case string:
		return "s:" + typed, nil
	case float64:
		return fmt.Sprintf("n:%v", typed), nil
	case int:
		return fmt.Sprintf("n:%v", typed), nil
	case int64:
		return fmt.Sprintf("n:%v", typed), nil
	case json.Number:
		return "n:" + typed.String(), nil
	default:
		return "", fmt.Errorf("unsupported id type %T", raw)
	}
}

func newMethodNotFoundResponse(id jsonrpc.ID) *jsonrpc.Response {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      id.Raw(),
		"error": map[string]any{
			"code":    -32601,
			"message": "method not found",
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return &jsonrpc.Response{ID: id, Error: errors.New("method not found")}
	}
	msg, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return &jsonrpc.Response{ID: id, Error: errors.New("method not found")}
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		return &jsonrpc.Response{ID: id, Error: errors.New("method not found")}
	}
	return resp
}
