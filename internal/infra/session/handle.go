package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcpool/internal/domain"
)

var callIDSeq atomic.Uint64

// Handle is one established session with a provider. It owns its Conn
// exclusively: the handle closes the conn, nobody else does. Safe for
// concurrent use; interleaved calls are correlated at the Conn layer.
type Handle struct {
	id       string
	provider string
	conn     domain.Conn
	logger   *zap.Logger

	createdAt time.Time
	mu        sync.Mutex
	lastUsed  time.Time

	dead      atomic.Bool
	closedFlg atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Establish performs the MCP initialize handshake over an already-open Conn.
// Every failure path closes the conn before returning; a half-initialized
// handle never escapes.
func Establish(ctx context.Context, conn domain.Conn, spec domain.ProviderSpec, logger *zap.Logger) (*Handle, error) {
	if conn == nil {
		return nil, domain.E(domain.CodeInternal, "establish session", "conn is nil", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Handle{
		id:        uuid.NewString(),
		provider:  spec.Name,
		conn:      conn,
		logger:    logger,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
	}

	if err := h.handshake(ctx, spec); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return h, nil
}

func (h *Handle) handshake(ctx context.Context, spec domain.ProviderSpec) error {
	initParams := &mcp.InitializeParams{
		ProtocolVersion: spec.ProtocolVersion,
		ClientInfo: &mcp.Implementation{
			Name:    "mcpool",
			Version: "0.1.0",
		},
		Capabilities: &mcp.ClientCapabilities{},
	}

	raw, err := h.roundTrip(ctx, "initialize", initParams)
	if err != nil {
		return domain.E(domain.CodeHandshake, "establish session", "", err)
	}

	var initResult mcp.InitializeResult
	if err := json.Unmarshal(raw, &initResult); err != nil {
		return domain.E(domain.CodeHandshake, "establish session", "", fmt.Errorf("decode initialize result: %w", err))
	}
	if initResult.ProtocolVersion != spec.ProtocolVersion {
		return domain.E(domain.CodeHandshake, "establish session",
			fmt.Sprintf("protocolVersion mismatch: %s", initResult.ProtocolVersion), domain.ErrUnsupportedProtocol)
	}
	if initResult.ServerInfo == nil || initResult.ServerInfo.Name == "" {
		return domain.E(domain.CodeHandshake, "establish session", "missing serverInfo", nil)
	}
	if initResult.Capabilities == nil {
		return domain.E(domain.CodeHandshake, "establish session", "missing capabilities", nil)
	}

	if err := h.conn.Notify(ctx, "notifications/initialized", json.RawMessage(`{}`)); err != nil {
		return domain.E(domain.CodeHandshake, "establish session", "", fmt.Errorf("send initialized: %w", err))
	}
	return nil
}

// Call performs one JSON-RPC round trip on this session. A transport failure
// marks the handle dead so the registry can evict it.
func (h *Handle) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if h.closedFlg.Load() {
		return nil, domain.E(domain.CodeSessionDead, "session call", "session closed", domain.ErrSessionDead)
	}
	if h.dead.Load() {
		return nil, domain.E(domain.CodeSessionDead, "session call", "", domain.ErrSessionDead)
	}

	raw, err := h.roundTrip(ctx, method, params)
	if err != nil {
		if isTransportFailure(err) {
			h.MarkDead()
			return nil, domain.E(domain.CodeSessionDead, "session call", "", err)
		}
		return nil, err
	}

	h.mu.Lock()
	h.lastUsed = time.Now()
	h.mu.Unlock()
	return raw, nil
}

// roundTrip encodes a request, sends it, and returns the raw result payload.
// JSON-RPC error responses come back as rpcError; everything else is a
// transport-level failure.
func (h *Handle) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}

	seq := callIDSeq.Add(1)
	id, err := jsonrpc.MakeID(fmt.Sprintf("%s-%d", h.id[:8], seq))
	if err != nil {
		return nil, fmt.Errorf("build %s id: %w", method, err)
	}

	wire, err := jsonrpc.EncodeMessage(&jsonrpc.Request{
		ID:     id,
		Method: method,
		Params: rawParams,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	rawResp, err := h.conn.Call(ctx, json.RawMessage(wire))
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	respMsg, err := jsonrpc.DecodeMessage(rawResp)
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	resp, ok := respMsg.(*jsonrpc.Response)
	if !ok {
		return nil, fmt.Errorf("%s response is not a response message", method)
	}
	if resp.Error != nil {
		return nil, &rpcError{method: method, cause: resp.Error}
	}
	return resp.Result, nil
}

// Invoke calls a named tool. Provider-reported failures surface as
// CodeInvocation; a severed channel surfaces as CodeSessionDead.
func (h *Handle) Invoke(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	if args == nil {
		args = json.RawMessage(`{}`)
	}
	params := map[string]any{
		"name":      tool,
		"arguments": args,
	}

	raw, err := h.Call(ctx, "tools/call", params)
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			return nil, domain.E(domain.CodeInvocation, "invoke tool", "", rpcErr)
		}
		return nil, err
	}

	var result struct {
		IsError bool            `json:"isError"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, domain.E(domain.CodeInvocation, "invoke tool", "", fmt.Errorf("decode tools/call result: %w", err))
	}
	if result.IsError {
		return nil, domain.E(domain.CodeInvocation, "invoke tool",
			fmt.Sprintf("tool %s reported error: %s", tool, string(result.Content)), nil)
	}
	return raw, nil
}

// Ping issues a protocol ping round trip. Used by probes, never by the
// liveness check on the acquire path.
func (h *Handle) Ping(ctx context.Context) error {
	_, err := h.Call(ctx, "ping", json.RawMessage(`{}`))
	return err
}

// IsAlive is a flag read, not a network round trip.
func (h *Handle) IsAlive() bool {
	return !h.dead.Load() && !h.closedFlg.Load()
}

func (h *Handle) MarkDead() {
	if h.dead.CompareAndSwap(false, true) {
		h.logger.Warn("session marked dead",
			zap.String("provider", h.provider),
			zap.String("sessionID", h.id),
		)
	}
}

// Close releases the underlying conn. Idempotent, and safe on a handle whose
// handshake never completed.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closedFlg.Store(true)
		if h.conn != nil {
			h.closeErr = h.conn.Close()
		}
	})
	return h.closeErr
}

func (h *Handle) ID() string {
	return h.id
}

func (h *Handle) Provider() string {
	return h.provider
}

func (h *Handle) Info() domain.SessionInfo {
	h.mu.Lock()
	lastUsed := h.lastUsed
	h.mu.Unlock()

	state := domain.SessionStateReady
	switch {
	case h.closedFlg.Load():
		state = domain.SessionStateClosed
	case h.dead.Load():
		state = domain.SessionStateDead
	}

	return domain.SessionInfo{
		ID:        h.id,
		Provider:  h.provider,
		State:     state,
		CreatedAt: h.createdAt,
		LastUsed:  lastUsed,
	}
}

type rpcError struct {
	method string
	cause  error
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("%s error: %v", e.method, e.cause)
}

func (e *rpcError) Unwrap() error {
	return e.cause
}

// isTransportFailure reports whether err signals a severed channel rather
// than an application-level error response.
func isTransportFailure(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
