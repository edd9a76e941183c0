package probe

import (
	"context"
	"errors"
	"time"

	"mcpool/internal/infra/session"
)

// PingProbe measures provider responsiveness over an established session.
// It is a diagnostic round trip, never part of the acquire path: liveness on
// acquire is a flag read, not a network call.
type PingProbe struct {
	Timeout time.Duration
}

func (p *PingProbe) Ping(ctx context.Context, h *session.Handle) (time.Duration, error) {
	if h == nil {
		return 0, errors.New("session is nil")
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	if err := h.Ping(pingCtx); err != nil {
		return 0, err
	}
	return time.Since(started), nil
}
