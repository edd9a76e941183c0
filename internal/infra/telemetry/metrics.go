package telemetry

import (
	"time"

	"mcpool/internal/domain"
)

type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (n *NoopMetrics) ObserveHandshake(_ string, _ time.Duration, _ error) {}

func (n *NoopMetrics) ObserveInvoke(_, _ string, _ time.Duration, _ error) {}

func (n *NoopMetrics) ObserveEviction(_, _ string) {}

func (n *NoopMetrics) ObserveCatalogLoad(_ string, _ domain.ToolSource) {}

func (n *NoopMetrics) SetOpenSessions(_ string, _ int) {}

var _ domain.Metrics = (*NoopMetrics)(nil)
