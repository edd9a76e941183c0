package telemetry

import (
	"time"

	"go.uber.org/zap"
)

const (
	FieldEvent      = "event"
	FieldProvider   = "provider"
	FieldSessionID  = "sessionID"
	FieldTool       = "tool"
	FieldState      = "state"
	FieldReason     = "reason"
	FieldDurationMs = "duration_ms"
)

const (
	EventSessionCreateAttempt = "session_create_attempt"
	EventSessionCreateSuccess = "session_create_success"
	EventSessionCreateFailure = "session_create_failure"
	EventHandshakeFailure     = "handshake_failure"
	EventSessionEvicted       = "session_evicted"
	EventInvokeFailure        = "invoke_failure"
	EventCatalogLoaded        = "catalog_loaded"
	EventShutdownComplete     = "shutdown_complete"
)

func EventField(event string) zap.Field {
	return zap.String(FieldEvent, event)
}

func ProviderField(provider string) zap.Field {
	return zap.String(FieldProvider, provider)
}

func SessionIDField(sessionID string) zap.Field {
	return zap.String(FieldSessionID, sessionID)
}

func ToolField(tool string) zap.Field {
	return zap.String(FieldTool, tool)
}

func StateField(state string) zap.Field {
	return zap.String(FieldState, state)
}

func ReasonField(reason string) zap.Field {
	return zap.String(FieldReason, reason)
}

func DurationField(duration time.Duration) zap.Field {
	return zap.Int64(FieldDurationMs, duration.Milliseconds())
}
