package state

import (
	"context"
	"time"
)

// Event topics published by the state manager and watchdog
const (
	TopicStateChanged = "state_changed"
	TopicRecovery     = "recovery"
	TopicSoftReset    = "soft_reset"
	TopicStuck        = "stuck"
)

// Publisher receives kernel events. The message bus implements it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload map[string]interface{}) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, map[string]interface{}) error { return nil }

func stateChangedPayload(entityID string, from, to State, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"entityId":  entityID,
		"from":      from.String(),
		"to":        to.String(),
		"timestamp": at.UTC().Format(time.RFC3339Nano),
	}
}

func recoveryPayload(entityID string, attempt int, err error, at time.Time) map[string]interface{} {
	payload := map[string]interface{}{
		"entityId":  entityID,
		"attempt":   attempt,
		"success":   err == nil,
		"timestamp": at.UTC().Format(time.RFC3339Nano),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	return payload
}
