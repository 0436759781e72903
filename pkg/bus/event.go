package bus

import (
	"context"
	"time"
)

// Topics published by the core pipeline and agents. Subscribers may match a
// topic exactly or with a trailing wildcard ("system.*", bare "*").
const (
	TopicMessageReceived     = "message.received"
	TopicMessageEcho         = "message.echo"
	TopicMessageStatusPrefix = "message.status."

	TopicSystemError            = "system.error"
	TopicOptimizationSuggestion = "system.optimization_suggestion"
	TopicPatternDetected        = "system.pattern_detected"
	TopicRecoveryStarted        = "system.recovery_started"
	TopicRecoverySuccessful     = "system.recovery_successful"
	TopicRecoveryFailed         = "system.recovery_failed"
	TopicRecoveryError          = "system.recovery_error"
	TopicBreakerOpened          = "system.circuit_breaker_opened"
	TopicBreakerClosed          = "system.circuit_breaker_closed"
	TopicComponentIsolated      = "system.component_isolated"
	TopicHealthReport           = "system.health_report"
)

const (
	PriorityLow      = "low"
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// StatusTopic returns the topic for a delivery status value, e.g.
// StatusTopic("read") == "message.status.read".
func StatusTopic(status string) string {
	return TopicMessageStatusPrefix + status
}

// Event is the unit of communication on the bus. Events are treated as
// immutable once published; the bus fills in ID, Timestamp and Sequence when
// the publisher leaves them zero.
type Event struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Payload  map[string]interface{} `json:"payload"`
	Metadata Metadata               `json:"metadata"`
}

type Metadata struct {
	Source        string    `json:"source"`
	Priority      string    `json:"priority"`
	Timestamp     time.Time `json:"timestamp"`
	Sequence      uint64    `json:"sequence"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Handler processes a delivered event. A returned error is captured at the
// dispatch boundary and re-published as a system.error event; it is never
// propagated to the publisher.
type Handler func(ctx context.Context, evt Event) error

func NewEvent(eventType, source string, payload map[string]interface{}) Event {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	return Event{
		Type:    eventType,
		Payload: payload,
		Metadata: Metadata{
			Source:   source,
			Priority: PriorityNormal,
		},
	}
}

// PayloadString fetches a string payload field, tolerating absence.
func (e Event) PayloadString(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadFloat fetches a numeric payload field. JSON round-trips store
// numbers as float64; native publishes may use ints.
func (e Event) PayloadFloat(key string) (float64, bool) {
	switch v := e.Payload[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case time.Duration:
		return float64(v.Milliseconds()), true
	}
	return 0, false
}
