package cel

// ConditionExpressionExamples provides example CEL expressions for
// optimization rule conditions and error classification rules. Conditions
// evaluate against a published event: id, event_type, source, priority,
// timestamp, payload and metadata are in scope. The event type is bound as
// event_type because "type" is reserved in CEL.
var ConditionExpressionExamples = map[string]string{
	"event_type_equals":   `event_type == "message.received"`,
	"status_event":        `event_type.startsWith("message.status.")`,
	"payload_field":       `payload.message_type == "text"`,
	"has_field":           `has(payload.from) && payload.from != ""`,
	"error_text_contains": `payload.error.contains("connection refused")`,
	"error_type_is":       `payload.error_type == "timeout"`,
	"component_equals":    `payload.component == "idempotency-gate"`,
	"high_priority":       `priority == "high" || priority == "critical"`,
	"combined":            `event_type == "system.error" && payload.error.contains("out of memory")`,
	"source_equals":       `source == "ingestion-pipeline"`,
}
