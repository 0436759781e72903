package ingestion

import (
	"context"
	"encoding/json"
	"time"

	"warden/internal/idempotency"
	"warden/internal/logger"
	"warden/pkg/bus"
	pkgerrors "warden/pkg/errors"
	"warden/pkg/metrics"
	"warden/pkg/models"
	"warden/pkg/tracing"
)

const Component = "ingestion-pipeline"

// Gate is the idempotency surface the pipeline depends on.
type Gate interface {
	CheckAndMark(ctx context.Context, claim idempotency.Claim) (bool, error)
}

// Pipeline turns raw webhook envelopes into bus events. It performs no
// external I/O of its own: idempotency writes and bus publication are its
// only side effects, everything downstream happens in subscribers.
type Pipeline struct {
	bus    bus.Bus
	gate   Gate
	logger logger.Logger
}

func NewPipeline(b bus.Bus, gate Gate, log logger.Logger) *Pipeline {
	return &Pipeline{
		bus:    b,
		gate:   gate,
		logger: log,
	}
}

// Ingest parses one envelope and publishes an event per novel sub-event.
// A payload that cannot be parsed at all fails the whole call; a malformed
// individual sub-event only increments Failed and the rest of the envelope
// still goes through. Duplicates count as Filtered, never as Failed.
func (p *Pipeline) Ingest(ctx context.Context, raw []byte) (Result, error) {
	ctx, span := tracing.GetTracer(Component).Start(ctx, "ingestion.ingest")
	defer span.End()

	start := time.Now()

	var env models.WebhookEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.IncWebhookIngested("malformed")
		metrics.ObserveIngestDuration(time.Since(start), "malformed")
		return Result{}, pkgerrors.ErrMalformedPayload.WithCause(err)
	}
	if err := models.ValidateEnvelope(&env); err != nil {
		metrics.IncWebhookIngested("malformed")
		metrics.ObserveIngestDuration(time.Since(start), "malformed")
		return Result{}, pkgerrors.ErrMalformedPayload.WithCause(err)
	}

	var res Result
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			p.processChange(ctx, change.Value, &res)
		}
	}

	outcome := "accepted"
	if res.Failed > 0 {
		outcome = "partial"
	}
	metrics.IncWebhookIngested(outcome)
	metrics.ObserveIngestDuration(time.Since(start), outcome)

	p.logger.DebugwCtx(ctx, "Webhook ingested",
		"accepted", res.Accepted,
		"filtered", res.Filtered,
		"failed", res.Failed,
	)
	return res, nil
}

func (p *Pipeline) processChange(ctx context.Context, value models.ChangeValue, res *Result) {
	contacts := contactIndex(value.Contacts)
	phoneNumberID := ""
	if value.Metadata != nil {
		phoneNumberID = value.Metadata.PhoneNumberID
	}

	for i := range value.Messages {
		p.processMessage(ctx, &value.Messages[i], phoneNumberID, contacts, res)
	}
	for i := range value.Statuses {
		p.processStatus(ctx, &value.Statuses[i], res)
	}
	for i := range value.MessageEchoes {
		p.processEcho(ctx, &value.MessageEchoes[i], res)
	}
}

func (p *Pipeline) processMessage(ctx context.Context, msg *models.Message, phoneNumberID string, contacts map[string]string, res *Result) {
	start := time.Now()
	metrics.IncWebhookSubEvent("message")

	if err := msg.Validate(); err != nil {
		res.Failed++
		p.logger.WarnwCtx(ctx, "Dropping invalid message", "error", err)
		return
	}

	first, err := p.gate.CheckAndMark(ctx, idempotency.MessageClaim(msg.ID))
	if err != nil {
		res.Failed++
		p.logger.ErrorwCtx(ctx, "Idempotency check failed",
			"message_id", msg.ID,
			"error", err,
		)
		return
	}
	if !first {
		res.Filtered++
		p.logger.DebugwCtx(ctx, "Duplicate message filtered", "message_id", msg.ID)
		return
	}

	payload := map[string]interface{}{
		"message_id":   msg.ID,
		"from":         msg.From,
		"message_type": msg.Type,
	}
	if msg.Text != nil {
		payload["text"] = msg.Text.Body
	}
	if name, ok := contacts[msg.From]; ok {
		payload["contact_name"] = name
	}
	if phoneNumberID != "" {
		payload["phone_number_id"] = phoneNumberID
	}
	if msg.Context != nil && msg.Context.ID != "" {
		payload["in_reply_to"] = msg.Context.ID
	}
	if ts := models.ParseTimestamp(msg.Timestamp); !ts.IsZero() {
		payload["sent_at"] = ts
	}
	payload["processing_ms"] = elapsedMs(start)

	p.publish(ctx, bus.NewEvent(bus.TopicMessageReceived, Component, payload), msg.ID, res)
}

func (p *Pipeline) processStatus(ctx context.Context, st *models.Status, res *Result) {
	start := time.Now()
	metrics.IncWebhookSubEvent("status")

	if err := st.Validate(); err != nil {
		res.Failed++
		p.logger.WarnwCtx(ctx, "Dropping invalid status update", "error", err)
		return
	}

	first, err := p.gate.CheckAndMark(ctx, idempotency.StatusClaim(st.ID, st.Status))
	if err != nil {
		res.Failed++
		p.logger.ErrorwCtx(ctx, "Idempotency check failed",
			"message_id", st.ID,
			"status", st.Status,
			"error", err,
		)
		return
	}
	if !first {
		res.Filtered++
		p.logger.DebugwCtx(ctx, "Duplicate status filtered",
			"message_id", st.ID,
			"status", st.Status,
		)
		return
	}

	payload := map[string]interface{}{
		"message_id": st.ID,
		"status":     st.Status,
	}
	if st.RecipientID != "" {
		payload["recipient_id"] = st.RecipientID
	}
	if ts := models.ParseTimestamp(st.Timestamp); !ts.IsZero() {
		payload["sent_at"] = ts
	}
	if len(st.Errors) > 0 {
		payload["error_code"] = st.Errors[0].Code
		payload["error_title"] = st.Errors[0].Title
	}
	payload["processing_ms"] = elapsedMs(start)

	p.publish(ctx, bus.NewEvent(bus.StatusTopic(st.Status), Component, payload), st.ID, res)
}

func (p *Pipeline) processEcho(ctx context.Context, echo *models.MessageEcho, res *Result) {
	start := time.Now()
	metrics.IncWebhookSubEvent("echo")

	if err := echo.Validate(); err != nil {
		res.Failed++
		p.logger.WarnwCtx(ctx, "Dropping invalid echo", "error", err)
		return
	}

	first, err := p.gate.CheckAndMark(ctx, idempotency.EchoClaim(echo.ID))
	if err != nil {
		res.Failed++
		p.logger.ErrorwCtx(ctx, "Idempotency check failed",
			"message_id", echo.ID,
			"error", err,
		)
		return
	}
	if !first {
		res.Filtered++
		p.logger.DebugwCtx(ctx, "Duplicate echo filtered", "message_id", echo.ID)
		return
	}

	payload := map[string]interface{}{
		"message_id":   echo.ID,
		"to":           echo.To,
		"message_type": echo.Type,
	}
	if echo.Text != nil {
		payload["text"] = echo.Text.Body
	}
	if ts := models.ParseTimestamp(echo.Timestamp); !ts.IsZero() {
		payload["sent_at"] = ts
	}
	payload["processing_ms"] = elapsedMs(start)

	p.publish(ctx, bus.NewEvent(bus.TopicMessageEcho, Component, payload), echo.ID, res)
}

// publish delivers an event for a sub-event that already passed the gate.
// A publish failure after the dedup mark drops the event for good; replaying
// it would break the at-most-once contract.
func (p *Pipeline) publish(ctx context.Context, evt bus.Event, messageID string, res *Result) {
	if err := p.bus.Publish(ctx, evt); err != nil {
		res.Failed++
		p.logger.ErrorwCtx(ctx, "Publish failed after dedup mark, event dropped",
			"event_type", evt.Type,
			"message_id", messageID,
			"error", err,
		)
		return
	}
	res.Accepted++
}

func contactIndex(contacts []models.Contact) map[string]string {
	if len(contacts) == 0 {
		return nil
	}
	names := make(map[string]string, len(contacts))
	for _, c := range contacts {
		if c.Profile.Name != "" {
			names[c.WaID] = c.Profile.Name
		}
	}
	return names
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
