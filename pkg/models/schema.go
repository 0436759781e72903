package models

import "fmt"

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateEnvelope(env *WebhookEnvelope) error {
	if env == nil {
		return &ValidationError{
			Field:   "envelope",
			Message: "webhook envelope cannot be nil",
		}
	}

	if len(env.Entry) == 0 {
		return &ValidationError{
			Field:   "entry",
			Message: "webhook must contain at least one entry",
		}
	}

	return nil
}

func (m *Message) Validate() error {
	if m.ID == "" {
		return &ValidationError{
			Field:   "messages.id",
			Message: "message ID is required",
		}
	}

	if m.From == "" {
		return &ValidationError{
			Field:   "messages.from",
			Message: "message sender is required",
		}
	}

	return nil
}

func (s *Status) Validate() error {
	if s.ID == "" {
		return &ValidationError{
			Field:   "statuses.id",
			Message: "status message ID is required",
		}
	}

	if s.Status == "" {
		return &ValidationError{
			Field:   "statuses.status",
			Message: "status value is required",
		}
	}

	return nil
}

func (e *MessageEcho) Validate() error {
	if e.ID == "" {
		return &ValidationError{
			Field:   "message_echoes.id",
			Message: "echo message ID is required",
		}
	}

	return nil
}
