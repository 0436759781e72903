package idempotency

import "time"

const (
	TypeMessage = "message"
	TypeStatus  = "status"
	TypeEcho    = "echo"
)

// Claim identifies one webhook sub-event to the gate.
type Claim struct {
	Key       string
	MessageID string
	Type      string
}

// Record is the durable row backing a claim. Rows are immutable once
// written and logically absent past ExpiresAt.
type Record struct {
	Key       string
	MessageID string
	Type      string
	CreatedAt time.Time
	ExpiresAt time.Time
}
