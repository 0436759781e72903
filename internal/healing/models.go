package healing

import "time"

// FailureRecord is one observed failure of a component. Per-component lists
// are bounded; old entries fall off the front.
type FailureRecord struct {
	Timestamp time.Time `json:"timestamp"`
	ErrorType string    `json:"error_type"`
	Message   string    `json:"message"`
}

// breakerRecord exists only while the component's breaker is open. After
// the timeout it is treated as absent and removed lazily.
type breakerRecord struct {
	openedAt time.Time
	timeout  time.Duration
}

func (b breakerRecord) expiresAt() time.Time {
	return b.openedAt.Add(b.timeout)
}

func (b breakerRecord) expired(now time.Time) bool {
	return !now.Before(b.expiresAt())
}

// attemptState tracks recovery attempts per (component, errorType) pair.
type attemptState struct {
	count  int
	lastAt time.Time
}

type pairKey struct {
	component string
	errorType string
}

// ComponentView is the operational API projection of one component's
// healing state.
type ComponentView struct {
	Component     string         `json:"component"`
	FailureCount  int            `json:"failure_count"`
	ErrorTypes    map[string]int `json:"error_types"`
	LastFailure   *FailureRecord `json:"last_failure,omitempty"`
	BreakerOpen   bool           `json:"breaker_open"`
	BreakerExpiry *time.Time     `json:"breaker_expires_at,omitempty"`
	Isolated      bool           `json:"isolated"`
	IsolatedAt    *time.Time     `json:"isolated_at,omitempty"`
}
