package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizePayload(t *testing.T) {
	payload := map[string]interface{}{
		"Authorization": "Bearer abc",
		"API_KEY":       "k-1",
		"message":       "hello",
		"attempts":      3,
		"contacts": []interface{}{
			map[string]interface{}{"secret_answer": "blue", "name": "ada"},
			"plain",
		},
	}

	sanitized := SanitizePayload(payload)

	assert.Equal(t, redactedValue, sanitized["Authorization"])
	assert.Equal(t, redactedValue, sanitized["API_KEY"])
	assert.Equal(t, "hello", sanitized["message"])
	assert.Equal(t, 3, sanitized["attempts"])

	contacts := sanitized["contacts"].([]interface{})
	nested := contacts[0].(map[string]interface{})
	assert.Equal(t, redactedValue, nested["secret_answer"])
	assert.Equal(t, "ada", nested["name"])
	assert.Equal(t, "plain", contacts[1])

	// Originals untouched.
	assert.Equal(t, "Bearer abc", payload["Authorization"])
	original := payload["contacts"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "blue", original["secret_answer"])
}

func TestSanitizePayloadNil(t *testing.T) {
	assert.Nil(t, SanitizePayload(nil))
}
