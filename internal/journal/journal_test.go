package journal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/logger"
	"warden/pkg/bus"
)

func TestJournal_EnqueueNeverBlocks(t *testing.T) {
	// No writer running, so the queue fills up and overflow must be dropped
	// without an error reaching the bus.
	j := NewJournal(nil, logger.NopLogger())

	for i := 0; i < bufferSize+3; i++ {
		err := j.enqueue(context.Background(), bus.NewEvent("webhook.received", "test", nil))
		require.NoError(t, err)
	}

	stats := j.Stats()
	assert.Equal(t, int64(3), stats["events_dropped"])
	assert.Equal(t, bufferSize, stats["queue_depth"])
}
