package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/journal"
	"warden/pkg/bus"
)

func countJournalRows(t *testing.T, infra *TestInfra, eventType string) int {
	t.Helper()
	var count int
	err := infra.PostgresDB.QueryRow(
		`SELECT COUNT(*) FROM event_log WHERE event_type = $1`, eventType,
	).Scan(&count)
	require.NoError(t, err)
	return count
}

func waitForJournalRows(t *testing.T, infra *TestInfra, eventType string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if countJournalRows(t, infra, eventType) >= want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.GreaterOrEqual(t, countJournalRows(t, infra, eventType), want,
		"timed out waiting for %d %s journal rows", want, eventType)
}

func TestJournal_AppendsPublishedEvents(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)
	ctx := context.Background()

	b := bus.NewSyncBus(createTestLogger())
	j := journal.NewJournal(infra.PostgresDB, createTestLogger())
	require.NoError(t, j.Activate(ctx, b))

	require.NoError(t, b.Publish(ctx, bus.NewEvent("message.received", "ingestion", map[string]interface{}{
		"message_id": "wamid.J1",
		"from":       "15551234567",
	})))
	require.NoError(t, b.Publish(ctx, bus.NewEvent("message.status.delivered", "ingestion", map[string]interface{}{
		"message_id": "wamid.J1",
	})))

	waitForJournalRows(t, infra, "message.received", 1)
	waitForJournalRows(t, infra, "message.status.delivered", 1)

	var source, payload string
	err := infra.PostgresDB.QueryRow(
		`SELECT source, payload::text FROM event_log WHERE event_type = 'message.received'`,
	).Scan(&source, &payload)
	require.NoError(t, err)
	assert.Equal(t, "ingestion", source)
	assert.Contains(t, payload, "wamid.J1")

	require.NoError(t, j.Deactivate(ctx))
}

func TestJournal_DeactivateDrainsQueue(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)
	ctx := context.Background()

	b := bus.NewSyncBus(createTestLogger())
	j := journal.NewJournal(infra.PostgresDB, createTestLogger())
	require.NoError(t, j.Activate(ctx, b))

	for i := 0; i < 20; i++ {
		require.NoError(t, b.Publish(ctx, bus.NewEvent("webhook.received", "test", nil)))
	}

	// Deactivate waits for the writer to drain whatever was queued.
	require.NoError(t, j.Deactivate(ctx))
	assert.Equal(t, 20, countJournalRows(t, infra, "webhook.received"))
}
