package idempotency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryLedger_CheckAndSet(t *testing.T) {
	ledger := NewMemoryLedger(60*time.Second, 100)
	now := time.Now()

	assert.True(t, ledger.CheckAndSet("wamid.AAA", now))
	assert.False(t, ledger.CheckAndSet("wamid.AAA", now))
	assert.True(t, ledger.CheckAndSet("wamid.BBB", now))
}

func TestMemoryLedger_WindowExpiry(t *testing.T) {
	ledger := NewMemoryLedger(60*time.Second, 100)
	now := time.Now()

	assert.True(t, ledger.CheckAndSet("wamid.AAA", now))

	// Inside the window the key is a duplicate.
	assert.False(t, ledger.CheckAndSet("wamid.AAA", now.Add(59*time.Second)))

	// Past the window it reads as first-time again.
	assert.True(t, ledger.CheckAndSet("wamid.AAA", now.Add(61*time.Second)))
}

func TestMemoryLedger_SeenDoesNotMark(t *testing.T) {
	ledger := NewMemoryLedger(60*time.Second, 100)
	now := time.Now()

	assert.False(t, ledger.Seen("wamid.AAA", now))
	assert.False(t, ledger.Seen("wamid.AAA", now))

	ledger.Mark("wamid.AAA", now)
	assert.True(t, ledger.Seen("wamid.AAA", now))
	assert.False(t, ledger.Seen("wamid.AAA", now.Add(61*time.Second)))
}

func TestMemoryLedger_Sweep(t *testing.T) {
	ledger := NewMemoryLedger(60*time.Second, 100)
	now := time.Now()

	ledger.Mark("old-1", now)
	ledger.Mark("old-2", now)
	ledger.Mark("fresh", now.Add(30*time.Second))

	removed := ledger.Sweep(now.Add(61 * time.Second))
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, ledger.Len())
	assert.True(t, ledger.Seen("fresh", now.Add(61*time.Second)))
}

func TestMemoryLedger_CapacityEviction(t *testing.T) {
	ledger := NewMemoryLedger(60*time.Second, 3)
	now := time.Now()

	ledger.Mark("a", now)
	ledger.Mark("b", now)
	ledger.Mark("c", now)
	assert.Equal(t, 3, ledger.Len())

	// Full of live entries: inserting evicts something but stays bounded.
	ledger.Mark("d", now)
	assert.LessOrEqual(t, ledger.Len(), 3)
	assert.True(t, ledger.Seen("d", now))
}

func TestMemoryLedger_CapacityPrefersExpired(t *testing.T) {
	ledger := NewMemoryLedger(60*time.Second, 3)
	now := time.Now()

	ledger.Mark("stale-1", now)
	ledger.Mark("stale-2", now)
	ledger.Mark("live", now.Add(50*time.Second))

	later := now.Add(70 * time.Second)
	ledger.Mark("new", later)

	assert.True(t, ledger.Seen("live", later))
	assert.True(t, ledger.Seen("new", later))
	assert.False(t, ledger.Seen("stale-1", later))
}
