package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"warden/internal/logger"
	"warden/pkg/bus"
	"warden/pkg/metrics"
)

const Component = "event-journal"

// bufferSize bounds the write queue; a stalled database drops journal
// entries instead of blocking publishers.
const bufferSize = 256

// Journal appends every published event to the event_log table. It is
// strictly best-effort: a full queue or a failing insert is counted and
// logged, never surfaced to the publisher.
type Journal struct {
	db     *sql.DB
	logger logger.Logger

	sub     bus.Subscription
	queue   chan bus.Event
	stop    chan struct{}
	wg      sync.WaitGroup
	stopped bool

	mu       sync.Mutex
	appended int64
	dropped  int64
	failed   int64
}

func NewJournal(db *sql.DB, log logger.Logger) *Journal {
	return &Journal{
		db:     db,
		logger: log,
		queue:  make(chan bus.Event, bufferSize),
		stop:   make(chan struct{}),
	}
}

func (j *Journal) Name() string {
	return Component
}

func (j *Journal) Activate(ctx context.Context, b bus.Bus) error {
	sub, err := b.SubscribeNamed(Component, "*", j.enqueue)
	if err != nil {
		return err
	}
	j.sub = sub

	j.wg.Add(1)
	go j.writeLoop()

	j.logger.InfowCtx(ctx, "Event journal activated", "buffer_size", bufferSize)
	return nil
}

func (j *Journal) Deactivate(ctx context.Context) error {
	if j.sub != nil {
		j.sub.Unsubscribe()
	}
	if !j.stopped {
		j.stopped = true
		close(j.stop)
	}
	j.wg.Wait()

	j.mu.Lock()
	appended, dropped, failed := j.appended, j.dropped, j.failed
	j.mu.Unlock()

	j.logger.InfowCtx(ctx, "Event journal deactivated",
		"events_appended", appended,
		"events_dropped", dropped,
		"writes_failed", failed,
	)
	return nil
}

// enqueue hands the event to the writer without ever blocking the bus.
func (j *Journal) enqueue(ctx context.Context, evt bus.Event) error {
	select {
	case j.queue <- evt:
	default:
		j.mu.Lock()
		j.dropped++
		j.mu.Unlock()
		j.logger.WarnwCtx(ctx, "Journal queue full, dropping event",
			"event_id", evt.ID,
			"event_type", evt.Type,
		)
	}
	return nil
}

func (j *Journal) writeLoop() {
	defer j.wg.Done()

	for {
		select {
		case evt := <-j.queue:
			j.append(evt)
		case <-j.stop:
			// Drain what is already queued before exiting.
			for {
				select {
				case evt := <-j.queue:
					j.append(evt)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) append(evt bus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		j.recordFailure(ctx, evt, err)
		return
	}

	query := `
		INSERT INTO event_log (event_id, event_type, source, correlation_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	timestamp := evt.Metadata.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	start := time.Now()
	_, err = j.db.ExecContext(ctx, query,
		evt.ID, evt.Type, evt.Metadata.Source, evt.Metadata.CorrelationID, payload, timestamp)
	duration := time.Since(start)

	if err != nil {
		metrics.IncDatabaseQuery("webhook-service", "postgres", "journal_append", "error")
		j.recordFailure(ctx, evt, err)
		return
	}

	metrics.IncDatabaseQuery("webhook-service", "postgres", "journal_append", "success")
	metrics.ObserveDatabaseQueryDuration("webhook-service", "postgres", "journal_append", duration)

	j.mu.Lock()
	j.appended++
	j.mu.Unlock()
}

func (j *Journal) recordFailure(ctx context.Context, evt bus.Event, err error) {
	j.mu.Lock()
	j.failed++
	j.mu.Unlock()

	j.logger.WarnwCtx(ctx, "Journal append failed",
		"event_id", evt.ID,
		"event_type", evt.Type,
		"error", err,
	)
}

func (j *Journal) Stats() map[string]interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()

	return map[string]interface{}{
		"events_appended": j.appended,
		"events_dropped":  j.dropped,
		"writes_failed":   j.failed,
		"queue_depth":     len(j.queue),
	}
}
