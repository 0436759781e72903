package monitor

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"time"

	"warden/internal/config"
	"warden/internal/constants"
	"warden/internal/logger"
	"warden/pkg/bus"
	"warden/pkg/metrics"
)

const Component = "monitor"

// TraceEntry is one captured event in the ring buffer.
type TraceEntry struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Timestamp   time.Time              `json:"timestamp"`
	Payload     map[string]interface{} `json:"payload"`
	Source      string                 `json:"source"`
	TargetCount int                    `json:"target_count"`
	MemoryBytes uint64                 `json:"memory_bytes"`
	Status      string                 `json:"status"`
}

// SearchCriteria filters the trace buffer. Zero fields match everything.
type SearchCriteria struct {
	TypeContains string
	Source       string
	Status       string
	From         time.Time
	To           time.Time
}

// Report is the aggregate view over a time range of the trace buffer.
type Report struct {
	From           time.Time        `json:"from"`
	To             time.Time        `json:"to"`
	TotalEvents    int              `json:"total_events"`
	EventsByType   map[string]int   `json:"events_by_type"`
	EventsBySource map[string]int   `json:"events_by_source"`
	ErrorRate      float64          `json:"error_rate"`
	AvgLatencyMs   float64          `json:"avg_latency_ms"`
}

const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// Monitor is a pure observer: it captures every published event into a
// fixed-capacity ring buffer (sanitized, oldest evicted first), keeps
// rolling per-minute counters, and serves read-only queries computed from
// the buffer. It writes nothing anywhere else.
type Monitor struct {
	logger logger.Logger

	capacity          int
	warningErrorRate  float64
	criticalErrorRate float64

	mu         sync.Mutex
	ring       []TraceEntry
	next       int
	filled     bool
	eventTimes []time.Time
	errorTimes []time.Time
	captured   int64

	memSample   uint64
	memSampleAt time.Time

	bus bus.Bus
	sub bus.Subscription
}

func NewMonitor(cfg config.MonitorConfig, log logger.Logger) *Monitor {
	capacity := cfg.BufferSize
	if capacity <= 0 {
		capacity = constants.DefaultTraceBufferSize
	}

	warning := cfg.WarningErrorRate
	if warning <= 0 {
		warning = constants.DefaultWarningErrorRate
	}

	critical := cfg.CriticalErrorRate
	if critical <= 0 {
		critical = constants.DefaultCriticalErrorRate
	}

	return &Monitor{
		logger:            log,
		capacity:          capacity,
		warningErrorRate:  warning,
		criticalErrorRate: critical,
		ring:              make([]TraceEntry, capacity),
	}
}

func (m *Monitor) Name() string {
	return Component
}

func (m *Monitor) Activate(ctx context.Context, b bus.Bus) error {
	sub, err := b.SubscribeNamed(Component, "*", m.handleEvent)
	if err != nil {
		return err
	}
	m.bus = b
	m.sub = sub

	m.logger.InfowCtx(ctx, "Monitor activated", "buffer_size", m.capacity)
	return nil
}

func (m *Monitor) Deactivate(ctx context.Context) error {
	if m.sub != nil {
		m.sub.Unsubscribe()
	}

	m.mu.Lock()
	captured := m.captured
	m.mu.Unlock()

	m.logger.InfowCtx(ctx, "Monitor deactivated", "events_captured", captured)
	return nil
}

func (m *Monitor) handleEvent(ctx context.Context, evt bus.Event) error {
	now := time.Now()

	entry := TraceEntry{
		ID:          evt.ID,
		Type:        evt.Type,
		Timestamp:   evt.Metadata.Timestamp,
		Payload:     SanitizePayload(evt.Payload),
		Source:      evt.Metadata.Source,
		TargetCount: m.bus.MatchCount(evt.Type),
		Status:      statusOf(evt),
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}

	m.mu.Lock()
	entry.MemoryBytes = m.memoryAt(now)

	m.ring[m.next] = entry
	m.next = (m.next + 1) % m.capacity
	if m.next == 0 {
		m.filled = true
	}
	m.captured++

	m.eventTimes = append(m.eventTimes, now)
	if entry.Status == "error" {
		m.errorTimes = append(m.errorTimes, now)
	}
	events := pruneTimes(&m.eventTimes, now)
	errors := pruneTimes(&m.errorTimes, now)

	size := m.capacity
	if !m.filled {
		size = m.next
	}
	m.mu.Unlock()

	metrics.SetMonitorTraceBufferSize(size)
	metrics.SetMonitorRates(events, errors)
	return nil
}

// memoryAt samples heap usage at most once per second; callers hold the
// mutex. ReadMemStats is too heavy to pay on every event.
func (m *Monitor) memoryAt(now time.Time) uint64 {
	if now.Sub(m.memSampleAt) >= time.Second {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		m.memSample = stats.HeapAlloc
		m.memSampleAt = now
	}
	return m.memSample
}

// RecentEvents returns up to limit entries, newest first.
func (m *Monitor) RecentEvents(limit int) []TraceEntry {
	if limit <= 0 {
		limit = constants.DefaultRecentLimit
	}
	if limit > constants.MaxRecentLimit {
		limit = constants.MaxRecentLimit
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.snapshotLocked()
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	// Newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries
}

// Search filters the buffer; results are in capture order.
func (m *Monitor) Search(criteria SearchCriteria) []TraceEntry {
	m.mu.Lock()
	entries := m.snapshotLocked()
	m.mu.Unlock()

	var matched []TraceEntry
	for _, entry := range entries {
		if criteria.TypeContains != "" && !strings.Contains(entry.Type, criteria.TypeContains) {
			continue
		}
		if criteria.Source != "" && entry.Source != criteria.Source {
			continue
		}
		if criteria.Status != "" && entry.Status != criteria.Status {
			continue
		}
		if !criteria.From.IsZero() && entry.Timestamp.Before(criteria.From) {
			continue
		}
		if !criteria.To.IsZero() && entry.Timestamp.After(criteria.To) {
			continue
		}
		matched = append(matched, entry)
	}
	return matched
}

// Report aggregates the buffered entries inside the range. It reads only
// the buffer, so identical buffer contents always produce the same report.
func (m *Monitor) Report(from, to time.Time) Report {
	m.mu.Lock()
	entries := m.snapshotLocked()
	m.mu.Unlock()

	report := Report{
		From:           from,
		To:             to,
		EventsByType:   make(map[string]int),
		EventsBySource: make(map[string]int),
	}

	errors := 0
	latencySum := 0.0
	latencyCount := 0
	for _, entry := range entries {
		if !from.IsZero() && entry.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && entry.Timestamp.After(to) {
			continue
		}

		report.TotalEvents++
		report.EventsByType[entry.Type]++
		if entry.Source != "" {
			report.EventsBySource[entry.Source]++
		}
		if entry.Status == "error" {
			errors++
		}
		if ms, ok := payloadFloat(entry.Payload, "processing_ms"); ok {
			latencySum += ms
			latencyCount++
		}
	}

	if report.TotalEvents > 0 {
		report.ErrorRate = float64(errors) / float64(report.TotalEvents)
	}
	if latencyCount > 0 {
		report.AvgLatencyMs = latencySum / float64(latencyCount)
	}
	return report
}

// HealthStatus derives healthy/warning/critical from the one-minute error
// rate.
func (m *Monitor) HealthStatus() string {
	now := time.Now()

	m.mu.Lock()
	events := pruneTimes(&m.eventTimes, now)
	errors := pruneTimes(&m.errorTimes, now)
	m.mu.Unlock()

	if events == 0 {
		return StatusHealthy
	}

	rate := float64(errors) / float64(events)
	switch {
	case rate >= m.criticalErrorRate:
		return StatusCritical
	case rate >= m.warningErrorRate:
		return StatusWarning
	default:
		return StatusHealthy
	}
}

func (m *Monitor) Stats() map[string]interface{} {
	now := time.Now()

	m.mu.Lock()
	events := pruneTimes(&m.eventTimes, now)
	errors := pruneTimes(&m.errorTimes, now)
	size := m.capacity
	if !m.filled {
		size = m.next
	}
	captured := m.captured
	m.mu.Unlock()

	return map[string]interface{}{
		"events_captured":   captured,
		"buffer_size":       size,
		"buffer_capacity":   m.capacity,
		"events_per_minute": events,
		"errors_per_minute": errors,
		"status":            m.HealthStatus(),
	}
}

// snapshotLocked copies the ring in capture order, oldest first.
func (m *Monitor) snapshotLocked() []TraceEntry {
	if !m.filled {
		entries := make([]TraceEntry, m.next)
		copy(entries, m.ring[:m.next])
		return entries
	}

	entries := make([]TraceEntry, 0, m.capacity)
	entries = append(entries, m.ring[m.next:]...)
	entries = append(entries, m.ring[:m.next]...)
	return entries
}

// statusOf derives a trace status: error events and payloads carrying an
// error field trace as "error", everything else as "ok".
func statusOf(evt bus.Event) string {
	if evt.Type == bus.TopicSystemError {
		return "error"
	}
	if evt.PayloadString("error") != "" {
		return "error"
	}
	return "ok"
}

// pruneTimes drops timestamps older than the rate window and returns the
// in-window count.
func pruneTimes(times *[]time.Time, now time.Time) int {
	cutoff := now.Add(-constants.DefaultRateWindow)
	list := *times
	i := 0
	for ; i < len(list); i++ {
		if list[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		list = append(list[:0], list[i:]...)
		*times = list
	}
	return len(list)
}

func payloadFloat(payload map[string]interface{}, key string) (float64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
