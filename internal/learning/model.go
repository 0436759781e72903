package learning

import (
	"encoding/json"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"warden/pkg/bus"
	"warden/pkg/metrics"
)

// ModelKey addresses one pattern model entry. Category is the first
// dot-namespaced segment of the event type ("message", "system").
type ModelKey struct {
	Category  string `json:"category"`
	EventType string `json:"event_type"`
}

// Features are the per-event observations folded into the model.
type Features struct {
	HourOfDay    float64
	DayOfWeek    float64
	PayloadSize  float64
	IsError      bool
	ProcessingMs float64
	HasLatency   bool
}

// Performance summarizes how events under a key behave over time.
type Performance struct {
	AvgProcessingMs float64 `json:"avg_processing_ms"`
	SuccessRate     float64 `json:"success_rate"`
	ErrorRate       float64 `json:"error_rate"`
}

// ModelEntry is the running aggregate for one (category, event type) key.
// Averages are incremental means, so entries fold new events in O(1).
type ModelEntry struct {
	Key            ModelKey    `json:"key"`
	Count          int64       `json:"count"`
	AvgHourOfDay   float64     `json:"avg_hour_of_day"`
	AvgDayOfWeek   float64     `json:"avg_day_of_week"`
	AvgPayloadSize float64     `json:"avg_payload_size"`
	Performance    Performance `json:"performance"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func (e *ModelEntry) fold(f Features, now time.Time) {
	e.Count++
	n := float64(e.Count)

	e.AvgHourOfDay += (f.HourOfDay - e.AvgHourOfDay) / n
	e.AvgDayOfWeek += (f.DayOfWeek - e.AvgDayOfWeek) / n
	e.AvgPayloadSize += (f.PayloadSize - e.AvgPayloadSize) / n

	errValue := 0.0
	if f.IsError {
		errValue = 1.0
	}
	e.Performance.ErrorRate += (errValue - e.Performance.ErrorRate) / n
	e.Performance.SuccessRate = 1 - e.Performance.ErrorRate

	if f.HasLatency {
		if e.Performance.AvgProcessingMs == 0 {
			e.Performance.AvgProcessingMs = f.ProcessingMs
		} else {
			e.Performance.AvgProcessingMs += (f.ProcessingMs - e.Performance.AvgProcessingMs) / n
		}
	}

	e.UpdatedAt = now
}

// Model is the LRU-bounded pattern model. Folding an event touches its key,
// so the least-active keys are the ones evicted at capacity.
type Model struct {
	entries *lru.Cache[ModelKey, *ModelEntry]
}

func NewModel(capacity int) (*Model, error) {
	entries, err := lru.New[ModelKey, *ModelEntry](capacity)
	if err != nil {
		return nil, err
	}
	return &Model{entries: entries}, nil
}

// Fold updates the entry for the event's key, creating it on first sight.
func (m *Model) Fold(evt bus.Event, now time.Time) {
	key := KeyFor(evt.Type)

	entry, ok := m.entries.Get(key)
	if !ok {
		entry = &ModelEntry{Key: key}
		m.entries.Add(key, entry)
	}
	entry.fold(ExtractFeatures(evt, now), now)
	metrics.SetPatternModelSize(m.entries.Len())
}

func (m *Model) Len() int {
	return m.entries.Len()
}

func (m *Model) Entries() []*ModelEntry {
	keys := m.entries.Keys()
	entries := make([]*ModelEntry, 0, len(keys))
	for _, key := range keys {
		if entry, ok := m.entries.Peek(key); ok {
			entries = append(entries, entry)
		}
	}
	return entries
}

// Restore loads snapshot entries, preserving access order by insertion.
func (m *Model) Restore(entries []*ModelEntry) {
	for _, entry := range entries {
		m.entries.Add(entry.Key, entry)
	}
	metrics.SetPatternModelSize(m.entries.Len())
}

func KeyFor(eventType string) ModelKey {
	category := eventType
	if i := strings.Index(eventType, "."); i > 0 {
		category = eventType[:i]
	}
	return ModelKey{Category: category, EventType: eventType}
}

// ExtractFeatures reads the model features off one event. Payload size is
// the serialized length; events without a processing time contribute no
// latency sample.
func ExtractFeatures(evt bus.Event, now time.Time) Features {
	ts := evt.Metadata.Timestamp
	if ts.IsZero() {
		ts = now
	}

	size := 0
	if data, err := json.Marshal(evt.Payload); err == nil {
		size = len(data)
	}

	isError := evt.Type == bus.TopicSystemError || evt.PayloadString("error") != ""

	f := Features{
		HourOfDay:   float64(ts.Hour()),
		DayOfWeek:   float64(ts.Weekday()),
		PayloadSize: float64(size),
		IsError:     isError,
	}
	if ms, ok := evt.PayloadFloat("processing_ms"); ok {
		f.ProcessingMs = ms
		f.HasLatency = true
	}
	return f
}
