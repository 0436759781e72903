package analyzer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"warden/internal/config"
	"warden/internal/constants"
	"warden/internal/logger"
	"warden/pkg/bus"
	"warden/pkg/metrics"
)

const Component = "flow-analyzer"

// Tracked event types are intrinsically few (the topic set), but status
// topics embed the raw status value, so a hard cap keeps the map bounded
// against garbage input.
const maxTrackedTypes = 512

type latencyAccumulator struct {
	sum   float64
	count int64
	min   float64
	max   float64
}

func (l *latencyAccumulator) add(ms float64) {
	if l.count == 0 || ms < l.min {
		l.min = ms
	}
	if ms > l.max {
		l.max = ms
	}
	l.sum += ms
	l.count++
}

func (l *latencyAccumulator) avg() float64 {
	if l.count == 0 {
		return 0
	}
	return l.sum / float64(l.count)
}

type burstEntry struct {
	at      time.Time
	payload string
}

type typeStats struct {
	count      int64
	timestamps []time.Time
	latency    latencyAccumulator
	recent     []burstEntry
}

// pruneWindow drops frequency timestamps older than the window and returns
// the in-window count.
func (s *typeStats) pruneWindow(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(s.timestamps); i++ {
		if s.timestamps[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		s.timestamps = append(s.timestamps[:0], s.timestamps[i:]...)
	}
	return len(s.timestamps)
}

// Analyzer watches the full event stream and turns flow anomalies into
// suggestion events: redundant bursts, latency or frequency bottlenecks,
// and recurring event sequences.
type Analyzer struct {
	logger logger.Logger

	latencyThresholdMs float64
	frequencyCap       int
	frequencyWindow    time.Duration
	analysisInterval   time.Duration
	historySize        int
	burstWindow        time.Duration
	burstLookback      int
	burstMinMatches    int
	sequenceMinCount   int

	mu          sync.Mutex
	types       map[string]*typeStats
	sequence    []string
	analyzed    int64
	suggestions int64
	patterns    int64

	bus      bus.Bus
	sub      bus.Subscription
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewAnalyzer(cfg config.AnalyzerConfig, log logger.Logger) *Analyzer {
	latencyThreshold := cfg.LatencyThresholdMs
	if latencyThreshold <= 0 {
		latencyThreshold = constants.DefaultLatencyThresholdMs
	}

	frequencyCap := cfg.FrequencyCap
	if frequencyCap <= 0 {
		frequencyCap = constants.DefaultFrequencyCap
	}

	interval := time.Duration(cfg.AnalysisIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = constants.DefaultAnalysisInterval
	}

	historySize := cfg.HistorySize
	if historySize <= 0 {
		historySize = constants.DefaultSequenceHistory
	}

	burstWindow := time.Duration(cfg.BurstWindowSeconds) * time.Second
	if burstWindow <= 0 {
		burstWindow = constants.DefaultBurstWindow
	}

	burstLookback := cfg.BurstLookback
	if burstLookback <= 0 {
		burstLookback = constants.DefaultBurstLookback
	}

	burstMinMatches := cfg.BurstMinMatches
	if burstMinMatches <= 0 {
		burstMinMatches = constants.DefaultBurstMinMatches
	}

	return &Analyzer{
		logger:             log,
		latencyThresholdMs: latencyThreshold,
		frequencyCap:       frequencyCap,
		frequencyWindow:    constants.DefaultFrequencyWindow,
		analysisInterval:   interval,
		historySize:        historySize,
		burstWindow:        burstWindow,
		burstLookback:      burstLookback,
		burstMinMatches:    burstMinMatches,
		sequenceMinCount:   constants.DefaultSequenceMinCount,
		types:              make(map[string]*typeStats),
		stop:               make(chan struct{}),
	}
}

func (a *Analyzer) Name() string {
	return Component
}

// Activate subscribes to the whole stream and starts the sequence miner.
func (a *Analyzer) Activate(ctx context.Context, b bus.Bus) error {
	sub, err := b.SubscribeNamed(Component, "*", a.handleEvent)
	if err != nil {
		return err
	}
	a.bus = b
	a.sub = sub

	a.wg.Add(1)
	go a.mineLoop(ctx)

	a.logger.InfowCtx(ctx, "Flow analyzer activated",
		"latency_threshold_ms", a.latencyThresholdMs,
		"frequency_cap", a.frequencyCap,
		"analysis_interval", a.analysisInterval,
	)
	return nil
}

func (a *Analyzer) Deactivate(ctx context.Context) error {
	if a.sub != nil {
		a.sub.Unsubscribe()
	}
	a.stopOnce.Do(func() { close(a.stop) })
	a.wg.Wait()

	a.logger.InfowCtx(ctx, "Flow analyzer deactivated")
	return nil
}

func (a *Analyzer) handleEvent(ctx context.Context, evt bus.Event) error {
	// The analyzer's own emissions are not re-analyzed; a burst of fusion
	// suggestions must not feed itself.
	if evt.Metadata.Source == Component {
		return nil
	}

	now := time.Now()
	var emit []bus.Event

	a.mu.Lock()

	a.analyzed++
	a.sequence = append(a.sequence, evt.Type)
	if len(a.sequence) > a.historySize {
		a.sequence = a.sequence[len(a.sequence)-a.historySize:]
	}

	stats, ok := a.types[evt.Type]
	if !ok {
		if len(a.types) >= maxTrackedTypes {
			a.mu.Unlock()
			return nil
		}
		stats = &typeStats{}
		a.types[evt.Type] = stats
		metrics.SetAnalyzerTrackedTypes(len(a.types))
	}

	stats.count++
	stats.timestamps = append(stats.timestamps, now)
	perMinute := stats.pruneWindow(now, a.frequencyWindow)

	if ms, ok := evt.PayloadFloat("processing_ms"); ok {
		stats.latency.add(ms)
	}

	if fusion := a.checkBurst(stats, evt, now); fusion != nil {
		emit = append(emit, *fusion)
	}
	if bottleneck := a.checkBottleneck(stats, evt.Type, perMinute); bottleneck != nil {
		emit = append(emit, *bottleneck)
	}
	a.suggestions += int64(len(emit))

	a.mu.Unlock()

	for _, suggestion := range emit {
		metrics.IncAnalyzerSuggestion(suggestion.PayloadString("kind"))
		if err := a.bus.Publish(ctx, suggestion); err != nil {
			a.logger.WarnwCtx(ctx, "Failed to publish suggestion", "error", err)
		}
	}
	return nil
}

// checkBurst records the event payload and reports a fusion suggestion when
// enough byte-identical payloads of this type landed inside the burst
// window. Payloads that cannot be serialized are skipped.
func (a *Analyzer) checkBurst(stats *typeStats, evt bus.Event, now time.Time) *bus.Event {
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil
	}
	payload := string(data)

	stats.recent = append(stats.recent, burstEntry{at: now, payload: payload})
	if len(stats.recent) > a.burstLookback {
		stats.recent = stats.recent[len(stats.recent)-a.burstLookback:]
	}

	matches := 0
	cutoff := now.Add(-a.burstWindow)
	for _, entry := range stats.recent {
		if entry.at.Before(cutoff) {
			continue
		}
		if entry.payload == payload {
			matches++
		}
	}
	if matches < a.burstMinMatches {
		return nil
	}

	suggestion := bus.NewEvent(bus.TopicOptimizationSuggestion, Component, map[string]interface{}{
		"kind":       "fusion",
		"event_type": evt.Type,
		"duplicates": matches,
		"window_ms":  a.burstWindow.Milliseconds(),
	})
	return &suggestion
}

// checkBottleneck reports one suggestion carrying whichever metrics offend:
// running average latency over the threshold, one-minute frequency over the
// cap, or both.
func (a *Analyzer) checkBottleneck(stats *typeStats, eventType string, perMinute int) *bus.Event {
	avgMs := stats.latency.avg()
	slow := stats.latency.count > 0 && avgMs > a.latencyThresholdMs
	hot := perMinute > a.frequencyCap
	if !slow && !hot {
		return nil
	}

	payload := map[string]interface{}{
		"kind":       "bottleneck",
		"event_type": eventType,
	}
	if slow {
		payload["avg_latency_ms"] = avgMs
		payload["latency_threshold_ms"] = a.latencyThresholdMs
	}
	if hot {
		payload["per_minute"] = perMinute
		payload["frequency_cap"] = a.frequencyCap
	}

	suggestion := bus.NewEvent(bus.TopicOptimizationSuggestion, Component, payload)
	return &suggestion
}

func (a *Analyzer) mineLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.analysisInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.minePatterns(ctx)
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// minePatterns counts 3-grams over the recent event type sequence and
// publishes every sequence that recurs often enough. It snapshots under the
// lock and publishes outside it, so the per-event path never waits on it.
func (a *Analyzer) minePatterns(ctx context.Context) {
	a.mu.Lock()
	seq := make([]string, len(a.sequence))
	copy(seq, a.sequence)
	a.mu.Unlock()

	if len(seq) < 3 {
		return
	}

	counts := make(map[[3]string]int)
	for i := 0; i+3 <= len(seq); i++ {
		counts[[3]string{seq[i], seq[i+1], seq[i+2]}]++
	}

	for gram, n := range counts {
		if n < a.sequenceMinCount {
			continue
		}

		evt := bus.NewEvent(bus.TopicPatternDetected, Component, map[string]interface{}{
			"sequence":    []string{gram[0], gram[1], gram[2]},
			"count":       n,
			"sample_size": len(seq),
		})
		if err := a.bus.Publish(ctx, evt); err != nil {
			a.logger.WarnwCtx(ctx, "Failed to publish pattern", "error", err)
			continue
		}

		metrics.IncAnalyzerPattern()
		a.mu.Lock()
		a.patterns++
		a.mu.Unlock()
	}
}

func (a *Analyzer) Stats() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	types := make(map[string]interface{}, len(a.types))
	for eventType, stats := range a.types {
		entry := map[string]interface{}{
			"count":      stats.count,
			"per_minute": stats.pruneWindow(now, a.frequencyWindow),
		}
		if stats.latency.count > 0 {
			entry["avg_latency_ms"] = stats.latency.avg()
			entry["min_latency_ms"] = stats.latency.min
			entry["max_latency_ms"] = stats.latency.max
		}
		types[eventType] = entry
	}

	return map[string]interface{}{
		"events_analyzed": a.analyzed,
		"tracked_types":   len(a.types),
		"suggestions":     a.suggestions,
		"patterns":        a.patterns,
		"event_types":     types,
	}
}
