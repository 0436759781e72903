package healing

import (
	"sort"
	"time"
)

// tracker holds the per-component failure state the agent's decisions are
// made from: bounded failure lists, open breaker records and the isolated
// set. It is not safe for concurrent use; the agent serializes access.
type tracker struct {
	maxRecords int

	failures map[string][]FailureRecord
	breakers map[string]breakerRecord
	isolated map[string]time.Time
	attempts map[pairKey]attemptState
}

func newTracker(maxRecords int) *tracker {
	return &tracker{
		maxRecords: maxRecords,
		failures:   make(map[string][]FailureRecord),
		breakers:   make(map[string]breakerRecord),
		isolated:   make(map[string]time.Time),
		attempts:   make(map[pairKey]attemptState),
	}
}

func (t *tracker) recordFailure(component string, rec FailureRecord) {
	list := append(t.failures[component], rec)
	if len(list) > t.maxRecords {
		list = list[len(list)-t.maxRecords:]
	}
	t.failures[component] = list
}

// failuresWithin counts the component's failures inside the rolling window
// ending at now.
func (t *tracker) failuresWithin(component string, now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	count := 0
	for _, rec := range t.failures[component] {
		if rec.Timestamp.After(cutoff) {
			count++
		}
	}
	return count
}

// breakerOpen reports whether the component's breaker is currently open.
// An expired record is removed on the way, which is the breaker's only
// close path; expired reports whether that happened on this call.
func (t *tracker) breakerOpen(component string, now time.Time) (open, expired bool) {
	rec, ok := t.breakers[component]
	if !ok {
		return false, false
	}
	if rec.expired(now) {
		delete(t.breakers, component)
		return false, true
	}
	return true, false
}

func (t *tracker) openBreaker(component string, now time.Time, timeout time.Duration) {
	t.breakers[component] = breakerRecord{openedAt: now, timeout: timeout}
}

func (t *tracker) isolate(component string, now time.Time) {
	t.isolated[component] = now
	// Recovery is excluded from here on; a lingering breaker record would
	// only hide the isolation from operators.
	delete(t.breakers, component)
}

func (t *tracker) isIsolated(component string) bool {
	_, ok := t.isolated[component]
	return ok
}

// clearIsolation removes the component from the isolated set and wipes its
// failure history and attempt counters so it restarts clean. Reports
// whether the component was isolated.
func (t *tracker) clearIsolation(component string) bool {
	if _, ok := t.isolated[component]; !ok {
		return false
	}
	delete(t.isolated, component)
	delete(t.failures, component)
	for key := range t.attempts {
		if key.component == component {
			delete(t.attempts, key)
		}
	}
	return true
}

// nextAttempt advances the attempt counter for the pair and returns the new
// attempt number. A counter whose last attempt aged past the window restarts
// at one.
func (t *tracker) nextAttempt(key pairKey, now time.Time, window time.Duration) int {
	state := t.attempts[key]
	if state.count > 0 && now.Sub(state.lastAt) > window {
		state.count = 0
	}
	state.count++
	state.lastAt = now
	t.attempts[key] = state
	return state.count
}

func (t *tracker) resetAttempts(key pairKey) {
	delete(t.attempts, key)
}

// clearFailures drops the component's failures of the given error type,
// keeping the rest of its history.
func (t *tracker) clearFailures(component, errorType string) {
	list := t.failures[component]
	kept := list[:0]
	for _, rec := range list {
		if rec.ErrorType != errorType {
			kept = append(kept, rec)
		}
	}
	if len(kept) == 0 {
		delete(t.failures, component)
		return
	}
	t.failures[component] = kept
}

// sweepBreakers removes expired breaker records and returns the components
// whose breakers closed.
func (t *tracker) sweepBreakers(now time.Time) []string {
	var closed []string
	for component, rec := range t.breakers {
		if rec.expired(now) {
			delete(t.breakers, component)
			closed = append(closed, component)
		}
	}
	sort.Strings(closed)
	return closed
}

func (t *tracker) totalFailuresWithin(now time.Time, window time.Duration) int {
	total := 0
	for component := range t.failures {
		total += t.failuresWithin(component, now, window)
	}
	return total
}

func (t *tracker) views(now time.Time) []ComponentView {
	components := make(map[string]struct{}, len(t.failures))
	for component := range t.failures {
		components[component] = struct{}{}
	}
	for component := range t.breakers {
		components[component] = struct{}{}
	}
	for component := range t.isolated {
		components[component] = struct{}{}
	}

	views := make([]ComponentView, 0, len(components))
	for component := range components {
		view := ComponentView{
			Component:  component,
			ErrorTypes: make(map[string]int),
		}

		records := t.failures[component]
		view.FailureCount = len(records)
		for _, rec := range records {
			view.ErrorTypes[rec.ErrorType]++
		}
		if len(records) > 0 {
			last := records[len(records)-1]
			view.LastFailure = &last
		}

		if rec, ok := t.breakers[component]; ok && !rec.expired(now) {
			view.BreakerOpen = true
			expiry := rec.expiresAt()
			view.BreakerExpiry = &expiry
		}

		if at, ok := t.isolated[component]; ok {
			view.Isolated = true
			isolatedAt := at
			view.IsolatedAt = &isolatedAt
		}

		views = append(views, view)
	}

	sort.Slice(views, func(i, j int) bool { return views[i].Component < views[j].Component })
	return views
}
