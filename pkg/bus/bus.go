package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"warden/internal/logger"
	pkgerrors "warden/pkg/errors"
	"warden/pkg/metrics"
)

// Bus is an in-process publish/subscribe dispatcher. Delivery is synchronous:
// Publish invokes every matching handler on the calling goroutine, in
// subscription registration order, before returning.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(pattern string, handler Handler) (Subscription, error)
	SubscribeNamed(name, pattern string, handler Handler) (Subscription, error)
	MatchCount(topic string) int
	Close() error
}

// Subscription is a deregistration handle returned by Subscribe.
type Subscription interface {
	Unsubscribe()
	Name() string
	Pattern() string
}

type SyncBus struct {
	logger logger.Logger

	mu     sync.RWMutex
	subs   []*subscription
	closed bool

	sequence atomic.Uint64
	nextID   atomic.Int64
}

type subscription struct {
	bus     *SyncBus
	id      int64
	name    string
	pattern string
	handler Handler
	active  atomic.Bool
}

func (s *subscription) Name() string    { return s.name }
func (s *subscription) Pattern() string { return s.pattern }

func (s *subscription) Unsubscribe() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub.id == s.id {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	metrics.SetBusSubscriptions(len(s.bus.subs))
}

func NewSyncBus(log logger.Logger) *SyncBus {
	return &SyncBus{logger: log}
}

func (b *SyncBus) Subscribe(pattern string, handler Handler) (Subscription, error) {
	return b.SubscribeNamed("", pattern, handler)
}

// SubscribeNamed registers a handler under an explicit subscriber name. The
// name identifies the failing component in system.error events when the
// handler returns an error or panics.
func (b *SyncBus) SubscribeNamed(name, pattern string, handler Handler) (Subscription, error) {
	if pattern == "" {
		return nil, pkgerrors.ErrValidation.WithDetail("message", "subscription pattern is required")
	}
	if handler == nil {
		return nil, pkgerrors.ErrValidation.WithDetail("message", "subscription handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, pkgerrors.ErrBusClosed
	}

	id := b.nextID.Add(1)
	if name == "" {
		name = fmt.Sprintf("subscriber-%d", id)
	}

	sub := &subscription{
		bus:     b,
		id:      id,
		name:    name,
		pattern: pattern,
		handler: handler,
	}
	sub.active.Store(true)
	b.subs = append(b.subs, sub)

	metrics.SetBusSubscriptions(len(b.subs))
	return sub, nil
}

// Publish delivers evt to every matching subscriber. Handler errors and
// panics are captured and re-published as system.error events; failures of
// system.error handlers themselves are only logged, so dispatch cannot
// recurse without bound.
func (b *SyncBus) Publish(ctx context.Context, evt Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return pkgerrors.ErrBusClosed
	}

	matching := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if matchTopic(sub.pattern, evt.Type) {
			matching = append(matching, sub)
		}
	}
	b.mu.RUnlock()

	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Metadata.Timestamp.IsZero() {
		evt.Metadata.Timestamp = time.Now()
	}
	if evt.Metadata.Priority == "" {
		evt.Metadata.Priority = PriorityNormal
	}
	evt.Metadata.Sequence = b.sequence.Add(1)

	metrics.IncEventsPublished(evt.Type)

	for _, sub := range matching {
		if !sub.active.Load() {
			continue
		}
		b.dispatch(ctx, sub, evt)
	}

	return nil
}

func (b *SyncBus) dispatch(ctx context.Context, sub *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handleSubscriberError(ctx, sub, evt, pkgerrors.RecoverPanic(r))
		}
	}()

	if err := sub.handler(ctx, evt); err != nil {
		b.handleSubscriberError(ctx, sub, evt, err)
	}
}

func (b *SyncBus) handleSubscriberError(ctx context.Context, sub *subscription, evt Event, err error) {
	metrics.IncHandlerErrors(evt.Type, sub.name)

	// Errors raised while handling system.error stop here; re-publishing
	// them would recurse through the same failing handler.
	if evt.Type == TopicSystemError {
		b.logger.ErrorwCtx(ctx, "system.error handler failed",
			"subscriber", sub.name,
			"event_id", evt.ID,
			"error", err,
		)
		return
	}

	b.logger.WarnwCtx(ctx, "Subscriber failed, re-publishing as system.error",
		"subscriber", sub.name,
		"event_type", evt.Type,
		"event_id", evt.ID,
		"error", err,
	)

	errorType := pkgerrors.ErrorTypeUnknown
	var appErr *pkgerrors.Error
	if errors.As(err, &appErr) {
		errorType = appErr.ErrorType()
	}

	errEvt := Event{
		Type: TopicSystemError,
		Payload: map[string]interface{}{
			"component":  sub.name,
			"error":      err.Error(),
			"error_type": errorType,
			"event_type": evt.Type,
			"event_id":   evt.ID,
		},
		Metadata: Metadata{
			Source:        sub.name,
			Priority:      PriorityHigh,
			CorrelationID: evt.ID,
		},
	}

	if pubErr := b.Publish(ctx, errEvt); pubErr != nil {
		b.logger.ErrorwCtx(ctx, "Failed to publish system.error event", "error", pubErr)
	}
}

func (b *SyncBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, sub := range b.subs {
		sub.active.Store(false)
	}
	b.subs = nil
	metrics.SetBusSubscriptions(0)
	return nil
}

// SubscriberCount reports the number of active subscriptions.
func (b *SyncBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// MatchCount reports how many subscriptions would receive an event of the
// given topic.
func (b *SyncBus) MatchCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, sub := range b.subs {
		if matchTopic(sub.pattern, topic) {
			count++
		}
	}
	return count
}

// matchTopic reports whether a subscription pattern matches a topic: exact
// match, bare "*", or a trailing-wildcard prefix ("system.*" matches
// "system.error" and "system.recovery_failed").
func matchTopic(pattern, topic string) bool {
	if pattern == topic || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(topic, pattern[:len(pattern)-1])
	}
	return false
}
