package relay

import (
	"context"
	"encoding/json"

	"warden/internal/logger"
	"warden/pkg/bus"
	"warden/pkg/retry"
)

const Component = "event-relay"

// Bridge republishes matching bus events to a broker topic. It is a plain
// bus subscriber: relay failures are retried under the policy and then
// surface as system.error events through the dispatch boundary, they never
// reach the original publisher.
type Bridge struct {
	producer Producer
	topic    string
	patterns []string
	policy   retry.Policy
	logger   logger.Logger

	subs []bus.Subscription
}

func NewBridge(producer Producer, topic string, patterns []string, policy retry.Policy, log logger.Logger) *Bridge {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	return &Bridge{
		producer: producer,
		topic:    topic,
		patterns: patterns,
		policy:   policy,
		logger:   log,
	}
}

func (r *Bridge) Attach(b bus.Bus) error {
	for _, pattern := range r.patterns {
		sub, err := b.SubscribeNamed(Component, pattern, r.handleEvent)
		if err != nil {
			r.Detach()
			return err
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

func (r *Bridge) Detach() {
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	r.subs = nil
}

func (r *Bridge) handleEvent(ctx context.Context, evt bus.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	return retry.Retry(ctx, r.policy, func() error {
		return r.producer.Publish(ctx, r.topic, evt.ID, body)
	})
}
