package relay

import (
	"context"
)

// Producer writes serialized events to an external broker topic.
type Producer interface {
	Publish(ctx context.Context, topic string, key string, value []byte) error
	Close() error
}

// Source consumes raw webhook envelopes from an external broker topic and
// hands them to a handler, retrying transient failures and dead-lettering
// poison payloads.
type Source interface {
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
	SetServiceName(name string)
}

// HandlerFunc processes one raw payload pulled from the source topic.
type HandlerFunc func(ctx context.Context, raw []byte) error
