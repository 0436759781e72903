package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"warden/internal/config"
	"warden/internal/logger"
	"warden/pkg/errors"
	"warden/pkg/logging"
	"warden/pkg/metrics"
	"warden/pkg/retry"
	"warden/pkg/tracing"
)

// KafkaSource pulls raw webhook envelopes from a Kafka topic. Payloads that
// keep failing after the retry policy are sent to the dead-letter topic so
// one poison message never blocks the partition.
type KafkaSource struct {
	cfg         config.KafkaConfig
	wg          sync.WaitGroup
	reader      *kafka.Reader
	logger      logger.Logger
	dlqProducer Producer
	serviceName string
}

func NewKafkaSource(cfg config.KafkaConfig, log logger.Logger) *KafkaSource {
	source := &KafkaSource{
		cfg:         cfg,
		logger:      log,
		serviceName: "unknown",
	}

	if cfg.DLQTopic != "" {
		source.dlqProducer = NewKafkaProducer(cfg, log)
	}

	return source
}

func (s *KafkaSource) SetServiceName(name string) {
	s.serviceName = name
}

func (s *KafkaSource) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	s.logger.Infow("Creating Kafka reader",
		"topic", topic,
		"brokers", s.cfg.Brokers,
		"group_id", s.cfg.GroupID,
		"service_name", s.serviceName,
	)

	s.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  s.cfg.Brokers,
		GroupID:  s.cfg.GroupID,
		Topic:    topic,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		consumeCtx := logging.WithServiceName(ctx, s.serviceName)
		s.logger.InfowCtx(consumeCtx, "Started consuming",
			"topic", topic,
		)

		for {
			m, err := s.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					s.logger.InfowCtx(consumeCtx, "Stopped consuming",
						"topic", topic,
						"reason", "context canceled",
					)
					return
				}
				s.logger.ErrorwCtx(consumeCtx, "Error fetching kafka message",
					"error", err,
					"topic", topic,
				)
				time.Sleep(time.Second)
				continue
			}

			metrics.IncKafkaMessagesRead(s.serviceName, topic)
			metrics.ObserveKafkaMessageSize(s.serviceName, topic, "in", len(m.Value))

			msgCtx, span := tracing.StartSpanFromKafkaMessage(ctx, "relay.consume", m.Headers)
			msgCtx = logging.WithWebhookID(msgCtx, string(m.Key))
			msgCtx = logging.WithServiceName(msgCtx, s.serviceName)

			if err := s.processWithRetry(msgCtx, m.Value, handler, topic); err != nil {
				s.logger.ErrorwCtx(msgCtx, "Failed to process payload after retries",
					"error", err,
					"topic", topic,
				)
				if s.dlqProducer != nil && s.cfg.DLQTopic != "" {
					if dlqErr := s.sendToDLQ(msgCtx, m, err, topic); dlqErr != nil {
						s.logger.ErrorwCtx(msgCtx, "Failed to send payload to DLQ",
							"error", dlqErr,
							"topic", topic,
						)
					}
				} else {
					s.logger.WarnwCtx(msgCtx, "No DLQ configured, committing payload to avoid blocking",
						"topic", topic,
					)
				}
			}

			if err := s.reader.CommitMessages(ctx, m); err != nil {
				s.logger.ErrorwCtx(msgCtx, "Failed to commit message",
					"error", err,
					"topic", topic,
				)
			}
			span.End()
		}
	}()

	<-ctx.Done()
	return ctx.Err()
}

func (s *KafkaSource) Close() error {
	var err error
	if s.reader != nil {
		err = s.reader.Close()
	}
	if s.dlqProducer != nil {
		if closeErr := s.dlqProducer.Close(); closeErr != nil {
			if err == nil {
				err = closeErr
			}
		}
	}
	s.wg.Wait()
	return err
}

func (s *KafkaSource) processWithRetry(ctx context.Context, raw []byte, handler HandlerFunc, topic string) error {
	policy := retry.DefaultPolicy()

	if s.cfg.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = s.cfg.Retry.MaxAttempts
	}
	if s.cfg.Retry.InitialInterval > 0 {
		policy.InitialInterval = s.cfg.Retry.InitialInterval
	}
	if s.cfg.Retry.MaxInterval > 0 {
		policy.MaxInterval = s.cfg.Retry.MaxInterval
	}
	if s.cfg.Retry.Multiplier > 0 {
		policy.Multiplier = s.cfg.Retry.Multiplier
	}
	if s.cfg.Retry.MaxElapsedTime > 0 {
		policy.MaxElapsedTime = s.cfg.Retry.MaxElapsedTime
	}

	return retry.RetryWithCallback(ctx, policy, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.RecoverPanic(r)
				s.logger.ErrorwCtx(ctx, "Panic recovered during payload processing",
					"error", err,
					"topic", topic,
				)
			}
		}()
		return handler(ctx, raw)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(s.serviceName, topic).Inc()
		s.logger.WarnwCtx(ctx, "Retrying payload processing",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
			"topic", topic,
		)
	})
}

func (s *KafkaSource) sendToDLQ(ctx context.Context, m kafka.Message, originalErr error, sourceTopic string) error {
	if err := s.dlqProducer.Publish(ctx, s.cfg.DLQTopic, string(m.Key), m.Value); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	metrics.DLQMessagesTotal.WithLabelValues(s.serviceName, sourceTopic, "max_retries_exceeded").Inc()
	s.logger.InfowCtx(ctx, "Payload sent to DLQ",
		"source_topic", sourceTopic,
		"dlq_topic", s.cfg.DLQTopic,
		"reason", originalErr.Error(),
	)
	return nil
}
