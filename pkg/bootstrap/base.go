package bootstrap

import (
	"context"
	"fmt"

	"warden/internal/config"
	"warden/internal/logger"
	"warden/internal/relay"
)

type Base struct {
	Config   *config.Config
	Logger   logger.Logger
	Producer relay.Producer
	Source   relay.Source
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

func (b *Base) InitRelay(serviceName string) error {
	if b.Config.Relay.Enabled {
		producer, err := relay.NewProducer(b.Config.Broker, b.Logger)
		if err != nil {
			return fmt.Errorf("failed to create relay producer: %w", err)
		}
		b.Producer = producer
	}

	if b.Config.Relay.SourceEnabled {
		source, err := relay.NewSource(b.Config.Broker, b.Logger)
		if err != nil {
			if b.Producer != nil {
				b.Producer.Close()
			}
			return fmt.Errorf("failed to create relay source: %w", err)
		}
		if serviceName != "" {
			source.SetServiceName(serviceName)
		}
		b.Source = source
	}

	return nil
}

func (b *Base) ShutdownRelay() []error {
	var errs []error

	if b.Producer != nil {
		if err := b.Producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("relay producer close error: %w", err))
		}
	}

	if b.Source != nil {
		if err := b.Source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("relay source close error: %w", err))
		}
	}

	return errs
}

func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.Info("Shutting down application...")

	var errs []error

	errs = append(errs, b.ShutdownRelay()...)

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	b.Logger.Info("Application exited successfully")
	return nil
}
