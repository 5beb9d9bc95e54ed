package channel

import (
	"context"
	"log/slog"

	"feishubot/internal/domain"
)

// Disabled is the channel used when no platform is configured. It satisfies
// domain.Channel so the rest of the gateway never has to check whether a
// channel exists; it accepts sends and drops them with a warning.
type Disabled struct {
	name   string
	logger *slog.Logger
}

// NewDisabled creates a no-op stand-in for the named channel.
func NewDisabled(name string, logger *slog.Logger) *Disabled {
	if logger == nil {
		logger = slog.Default()
	}
	return &Disabled{name: name, logger: logger.With("channel", name)}
}

func (d *Disabled) Name() string { return d.name }

// Start blocks until ctx is cancelled. Nothing is received.
func (d *Disabled) Start(ctx context.Context, bus domain.MessageBus) error {
	bus.OnOutbound(d.name, func(msg domain.OutboundMessage) {
		d.logger.Warn("channel disabled, dropping outbound message", "chat_id", msg.ChatID)
	})
	d.logger.Info("channel disabled")
	<-ctx.Done()
	return nil
}

func (d *Disabled) Stop() error { return nil }

func (d *Disabled) Send(ctx context.Context, chatID, content string) error {
	d.logger.Warn("channel disabled, dropping send", "chat_id", chatID)
	return nil
}
