// Package channels connects chat platforms to owner sessions.
package channels

import (
	"context"
	"errors"
	"log/slog"
)

// Channel is a chat front end. Each channel owns one session for the
// platform's single owner.
type Channel interface {
	Name() string

	// Start polls the platform until ctx is canceled. An error means the
	// channel gave up.
	Start(ctx context.Context) error

	// Close stops agent work started from the channel.
	Close()
}

// Serve runs ch until ctx is done and closes it afterwards.
func Serve(ctx context.Context, ch Channel, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	defer ch.Close()

	logger.Info("channel started", "channel", ch.Name())
	if err := ch.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("channel stopped", "channel", ch.Name(), "error", err)
		return
	}
	logger.Info("channel stopped", "channel", ch.Name())
}
