package pipeline

import (
	"context"
	"log/slog"
)

// LogNotifier is the default Notifier: it records the message instead of
// delivering it anywhere. Real channels plug in behind the same interface.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, channel, message string) error {
	if n.logger != nil {
		n.logger.Info("notification", "channel", channel, "message", message)
	}
	return nil
}
