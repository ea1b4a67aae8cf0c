package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/rl1809/marketplace-orders/internal/port"
)

// LogNotifier writes messages to the log instead of delivering them.
// It is used when no broker is configured.
type LogNotifier struct {
	logger *zap.Logger
}

var _ port.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, recipient, subject, body string) error {
	n.logger.Info("notification",
		zap.String("recipient", recipient),
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return nil
}
