package port

import (
	"context"

	"github.com/rl1809/marketplace-orders/internal/core/money"
)

type Notifier interface {
	// Send delivers one message; errors are retried by the caller's job policy
	Send(ctx context.Context, recipient, subject, body string) error
}

// ExternalSnapshot is a product's stock and price as reported by a supplier system.
type ExternalSnapshot struct {
	Stock int
	Price money.Amount
}

type ExternalInventorySource interface {
	// Fetch returns the supplier's current figures for sku; callers bound it with a deadline
	Fetch(ctx context.Context, sku string) (ExternalSnapshot, error)
}

type ReportSink interface {
	// WriteArtifact durably stores payload under name
	WriteArtifact(ctx context.Context, name string, payload []byte) error
}
