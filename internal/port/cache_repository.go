package port

import "context"

type CacheRepository interface {
	// ClaimIdempotencyKey reserves key for an in-flight request, returns false if already taken
	ClaimIdempotencyKey(ctx context.Context, key string) (bool, error)

	// CompleteIdempotencyKey records the order created under key
	CompleteIdempotencyKey(ctx context.Context, key string, orderID int64) error

	// LookupIdempotencyKey returns the order recorded under key, 0 while still in flight
	LookupIdempotencyKey(ctx context.Context, key string) (int64, error)

	// ReleaseIdempotencyKey frees key after a failed attempt
	ReleaseIdempotencyKey(ctx context.Context, key string) error

	// MarkDelivered remembers that a side effect identified by key happened
	MarkDelivered(ctx context.Context, key string) error

	// IsDelivered reports whether MarkDelivered was called for key
	IsDelivered(ctx context.Context, key string) (bool, error)

	// SetStockLevel mirrors a product's stock for readers outside the database,
	// ignoring levels older than the version already mirrored
	SetStockLevel(ctx context.Context, productID int64, stock int, version int64) error
}
