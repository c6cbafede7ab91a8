package storage

import (
	"context"
	"time"

	logx "biliradar/pkg/logx"
)

// Store is the persistence API used by the watch scheduler and the command
// handlers. All methods are safe for concurrent use.
type Store interface {
	// Subscription ledger.
	AddSubscription(ctx context.Context, sub Subscription) (int64, error)
	RemoveSubscription(ctx context.Context, destination string, mid int64) error
	SetEnabled(ctx context.Context, destination string, mid int64, enabled bool) error
	ListSubscriptions(ctx context.Context, destination string) ([]Subscription, error)
	DistinctEnabledPublishers(ctx context.Context) ([]int64, error)
	EnabledForPublisher(ctx context.Context, mid int64) ([]Subscription, error)

	// Watermark and delivery ledger.
	AdvanceWatermark(ctx context.Context, subID int64, wm Watermark) error
	AlreadyDelivered(ctx context.Context, d Delivery) (bool, error)
	MarkDelivered(ctx context.Context, subID int64, d Delivery, wm Watermark) error
	PruneDeliveries(ctx context.Context, olderThan time.Time) (int64, error)

	// Destination routing overrides.
	ResolveDestination(ctx context.Context, destination string) (chatID int64, threadID int, ok bool, err error)
	SetDestinationChat(ctx context.Context, destination string, chatID int64, threadID int) error

	Close() error
}

// Open initializes the SQLite store at cfg.Path, creating the schema if
// needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
