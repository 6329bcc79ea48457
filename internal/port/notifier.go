package port

import (
	"context"

	"github.com/agrous/stock-ledger/internal/core/domain"
)

// Notifier fans out full item snapshots after committed changes.
type Notifier interface {
	PublishItem(ctx context.Context, item domain.Item) error

	// SubscribeItem delivers snapshots of one item until cancel is called
	// or ctx ends.
	SubscribeItem(ctx context.Context, itemID string) (snapshots <-chan domain.Item, cancel func(), err error)
}
