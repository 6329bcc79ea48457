package port

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/agrous/stock-ledger/internal/core/domain"
)

type InventoryRepository interface {
	// CreateItem persists a new item with zero stock
	CreateItem(ctx context.Context, item domain.Item) error

	// GetItem retrieves an item by ID, domain.ErrNotFound if absent
	GetItem(ctx context.Context, itemID string) (*domain.Item, error)

	// ListItems returns the owner's items ordered by name
	ListItems(ctx context.Context, ownerID string) ([]domain.Item, error)

	// UpdateItemDetails writes name/unit/category/part with a version check.
	// It never touches current stock.
	UpdateItemDetails(ctx context.Context, item domain.Item) error

	// DeleteItem removes the item only; its ledger entries are kept
	DeleteItem(ctx context.Context, itemID string) error

	// ApplyMovement atomically sets the item's stock to newStock (iff its
	// version still equals expectedVersion) and appends entry. It is the only
	// write path for current stock. Returns the entry as committed.
	ApplyMovement(ctx context.Context, itemID string, expectedVersion int64, newStock decimal.Decimal, entry domain.LedgerEntry) (domain.LedgerEntry, error)

	// ListEntries returns the owner's ledger entries, newest first
	ListEntries(ctx context.Context, ownerID string, filter domain.EntryFilter) ([]domain.LedgerEntry, error)
}

type LivestockRepository interface {
	CreateLot(ctx context.Context, lot domain.Lot) error

	// GetLot retrieves a lot by ID, domain.ErrNotFound if absent
	GetLot(ctx context.Context, lotID string) (*domain.Lot, error)

	ListLots(ctx context.Context, ownerID string) ([]domain.Lot, error)

	// ApplyLotChanges atomically writes every lot (each guarded by its
	// Version, which is the version read before the change) and appends
	// movement.
	ApplyLotChanges(ctx context.Context, lots []domain.Lot, movement domain.LotMovement) (domain.LotMovement, error)

	// ListLotMovements returns movements involving the lot, newest first
	ListLotMovements(ctx context.Context, lotID string) ([]domain.LotMovement, error)
}
