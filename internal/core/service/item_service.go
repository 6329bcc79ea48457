package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/agrous/stock-ledger/internal/core/domain"
	"github.com/agrous/stock-ledger/internal/logging"
	"github.com/agrous/stock-ledger/internal/port"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

type NewItem struct {
	Name         string           `json:"name" validate:"required,max=120"`
	Unit         string           `json:"unit" validate:"required,max=32"`
	Category     string           `json:"category" validate:"required,max=64"`
	Part         *domain.PartInfo `json:"part,omitempty"`
	OpeningStock decimal.Decimal  `json:"opening_stock"`
}

type ItemDetailsInput struct {
	Name     string           `json:"name" validate:"required,max=120"`
	Unit     string           `json:"unit" validate:"required,max=32"`
	Category string           `json:"category" validate:"required,max=64"`
	Part     *domain.PartInfo `json:"part,omitempty"`
}

// ItemService manages item records. Stock changes are delegated to
// StockService.
type ItemService struct {
	repo     port.InventoryRepository
	stock    *StockService
	validate *validator.Validate
	log      logrus.FieldLogger
	opts     Options
}

func NewItemService(repo port.InventoryRepository, stock *StockService, validate *validator.Validate, log logrus.FieldLogger, opts Options) *ItemService {
	return &ItemService{
		repo:     repo,
		stock:    stock,
		validate: validate,
		log:      log,
		opts:     opts.withDefaults(),
	}
}

// Register creates an item with zero stock. A positive opening stock is
// recorded as a regular inbound movement so the ledger explains it.
func (s *ItemService) Register(ctx context.Context, ownerID string, in NewItem) (*domain.Item, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if in.OpeningStock.IsNegative() || !in.OpeningStock.Equal(in.OpeningStock.Round(domain.QuantityScale)) {
		return nil, ErrInvalidQuantity
	}

	now := time.Now().UTC()
	item := domain.Item{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      in.Name,
		Unit:      in.Unit,
		Category:  in.Category,
		Part:      in.Part,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateItem(ctx, item); err != nil {
		return nil, fmt.Errorf("create item: %w", err)
	}

	if !in.OpeningStock.IsPositive() {
		return &item, nil
	}

	note := "opening stock"
	res, err := s.stock.RecordMovement(ctx, domain.Movement{
		ItemID:    item.ID,
		OwnerID:   ownerID,
		Direction: domain.DirectionIn,
		Quantity:  in.OpeningStock,
		Note:      &note,
	})
	if err != nil {
		// Without its opening movement the item would sit at zero stock and a
		// resubmitted request would create a second one.
		if delErr := s.repo.DeleteItem(context.WithoutCancel(ctx), item.ID); delErr != nil && !errors.Is(delErr, domain.ErrNotFound) {
			logging.LogError(s.log, "item", "Register", "remove item after failed opening stock", item.ID, delErr)
		}
		return nil, fmt.Errorf("record opening stock: %w", err)
	}
	return &res.Item, nil
}

func (s *ItemService) Get(ctx context.Context, ownerID, itemID string) (*domain.Item, error) {
	item, err := s.repo.GetItem(ctx, itemID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if item.OwnerID != ownerID {
		return nil, ErrItemNotFound
	}
	return item, nil
}

func (s *ItemService) List(ctx context.Context, ownerID string) ([]domain.Item, error) {
	items, err := s.repo.ListItems(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

// UpdateDetails edits name, unit, category and part metadata. The write
// bumps the item version, so a movement racing with a rename retries and
// snapshots the new name.
func (s *ItemService) UpdateDetails(ctx context.Context, ownerID, itemID string, in ItemDetailsInput) (*domain.Item, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var updated *domain.Item
	err := retryOnConflict(ctx, s.opts.MaxAttempts, s.opts.RetryBackoff, func() error {
		item, err := s.Get(ctx, ownerID, itemID)
		if err != nil {
			return err
		}

		domain.ItemDetails{
			Name:     in.Name,
			Unit:     in.Unit,
			Category: in.Category,
			Part:     in.Part,
		}.Apply(item)
		item.UpdatedAt = time.Now().UTC()

		err = s.repo.UpdateItemDetails(ctx, *item)
		if errors.Is(err, domain.ErrNotFound) {
			return ErrItemNotFound
		}
		if err != nil {
			return fmt.Errorf("update item: %w", err)
		}

		item.Version++
		updated = item
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.stock.enqueue(*updated)
	return updated, nil
}

// Delete removes the item. Its ledger entries are intentionally left in
// place and stay visible through History.
func (s *ItemService) Delete(ctx context.Context, ownerID, itemID string) error {
	if _, err := s.Get(ctx, ownerID, itemID); err != nil {
		return err
	}

	err := s.repo.DeleteItem(ctx, itemID)
	if errors.Is(err, domain.ErrNotFound) {
		return ErrItemNotFound
	}
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

// History lists the owner's ledger entries, newest first. Entries of
// deleted items are included.
func (s *ItemService) History(ctx context.Context, ownerID string, filter domain.EntryFilter) ([]domain.LedgerEntry, error) {
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultHistoryLimit
	case filter.Limit > maxHistoryLimit:
		filter.Limit = maxHistoryLimit
	}

	entries, err := s.repo.ListEntries(ctx, ownerID, filter)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return entries, nil
}
