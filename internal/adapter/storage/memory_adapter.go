package storage

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrous/stock-ledger/internal/core/domain"
	"github.com/agrous/stock-ledger/internal/port"
)

var (
	_ port.InventoryRepository = (*MemoryAdapter)(nil)
	_ port.LivestockRepository = (*MemoryAdapter)(nil)
)

// MemoryAdapter keeps every record in process memory. A single mutex makes
// each write atomic; version checks give the same conflict behaviour as the
// database adapters.
type MemoryAdapter struct {
	mu sync.RWMutex

	items   map[string]domain.Item
	entries []domain.LedgerEntry

	lots         map[string]domain.Lot
	lotMovements []domain.LotMovement

	now func() time.Time
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		items: make(map[string]domain.Item),
		lots:  make(map[string]domain.Lot),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryAdapter) CreateItem(_ context.Context, item domain.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[item.ID]; exists {
		return domain.ErrAlreadyExists
	}
	m.items[item.ID] = cloneItem(item)
	return nil
}

func (m *MemoryAdapter) GetItem(_ context.Context, itemID string) (*domain.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[itemID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := cloneItem(item)
	return &out, nil
}

func (m *MemoryAdapter) ListItems(_ context.Context, ownerID string) ([]domain.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]domain.Item, 0)
	for _, item := range m.items {
		if item.OwnerID == ownerID {
			result = append(result, cloneItem(item))
		}
	}
	slices.SortFunc(result, func(a, b domain.Item) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return result, nil
}

func (m *MemoryAdapter) UpdateItemDetails(_ context.Context, item domain.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.items[item.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Version != item.Version {
		return domain.ErrOptimisticLock
	}

	stored.Name = item.Name
	stored.Unit = item.Unit
	stored.Category = item.Category
	stored.Part = clonePart(item.Part)
	stored.Version++
	stored.UpdatedAt = item.UpdatedAt
	m.items[item.ID] = stored
	return nil
}

func (m *MemoryAdapter) DeleteItem(_ context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[itemID]; !ok {
		return domain.ErrNotFound
	}
	delete(m.items, itemID)
	return nil
}

func (m *MemoryAdapter) ApplyMovement(_ context.Context, itemID string, expectedVersion int64, newStock decimal.Decimal, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[itemID]
	if !ok {
		return domain.LedgerEntry{}, domain.ErrNotFound
	}
	if item.Version != expectedVersion {
		return domain.LedgerEntry{}, domain.ErrOptimisticLock
	}

	now := m.now()
	item.CurrentStock = newStock
	item.Version++
	item.UpdatedAt = now
	m.items[itemID] = item

	entry.CreatedAt = now
	m.entries = append(m.entries, entry)
	return entry, nil
}

func (m *MemoryAdapter) ListEntries(_ context.Context, ownerID string, filter domain.EntryFilter) ([]domain.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]domain.LedgerEntry, 0)
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.OwnerID != ownerID || !filter.Matches(e) {
			continue
		}
		result = append(result, e)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryAdapter) CreateLot(_ context.Context, lot domain.Lot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.lots[lot.ID]; exists {
		return domain.ErrAlreadyExists
	}
	m.lots[lot.ID] = lot
	return nil
}

func (m *MemoryAdapter) GetLot(_ context.Context, lotID string) (*domain.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lot, ok := m.lots[lotID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &lot, nil
}

func (m *MemoryAdapter) ListLots(_ context.Context, ownerID string) ([]domain.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]domain.Lot, 0)
	for _, lot := range m.lots {
		if lot.OwnerID == ownerID {
			result = append(result, lot)
		}
	}
	slices.SortFunc(result, func(a, b domain.Lot) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return result, nil
}

func (m *MemoryAdapter) ApplyLotChanges(_ context.Context, lots []domain.Lot, movement domain.LotMovement) (domain.LotMovement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, lot := range lots {
		stored, ok := m.lots[lot.ID]
		if !ok {
			return domain.LotMovement{}, domain.ErrNotFound
		}
		if stored.Version != lot.Version {
			return domain.LotMovement{}, domain.ErrOptimisticLock
		}
	}

	now := m.now()
	for _, lot := range lots {
		stored := m.lots[lot.ID]
		stored.HeadCount = lot.HeadCount
		stored.PastureID = lot.PastureID
		stored.Version++
		stored.UpdatedAt = lot.UpdatedAt
		m.lots[lot.ID] = stored
	}

	movement.CreatedAt = now
	m.lotMovements = append(m.lotMovements, movement)
	return movement, nil
}

func (m *MemoryAdapter) ListLotMovements(_ context.Context, lotID string) ([]domain.LotMovement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]domain.LotMovement, 0)
	for i := len(m.lotMovements) - 1; i >= 0; i-- {
		if m.lotMovements[i].Involves(lotID) {
			result = append(result, m.lotMovements[i])
		}
	}
	return result, nil
}

func cloneItem(item domain.Item) domain.Item {
	item.Part = clonePart(item.Part)
	return item
}

func clonePart(p *domain.PartInfo) *domain.PartInfo {
	if p == nil {
		return nil
	}
	out := *p
	return &out
}
