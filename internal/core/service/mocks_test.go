package service

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

// Mock InventoryRepository
type mockInventoryRepo struct {
	mu      sync.Mutex
	items   map[string]domain.Item
	entries []domain.LedgerEntry

	calls int
	// forcedConflicts makes the next N ApplyMovement calls fail with
	// ErrOptimisticLock.
	forcedConflicts int
	// beforeApply runs inside ApplyMovement before the version check,
	// without the lock held.
	beforeApply func()
	// commitErr is returned by ApplyMovement after the change was stored,
	// like a connection lost while the commit was acknowledged.
	commitErr error
}

func newMockInventoryRepo() *mockInventoryRepo {
	return &mockInventoryRepo{items: make(map[string]domain.Item)}
}

func (m *mockInventoryRepo) seed(item domain.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.Version == 0 {
		item.Version = 1
	}
	m.items[item.ID] = item
}

func (m *mockInventoryRepo) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockInventoryRepo) stock(itemID string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[itemID].CurrentStock
}

func (m *mockInventoryRepo) entryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *mockInventoryRepo) CreateItem(ctx context.Context, item domain.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if _, ok := m.items[item.ID]; ok {
		return domain.ErrAlreadyExists
	}
	m.items[item.ID] = item
	return nil
}

func (m *mockInventoryRepo) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	item, ok := m.items[itemID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &item, nil
}

func (m *mockInventoryRepo) ListItems(ctx context.Context, ownerID string) ([]domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	var out []domain.Item
	for _, item := range m.items {
		if item.OwnerID == ownerID {
			out = append(out, item)
		}
	}
	slices.SortFunc(out, func(a, b domain.Item) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *mockInventoryRepo) UpdateItemDetails(ctx context.Context, item domain.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	stored, ok := m.items[item.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Version != item.Version {
		return domain.ErrOptimisticLock
	}
	item.CurrentStock = stored.CurrentStock
	item.Version++
	m.items[item.ID] = item
	return nil
}

func (m *mockInventoryRepo) DeleteItem(ctx context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if _, ok := m.items[itemID]; !ok {
		return domain.ErrNotFound
	}
	delete(m.items, itemID)
	return nil
}

func (m *mockInventoryRepo) ApplyMovement(ctx context.Context, itemID string, expectedVersion int64, newStock decimal.Decimal, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	if m.beforeApply != nil {
		m.beforeApply()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if m.forcedConflicts > 0 {
		m.forcedConflicts--
		return domain.LedgerEntry{}, domain.ErrOptimisticLock
	}

	item, ok := m.items[itemID]
	if !ok {
		return domain.LedgerEntry{}, domain.ErrNotFound
	}
	if item.Version != expectedVersion {
		return domain.LedgerEntry{}, domain.ErrOptimisticLock
	}

	item.CurrentStock = newStock
	item.Version++
	m.items[itemID] = item

	entry.CreatedAt = time.Now().UTC()
	m.entries = append(m.entries, entry)
	if m.commitErr != nil {
		return domain.LedgerEntry{}, m.commitErr
	}
	return entry, nil
}

func (m *mockInventoryRepo) ListEntries(ctx context.Context, ownerID string, filter domain.EntryFilter) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	var out []domain.LedgerEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.OwnerID == ownerID && filter.Matches(e) {
			out = append(out, e)
		}
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Mock CacheRepository
type mockCacheRepo struct {
	mu             sync.Mutex
	idempotencySet map[string]bool
	released       []string
	calls          int
	err            error
}

func newMockCacheRepo() *mockCacheRepo {
	return &mockCacheRepo{idempotencySet: make(map[string]bool)}
}

func (m *mockCacheRepo) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if m.err != nil {
		return false, m.err
	}
	if m.idempotencySet[key] {
		return false, nil
	}
	m.idempotencySet[key] = true
	return true, nil
}

func (m *mockCacheRepo) ReleaseIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	delete(m.idempotencySet, key)
	m.released = append(m.released, key)
	return nil
}

// Mock Notifier
type mockNotifier struct {
	mu        sync.Mutex
	published []domain.Item
	err       error
}

func (m *mockNotifier) PublishItem(ctx context.Context, item domain.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, item)
	return nil
}

func (m *mockNotifier) SubscribeItem(ctx context.Context, itemID string) (<-chan domain.Item, func(), error) {
	ch := make(chan domain.Item)
	close(ch)
	return ch, func() {}, nil
}

// Mock Locker
type mockLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	released int
}

func newMockLocker() *mockLocker {
	return &mockLocker{held: make(map[string]bool)}
}

func (m *mockLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (port.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held[key] {
		return nil, domain.ErrLockNotObtained
	}
	m.held[key] = true
	return &mockLock{locker: m, key: key}, nil
}

type mockLock struct {
	locker *mockLocker
	key    string
}

func (l *mockLock) Release(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()

	delete(l.locker.held, l.key)
	l.locker.released++
	return nil
}

// Mock LivestockRepository
type mockLivestockRepo struct {
	mu        sync.Mutex
	lots      map[string]domain.Lot
	movements []domain.LotMovement

	forcedConflicts int
}

func newMockLivestockRepo() *mockLivestockRepo {
	return &mockLivestockRepo{lots: make(map[string]domain.Lot)}
}

func (m *mockLivestockRepo) CreateLot(ctx context.Context, lot domain.Lot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lots[lot.ID]; ok {
		return domain.ErrAlreadyExists
	}
	m.lots[lot.ID] = lot
	return nil
}

func (m *mockLivestockRepo) GetLot(ctx context.Context, lotID string) (*domain.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lot, ok := m.lots[lotID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &lot, nil
}

func (m *mockLivestockRepo) ListLots(ctx context.Context, ownerID string) ([]domain.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Lot
	for _, lot := range m.lots {
		if lot.OwnerID == ownerID {
			out = append(out, lot)
		}
	}
	return out, nil
}

func (m *mockLivestockRepo) ApplyLotChanges(ctx context.Context, lots []domain.Lot, movement domain.LotMovement) (domain.LotMovement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.forcedConflicts > 0 {
		m.forcedConflicts--
		return domain.LotMovement{}, domain.ErrOptimisticLock
	}
	for _, lot := range lots {
		stored, ok := m.lots[lot.ID]
		if !ok {
			return domain.LotMovement{}, domain.ErrNotFound
		}
		if stored.Version != lot.Version {
			return domain.LotMovement{}, domain.ErrOptimisticLock
		}
	}
	for _, lot := range lots {
		lot.Version++
		m.lots[lot.ID] = lot
	}
	movement.CreatedAt = time.Now().UTC()
	m.movements = append(m.movements, movement)
	return movement, nil
}

func (m *mockLivestockRepo) ListLotMovements(ctx context.Context, lotID string) ([]domain.LotMovement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.LotMovement
	for i := len(m.movements) - 1; i >= 0; i-- {
		if m.movements[i].Involves(lotID) {
			out = append(out, m.movements[i])
		}
	}
	return out, nil
}
