package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agrous/stock-ledger/internal/core/domain"
	"github.com/agrous/stock-ledger/internal/port"
)

var (
	_ port.CacheRepository = (*MemoryCache)(nil)
	_ port.Notifier        = (*MemoryNotifier)(nil)
	_ port.Locker          = (*MemoryLocker)(nil)
)

const (
	subscriberBuffer = 16
	cacheSweepEvery  = time.Minute
)

// MemoryCache is the single-process stand-in for the Redis idempotency keys.
type MemoryCache struct {
	mu         sync.Mutex
	keys       map[string]time.Time
	ttl        time.Duration
	sweepEvery time.Duration
	nextSweep  time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		keys:       make(map[string]time.Time),
		ttl:        idempotencyKeyTTL,
		sweepEvery: cacheSweepEvery,
	}
}

func (c *MemoryCache) SetIdempotency(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.sweep(now)
	if expires, ok := c.keys[key]; ok && now.Before(expires) {
		return false, nil
	}
	c.keys[key] = now.Add(c.ttl)
	return true, nil
}

// sweep drops expired keys, at most once per sweepEvery. Caller holds mu.
func (c *MemoryCache) sweep(now time.Time) {
	if now.Before(c.nextSweep) {
		return
	}
	for k, expires := range c.keys {
		if !now.Before(expires) {
			delete(c.keys, k)
		}
	}
	c.nextSweep = now.Add(c.sweepEvery)
}

func (c *MemoryCache) ReleaseIdempotency(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.keys, key)
	return nil
}

// MemoryNotifier fans item snapshots out to in-process subscribers. Slow
// subscribers miss snapshots instead of blocking publishers.
type MemoryNotifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan domain.Item
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{subs: make(map[string]map[int]chan domain.Item)}
}

func (n *MemoryNotifier) PublishItem(_ context.Context, item domain.Item) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.subs[item.ID] {
		select {
		case ch <- item:
		default:
		}
	}
	return nil
}

func (n *MemoryNotifier) SubscribeItem(ctx context.Context, itemID string) (<-chan domain.Item, func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++

	ch := make(chan domain.Item, subscriberBuffer)
	if n.subs[itemID] == nil {
		n.subs[itemID] = make(map[int]chan domain.Item)
	}
	n.subs[itemID][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()

			delete(n.subs[itemID], id)
			if len(n.subs[itemID]) == 0 {
				delete(n.subs, itemID)
			}
			close(ch)
		})
	}
	stop := context.AfterFunc(ctx, cancel)

	return ch, func() {
		stop()
		cancel()
	}, nil
}

// MemoryLocker is a process-local lock table with expiry.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryLock
	clock func() time.Time
}

type memoryLock struct {
	token   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:  make(map[string]memoryLock),
		clock: time.Now,
	}
}

func (l *MemoryLocker) Obtain(_ context.Context, key string, ttl time.Duration) (port.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, domain.ErrLockNotObtained
	}

	token := uuid.NewString()
	l.held[key] = memoryLock{token: token, expires: now.Add(ttl)}
	return &memoryLockHandle{locker: l, key: key, token: token}, nil
}

type memoryLockHandle struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (h *memoryLockHandle) Release(_ context.Context) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()

	if cur, ok := h.locker.held[h.key]; ok && cur.token == h.token {
		delete(h.locker.held, h.key)
	}
	return nil
}
