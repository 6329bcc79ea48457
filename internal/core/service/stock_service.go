package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agrous/stock-ledger/internal/core/domain"
	"github.com/agrous/stock-ledger/internal/logging"
	"github.com/agrous/stock-ledger/internal/port"
)

var (
	ErrDuplicateRequest    = errors.New("duplicate request")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInvalidQuantity     = errors.New("quantity must be greater than zero")
	ErrInvalidDirection    = errors.New("direction must be in or out")
	ErrItemNotFound        = errors.New("item not found")
	ErrTransactionConflict = errors.New("transaction conflict: too many concurrent updates")
	ErrInvalidInput        = errors.New("invalid input")
)

const (
	DefaultMaxAttempts  = 5
	DefaultRetryBackoff = 20 * time.Millisecond
	DefaultQueueSize    = 1024
)

// Options tunes the optimistic transaction loop and the snapshot queue.
type Options struct {
	MaxAttempts  int
	RetryBackoff time.Duration
	QueueSize    int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	return o
}

type MovementResult struct {
	Item  domain.Item        `json:"item"`
	Entry domain.LedgerEntry `json:"entry"`
}

// StockService records inventory movements. It is the only caller of
// InventoryRepository.ApplyMovement, so it is the only code that changes an
// item's stock.
type StockService struct {
	repo  port.InventoryRepository
	cache port.CacheRepository
	log   logrus.FieldLogger
	opts  Options

	mu          sync.RWMutex
	closed      bool
	updateQueue chan domain.Item
}

func NewStockService(repo port.InventoryRepository, cache port.CacheRepository, log logrus.FieldLogger, opts Options) *StockService {
	opts = opts.withDefaults()
	return &StockService{
		repo:        repo,
		cache:       cache,
		log:         log,
		opts:        opts,
		updateQueue: make(chan domain.Item, opts.QueueSize),
	}
}

func (s *StockService) RecordMovement(ctx context.Context, m domain.Movement) (*MovementResult, error) {
	if !domain.ValidQuantity(m.Quantity) {
		return nil, ErrInvalidQuantity
	}
	if !m.Direction.Valid() {
		return nil, ErrInvalidDirection
	}

	var idempotencyKey string
	if m.RequestID != "" {
		idempotencyKey = fmt.Sprintf("movement:%s:%s", m.OwnerID, m.RequestID)

		ok, err := s.cache.SetIdempotency(ctx, idempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency check failed: %w", err)
		}
		if !ok {
			return nil, ErrDuplicateRequest
		}
	}

	result, err := s.commit(ctx, m)
	if err != nil {
		switch {
		case idempotencyKey == "":
		case nothingWritten(err):
			if relErr := s.cache.ReleaseIdempotency(context.WithoutCancel(ctx), idempotencyKey); relErr != nil {
				logging.LogError(s.log, "stock", "RecordMovement", "release idempotency key", idempotencyKey, relErr)
			}
		default:
			s.log.WithFields(logrus.Fields{
				"item_id":    m.ItemID,
				"request_id": m.RequestID,
			}).WithError(err).Warn("movement outcome unknown, keeping idempotency key")
		}
		return nil, err
	}

	s.enqueue(result.Item)
	return result, nil
}

// nothingWritten reports whether err proves the movement was not committed,
// so its request id may be used again. A store error may have hit after the
// commit itself.
func nothingWritten(err error) bool {
	return errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrTransactionConflict)
}

func (s *StockService) commit(ctx context.Context, m domain.Movement) (*MovementResult, error) {
	var result *MovementResult

	err := retryOnConflict(ctx, s.opts.MaxAttempts, s.opts.RetryBackoff, func() error {
		item, err := s.repo.GetItem(ctx, m.ItemID)
		if errors.Is(err, domain.ErrNotFound) {
			return ErrItemNotFound
		}
		if err != nil {
			return fmt.Errorf("get item: %w", err)
		}
		if item.OwnerID != m.OwnerID {
			return ErrItemNotFound
		}

		current := item.CurrentStock
		if m.Direction == domain.DirectionOut && current.LessThan(m.Quantity) {
			return ErrInsufficientStock
		}
		newStock := current.Add(m.Direction.Signed(m.Quantity))

		entry := domain.LedgerEntry{
			ID:           uuid.NewString(),
			ItemID:       item.ID,
			ItemName:     item.Name,
			Direction:    m.Direction,
			Quantity:     m.Quantity,
			BalanceAfter: newStock,
			OwnerID:      m.OwnerID,
			Note:         m.Note,
		}
		if m.RequestID != "" {
			requestID := m.RequestID
			entry.RequestID = &requestID
		}

		committed, err := s.repo.ApplyMovement(ctx, item.ID, item.Version, newStock, entry)
		if errors.Is(err, domain.ErrNotFound) {
			return ErrItemNotFound
		}
		if err != nil {
			return fmt.Errorf("apply movement: %w", err)
		}

		item.CurrentStock = newStock
		item.Version++
		item.UpdatedAt = committed.CreatedAt
		result = &MovementResult{Item: *item, Entry: committed}
		return nil
	})

	if errors.Is(err, ErrTransactionConflict) {
		s.log.WithFields(logrus.Fields{
			"item_id":  m.ItemID,
			"attempts": s.opts.MaxAttempts,
		}).Warn("movement gave up after repeated version conflicts")
	}
	return result, err
}

// enqueue hands a committed snapshot to the notification workers without
// blocking the caller. Snapshots carry full state, so dropping one when the
// queue is full only delays subscribers until the next change.
func (s *StockService) enqueue(item domain.Item) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}
	select {
	case s.updateQueue <- item:
	default:
		s.log.WithField("item_id", item.ID).Warn("update queue full, dropping snapshot")
	}
}

func (s *StockService) GetUpdateQueue() <-chan domain.Item {
	return s.updateQueue
}

func (s *StockService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.updateQueue)
	}
}

// PublishLoop drains the update queue into notifier until the queue is
// closed. Run one per worker.
func PublishLoop(id int, queue <-chan domain.Item, notifier port.Notifier, log logrus.FieldLogger) {
	for item := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

		if err := notifier.PublishItem(ctx, item); err != nil {
			log.WithFields(logrus.Fields{
				"worker":  id,
				"item_id": item.ID,
			}).WithError(err).Error("failed to publish item snapshot")
		}

		cancel()
	}
}
