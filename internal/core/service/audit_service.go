package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/agrous/stock-ledger/internal/core/domain"
	"github.com/agrous/stock-ledger/internal/logging"
	"github.com/agrous/stock-ledger/internal/port"
)

var ErrAuditInProgress = errors.New("audit already running for this owner")

const auditLockTTL = 2 * time.Minute

// Drift is an item whose cached stock disagrees with its ledger.
type Drift struct {
	ItemID       string          `json:"item_id"`
	ItemName     string          `json:"item_name"`
	CurrentStock decimal.Decimal `json:"current_stock"`
	LedgerSum    decimal.Decimal `json:"ledger_sum"`
}

type AuditReport struct {
	OwnerID         string    `json:"owner_id"`
	ItemsChecked    int       `json:"items_checked"`
	EntriesChecked  int       `json:"entries_checked"`
	OrphanedEntries int       `json:"orphaned_entries"`
	Drifts          []Drift   `json:"drifts"`
	CheckedAt       time.Time `json:"checked_at"`
}

func (r AuditReport) Consistent() bool {
	return len(r.Drifts) == 0
}

// AuditService compares every item's cached stock with the signed sum of its
// ledger entries. It only reads; a drift is reported, never repaired.
// Entries whose item was deleted are counted as orphans, which is expected.
type AuditService struct {
	repo   port.InventoryRepository
	locker port.Locker
	log    logrus.FieldLogger
}

// NewAuditService builds the service. locker may be nil, in which case
// concurrent audits are not prevented.
func NewAuditService(repo port.InventoryRepository, locker port.Locker, log logrus.FieldLogger) *AuditService {
	return &AuditService{repo: repo, locker: locker, log: log}
}

func (s *AuditService) Reconcile(ctx context.Context, ownerID string) (*AuditReport, error) {
	if s.locker != nil {
		lock, err := s.locker.Obtain(ctx, "audit:"+ownerID, auditLockTTL)
		if errors.Is(err, domain.ErrLockNotObtained) {
			return nil, ErrAuditInProgress
		}
		if err != nil {
			return nil, fmt.Errorf("obtain audit lock: %w", err)
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				logging.LogError(s.log, "audit", "Reconcile", "release audit lock", ownerID, err)
			}
		}()
	}

	items, err := s.repo.ListItems(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	entries, err := s.repo.ListEntries(ctx, ownerID, domain.EntryFilter{})
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	sums := make(map[string]decimal.Decimal, len(items))
	for _, e := range entries {
		sums[e.ItemID] = sums[e.ItemID].Add(e.Direction.Signed(e.Quantity))
	}

	report := &AuditReport{
		OwnerID:        ownerID,
		ItemsChecked:   len(items),
		EntriesChecked: len(entries),
		Drifts:         []Drift{},
		CheckedAt:      time.Now().UTC(),
	}

	known := make(map[string]struct{}, len(items))
	for _, item := range items {
		known[item.ID] = struct{}{}

		sum := sums[item.ID]
		if !item.CurrentStock.Equal(sum) {
			report.Drifts = append(report.Drifts, Drift{
				ItemID:       item.ID,
				ItemName:     item.Name,
				CurrentStock: item.CurrentStock,
				LedgerSum:    sum,
			})
		}
	}
	for _, e := range entries {
		if _, ok := known[e.ItemID]; !ok {
			report.OrphanedEntries++
		}
	}

	if !report.Consistent() {
		s.log.WithFields(logrus.Fields{
			"owner_id": ownerID,
			"drifts":   len(report.Drifts),
		}).Warn("ledger drift detected")
	}
	return report, nil
}
