package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agrous/stock-ledger/internal/core/domain"
	"github.com/agrous/stock-ledger/internal/port"
)

var (
	ErrLotNotFound           = errors.New("lot not found")
	ErrInvalidHeadCount      = errors.New("head count must be greater than zero")
	ErrInsufficientHeadCount = errors.New("not enough animals in lot")
	ErrSameLot               = errors.New("source and target lot are the same")
	ErrInvalidPasture        = errors.New("pasture is required")
)

type NewLot struct {
	Name      string  `json:"name" validate:"required,max=120"`
	Species   *string `json:"species,omitempty" validate:"omitempty,max=64"`
	PastureID *string `json:"pasture_id,omitempty" validate:"omitempty,max=64"`
	HeadCount int     `json:"head_count" validate:"gte=0"`
}

type TransferResult struct {
	From     domain.Lot         `json:"from"`
	To       domain.Lot         `json:"to"`
	Movement domain.LotMovement `json:"movement"`
}

type RelocationResult struct {
	Lot      domain.Lot         `json:"lot"`
	Movement domain.LotMovement `json:"movement"`
}

// LivestockService keeps lot head counts and pastures consistent with the
// movement history, using the same optimistic loop as StockService.
type LivestockService struct {
	repo     port.LivestockRepository
	validate *validator.Validate
	log      logrus.FieldLogger
	opts     Options
}

func NewLivestockService(repo port.LivestockRepository, validate *validator.Validate, log logrus.FieldLogger, opts Options) *LivestockService {
	return &LivestockService{
		repo:     repo,
		validate: validate,
		log:      log,
		opts:     opts.withDefaults(),
	}
}

func (s *LivestockService) CreateLot(ctx context.Context, ownerID string, in NewLot) (*domain.Lot, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	now := time.Now().UTC()
	lot := domain.Lot{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      in.Name,
		Species:   in.Species,
		PastureID: in.PastureID,
		HeadCount: in.HeadCount,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("create lot: %w", err)
	}
	return &lot, nil
}

func (s *LivestockService) GetLot(ctx context.Context, ownerID, lotID string) (*domain.Lot, error) {
	lot, err := s.repo.GetLot(ctx, lotID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrLotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lot: %w", err)
	}
	if lot.OwnerID != ownerID {
		return nil, ErrLotNotFound
	}
	return lot, nil
}

func (s *LivestockService) ListLots(ctx context.Context, ownerID string) ([]domain.Lot, error) {
	lots, err := s.repo.ListLots(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list lots: %w", err)
	}
	return lots, nil
}

// TransferAnimals moves count animals from one lot to another. Both head
// counts and the history record commit together or not at all.
func (s *LivestockService) TransferAnimals(ctx context.Context, ownerID, fromID, toID string, count int) (*TransferResult, error) {
	if count <= 0 {
		return nil, ErrInvalidHeadCount
	}
	if fromID == toID {
		return nil, ErrSameLot
	}

	var result *TransferResult
	err := retryOnConflict(ctx, s.opts.MaxAttempts, s.opts.RetryBackoff, func() error {
		from, err := s.GetLot(ctx, ownerID, fromID)
		if err != nil {
			return err
		}
		to, err := s.GetLot(ctx, ownerID, toID)
		if err != nil {
			return err
		}
		if from.HeadCount < count {
			return ErrInsufficientHeadCount
		}

		now := time.Now().UTC()
		from.HeadCount -= count
		from.UpdatedAt = now
		to.HeadCount += count
		to.UpdatedAt = now

		target := to.ID
		movement := domain.LotMovement{
			ID:            uuid.NewString(),
			OwnerID:       ownerID,
			Kind:          domain.LotMovementTransfer,
			LotID:         from.ID,
			TargetLotID:   &target,
			HeadCount:     count,
			FromPastureID: from.PastureID,
			ToPastureID:   to.PastureID,
		}

		committed, err := s.repo.ApplyLotChanges(ctx, []domain.Lot{*from, *to}, movement)
		if errors.Is(err, domain.ErrNotFound) {
			return ErrLotNotFound
		}
		if err != nil {
			return fmt.Errorf("apply lot changes: %w", err)
		}

		from.Version++
		to.Version++
		result = &TransferResult{From: *from, To: *to, Movement: committed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RelocateLot moves a whole lot onto another pasture.
func (s *LivestockService) RelocateLot(ctx context.Context, ownerID, lotID, pastureID string) (*RelocationResult, error) {
	pastureID = strings.TrimSpace(pastureID)
	if pastureID == "" {
		return nil, ErrInvalidPasture
	}

	var result *RelocationResult
	err := retryOnConflict(ctx, s.opts.MaxAttempts, s.opts.RetryBackoff, func() error {
		lot, err := s.GetLot(ctx, ownerID, lotID)
		if err != nil {
			return err
		}

		previous := lot.PastureID
		next := pastureID
		lot.PastureID = &next
		lot.UpdatedAt = time.Now().UTC()

		movement := domain.LotMovement{
			ID:            uuid.NewString(),
			OwnerID:       ownerID,
			Kind:          domain.LotMovementRelocation,
			LotID:         lot.ID,
			FromPastureID: previous,
			ToPastureID:   &next,
		}

		committed, err := s.repo.ApplyLotChanges(ctx, []domain.Lot{*lot}, movement)
		if errors.Is(err, domain.ErrNotFound) {
			return ErrLotNotFound
		}
		if err != nil {
			return fmt.Errorf("apply lot changes: %w", err)
		}

		lot.Version++
		result = &RelocationResult{Lot: *lot, Movement: committed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *LivestockService) LotHistory(ctx context.Context, ownerID, lotID string) ([]domain.LotMovement, error) {
	if _, err := s.GetLot(ctx, ownerID, lotID); err != nil {
		return nil, err
	}

	movements, err := s.repo.ListLotMovements(ctx, lotID)
	if err != nil {
		return nil, fmt.Errorf("list lot movements: %w", err)
	}
	return movements, nil
}
