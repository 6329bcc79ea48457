package storage

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/agrous/stock-ledger/internal/core/domain"
)

const lotColumns = `id, owner_id, name, species, pasture_id, head_count, version, created_at, updated_at`

func (m *MySQLAdapter) CreateLot(ctx context.Context, lot domain.Lot) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO lots (`+lotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lot.ID, lot.OwnerID, lot.Name, nullString(lot.Species), nullString(lot.PastureID),
		lot.HeadCount, lot.Version, lot.CreatedAt, lot.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert lot: %w", mapMySQLError(err))
	}
	return nil
}

func (m *MySQLAdapter) GetLot(ctx context.Context, lotID string) (*domain.Lot, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM lots WHERE id = ?`, lotID)

	lot, err := scanLot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query lot: %w", err)
	}
	return lot, nil
}

func (m *MySQLAdapter) ListLots(ctx context.Context, ownerID string) ([]domain.Lot, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+lotColumns+`
		FROM lots WHERE owner_id = ?
		ORDER BY name, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query lots: %w", err)
	}
	defer rows.Close()

	lots := make([]domain.Lot, 0)
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		lots = append(lots, *lot)
	}
	return lots, rows.Err()
}

// ApplyLotChanges updates the lots in id order so two opposite transfers
// lock rows in the same sequence.
func (m *MySQLAdapter) ApplyLotChanges(ctx context.Context, lots []domain.Lot, movement domain.LotMovement) (domain.LotMovement, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.LotMovement{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	ordered := slices.Clone(lots)
	slices.SortFunc(ordered, func(a, b domain.Lot) int { return cmp.Compare(a.ID, b.ID) })

	for _, lot := range ordered {
		result, err := tx.ExecContext(ctx, `
			UPDATE lots
			SET head_count = ?, pasture_id = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`,
			lot.HeadCount, nullString(lot.PastureID), lot.UpdatedAt, lot.ID, lot.Version,
		)
		if err != nil {
			return domain.LotMovement{}, fmt.Errorf("update lot %s: %w", lot.ID, mapMySQLError(err))
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return domain.LotMovement{}, fmt.Errorf("rows affected: %w", err)
		}
		if rows == 0 {
			return domain.LotMovement{}, missOrConflict(ctx, tx, "lots", lot.ID)
		}
	}

	movement.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO lot_movements
			(id, owner_id, kind, lot_id, target_lot_id, head_count, from_pasture_id, to_pasture_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		movement.ID, movement.OwnerID, string(movement.Kind), movement.LotID,
		nullString(movement.TargetLotID), movement.HeadCount,
		nullString(movement.FromPastureID), nullString(movement.ToPastureID), movement.CreatedAt,
	)
	if err != nil {
		return domain.LotMovement{}, fmt.Errorf("insert lot movement: %w", mapMySQLError(err))
	}

	if err := tx.Commit(); err != nil {
		return domain.LotMovement{}, fmt.Errorf("commit: %w", mapMySQLError(err))
	}
	return movement, nil
}

func (m *MySQLAdapter) ListLotMovements(ctx context.Context, lotID string) ([]domain.LotMovement, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, owner_id, kind, lot_id, target_lot_id, head_count,
			from_pasture_id, to_pasture_id, created_at
		FROM lot_movements
		WHERE lot_id = ? OR target_lot_id = ?
		ORDER BY created_at DESC, id DESC`, lotID, lotID)
	if err != nil {
		return nil, fmt.Errorf("query lot movements: %w", err)
	}
	defer rows.Close()

	movements := make([]domain.LotMovement, 0)
	for rows.Next() {
		var (
			mv               domain.LotMovement
			kind             string
			target, from, to sql.NullString
		)
		if err := rows.Scan(&mv.ID, &mv.OwnerID, &kind, &mv.LotID, &target, &mv.HeadCount,
			&from, &to, &mv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lot movement: %w", err)
		}
		mv.Kind = domain.LotMovementKind(kind)
		mv.TargetLotID = stringPtr(target)
		mv.FromPastureID = stringPtr(from)
		mv.ToPastureID = stringPtr(to)
		movements = append(movements, mv)
	}
	return movements, rows.Err()
}

func scanLot(row rowScanner) (*domain.Lot, error) {
	var (
		lot     domain.Lot
		species sql.NullString
		pasture sql.NullString
	)
	err := row.Scan(&lot.ID, &lot.OwnerID, &lot.Name, &species, &pasture,
		&lot.HeadCount, &lot.Version, &lot.CreatedAt, &lot.UpdatedAt)
	if err != nil {
		return nil, err
	}
	lot.Species = stringPtr(species)
	lot.PastureID = stringPtr(pasture)
	return &lot, nil
}
