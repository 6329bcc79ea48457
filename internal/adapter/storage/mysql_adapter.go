package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"github.com/agrous/stock-ledger/internal/core/domain"
	"github.com/agrous/stock-ledger/internal/port"
)

var (
	_ port.InventoryRepository = (*MySQLAdapter)(nil)
	_ port.LivestockRepository = (*MySQLAdapter)(nil)
)

const (
	mysqlErrDuplicateEntry = 1062
	mysqlErrLockWait       = 1205
	mysqlErrDeadlock       = 1213
)

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

const itemColumns = `id, owner_id, name, unit, category,
	part_number, part_manufacturer, part_machinery_id,
	current_stock, version, created_at, updated_at`

func (m *MySQLAdapter) CreateItem(ctx context.Context, item domain.Item) error {
	partNumber, manufacturer, machinery := partColumns(item.Part)

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.OwnerID, item.Name, item.Unit, item.Category,
		partNumber, manufacturer, machinery,
		item.CurrentStock, item.Version, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", mapMySQLError(err))
	}
	return nil
}

func (m *MySQLAdapter) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, itemID)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}
	return item, nil
}

func (m *MySQLAdapter) ListItems(ctx context.Context, ownerID string) ([]domain.Item, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items WHERE owner_id = ?
		ORDER BY name, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (m *MySQLAdapter) UpdateItemDetails(ctx context.Context, item domain.Item) error {
	partNumber, manufacturer, machinery := partColumns(item.Part)

	result, err := m.db.ExecContext(ctx, `
		UPDATE items
		SET name = ?, unit = ?, category = ?,
			part_number = ?, part_manufacturer = ?, part_machinery_id = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		item.Name, item.Unit, item.Category,
		partNumber, manufacturer, machinery,
		item.UpdatedAt, item.ID, item.Version,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", mapMySQLError(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return missOrConflict(ctx, m.db, "items", item.ID)
	}
	return nil
}

func (m *MySQLAdapter) DeleteItem(ctx context.Context, itemID string) error {
	result, err := m.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, itemID)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ApplyMovement writes the new stock and the ledger entry in one
// transaction. The UPDATE only matches while the version is unchanged, so a
// concurrent writer turns into ErrOptimisticLock instead of a lost update.
func (m *MySQLAdapter) ApplyMovement(ctx context.Context, itemID string, expectedVersion int64, newStock decimal.Decimal, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Truncate(time.Microsecond)

	result, err := tx.ExecContext(ctx, `
		UPDATE items
		SET current_stock = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		newStock, now, itemID, expectedVersion,
	)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("update item stock: %w", mapMySQLError(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return domain.LedgerEntry{}, missOrConflict(ctx, tx, "items", itemID)
	}

	entry.CreatedAt = now
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries
			(id, item_id, item_name, direction, quantity, balance_after, owner_id, request_id, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ItemID, entry.ItemName, string(entry.Direction),
		entry.Quantity, entry.BalanceAfter, entry.OwnerID,
		nullString(entry.RequestID), nullString(entry.Note), entry.CreatedAt,
	)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("insert ledger entry: %w", mapMySQLError(err))
	}

	if err := tx.Commit(); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("commit: %w", mapMySQLError(err))
	}
	return entry, nil
}

func (m *MySQLAdapter) ListEntries(ctx context.Context, ownerID string, filter domain.EntryFilter) ([]domain.LedgerEntry, error) {
	var (
		where = []string{"owner_id = ?"}
		args  = []any{ownerID}
	)
	if filter.ItemID != nil {
		where = append(where, "item_id = ?")
		args = append(args, *filter.ItemID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if filter.Until != nil {
		where = append(where, "created_at < ?")
		args = append(args, filter.Until.UTC())
	}

	query := `
		SELECT id, item_id, item_name, direction, quantity, balance_after,
			owner_id, request_id, note, created_at
		FROM ledger_entries
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		var (
			e         domain.LedgerEntry
			direction string
			requestID sql.NullString
			note      sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ItemID, &e.ItemName, &direction, &e.Quantity,
			&e.BalanceAfter, &e.OwnerID, &requestID, &note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Direction = domain.Direction(direction)
		e.RequestID = stringPtr(requestID)
		e.Note = stringPtr(note)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanItem(row rowScanner) (*domain.Item, error) {
	var (
		item         domain.Item
		partNumber   sql.NullString
		manufacturer sql.NullString
		machinery    sql.NullString
	)
	err := row.Scan(&item.ID, &item.OwnerID, &item.Name, &item.Unit, &item.Category,
		&partNumber, &manufacturer, &machinery,
		&item.CurrentStock, &item.Version, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if partNumber.Valid {
		item.Part = &domain.PartInfo{
			PartNumber:   partNumber.String,
			Manufacturer: stringPtr(manufacturer),
			MachineryID:  stringPtr(machinery),
		}
	}
	return &item, nil
}

// missOrConflict explains a version-guarded write that matched no row.
func missOrConflict(ctx context.Context, q queryRower, table, id string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check %s %s: %w", table, id, err)
	}
	return domain.ErrOptimisticLock
}

// mapMySQLError turns lock waits and deadlocks into retryable conflicts and
// key collisions into ErrAlreadyExists.
func mapMySQLError(err error) error {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return err
	}
	switch myErr.Number {
	case mysqlErrDeadlock, mysqlErrLockWait:
		return fmt.Errorf("%w: %v", domain.ErrOptimisticLock, err)
	case mysqlErrDuplicateEntry:
		return fmt.Errorf("%w: %v", domain.ErrAlreadyExists, err)
	}
	return err
}

func partColumns(p *domain.PartInfo) (number, manufacturer, machinery sql.NullString) {
	if p == nil {
		return
	}
	return sql.NullString{String: p.PartNumber, Valid: true}, nullString(p.Manufacturer), nullString(p.MachineryID)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
