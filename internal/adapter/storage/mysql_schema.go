package storage

import (
	"context"
	"fmt"
)

// Ledger entries carry no foreign key to items: they outlive a deleted item.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS items (
		id                VARCHAR(36)    NOT NULL PRIMARY KEY,
		owner_id          VARCHAR(128)   NOT NULL,
		name              VARCHAR(120)   NOT NULL,
		unit              VARCHAR(32)    NOT NULL,
		category          VARCHAR(64)    NOT NULL,
		part_number       VARCHAR(64)    NULL,
		part_manufacturer VARCHAR(120)   NULL,
		part_machinery_id VARCHAR(64)    NULL,
		current_stock     DECIMAL(20, 4) NOT NULL DEFAULT 0,
		version           BIGINT         NOT NULL DEFAULT 1,
		created_at        DATETIME(6)    NOT NULL,
		updated_at        DATETIME(6)    NOT NULL,
		INDEX idx_items_owner_name (owner_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id            VARCHAR(36)       NOT NULL PRIMARY KEY,
		item_id       VARCHAR(36)       NOT NULL,
		item_name     VARCHAR(120)      NOT NULL,
		direction     ENUM('in', 'out') NOT NULL,
		quantity      DECIMAL(20, 4)    NOT NULL,
		balance_after DECIMAL(20, 4)    NOT NULL,
		owner_id      VARCHAR(128)      NOT NULL,
		request_id    VARCHAR(128)      NULL,
		note          VARCHAR(255)      NULL,
		created_at    DATETIME(6)       NOT NULL,
		INDEX idx_entries_owner_created (owner_id, created_at),
		INDEX idx_entries_item_created (item_id, created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS lots (
		id         VARCHAR(36)  NOT NULL PRIMARY KEY,
		owner_id   VARCHAR(128) NOT NULL,
		name       VARCHAR(120) NOT NULL,
		species    VARCHAR(64)  NULL,
		pasture_id VARCHAR(64)  NULL,
		head_count INT          NOT NULL,
		version    BIGINT       NOT NULL DEFAULT 1,
		created_at DATETIME(6)  NOT NULL,
		updated_at DATETIME(6)  NOT NULL,
		INDEX idx_lots_owner_name (owner_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS lot_movements (
		id              VARCHAR(36)                        NOT NULL PRIMARY KEY,
		owner_id        VARCHAR(128)                       NOT NULL,
		kind            ENUM('transfer', 'relocation')     NOT NULL,
		lot_id          VARCHAR(36)                        NOT NULL,
		target_lot_id   VARCHAR(36)                        NULL,
		head_count      INT                                NOT NULL,
		from_pasture_id VARCHAR(64)                        NULL,
		to_pasture_id   VARCHAR(64)                        NULL,
		created_at      DATETIME(6)                        NOT NULL,
		INDEX idx_lot_movements_lot (lot_id, created_at),
		INDEX idx_lot_movements_target (target_lot_id, created_at)
	)`,
}

// Migrate creates the tables the adapter needs. It is safe to run on every
// start.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range mysqlSchema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
