package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuantityScale is the number of decimal places stored for quantities.
const QuantityScale = 4

// ValidQuantity reports whether q is positive and representable at
// QuantityScale without rounding.
func ValidQuantity(q decimal.Decimal) bool {
	return q.IsPositive() && q.Equal(q.Round(QuantityScale))
}

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Valid reports whether d is a known movement direction.
func (d Direction) Valid() bool {
	return d == DirectionIn || d == DirectionOut
}

// Signed returns quantity with the sign d applies to a running balance.
func (d Direction) Signed(quantity decimal.Decimal) decimal.Decimal {
	if d == DirectionOut {
		return quantity.Neg()
	}
	return quantity
}

// LedgerEntry is an immutable record of one stock movement. ItemName is a
// snapshot taken at commit time so the entry stays readable after the item
// is renamed or deleted.
type LedgerEntry struct {
	ID           string          `json:"id"`
	ItemID       string          `json:"item_id"`
	ItemName     string          `json:"item_name"`
	Direction    Direction       `json:"direction"`
	Quantity     decimal.Decimal `json:"quantity"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	OwnerID      string          `json:"owner_id"`
	RequestID    *string         `json:"request_id,omitempty"`
	Note         *string         `json:"note,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Movement is a request to move stock in or out of an item.
type Movement struct {
	ItemID    string
	OwnerID   string
	Direction Direction
	Quantity  decimal.Decimal
	RequestID string
	Note      *string
}

// EntryFilter narrows a ledger history query. Zero values mean "no filter".
type EntryFilter struct {
	ItemID *string
	Since  *time.Time
	Until  *time.Time
	Limit  int
}

// Matches reports whether e passes every set condition of f (Limit aside).
func (f EntryFilter) Matches(e LedgerEntry) bool {
	if f.ItemID != nil && e.ItemID != *f.ItemID {
		return false
	}
	if f.Since != nil && e.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !e.CreatedAt.Before(*f.Until) {
		return false
	}
	return true
}
