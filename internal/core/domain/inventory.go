package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PartInfo is optional metadata for items that are spare parts.
type PartInfo struct {
	PartNumber   string  `json:"part_number" validate:"required,max=64"`
	Manufacturer *string `json:"manufacturer,omitempty"`
	MachineryID  *string `json:"machinery_id,omitempty"`
}

// Item is a user-owned inventory SKU. CurrentStock is a cached running
// balance: it always equals the signed sum of the item's ledger entries.
type Item struct {
	ID           string          `json:"id"`
	OwnerID      string          `json:"owner_id"`
	Name         string          `json:"name"`
	Unit         string          `json:"unit"`
	Category     string          `json:"category"`
	Part         *PartInfo       `json:"part,omitempty"`
	CurrentStock decimal.Decimal `json:"current_stock"`
	Version      int64           `json:"version"` // optimistic locking
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ItemDetails holds the fields a user may edit directly. Stock is not one of
// them.
type ItemDetails struct {
	Name     string
	Unit     string
	Category string
	Part     *PartInfo
}

// Apply copies the editable fields onto the item.
func (d ItemDetails) Apply(item *Item) {
	item.Name = d.Name
	item.Unit = d.Unit
	item.Category = d.Category
	item.Part = d.Part
}
