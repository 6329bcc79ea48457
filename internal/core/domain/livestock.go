package domain

import "time"

// Lot is a group of animals kept together, optionally on a pasture.
type Lot struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	Species   *string   `json:"species,omitempty"`
	PastureID *string   `json:"pasture_id,omitempty"`
	HeadCount int       `json:"head_count"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type LotMovementKind string

const (
	LotMovementTransfer   LotMovementKind = "transfer"
	LotMovementRelocation LotMovementKind = "relocation"
)

// LotMovement is the immutable history record written together with every
// head count or pasture change.
type LotMovement struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"owner_id"`
	Kind          LotMovementKind `json:"kind"`
	LotID         string          `json:"lot_id"`
	TargetLotID   *string         `json:"target_lot_id,omitempty"`
	HeadCount     int             `json:"head_count"`
	FromPastureID *string         `json:"from_pasture_id,omitempty"`
	ToPastureID   *string         `json:"to_pasture_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Involves reports whether the movement touched lotID as source or target.
func (m LotMovement) Involves(lotID string) bool {
	return m.LotID == lotID || (m.TargetLotID != nil && *m.TargetLotID == lotID)
}
