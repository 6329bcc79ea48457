package storage

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/agrous/stock-ledger/internal/core/domain"
)

type itemModel struct {
	ID           string          `bson:"_id"`
	OwnerID      string          `bson:"owner_id"`
	Name         string          `bson:"name"`
	Unit         string          `bson:"unit"`
	Category     string          `bson:"category"`
	Part         *partModel      `bson:"part"`
	CurrentStock bson.Decimal128 `bson:"current_stock"`
	Version      int64           `bson:"version"`
	CreatedAt    time.Time       `bson:"created_at"`
	UpdatedAt    time.Time       `bson:"updated_at"`
}

type partModel struct {
	PartNumber   string  `bson:"part_number"`
	Manufacturer *string `bson:"manufacturer,omitempty"`
	MachineryID  *string `bson:"machinery_id,omitempty"`
}

type entryModel struct {
	ID           string          `bson:"_id"`
	ItemID       string          `bson:"item_id"`
	ItemName     string          `bson:"item_name"`
	Direction    string          `bson:"direction"`
	Quantity     bson.Decimal128 `bson:"quantity"`
	BalanceAfter bson.Decimal128 `bson:"balance_after"`
	OwnerID      string          `bson:"owner_id"`
	RequestID    *string         `bson:"request_id,omitempty"`
	Note         *string         `bson:"note,omitempty"`
	CreatedAt    time.Time       `bson:"created_at"`
}

type lotModel struct {
	ID        string    `bson:"_id"`
	OwnerID   string    `bson:"owner_id"`
	Name      string    `bson:"name"`
	Species   *string   `bson:"species,omitempty"`
	PastureID *string   `bson:"pasture_id"`
	HeadCount int       `bson:"head_count"`
	Version   int64     `bson:"version"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type lotMovementModel struct {
	ID            string    `bson:"_id"`
	OwnerID       string    `bson:"owner_id"`
	Kind          string    `bson:"kind"`
	LotID         string    `bson:"lot_id"`
	TargetLotID   *string   `bson:"target_lot_id,omitempty"`
	HeadCount     int       `bson:"head_count"`
	FromPastureID *string   `bson:"from_pasture_id,omitempty"`
	ToPastureID   *string   `bson:"to_pasture_id,omitempty"`
	CreatedAt     time.Time `bson:"created_at"`
}

func toDecimal128(d decimal.Decimal) (bson.Decimal128, error) {
	v, err := bson.ParseDecimal128(d.String())
	if err != nil {
		return bson.Decimal128{}, fmt.Errorf("encode decimal %s: %w", d, err)
	}
	return v, nil
}

func fromDecimal128(v bson.Decimal128) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode decimal %s: %w", v, err)
	}
	return d, nil
}

func toPartModel(p *domain.PartInfo) *partModel {
	if p == nil {
		return nil
	}
	return &partModel{PartNumber: p.PartNumber, Manufacturer: p.Manufacturer, MachineryID: p.MachineryID}
}

func toItemModel(item domain.Item) (*itemModel, error) {
	stock, err := toDecimal128(item.CurrentStock)
	if err != nil {
		return nil, err
	}
	return &itemModel{
		ID:           item.ID,
		OwnerID:      item.OwnerID,
		Name:         item.Name,
		Unit:         item.Unit,
		Category:     item.Category,
		Part:         toPartModel(item.Part),
		CurrentStock: stock,
		Version:      item.Version,
		CreatedAt:    item.CreatedAt,
		UpdatedAt:    item.UpdatedAt,
	}, nil
}

func fromItemModel(m *itemModel) (*domain.Item, error) {
	stock, err := fromDecimal128(m.CurrentStock)
	if err != nil {
		return nil, err
	}
	item := &domain.Item{
		ID:           m.ID,
		OwnerID:      m.OwnerID,
		Name:         m.Name,
		Unit:         m.Unit,
		Category:     m.Category,
		CurrentStock: stock,
		Version:      m.Version,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
	if m.Part != nil {
		item.Part = &domain.PartInfo{
			PartNumber:   m.Part.PartNumber,
			Manufacturer: m.Part.Manufacturer,
			MachineryID:  m.Part.MachineryID,
		}
	}
	return item, nil
}

func toEntryModel(e domain.LedgerEntry) (*entryModel, error) {
	qty, err := toDecimal128(e.Quantity)
	if err != nil {
		return nil, err
	}
	balance, err := toDecimal128(e.BalanceAfter)
	if err != nil {
		return nil, err
	}
	return &entryModel{
		ID:           e.ID,
		ItemID:       e.ItemID,
		ItemName:     e.ItemName,
		Direction:    string(e.Direction),
		Quantity:     qty,
		BalanceAfter: balance,
		OwnerID:      e.OwnerID,
		RequestID:    e.RequestID,
		Note:         e.Note,
		CreatedAt:    e.CreatedAt,
	}, nil
}

func fromEntryModel(m *entryModel) (domain.LedgerEntry, error) {
	qty, err := fromDecimal128(m.Quantity)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	balance, err := fromDecimal128(m.BalanceAfter)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	return domain.LedgerEntry{
		ID:           m.ID,
		ItemID:       m.ItemID,
		ItemName:     m.ItemName,
		Direction:    domain.Direction(m.Direction),
		Quantity:     qty,
		BalanceAfter: balance,
		OwnerID:      m.OwnerID,
		RequestID:    m.RequestID,
		Note:         m.Note,
		CreatedAt:    m.CreatedAt,
	}, nil
}

func toLotModel(l domain.Lot) *lotModel {
	return &lotModel{
		ID:        l.ID,
		OwnerID:   l.OwnerID,
		Name:      l.Name,
		Species:   l.Species,
		PastureID: l.PastureID,
		HeadCount: l.HeadCount,
		Version:   l.Version,
		CreatedAt: l.CreatedAt,
		UpdatedAt: l.UpdatedAt,
	}
}

func fromLotModel(m *lotModel) *domain.Lot {
	return &domain.Lot{
		ID:        m.ID,
		OwnerID:   m.OwnerID,
		Name:      m.Name,
		Species:   m.Species,
		PastureID: m.PastureID,
		HeadCount: m.HeadCount,
		Version:   m.Version,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func toLotMovementModel(mv domain.LotMovement) *lotMovementModel {
	return &lotMovementModel{
		ID:            mv.ID,
		OwnerID:       mv.OwnerID,
		Kind:          string(mv.Kind),
		LotID:         mv.LotID,
		TargetLotID:   mv.TargetLotID,
		HeadCount:     mv.HeadCount,
		FromPastureID: mv.FromPastureID,
		ToPastureID:   mv.ToPastureID,
		CreatedAt:     mv.CreatedAt,
	}
}

func fromLotMovementModel(m *lotMovementModel) domain.LotMovement {
	return domain.LotMovement{
		ID:            m.ID,
		OwnerID:       m.OwnerID,
		Kind:          domain.LotMovementKind(m.Kind),
		LotID:         m.LotID,
		TargetLotID:   m.TargetLotID,
		HeadCount:     m.HeadCount,
		FromPastureID: m.FromPastureID,
		ToPastureID:   m.ToPastureID,
		CreatedAt:     m.CreatedAt,
	}
}
