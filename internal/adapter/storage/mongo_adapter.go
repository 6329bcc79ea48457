package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agrous/stock-ledger/internal/core/domain"
	"github.com/agrous/stock-ledger/internal/port"
)

const (
	colItems        = "items"
	colEntries      = "ledger_entries"
	colLots         = "lots"
	colLotMovements = "lot_movements"
)

var (
	_ port.InventoryRepository = (*MongoAdapter)(nil)
	_ port.LivestockRepository = (*MongoAdapter)(nil)
)

// MongoAdapter stores items, ledger entries and lots in MongoDB. Multi
// document writes run in a session transaction, so the server must be a
// replica set.
type MongoAdapter struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewMongoAdapter(client *mongo.Client, database string) *MongoAdapter {
	return &MongoAdapter{client: client, db: client.Database(database)}
}

// Migrate creates the indexes every query relies on.
func (m *MongoAdapter) Migrate(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		colItems: {
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "name", Value: 1}}},
		},
		colEntries: {
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "item_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		colLots: {
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "name", Value: 1}}},
		},
		colLotMovements: {
			{Keys: bson.D{{Key: "lot_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{
				Keys:    bson.D{{Key: "target_lot_id", Value: 1}, {Key: "created_at", Value: -1}},
				Options: options.Index().SetSparse(true),
			},
		},
	}

	for col, models := range indexes {
		if _, err := m.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

func (m *MongoAdapter) CreateItem(ctx context.Context, item domain.Item) error {
	doc, err := toItemModel(item)
	if err != nil {
		return err
	}
	if _, err := m.db.Collection(colItems).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func (m *MongoAdapter) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	var doc itemModel
	err := m.db.Collection(colItems).FindOne(ctx, bson.M{"_id": itemID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find item: %w", err)
	}
	return fromItemModel(&doc)
}

func (m *MongoAdapter) ListItems(ctx context.Context, ownerID string) ([]domain.Item, error) {
	opts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}, {Key: "_id", Value: 1}})

	cur, err := m.db.Collection(colItems).Find(ctx, bson.M{"owner_id": ownerID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find items: %w", err)
	}
	var docs []itemModel
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}

	items := make([]domain.Item, 0, len(docs))
	for i := range docs {
		item, err := fromItemModel(&docs[i])
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, nil
}

func (m *MongoAdapter) UpdateItemDetails(ctx context.Context, item domain.Item) error {
	res, err := m.db.Collection(colItems).UpdateOne(ctx,
		bson.M{"_id": item.ID, "version": item.Version},
		bson.M{
			"$set": bson.M{
				"name":       item.Name,
				"unit":       item.Unit,
				"category":   item.Category,
				"part":       toPartModel(item.Part),
				"updated_at": item.UpdatedAt,
			},
			"$inc": bson.M{"version": 1},
		},
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if res.MatchedCount == 0 {
		return m.missOrConflict(ctx, colItems, item.ID)
	}
	return nil
}

func (m *MongoAdapter) DeleteItem(ctx context.Context, itemID string) error {
	res, err := m.db.Collection(colItems).DeleteOne(ctx, bson.M{"_id": itemID})
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	if res.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (m *MongoAdapter) ApplyMovement(ctx context.Context, itemID string, expectedVersion int64, newStock decimal.Decimal, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	stock, err := toDecimal128(newStock)
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	entry.CreatedAt = now
	doc, err := toEntryModel(entry)
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	err = m.inTransaction(ctx, func(ctx context.Context) error {
		res, err := m.db.Collection(colItems).UpdateOne(ctx,
			bson.M{"_id": itemID, "version": expectedVersion},
			bson.M{
				"$set": bson.M{"current_stock": stock, "updated_at": now},
				"$inc": bson.M{"version": 1},
			},
		)
		if err != nil {
			return fmt.Errorf("update item stock: %w", err)
		}
		if res.MatchedCount == 0 {
			return m.missOrConflict(ctx, colItems, itemID)
		}

		if _, err := m.db.Collection(colEntries).InsertOne(ctx, doc); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	return entry, nil
}

func (m *MongoAdapter) ListEntries(ctx context.Context, ownerID string, filter domain.EntryFilter) ([]domain.LedgerEntry, error) {
	query := bson.M{"owner_id": ownerID}
	if filter.ItemID != nil {
		query["item_id"] = *filter.ItemID
	}
	if filter.Since != nil || filter.Until != nil {
		window := bson.M{}
		if filter.Since != nil {
			window["$gte"] = filter.Since.UTC()
		}
		if filter.Until != nil {
			window["$lt"] = filter.Until.UTC()
		}
		query["created_at"] = window
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cur, err := m.db.Collection(colEntries).Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("find ledger entries: %w", err)
	}
	var docs []entryModel
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode ledger entries: %w", err)
	}

	entries := make([]domain.LedgerEntry, 0, len(docs))
	for i := range docs {
		e, err := fromEntryModel(&docs[i])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (m *MongoAdapter) CreateLot(ctx context.Context, lot domain.Lot) error {
	if _, err := m.db.Collection(colLots).InsertOne(ctx, toLotModel(lot)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("insert lot: %w", err)
	}
	return nil
}

func (m *MongoAdapter) GetLot(ctx context.Context, lotID string) (*domain.Lot, error) {
	var doc lotModel
	err := m.db.Collection(colLots).FindOne(ctx, bson.M{"_id": lotID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find lot: %w", err)
	}
	return fromLotModel(&doc), nil
}

func (m *MongoAdapter) ListLots(ctx context.Context, ownerID string) ([]domain.Lot, error) {
	opts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}, {Key: "_id", Value: 1}})

	cur, err := m.db.Collection(colLots).Find(ctx, bson.M{"owner_id": ownerID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find lots: %w", err)
	}
	var docs []lotModel
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode lots: %w", err)
	}

	lots := make([]domain.Lot, 0, len(docs))
	for i := range docs {
		lots = append(lots, *fromLotModel(&docs[i]))
	}
	return lots, nil
}

func (m *MongoAdapter) ApplyLotChanges(ctx context.Context, lots []domain.Lot, movement domain.LotMovement) (domain.LotMovement, error) {
	movement.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)

	err := m.inTransaction(ctx, func(ctx context.Context) error {
		for _, lot := range lots {
			res, err := m.db.Collection(colLots).UpdateOne(ctx,
				bson.M{"_id": lot.ID, "version": lot.Version},
				bson.M{
					"$set": bson.M{
						"head_count": lot.HeadCount,
						"pasture_id": lot.PastureID,
						"updated_at": lot.UpdatedAt,
					},
					"$inc": bson.M{"version": 1},
				},
			)
			if err != nil {
				return fmt.Errorf("update lot %s: %w", lot.ID, err)
			}
			if res.MatchedCount == 0 {
				return m.missOrConflict(ctx, colLots, lot.ID)
			}
		}

		if _, err := m.db.Collection(colLotMovements).InsertOne(ctx, toLotMovementModel(movement)); err != nil {
			return fmt.Errorf("insert lot movement: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.LotMovement{}, err
	}
	return movement, nil
}

func (m *MongoAdapter) ListLotMovements(ctx context.Context, lotID string) ([]domain.LotMovement, error) {
	query := bson.M{"$or": bson.A{
		bson.M{"lot_id": lotID},
		bson.M{"target_lot_id": lotID},
	}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})

	cur, err := m.db.Collection(colLotMovements).Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("find lot movements: %w", err)
	}
	var docs []lotMovementModel
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode lot movements: %w", err)
	}

	movements := make([]domain.LotMovement, 0, len(docs))
	for i := range docs {
		movements = append(movements, fromLotMovementModel(&docs[i]))
	}
	return movements, nil
}

// inTransaction runs fn in a session transaction. The driver retries
// transient write conflicts on its own; an error from fn aborts.
func (m *MongoAdapter) inTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := m.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

func (m *MongoAdapter) missOrConflict(ctx context.Context, col, id string) error {
	n, err := m.db.Collection(col).CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("check %s %s: %w", col, id, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return domain.ErrOptimisticLock
}
