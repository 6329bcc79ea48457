// Package bootstrap opens the storage backends named by the configuration.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agrous/stock-ledger/internal/adapter/storage"
	"github.com/agrous/stock-ledger/internal/config"
	"github.com/agrous/stock-ledger/internal/port"
)

type Backends struct {
	Inventory port.InventoryRepository
	Livestock port.LivestockRepository
	Cache     port.CacheRepository
	Notifier  port.Notifier
	Locker    port.Locker

	closers []func() error
}

// Close releases every connection opened by Open, last opened first.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

// Open connects the database selected by cfg.StoreDriver and, when
// cfg.RedisAddr is set, Redis for idempotency keys, notifications and locks.
// Without Redis the in-process implementations are used, which only suits a
// single instance.
func Open(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*Backends, error) {
	b := &Backends{}

	if err := b.openDatabase(ctx, cfg, log); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.openCache(ctx, cfg, log); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backends) openDatabase(ctx context.Context, cfg config.Config, log logrus.FieldLogger) error {
	switch cfg.StoreDriver {
	case config.DriverMySQL:
		mc, err := cfg.MySQLConfig()
		if err != nil {
			return err
		}
		connector, err := mysql.NewConnector(mc)
		if err != nil {
			return fmt.Errorf("open mysql: %w", err)
		}
		db := sql.OpenDB(connector)
		b.closers = append(b.closers, db.Close)

		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping mysql: %w", err)
		}
		adapter := storage.NewMySQLAdapter(db)
		if err := adapter.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate mysql: %w", err)
		}
		b.Inventory, b.Livestock = adapter, adapter
		log.Info("connected to mysql")

	case config.DriverMongo:
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		b.closers = append(b.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return client.Disconnect(ctx)
		})

		if err := client.Ping(ctx, nil); err != nil {
			return fmt.Errorf("ping mongo: %w", err)
		}
		adapter := storage.NewMongoAdapter(client, cfg.MongoDatabase)
		if err := adapter.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate mongo: %w", err)
		}
		b.Inventory, b.Livestock = adapter, adapter
		log.Info("connected to mongo")

	case config.DriverMemory:
		adapter := storage.NewMemoryAdapter()
		b.Inventory, b.Livestock = adapter, adapter
		log.Warn("using in-memory store, data is lost on restart")

	default:
		return fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	return nil
}

func (b *Backends) openCache(ctx context.Context, cfg config.Config, log logrus.FieldLogger) error {
	if cfg.RedisAddr == "" {
		b.Cache = storage.NewMemoryCache()
		b.Notifier = storage.NewMemoryNotifier()
		b.Locker = storage.NewMemoryLocker()
		log.Warn("redis not configured, using in-process idempotency, notifications and locks")
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		PoolSize: 100,
	})
	b.closers = append(b.closers, rdb.Close)

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	adapter := storage.NewRedisAdapter(rdb)
	b.Cache = adapter
	b.Notifier = adapter
	b.Locker = storage.NewRedisLocker(rdb)
	log.Info("connected to redis")
	return nil
}
