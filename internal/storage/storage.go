// Package storage opens the row store selected by configuration.
package storage

import (
	"context"

	"github.com/cockroachdb/errors"

	"entitykit/internal/config"
	"entitykit/internal/infra/persistence/memory"
	"entitykit/internal/infra/persistence/postgres"
	"entitykit/internal/infra/persistence/sqlite"
	"entitykit/internal/logger"
	"entitykit/pkg/domain"
)

// Store is a persistent row store whose complete state can be exported and
// restored, as required by the snapshot archive.
type Store interface {
	domain.PersistentStore
	ExportState() memory.Snapshot
	Restore(ctx context.Context, snap memory.Snapshot) error
	Close() error
}

type memoryStore struct{ *memory.Store }

func (memoryStore) Close() error { return nil }

var (
	_ Store = memoryStore{}
	_ Store = (*sqlite.Store)(nil)
	_ Store = (*postgres.Store)(nil)
)

// Open constructs the configured backend with engine evaluating rules on
// every transaction.
func Open(ctx context.Context, cfg config.StorageConfig, engine *domain.RulesEngine) (Store, error) {
	log := logger.Named("storage")
	switch cfg.Driver {
	case config.DriverMemory, "":
		log.Debugw("opening store", logger.FieldDriver, config.DriverMemory)
		return memoryStore{memory.NewStore(engine)}, nil
	case config.DriverSQLite:
		log.Debugw("opening store", logger.FieldDriver, cfg.Driver, logger.FieldPath, cfg.SQLitePath)
		return sqlite.NewStore(cfg.SQLitePath, engine)
	case config.DriverPostgres:
		log.Debugw("opening store", logger.FieldDriver, cfg.Driver)
		return postgres.NewStore(ctx, cfg.PostgresDSN, engine)
	default:
		return nil, errors.Newf("unknown storage driver %q", cfg.Driver)
	}
}
