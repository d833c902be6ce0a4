package history

import (
	"context"
	"fmt"

	"github.com/phamtheson2807/FinanceFlow-sub001/internal/config"
	"go.uber.org/zap"
)

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.SugaredLogger) (Store, error) {
	switch cfg.Driver {
	case "", backendMemory:
		logger.Infow("Using in-memory history store")
		return NewMemoryStore(), nil
	case backendMongo:
		logger.Infow("Connecting to MongoDB history store", "database", cfg.Mongo.Database)
		return NewMongoStore(ctx, cfg.Mongo, logger)
	case backendBadger:
		logger.Infow("Opening badger history store", "path", cfg.Badger.Path, "in_memory", cfg.Badger.InMemory)
		return NewBadgerStore(cfg.Badger, logger)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
