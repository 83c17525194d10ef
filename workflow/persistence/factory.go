package persistence

import (
	"context"
	"fmt"

	"github.com/BaSui01/taskflow/internal/cache"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Options carries the connections a store may need. Only the ones required
// by Type have to be set.
type Options struct {
	Type StoreType

	// database
	DB          *gorm.DB
	AutoMigrate bool

	// redis
	Cache     *cache.Manager
	KeyPrefix string

	// mongo
	MongoURI      string
	MongoDatabase string

	Logger *zap.Logger
}

// NewStore creates a Store based on the options
func NewStore(ctx context.Context, opts Options) (Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	switch opts.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeDatabase:
		if opts.DB == nil {
			return nil, fmt.Errorf("database store requires a db connection")
		}
		gormOpts := []GormOption{WithGormLogger(logger)}
		if opts.AutoMigrate {
			gormOpts = append(gormOpts, WithAutoMigrate())
		}
		return NewGormStore(opts.DB, gormOpts...)
	case StoreTypeRedis:
		if opts.Cache == nil {
			return nil, fmt.Errorf("redis store requires a cache manager")
		}
		return NewRedisStore(opts.Cache, opts.KeyPrefix), nil
	case StoreTypeMongo:
		if opts.MongoURI == "" {
			return nil, fmt.Errorf("mongo store requires a uri")
		}
		database := opts.MongoDatabase
		if database == "" {
			database = "taskflow"
		}
		return NewMongoStore(ctx, opts.MongoURI, database, logger)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", opts.Type)
	}
}
