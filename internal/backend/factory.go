package backend

import (
	"context"
	"fmt"

	"expensebook/internal/kv/cached"
	"expensebook/internal/kv/memory"
	"expensebook/internal/kv/sqlite"
	"expensebook/internal/log"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger) Factory {
	if logger == nil {
		logger = log.Default()
	}
	return &DefaultFactory{
		logger: logger.WithComponent(log.ComponentBackend),
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var result *BackendResult
	var err error
	switch config.Type {
	case SQLiteBackend:
		result, err = f.createSQLiteBackend(ctx, config)
	case MemoryBackend:
		result = f.createMemoryBackend(ctx)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
	if err != nil {
		return nil, err
	}

	if config.CacheSize > 0 {
		result.Store = cached.New(result.Store, config.CacheSize, config.CacheTTL)
		f.logger.DebugContext(ctx, "Read cache enabled",
			"size", config.CacheSize,
			"ttl", config.CacheTTL)
	}
	return result, nil
}

func (f *DefaultFactory) createSQLiteBackend(ctx context.Context, config Config) (*BackendResult, error) {
	store, err := sqlite.Open(config.SQLiteDBPath, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
	}

	f.logger.DebugContext(ctx, "Using SQLite backend",
		log.FieldBackend, SQLiteBackend,
		"db_path", config.SQLiteDBPath)

	return &BackendResult{
		Store: store,
		Cleanup: func() error {
			if err := store.Close(); err != nil {
				f.logger.Error("Failed to close SQLite store", log.FieldError, err)
				return err
			}
			return nil
		},
	}, nil
}

func (f *DefaultFactory) createMemoryBackend(ctx context.Context) *BackendResult {
	f.logger.DebugContext(ctx, "Using in-memory backend; data is lost on exit",
		log.FieldBackend, MemoryBackend)
	return &BackendResult{
		Store:   memory.New(),
		Cleanup: func() error { return nil },
	}
}
