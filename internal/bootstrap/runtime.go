// Package bootstrap connects the runtime dependencies shared by the commands.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"

	"agrolink/internal/backend"
	"agrolink/internal/blob"
	"agrolink/internal/cache"
	"agrolink/internal/config"
	"agrolink/internal/database"
	"agrolink/internal/notifications"
	"agrolink/internal/presence"
	"agrolink/internal/realtime"
	"agrolink/internal/repository"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Runtime is a connected set of stores.
type Runtime struct {
	DB         *gorm.DB
	Redis      *redis.Client
	Blobs      *blob.DiskStore
	Backend    *backend.Store
	Dispatcher *notifications.Dispatcher
}

// InitRuntime connects to the database and Redis and wires the backend store
// and notification dispatcher. The dispatcher is not started.
func InitRuntime(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	rdb, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		closeDB(db)
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	if err := os.MkdirAll(cfg.BlobDir, 0o755); err != nil {
		closeDB(db)
		_ = rdb.Close()
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	blobs := blob.NewDiskStore(cfg.BlobDir, cfg.BlobBaseURL, int64(cfg.BlobMaxUploadMB)<<20)

	store := backend.New(backend.Deps{
		Chats:         repository.NewChatRepository(db),
		Profiles:      repository.NewProfileRepository(db),
		Notifications: repository.NewNotificationRepository(db),
		Feed:          realtime.NewFeed(rdb),
		Presence:      presence.NewStore(rdb, presence.StoreConfig{StaleAfter: cfg.PresenceStaleAfter}),
		Blobs:         blobs,
	}, backend.CallPolicy{
		Timeout:         cfg.BackendCallTimeout,
		MaxAttempts:     cfg.RetryMaxAttempts,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
	})

	dispatcher := notifications.NewDispatcher(store, notifications.DispatcherConfig{
		QueueSize: cfg.NotificationQueueSize,
		Timeout:   cfg.NotificationTimeout,
	})

	return &Runtime{
		DB:         db,
		Redis:      rdb,
		Blobs:      blobs,
		Backend:    store,
		Dispatcher: dispatcher,
	}, nil
}

// Close releases the database and Redis connections.
func (r *Runtime) Close() error {
	var errs []error
	if sqlDB, err := r.DB.DB(); err == nil {
		errs = append(errs, sqlDB.Close())
	}
	errs = append(errs, r.Redis.Close())
	return errors.Join(errs...)
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
