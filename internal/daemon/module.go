package daemon

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/connexa/chatsync/internal/backend"
	"github.com/connexa/chatsync/internal/backend/memory"
	"github.com/connexa/chatsync/internal/backend/redis"
	"github.com/connexa/chatsync/internal/bus"
	"github.com/connexa/chatsync/internal/config"
	"github.com/connexa/chatsync/internal/identity"
	"github.com/connexa/chatsync/internal/lock"
	"github.com/connexa/chatsync/internal/logging"
	"github.com/connexa/chatsync/internal/media"
	"github.com/connexa/chatsync/internal/outbox"
	"github.com/connexa/chatsync/internal/session"
	"github.com/connexa/chatsync/internal/status"
	"github.com/connexa/chatsync/internal/store"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideBackend,
			provideIdentity,
			provideUploader,
			NewCore,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	path := session.ConfigPath(p.SessionName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.Default()
		if err := config.Save(path, cfg); err != nil {
			return nil, err
		}
		logger.Info("default config written", zap.String("path", path))
		return cfg, nil
	}
	return config.Load(path)
}

func provideBus() *bus.Bus {
	return bus.NewBus()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	if err := db.EnsureSearchIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if !db.SearchAvailable() {
		logger.Warn("sqlite built without fts5, message search disabled")
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideBackend(cfg *config.Config, logger *zap.Logger) (backend.Backend, error) {
	switch cfg.Backend {
	case "redis":
		return redis.New(context.Background(), cfg.RedisAddr, logger)
	default:
		return memory.New(), nil
	}
}

func provideIdentity(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *identity.Provider {
	return identity.NewProvider(cfg.TokenSecret, b, logger)
}

func provideUploader(cfg *config.Config, logger *zap.Logger) outbox.Uploader {
	if cfg.MediaEndpoint == "" {
		return nil
	}
	return media.NewClient(cfg.MediaEndpoint, cfg.MediaPreset, logger)
}

func registerLifecycle(lc fx.Lifecycle, core *Core, lk *lock.Lock, db *store.DB, machine *status.Machine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// No identity persists across restarts; every boot waits
			// for a sign-in.
			if err := machine.Transition(status.AuthRequired); err != nil {
				return err
			}
			logger.Info("daemon started, waiting for sign-in")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			core.SignOut(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
