package daemon

import (
	"context"

	"github.com/matheus3301/wppcache/internal/bus"
	"github.com/matheus3301/wppcache/internal/lock"
	"github.com/matheus3301/wppcache/internal/logging"
	"github.com/matheus3301/wppcache/internal/rpc"
	"github.com/matheus3301/wppcache/internal/session"
	"github.com/matheus3301/wppcache/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	// BaseDir overrides session.BaseDir; empty = use default.
	BaseDir string
	// SocketPath is an optional override for testing; empty = use default.
	SocketPath string
	LogLevel   string
}

// Paths returns the session files the daemon owns.
func (p Params) Paths() session.Paths {
	if p.BaseDir != "" {
		return session.Paths{Base: p.BaseDir, Name: p.SessionName}
	}
	return session.For(p.SessionName)
}

func (p Params) socketPath() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return p.Paths().SocketPath()
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideBackend,
			provideRPCServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.Paths().LogPath(), p.SessionName, p.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	paths := p.Paths()
	if err := paths.EnsureDir(); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(paths.LockPath())
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is only opened by its holder.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.Paths().DBPath()
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideBackend(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *store.Backend {
	return store.NewBackend(db, b, p.Paths().BlobDir(), logger.Named("store"))
}

func provideRPCServer(p Params, be *store.Backend, db *store.DB, b *bus.Bus, logger *zap.Logger) *rpc.Server {
	return rpc.NewServer(be, rpc.ServerOptions{
		Session:  p.SessionName,
		Stats:    db.Counts,
		Watchers: b.Watchers,
	}, logger.Named("rpc"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
