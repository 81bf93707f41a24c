package daemon

import (
	"context"
	"os"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/restapi"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	ConfigPath string // empty = profile.ConfigPath()
	Debug      bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideTokens,
			auth.NewGuard,
			provideAPIClient,
			provideRunner,
			provideService,
			provideMetrics,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(profile.EnvPath()); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if p.Debug {
		level = zapcore.DebugLevel
	}
	return logging.New(profile.LogPath(p.Profile), p.Profile, level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is only opened by the
// daemon that owns the profile.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
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
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", db.Path()))
	return db, nil
}

func provideTokens(p Params, logger *zap.Logger) *auth.FileHolder {
	return auth.NewFileHolder(profile.TokenPath(p.Profile), logger)
}

func provideAPIClient(cfg *config.Config, tokens *auth.FileHolder, logger *zap.Logger) (*restapi.Client, error) {
	return restapi.New(restapi.OptionsFromConfig(cfg), tokens, logger.Named("restapi"))
}

func provideRunner(cfg *config.Config, tokens *auth.FileHolder, guard *auth.Guard, client *restapi.Client, db *store.DB, m *status.Machine, b *bus.Bus, logger *zap.Logger) *intsync.Runner {
	dialer := transport.NewWebsocketDialer()
	factory := func(ctx context.Context, token string, sess model.Session, claims auth.Claims, onAuthFailure func(error)) (*intsync.Engine, error) {
		return intsync.New(ctx, intsync.Options{
			Session: sess,
			Self: model.Contact{
				UserID:      sess.UserID,
				DisplayName: claims.Username,
				Email:       claims.Email,
			},
			Token:         token,
			Config:        cfg,
			API:           client,
			Dialer:        dialer,
			Drafts:        db,
			Cache:         db,
			Alerter:       notify.BellAlerter{W: os.Stderr},
			Bus:           b,
			Machine:       m,
			Logger:        logger,
			OnAuthFailure: onAuthFailure,
		})
	}
	return intsync.NewRunner(tokens, guard, factory, m, b, logger)
}

func provideService(p Params, runner *intsync.Runner, m *status.Machine, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(p.Profile, runner, m, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, metricsSrv *MetricsServer, runner *intsync.Runner, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if metricsSrv != nil {
				go func() {
					if err := metricsSrv.Start(); err != nil {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
			}

			// The runner outlives the start hook, so it gets its own context.
			if err := runner.Start(context.Background()); err != nil {
				return err
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			runner.Stop()
			srv.Stop(ctx)
			if metricsSrv != nil {
				metricsSrv.Stop(ctx)
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
