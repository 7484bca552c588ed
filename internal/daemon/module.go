package daemon

import (
	"context"
	"time"

	"github.com/relayfield/outreach/internal/api"
	"github.com/relayfield/outreach/internal/bus"
	"github.com/relayfield/outreach/internal/config"
	"github.com/relayfield/outreach/internal/contacts"
	"github.com/relayfield/outreach/internal/crm"
	"github.com/relayfield/outreach/internal/lock"
	"github.com/relayfield/outreach/internal/logging"
	"github.com/relayfield/outreach/internal/outbox"
	"github.com/relayfield/outreach/internal/queue"
	"github.com/relayfield/outreach/internal/session"
	"github.com/relayfield/outreach/internal/skiplist"
	"github.com/relayfield/outreach/internal/store"
	"github.com/relayfield/outreach/internal/vars"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ListenAddr  string // optional override for testing; empty = use config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideClient,
			provideSkipManager,
			provideOutboxLog,
			provideConfirmer,
			provideBrowseLoader,
			provideEngine,
			provideHandler,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.LoadOrDefault(session.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideClient(cfg *config.Config, logger *zap.Logger) *crm.Client {
	timeout := time.Duration(cfg.Backend.TimeoutSeconds) * time.Second
	return crm.New(cfg.Backend.BaseURL, cfg.Backend.APIToken, cfg.Backend.UserID, timeout, logger)
}

func provideSkipManager(client *crm.Client, db *store.DB, logger *zap.Logger) *skiplist.Manager {
	return skiplist.NewManager(client, db, logger)
}

func provideOutboxLog(db *store.DB, logger *zap.Logger) *outbox.Log {
	return outbox.NewLog(db, logger)
}

func provideConfirmer(log *outbox.Log, client *crm.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Confirmer {
	interval := time.Duration(cfg.Queue.ConfirmIntervalSeconds) * time.Second
	return outbox.NewConfirmer(log, client, b, logger, interval)
}

func provideBrowseLoader(client *crm.Client, cfg *config.Config) *contacts.Loader {
	return contacts.NewLoader(client.ListSharedContacts, cfg.Queue.BrowsePageSize, cfg.Queue.BrowseMax)
}

func provideEngine(
	client *crm.Client,
	skips *skiplist.Manager,
	log *outbox.Log,
	confirmer *outbox.Confirmer,
	browse *contacts.Loader,
	b *bus.Bus,
	cfg *config.Config,
	logger *zap.Logger,
) *queue.Engine {
	return queue.NewEngine(client, skips, log, confirmer, browse, b, logger, queue.Params{
		MatchedCap: cfg.Queue.MatchedContactsMax,
		Sender: vars.Person{
			FirstName: cfg.Sender.FirstName,
			LastName:  cfg.Sender.LastName,
			City:      cfg.Sender.City,
		},
	})
}

func provideHandler(engine *queue.Engine, logger *zap.Logger) *api.Handler {
	return api.NewHandler(engine, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, engine *queue.Engine, confirmer *outbox.Confirmer, log *outbox.Log, skips *skiplist.Manager, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Restore local state first so the queue reflects past actions
			// even before (or without) connectivity.
			if err := log.Rehydrate(); err != nil {
				return err
			}
			if err := skips.Rehydrate(); err != nil {
				return err
			}

			engine.Start(context.Background())
			confirmer.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			// Initial load in the background; a failure leaves the engine
			// in ERROR and the API serving, so the operator can refresh
			// once connectivity returns.
			go func() {
				if err := engine.Load(context.Background()); err != nil {
					logger.Error("initial load failed", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			confirmer.Stop()
			engine.Stop()
			srv.Stop(ctx)
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
