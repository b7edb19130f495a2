package daemon

import (
	"context"
	"time"

	"github.com/pcoutinho/vkd/internal/bus"
	"github.com/pcoutinho/vkd/internal/config"
	"github.com/pcoutinho/vkd/internal/format"
	"github.com/pcoutinho/vkd/internal/lock"
	"github.com/pcoutinho/vkd/internal/logging"
	"github.com/pcoutinho/vkd/internal/outbox"
	"github.com/pcoutinho/vkd/internal/registry"
	"github.com/pcoutinho/vkd/internal/session"
	"github.com/pcoutinho/vkd/internal/status"
	"github.com/pcoutinho/vkd/internal/store"
	intsync "github.com/pcoutinho/vkd/internal/sync"
	"github.com/pcoutinho/vkd/internal/vk"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	// Login/Password enable automatic authentication on startup when no
	// persisted token exists. Empty means wait for vkctl auth.
	Login    string
	Password string
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
			provideStateMachine,
			provideLock,
			provideStore,
			provideTransport,
			provideManager,
			provideRegistry,
			provideFormatter,
			provideSyncEngine,
			provideSupervisor,
			provideSender,
			provideUploader,
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

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
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

func provideTransport(cfg *config.Config, logger *zap.Logger) *vk.Transport {
	return vk.NewTransport(cfg.API.BaseURL, cfg.API.Timeout(), logger)
}

func provideManager(cfg *config.Config, t *vk.Transport, db *store.DB, b *bus.Bus, logger *zap.Logger) (*vk.Manager, error) {
	return vk.NewManager(t, cfg.API.AuthURL, cfg.Auth.OfflineScope, db, b, logger)
}

// provideRegistry builds the live registry, seeded from the store so known
// entries and chats survive a daemon restart.
func provideRegistry(db *store.DB, mgr *vk.Manager, logger *zap.Logger) (*registry.Registry, error) {
	reg := registry.New()
	if id := mgr.UserID(); id != 0 {
		reg.SetSelf(id, registry.Fields{})
	}
	entries, err := db.ListEntries()
	if err != nil {
		return nil, err
	}
	for i := range entries {
		reg.Upsert(entries[i].ID, seedFields(&entries[i]))
	}
	if err := seedChats(reg, db); err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		logger.Info("registry seeded from store", zap.Int("entries", len(entries)))
	}
	return reg, nil
}

// seedFields rebuilds a registry update from a persisted entry. Presence is
// live-only: everyone starts offline after a restart.
func seedFields(e *store.Entry) registry.Fields {
	return registry.Fields{
		FirstName: e.FirstName,
		NickName:  e.Nick,
		LastName:  e.LastName,
		PhotoURL:  e.PhotoURL,
		Birthday:  e.Birthday,
		Phone:     e.Phones,
		City:      e.City,
		Country:   e.Country,
		Timezone:  registry.Int(e.Timezone),
		InRoster:  registry.Bool(e.InRoster),
	}
}

func seedChats(reg *registry.Registry, db *store.DB) error {
	const page = 500
	for offset := 0; ; offset += page {
		chats, err := db.ListChats(page, offset)
		if err != nil {
			return err
		}
		for _, c := range chats {
			ids, err := db.ChatParticipants(c.ID)
			if err != nil {
				return err
			}
			reg.UpsertChat(c.ID, c.Title, ids)
		}
		if len(chats) < page {
			return nil
		}
	}
}

func provideFormatter(cfg *config.Config) *format.Formatter {
	return format.New(cfg.Formatter)
}

func provideSyncEngine(mgr *vk.Manager, reg *registry.Registry, db *store.DB, fm *format.Formatter, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(mgr, reg, db, fm, b, logger)
}

func provideSupervisor(cfg *config.Config, mgr *vk.Manager, t *vk.Transport, engine *intsync.Engine, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Supervisor {
	return NewSupervisor(cfg, mgr, t, engine, machine, b, logger)
}

func provideSender(db *store.DB, mgr *vk.Manager, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, mgr, b, logger, 3*time.Second)
}

func provideUploader(mgr *vk.Manager, t *vk.Transport, sender *outbox.Sender, b *bus.Bus, logger *zap.Logger) *vk.Uploader {
	return vk.NewUploader(mgr, t, sender, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *Server, lk *lock.Lock, sup *Supervisor, sender *outbox.Sender, mgr *vk.Manager, db *store.DB, logger *zap.Logger) {
	senderCtx, senderCancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			srv.Start()
			sender.Start(senderCtx)
			sup.Start()

			// Kick off authentication if credentials were supplied and no
			// usable token was adopted from the store.
			if _, err := mgr.EnsureValid(); err != nil && p.Login != "" {
				go func() {
					if _, err := mgr.Authenticate(context.Background(), vk.Credentials{Login: p.Login, Password: p.Password}); err != nil {
						logger.Error("startup authentication failed", zap.Error(err))
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			sup.Stop()
			senderCancel()
			<-sender.Done()
			if err := srv.Stop(ctx); err != nil {
				logger.Warn("error stopping http server", zap.Error(err))
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
