package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/app_registry/internal/app/domain/apps"
	"github.com/R3E-Network/app_registry/internal/app/events"
	"github.com/R3E-Network/app_registry/internal/app/objects"
	"github.com/R3E-Network/app_registry/internal/app/services/registry"
	"github.com/R3E-Network/app_registry/internal/app/services/snapshot"
	"github.com/R3E-Network/app_registry/internal/app/storage"
	"github.com/R3E-Network/app_registry/internal/app/storage/memory"
	"github.com/R3E-Network/app_registry/internal/app/storage/postgres"
	"github.com/R3E-Network/app_registry/internal/app/storage/rediscache"
	"github.com/R3E-Network/app_registry/internal/app/system"
	"github.com/R3E-Network/app_registry/internal/config"
	"github.com/R3E-Network/app_registry/internal/platform/migrations"
	"github.com/R3E-Network/app_registry/pkg/logger"
)

// Stores encapsulates persistence dependencies. A nil Records store defaults
// to the in-memory implementation.
type Stores struct {
	Records storage.RecordStore
	// Memory is set when Records is (or wraps) an in-memory table.
	Memory *memory.Store
	// File persists Memory across processes. Nil for database-backed stores.
	File *snapshot.File
}

// Application ties the registry services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger
	cfg     *config.Config
	file    *snapshot.File
	closers []func() error
	unwatch func()

	Registry  *registry.Service
	Events    *events.RingBuffer
	Snapshots *snapshot.Service
}

// Open builds the stores described by cfg and composes the application.
func Open(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.New("app", logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	}

	stores, closers, err := buildStores(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("configure stores: %w", err)
	}

	application, err := New(cfg, stores, log)
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	application.closers = closers
	return application, nil
}

// New composes the application over already constructed stores.
func New(cfg *config.Config, stores Stores, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.NewDefault("app")
	}
	if stores.Records == nil {
		if stores.Memory == nil {
			stores.Memory = memory.New()
		}
		stores.Records = stores.Memory
	}

	registryID, err := cfg.RegistryID()
	if err != nil {
		return nil, fmt.Errorf("registry id: %w", err)
	}
	policy, err := registry.ParseAppCapPolicy(cfg.Registry.AppCapPolicy)
	if err != nil {
		return nil, err
	}

	var authorizer registry.Authorizer = registry.AllowAll
	if cfg.Registry.Authorization == config.AuthCapability {
		authorizer = registry.CapabilityAuthorizer{Store: stores.Records}
	}

	ring := events.NewRingBuffer(cfg.Events.BufferSize)
	unwatch := ring.Subscribe(events.LogHandler(log.Named("events")))
	registryService := registry.New(registryID, stores.Records, objects.NewSessionAllocator(),
		registry.WithLogger(log.Named("registry")),
		registry.WithEvents(ring),
		registry.WithAuthorizer(authorizer),
		registry.WithAppCapPolicy(policy),
	)

	manager := system.NewManager()
	if err := manager.Register(registryService); err != nil {
		return nil, fmt.Errorf("register %s: %w", registryService.Name(), err)
	}
	// passive modules have no background work but are listed with the rest
	for _, passive := range []string{"events", "store"} {
		if err := manager.Register(system.NoopService{ServiceName: passive}); err != nil {
			return nil, fmt.Errorf("register %s: %w", passive, err)
		}
	}

	var snapshots *snapshot.Service
	if cfg.Snapshot.Enabled && stores.File != nil {
		snapshots, err = snapshot.NewService(stores.File, cfg.Snapshot.Schedule, log.Named("snapshot"), ring)
		if err != nil {
			return nil, err
		}
		if err := manager.Register(snapshots); err != nil {
			return nil, fmt.Errorf("register %s: %w", snapshots.Name(), err)
		}
	}

	return &Application{
		manager:   manager,
		log:       log,
		cfg:       cfg,
		file:      stores.File,
		unwatch:   unwatch,
		Registry:  registryService,
		Events:    ring,
		Snapshots: snapshots,
	}, nil
}

// Services lists the registered lifecycle services in start order.
func (a *Application) Services() []string {
	return a.manager.Services()
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services and releases store connections.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	a.close()
	return err
}

// Update runs fn as one transaction against the shared snapshot file: the
// file is locked, merged into memory, fn runs and the result is written back
// before the lock is released. Database-backed registries just run fn.
func (a *Application) Update(ctx context.Context, fn func(context.Context) error) error {
	if a.file == nil {
		return fn(ctx)
	}
	_, err := a.file.Update(ctx, fn)
	return err
}

// Close releases store connections without stopping services.
func (a *Application) Close() {
	a.close()
}

func (a *Application) close() {
	if a.unwatch != nil {
		a.unwatch()
		a.unwatch = nil
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.WithError(err).Warn("error closing store connection")
		}
	}
	a.closers = nil
}

func buildStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (Stores, []func() error, error) {
	var (
		stores  Stores
		closers []func() error
	)

	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		db, err := openDatabase(ctx, cfg.Storage.DSN)
		if err != nil {
			return Stores{}, nil, err
		}
		closers = append(closers, db.Close)
		if cfg.Storage.MigrateOnStart {
			if err := migrations.Up(db.DB); err != nil {
				_ = db.Close()
				return Stores{}, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		stores.Records = postgres.New(db)
	default:
		mem := memory.New()
		if cfg.Snapshot.Path != "" {
			registryID, err := cfg.RegistryID()
			if err != nil {
				return Stores{}, nil, fmt.Errorf("registry id: %w", err)
			}
			file := snapshot.NewFile(cfg.Snapshot.Path, apps.Registry{ID: registryID}, mem)
			snap, ok, err := file.Load(ctx)
			if err != nil {
				return Stores{}, nil, err
			}
			stores.File = file
			if ok {
				checkRegistryID(cfg, snap.Registry, log)
				log.WithField("path", cfg.Snapshot.Path).
					WithField("records", len(snap.Records)).
					Info("registry snapshot loaded")
			}
		}
		stores.Records = mem
		stores.Memory = mem
	}

	if cfg.Redis.Enabled {
		ttl, err := cfg.CacheTTL()
		if err != nil {
			closeAll(closers)
			return Stores{}, nil, err
		}
		client, err := rediscache.Open(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			closeAll(closers)
			return Stores{}, nil, err
		}
		closers = append(closers, client.Close)
		stores.Records = rediscache.New(stores.Records, client,
			rediscache.WithTTL(ttl),
			rediscache.WithLogger(log.Named("rediscache")),
		)
	}

	return stores, closers, nil
}

func closeAll(closers []func() error) {
	for _, c := range closers {
		_ = c()
	}
}

var openDatabase = func(ctx context.Context, dsn string) (*sqlx.DB, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return postgres.Open(ctx, dsn)
}

func checkRegistryID(cfg *config.Config, loaded apps.Registry, log *logger.Logger) {
	configured, err := cfg.RegistryID()
	if err != nil || loaded.ID.IsZero() || loaded.ID == configured {
		return
	}
	log.WithField("snapshot_registry", loaded.ID.String()).
		WithField("configured_registry", configured.String()).
		Warn("snapshot was written by a different registry id")
}
