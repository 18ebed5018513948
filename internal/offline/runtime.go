package offline

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/carelog/internal/config"
	"github.com/MarcoPoloResearchLab/carelog/internal/database"
	"github.com/MarcoPoloResearchLab/carelog/internal/idmap"
	"github.com/MarcoPoloResearchLab/carelog/internal/queue"
	"github.com/MarcoPoloResearchLab/carelog/internal/remote"
	"github.com/MarcoPoloResearchLab/carelog/internal/snapshot"
	"github.com/MarcoPoloResearchLab/carelog/internal/storage"
	"github.com/MarcoPoloResearchLab/carelog/internal/syncer"
	"go.uber.org/zap"
)

// RuntimeConfig describes a complete engine over one store.
type RuntimeConfig struct {
	Store    storage.Store
	Remote   remote.EventAPI
	Policy   syncer.RejectionPolicy
	Location *time.Location
	Notifier Notifier
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Assemble wires queue, identifier map, snapshot cache and coordinator over
// cfg.Store and returns the facade.
func Assemble(cfg RuntimeConfig) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	api := cfg.Remote
	if api == nil {
		api = remote.Disconnected{}
	}

	mutations, err := queue.New(queue.Config{Store: cfg.Store, Clock: clock, Logger: logger.Named("queue")})
	if err != nil {
		return nil, err
	}
	identifiers, err := idmap.New(cfg.Store, logger.Named("idmap"))
	if err != nil {
		return nil, err
	}
	deadLetters, err := queue.NewDeadLetterLog(cfg.Store, clock, logger.Named("queue"))
	if err != nil {
		return nil, err
	}
	cache, err := snapshot.NewCache(cfg.Store, clock)
	if err != nil {
		return nil, err
	}
	coordinator, err := syncer.New(syncer.Config{
		Queue:       mutations,
		Identifiers: identifiers,
		Remote:      api,
		DeadLetters: deadLetters,
		Policy:      cfg.Policy,
		Clock:       clock,
		Logger:      logger.Named("syncer"),
	})
	if err != nil {
		return nil, err
	}

	return NewService(ServiceConfig{
		Queue:       mutations,
		Identifiers: identifiers,
		DeadLetters: deadLetters,
		Snapshots:   snapshot.NewBuilder(cache, logger.Named("snapshot")),
		Coordinator: coordinator,
		Notifier:    cfg.Notifier,
		Location:    cfg.Location,
		Clock:       clock,
		Logger:      logger,
	})
}

// OpenStore opens the durable store selected by cfg. The returned close
// function releases it.
func OpenStore(cfg config.AppConfig, logger *zap.Logger) (storage.Store, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.StoreDriver {
	case config.StoreDriverFile:
		store, err := storage.NewFileStore(storage.FileStoreConfig{Path: cfg.StorePath, Logger: logger.Named("storage")})
		if err != nil {
			return nil, nil, err
		}
		return store, func() error { return nil }, nil
	case config.StoreDriverSQLite, "":
		db, err := database.OpenSQLite(cfg.StorePath, logger)
		if err != nil {
			return nil, nil, err
		}
		store, err := storage.NewSQLiteStore(storage.SQLiteStoreConfig{Database: db, Logger: logger.Named("storage")})
		if err != nil {
			return nil, nil, err
		}
		closeDB := func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		}
		return store, closeDB, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// NewRemote returns the HTTP client for cfg, or a disconnected API when no
// endpoint is configured.
func NewRemote(cfg config.AppConfig, logger *zap.Logger) (remote.EventAPI, error) {
	if cfg.RemoteBaseURL == "" {
		return remote.Disconnected{}, nil
	}
	client, err := remote.NewHTTPClient(remote.HTTPClientConfig{
		BaseURL: cfg.RemoteBaseURL,
		Timeout: cfg.RemoteTimeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Open assembles a Service over the store and remote endpoint named by cfg.
// The returned close function releases the store.
func Open(cfg config.AppConfig, notifier Notifier, logger *zap.Logger) (*Service, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy, err := syncer.ParseRejectionPolicy(cfg.RejectionPolicy)
	if err != nil {
		return nil, nil, err
	}
	api, err := NewRemote(cfg, logger.Named("remote"))
	if err != nil {
		return nil, nil, err
	}
	store, closeStore, err := OpenStore(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	service, err := Assemble(RuntimeConfig{
		Store:    store,
		Remote:   api,
		Policy:   policy,
		Location: cfg.Location,
		Notifier: notifier,
		Logger:   logger,
	})
	if err != nil {
		closeStore() //nolint:errcheck
		return nil, nil, err
	}
	return service, closeStore, nil
}
