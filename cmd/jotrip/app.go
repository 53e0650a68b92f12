package main

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/jotrip/internal/config"
	"github.com/MarcoPoloResearchLab/jotrip/internal/database"
	"github.com/MarcoPoloResearchLab/jotrip/internal/localstore"
	"github.com/MarcoPoloResearchLab/jotrip/internal/logging"
	"github.com/MarcoPoloResearchLab/jotrip/internal/remote"
	"github.com/MarcoPoloResearchLab/jotrip/internal/scheduler"
	"github.com/MarcoPoloResearchLab/jotrip/internal/syncengine"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app bundles the collaborators a command needs.
type app struct {
	config config.ClientConfig
	logger *zap.Logger
	db     *gorm.DB
	store  *localstore.Store
}

func openApp() (*app, error) {
	cfg, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logging.Options{Level: cfg.Log.Level, FilePath: cfg.Log.File})
	if err != nil {
		return nil, err
	}
	db, err := database.OpenClient(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	store, err := localstore.NewStore(localstore.Config{
		Database:   db,
		IDProvider: localstore.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		database.Close(db) //nolint:errcheck
		return nil, err
	}
	return &app{config: cfg, logger: logger, db: db, store: store}, nil
}

func (a *app) Close() {
	if err := database.Close(a.db); err != nil {
		a.logger.Warn("failed to close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *app) newRemoteClient(settings syncengine.Settings) (*remote.Client, error) {
	return remote.NewClient(remote.Config{
		BaseURL:  settings.BaseURL,
		Username: settings.Username,
		Password: settings.Password,
		Timeout:  a.config.HTTPTimeout,
		Logger:   a.logger,
	})
}

// activeRemote returns a client for the stored settings, or an error when
// sync is not configured.
func (a *app) activeRemote(ctx context.Context) (*remote.Client, error) {
	settings, err := syncengine.LoadSettings(ctx, a.store)
	if err != nil {
		return nil, err
	}
	if !settings.Complete() {
		return nil, fmt.Errorf("sync is not configured; run jotrip configure")
	}
	return a.newRemoteClient(settings)
}

func (a *app) newEngine() (*syncengine.Engine, error) {
	return syncengine.NewEngine(syncengine.Config{
		Store: a.store,
		Remote: func(settings syncengine.Settings) (syncengine.Remote, error) {
			return a.newRemoteClient(settings)
		},
		Logger:                   a.logger,
		PushRecentTombstonesOnly: !a.config.PushAllTombstones,
	})
}

func (a *app) newScheduler(onComplete func(scheduler.Completion)) (*scheduler.Scheduler, error) {
	engine, err := a.newEngine()
	if err != nil {
		return nil, err
	}
	return scheduler.New(scheduler.Config{
		Syncer:     engine,
		Interval:   a.config.SyncInterval,
		Logger:     a.logger,
		OnComplete: onComplete,
	})
}
