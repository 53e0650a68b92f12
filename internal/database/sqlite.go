package database

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/jotrip/internal/accounts"
	"github.com/MarcoPoloResearchLab/jotrip/internal/blobstore"
	"github.com/MarcoPoloResearchLab/jotrip/internal/localstore"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// OpenServer opens the sync server database and brings its schema up to date.
func OpenServer(path string, logger *zap.Logger) (*gorm.DB, error) {
	models := []any{&accounts.Account{}, &blobstore.ChangeEntry{}, &blobstore.BlobRecord{}}
	return open(path, models, serverMigrations(), logger)
}

// OpenClient opens a device's local store database and brings its schema up
// to date.
func OpenClient(path string, logger *zap.Logger) (*gorm.DB, error) {
	return open(path, localstore.Models(), clientMigrations(), logger)
}

func open(path string, models []any, migrations []migrationDefinition, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: newGormLogger(logger)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(append(models, &migrationRecord{})...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, migrations, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", path))
	return db, nil
}

// newGormLogger routes gorm's slow-query and error reports through zap at
// warn level. Lookups that find no row are expected and stay silent.
func newGormLogger(logger *zap.Logger) gormlogger.Interface {
	writer, err := zap.NewStdLogAt(logger.Named("gorm"), zapcore.WarnLevel)
	if err != nil {
		writer = zap.NewStdLog(logger.Named("gorm"))
	}
	return gormlogger.New(writer, gormlogger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
