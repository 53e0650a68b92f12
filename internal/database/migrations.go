package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/jotrip/internal/blobstore"
	"github.com/MarcoPoloResearchLab/jotrip/internal/localstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillChangeKinds    = "2024-03-01_backfill_change_kinds"
	migrationPurgeTombstonedRecords = "2024-03-01_purge_tombstoned_records"
	changeKindBackfillBatchSize     = 500
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func serverMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillChangeKinds, apply: backfillChangeKinds},
	}
}

func clientMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationPurgeTombstonedRecords, apply: purgeTombstonedRecords},
	}
}

func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillChangeKinds derives the kind of change entries written before the
// kind column existed.
func backfillChangeKinds(db *gorm.DB) error {
	var pending []blobstore.ChangeEntry
	result := db.Where("kind = ''").FindInBatches(&pending, changeKindBackfillBatchSize, func(tx *gorm.DB, _ int) error {
		for _, entry := range pending {
			if err := tx.Model(&blobstore.ChangeEntry{}).
				Where("sequence = ?", entry.Sequence).
				Update("kind", blobstore.KindOf(entry.Key)).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return result.Error
}

// purgeTombstonedRecords removes rows that a tombstone already marks as
// deleted, directly or through their parent. Tabs and images whose parent has not arrived yet are kept; sync
// delivers kinds in no particular order.
func purgeTombstonedRecords(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		statements := []struct {
			model any
			where string
		}{
			{&localstore.NoteRecord{}, "id IN (SELECT record_id FROM tombstones WHERE kind = 'note')"},
			{&localstore.TabRecord{}, "id IN (SELECT record_id FROM tombstones WHERE kind = 'tab') OR note_id IN (SELECT record_id FROM tombstones WHERE kind = 'note')"},
			{&localstore.ImageRecord{}, "id IN (SELECT record_id FROM tombstones WHERE kind = 'image') OR note_id IN (SELECT record_id FROM tombstones WHERE kind = 'note') OR tab_id IN (SELECT record_id FROM tombstones WHERE kind = 'tab')"},
		}
		for _, statement := range statements {
			if err := tx.Where(statement.where).Delete(statement.model).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
