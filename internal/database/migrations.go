package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cadence/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationClearMalformedLastSentOn = "2026-09-21_clear_malformed_last_sent_on"
	migrationNullEmptyWeekdays        = "2026-09-21_null_empty_weekdays"
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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationClearMalformedLastSentOn, apply: clearMalformedLastSentOn},
		{name: migrationNullEmptyWeekdays, apply: nullEmptyWeekdays},
	}

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

// last_sent_on must be NULL or a YYYY-MM-DD date for the delivery claim to compare correctly.
func clearMalformedLastSentOn(db *gorm.DB) error {
	return db.Model(&store.PushSubscription{}).
		Where("last_sent_on IS NOT NULL AND length(last_sent_on) <> 10").
		Update("last_sent_on", gorm.Expr("NULL")).Error
}

func nullEmptyWeekdays(db *gorm.DB) error {
	return db.Model(&store.Compound{}).
		Where("weekdays = ?", "").
		Update("weekdays", gorm.Expr("NULL")).Error
}
