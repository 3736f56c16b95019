package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/brickprice/internal/ledger"
	"github.com/MarcoPoloResearchLab/brickprice/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationSeedWorkerCursors        = "2026-03-01_seed_worker_cursors"
	migrationBackfillIdentityVerified = "2026-03-08_backfill_identity_verified"
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
		{name: migrationSeedWorkerCursors, apply: seedWorkerCursors},
		{name: migrationBackfillIdentityVerified, apply: backfillIdentityVerified},
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

func seedWorkerCursors(db *gorm.DB) error {
	now := time.Now().UTC()
	cursors := []ledger.WorkerCursor{
		{WorkerName: ledger.WorkerVoteEnricher, UpdatedAt: now},
		{WorkerName: ledger.WorkerPriceAggregator, UpdatedAt: now},
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&cursors).Error
}

// backfillIdentityVerified promotes identity state rows whose account has since been verified.
func backfillIdentityVerified(db *gorm.DB) error {
	verified := db.Model(&users.Account{}).
		Select("user_id").
		Where("email_verified_at IS NOT NULL")
	return db.Model(&ledger.UserIdentityState{}).
		Where("email_verified = ? AND user_id IN (?)", false, verified).
		Update("email_verified", true).Error
}
