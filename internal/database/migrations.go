package database

import (
	"errors"
	"time"

	"github.com/carelink/backend/internal/engagement"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRebuildPairProjections = "2026-08-10_rebuild_pair_projections"

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
		{name: migrationRebuildPairProjections, apply: rebuildPairProjections},
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

// rebuildPairProjections re-derives every pair row from the engagement
// ledger. Ledger and pair writes were not always transactional, so pairs
// written before that change may be missing or stale; the derivation is the
// ground truth either way.
func rebuildPairProjections(db *gorm.DB) error {
	type pairIdentity struct {
		ProviderID  string
		RequesterID string
	}

	var identities []pairIdentity
	if err := db.Model(&engagement.Record{}).
		Distinct("provider_id", "requester_id").
		Find(&identities).Error; err != nil {
		return err
	}

	for _, identity := range identities {
		var records []engagement.Record
		if err := db.
			Where("provider_id = ? AND requester_id = ?", identity.ProviderID, identity.RequesterID).
			Order("created_at ASC").
			Find(&records).Error; err != nil {
			return err
		}
		derived, ok := engagement.DerivePair(records)
		if !ok {
			continue
		}
		if err := db.Save(&derived).Error; err != nil {
			return err
		}
	}
	return nil
}
