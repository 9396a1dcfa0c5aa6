package database

import (
	"errors"
	"time"

	"github.com/lumeno/telebridge/internal/puppet"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRepairDisplaynameContact = "2026-07-19_repair_displayname_contact_default"

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
		{name: migrationRepairDisplaynameContact, apply: repairDisplaynameContactDefault},
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

// Rows written before the contact flag defaulted to true carry a false flag
// despite never having had a contact-sourced name, which blocks the first
// contact-sourced update. Reset the flag wherever no name was ever set.
func repairDisplaynameContactDefault(db *gorm.DB) error {
	return db.Model(&puppet.Record{}).
		Where("displayname = '' AND displayname_source = 0").
		Update("displayname_contact", true).Error
}
