package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/carelog/internal/storage"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationSplitLegacyDocument = "2026-02-22_split_legacy_document"

	legacyNamespace = "legacy"
	legacyKey       = "store.json"
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
		{name: migrationSplitLegacyDocument, apply: splitLegacyDocument},
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

// splitLegacyDocument imports a single-document store ({namespace: {key: value}})
// saved by earlier client builds into one row per key. Rows that already exist
// win over the legacy copy.
func splitLegacyDocument(db *gorm.DB) error {
	return db.Transaction(func(transaction *gorm.DB) error {
		var legacy storage.Document
		err := transaction.Where("namespace = ? AND doc_key = ?", legacyNamespace, legacyKey).Take(&legacy).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var document map[string]map[string]json.RawMessage
		if err := json.Unmarshal(legacy.Payload, &document); err != nil {
			return fmt.Errorf("decode legacy document: %w", err)
		}

		for namespace, values := range document {
			for key, value := range values {
				row := storage.Document{
					Namespace:        namespace,
					Key:              key,
					Payload:          datatypes.JSON(value),
					UpdatedAtSeconds: legacy.UpdatedAtSeconds,
				}
				if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
					return err
				}
			}
		}
		return transaction.Delete(&legacy).Error
	})
}
