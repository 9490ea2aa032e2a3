package migrations

import (
	"github.com/jmylchreest/encmux/internal/models"
	"gorm.io/gorm"
)

// AllMigrations returns all registered migrations in order.
// - 001: Create encode_runs
// - 002: Add encoder process usage columns to encode_runs
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
		migration002EncoderUsage(),
	}
}

// migration001Schema creates the run history table.
func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create encode_runs table",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.EncodeRun{})
		},
		Down: func(tx *gorm.DB) error {
			if tx.Migrator().HasTable("encode_runs") {
				return tx.Migrator().DropTable("encode_runs")
			}
			return nil
		},
	}
}

// encoderUsageColumns are the EncodeRun fields added by migration 002.
var encoderUsageColumns = []string{"EncoderCPUPercent", "EncoderRSSBytes"}

// migration002EncoderUsage adds encoder process usage to encode_runs.
// Databases created after the fields were added already have them from 001.
func migration002EncoderUsage() Migration {
	return Migration{
		Version:     "002",
		Description: "Add encoder process usage to encode_runs",
		Up: func(tx *gorm.DB) error {
			m := tx.Migrator()
			for _, field := range encoderUsageColumns {
				if m.HasColumn(&models.EncodeRun{}, field) {
					continue
				}
				if err := m.AddColumn(&models.EncodeRun{}, field); err != nil {
					return err
				}
			}
			return nil
		},
		Down: func(tx *gorm.DB) error {
			m := tx.Migrator()
			for _, field := range encoderUsageColumns {
				if !m.HasColumn(&models.EncodeRun{}, field) {
					continue
				}
				if err := m.DropColumn(&models.EncodeRun{}, field); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
