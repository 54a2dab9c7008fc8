package allocator

import (
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/provpn/backend/internal/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	err = db.AutoMigrate(
		&models.Panel{},
		&models.Profile{},
		&models.ProfilePort{},
		&models.Allocation{},
	)
	if err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func seedPanel(t *testing.T, db *gorm.DB) *models.Panel {
	t.Helper()

	panel := models.Panel{
		Name:     "panel-1",
		BaseURL:  "https://panel-1.example:2053",
		Username: "admin",
		Password: "secret",
		IsActive: true,
	}
	if err := db.Create(&panel).Error; err != nil {
		t.Fatalf("seed panel: %v", err)
	}
	return &panel
}

func seedProfile(t *testing.T, db *gorm.DB, panelID uint, name string, ports []PortSpec) *models.Profile {
	t.Helper()

	profile := models.Profile{
		Name:          name,
		PanelID:       panelID,
		Prefix:        name,
		StartSequence: 1,
		QuotaGB:       50,
		ValidityDays:  30,
		Protocol:      "vless",
		Enabled:       true,
	}
	for i, p := range ports {
		profile.Ports = append(profile.Ports, models.ProfilePort{
			Port:      p.Port,
			Capacity:  p.Capacity,
			SortOrder: i,
		})
	}
	if err := db.Create(&profile).Error; err != nil {
		t.Fatalf("seed profile %s: %v", name, err)
	}
	return &profile
}

func seedAllocation(t *testing.T, db *gorm.DB, profile *models.Profile, seq int64, port int) {
	t.Helper()

	rec := models.Allocation{
		ProfileID:      profile.ID,
		ProfileName:    profile.Name,
		SequenceNumber: seq,
		Name:           FormatName(profile.Prefix, profile.Suffix, seq),
		Port:           port,
		PanelID:        profile.PanelID,
	}
	if err := db.Create(&rec).Error; err != nil {
		t.Fatalf("seed allocation seq=%d: %v", seq, err)
	}
}
