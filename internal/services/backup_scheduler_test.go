package services

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/provpn/backend/internal/config"
	"github.com/provpn/backend/internal/database"
	"github.com/provpn/backend/internal/models"
	"github.com/provpn/backend/internal/security"
)

func setupServicesDB(t *testing.T) {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "services.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.SystemPreference{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	database.DB = db
}

func TestConfiguredTimezoneFallsBackToUTC(t *testing.T) {
	setupServicesDB(t)

	// Nothing configured
	if tz := getConfiguredTimezone(); tz != time.UTC {
		t.Errorf("unset timezone = %v, want UTC", tz)
	}

	// Garbage configured
	pref := models.SystemPreference{Key: "system_timezone", Value: "Not/AZone"}
	if err := database.DB.Create(&pref).Error; err != nil {
		t.Fatalf("seed preference: %v", err)
	}
	if tz := getConfiguredTimezone(); tz != time.UTC {
		t.Errorf("invalid timezone = %v, want UTC", tz)
	}

	database.DB.Model(&pref).Update("value", "UTC")
	if tz := getConfiguredTimezone(); tz != time.UTC {
		t.Errorf("explicit UTC = %v, want UTC", tz)
	}
}

func TestScheduleIsDue(t *testing.T) {
	svc := NewBackupSchedulerService(&config.Config{BackupDir: t.TempDir()})

	// 2026-03-04 is a Wednesday
	wednesday := func(hour, minute int) time.Time {
		return time.Date(2026, time.March, 4, hour, minute, 0, 0, time.UTC)
	}

	tests := []struct {
		name     string
		schedule models.BackupSchedule
		now      time.Time
		want     bool
	}{
		{
			name:     "daily at the configured minute",
			schedule: models.BackupSchedule{Frequency: "daily", TimeOfDay: "14:30"},
			now:      wednesday(14, 30),
			want:     true,
		},
		{
			name:     "daily one minute late",
			schedule: models.BackupSchedule{Frequency: "daily", TimeOfDay: "14:30"},
			now:      wednesday(14, 31),
			want:     false,
		},
		{
			name:     "daily defaults to 02:00",
			schedule: models.BackupSchedule{Frequency: "daily"},
			now:      wednesday(2, 0),
			want:     true,
		},
		{
			name:     "weekly on the configured weekday",
			schedule: models.BackupSchedule{Frequency: "weekly", TimeOfDay: "04:15", DayOfWeek: 3},
			now:      wednesday(4, 15),
			want:     true,
		},
		{
			name:     "weekly on another weekday",
			schedule: models.BackupSchedule{Frequency: "weekly", TimeOfDay: "04:15", DayOfWeek: 3},
			now:      time.Date(2026, time.March, 5, 4, 15, 0, 0, time.UTC),
			want:     false,
		},
		{
			name:     "monthly on the configured day",
			schedule: models.BackupSchedule{Frequency: "monthly", TimeOfDay: "05:00", DayOfMonth: 15},
			now:      time.Date(2026, time.March, 15, 5, 0, 0, 0, time.UTC),
			want:     true,
		},
		{
			name:     "monthly on another day",
			schedule: models.BackupSchedule{Frequency: "monthly", TimeOfDay: "05:00", DayOfMonth: 15},
			now:      time.Date(2026, time.March, 16, 5, 0, 0, 0, time.UTC),
			want:     false,
		},
		{
			name:     "unknown frequency never fires",
			schedule: models.BackupSchedule{Frequency: "hourly", TimeOfDay: "14:30"},
			now:      wednesday(14, 30),
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := svc.isDue(&tt.schedule, tt.now); got != tt.want {
				t.Errorf("isDue = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCalculateNextRunForSchedule(t *testing.T) {
	setupServicesDB(t)
	pref := models.SystemPreference{Key: "system_timezone", Value: "UTC"}
	if err := database.DB.Create(&pref).Error; err != nil {
		t.Fatalf("seed preference: %v", err)
	}

	before := time.Now()

	daily := models.BackupSchedule{Frequency: "daily", TimeOfDay: "03:30"}
	next := CalculateNextRunForSchedule(&daily)
	if !next.After(before) {
		t.Errorf("daily next run %v is not in the future", next)
	}
	if next.Hour() != 3 || next.Minute() != 30 {
		t.Errorf("daily next run at %02d:%02d, want 03:30", next.Hour(), next.Minute())
	}
	if next.Sub(before) > 25*time.Hour {
		t.Errorf("daily next run %v is more than a day away", next)
	}

	unset := models.BackupSchedule{Frequency: "daily"}
	next = CalculateNextRunForSchedule(&unset)
	if next.Hour() != 2 || next.Minute() != 0 {
		t.Errorf("default next run at %02d:%02d, want 02:00", next.Hour(), next.Minute())
	}

	targetDay := (int(before.UTC().Weekday()) + 1) % 7
	weekly := models.BackupSchedule{Frequency: "weekly", TimeOfDay: "03:30", DayOfWeek: targetDay}
	next = CalculateNextRunForSchedule(&weekly)
	if !next.After(before) {
		t.Errorf("weekly next run %v is not in the future", next)
	}
	if int(next.Weekday()) != targetDay {
		t.Errorf("weekly next run on %v, want weekday %d", next.Weekday(), targetDay)
	}
	if next.Sub(before) > 8*24*time.Hour {
		t.Errorf("weekly next run %v is more than a week away", next)
	}

	monthly := models.BackupSchedule{Frequency: "monthly", TimeOfDay: "03:30", DayOfMonth: 15}
	next = CalculateNextRunForSchedule(&monthly)
	if !next.After(before) {
		t.Errorf("monthly next run %v is not in the future", next)
	}
	if next.Day() != 15 {
		t.Errorf("monthly next run on day %d, want 15", next.Day())
	}
	if next.Sub(before) > 32*24*time.Hour {
		t.Errorf("monthly next run %v is more than a month away", next)
	}
}

func TestBackupFileEncryptionRoundtrip(t *testing.T) {
	security.SetKey("services-test-secret")
	dir := t.TempDir()

	plaintext := []byte("pg_dump custom format payload")
	source := filepath.Join(dir, "dump.bin")
	if err := os.WriteFile(source, plaintext, 0600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	encrypted := filepath.Join(dir, "dump"+BackupFileExt)
	if err := EncryptBackupFile(source, encrypted); err != nil {
		t.Fatalf("EncryptBackupFile: %v", err)
	}

	data, err := os.ReadFile(encrypted)
	if err != nil {
		t.Fatalf("read encrypted: %v", err)
	}
	if !bytes.HasPrefix(data, []byte(BackupMagicHeader)) {
		t.Error("encrypted file does not start with the magic header")
	}
	if bytes.Contains(data, plaintext) {
		t.Error("encrypted file still contains the plaintext")
	}

	if !IsEncryptedBackup(encrypted) {
		t.Error("IsEncryptedBackup(encrypted) = false")
	}
	if IsEncryptedBackup(source) {
		t.Error("IsEncryptedBackup(plain dump) = true")
	}
	if IsEncryptedBackup(filepath.Join(dir, "missing.bak")) {
		t.Error("IsEncryptedBackup(missing file) = true")
	}

	restored := filepath.Join(dir, "restored.bin")
	if err := DecryptBackupFile(encrypted, restored); err != nil {
		t.Fatalf("DecryptBackupFile: %v", err)
	}
	got, err := os.ReadFile(restored)
	if err != nil {
		t.Fatalf("read restored: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("restored = %q, want %q", got, plaintext)
	}
}

func TestDecryptBackupFileRejectsForeignData(t *testing.T) {
	security.SetKey("services-test-secret")
	dir := t.TempDir()

	// No magic header
	plain := filepath.Join(dir, "plain.sql")
	if err := os.WriteFile(plain, []byte("SELECT 1;"), 0600); err != nil {
		t.Fatalf("write plain: %v", err)
	}
	if err := DecryptBackupFile(plain, filepath.Join(dir, "out1")); err == nil {
		t.Error("decrypting a plain file succeeded, want error")
	}

	// Encrypted under a different key
	source := filepath.Join(dir, "dump.bin")
	if err := os.WriteFile(source, []byte("payload"), 0600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	encrypted := filepath.Join(dir, "dump"+BackupFileExt)
	if err := EncryptBackupFile(source, encrypted); err != nil {
		t.Fatalf("EncryptBackupFile: %v", err)
	}

	security.SetKey("a-rotated-secret")
	if err := DecryptBackupFile(encrypted, filepath.Join(dir, "out2")); err == nil {
		t.Error("decrypting with the wrong key succeeded, want error")
	}
}
