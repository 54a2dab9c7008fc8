package services

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/provpn/backend/internal/config"
	"github.com/provpn/backend/internal/database"
	"github.com/provpn/backend/internal/models"
	"github.com/provpn/backend/internal/security"
)

const (
	// BackupMagicHeader prefixes every encrypted backup file
	BackupMagicHeader = "PROVPN_ENCRYPTED_BACKUP_V1\n"
	// BackupFileExt is the extension for encrypted backup files
	BackupFileExt = ".provpn.bak"
)

// getConfiguredTimezone returns the system timezone from settings
// Falls back to UTC if not configured or invalid
func getConfiguredTimezone() *time.Location {
	var pref models.SystemPreference
	if err := database.DB.Where("key = ?", "system_timezone").First(&pref).Error; err != nil {
		return time.UTC
	}

	loc, err := time.LoadLocation(pref.Value)
	if err != nil {
		return time.UTC
	}

	return loc
}

// BackupSchedulerService handles scheduled backups
type BackupSchedulerService struct {
	cfg       *config.Config
	backupDir string
	stopChan  chan struct{}
}

// NewBackupSchedulerService creates a new backup scheduler service
func NewBackupSchedulerService(cfg *config.Config) *BackupSchedulerService {
	os.MkdirAll(cfg.BackupDir, 0755)
	return &BackupSchedulerService{
		cfg:       cfg,
		backupDir: cfg.BackupDir,
		stopChan:  make(chan struct{}),
	}
}

// Start starts the backup scheduler
func (s *BackupSchedulerService) Start() {
	log.Println("BackupSchedulerService started, checking every 1 minute")

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	// Initial check
	s.checkSchedules()

	for {
		select {
		case <-s.stopChan:
			log.Println("BackupSchedulerService stopped")
			return
		case <-ticker.C:
			s.checkSchedules()
		}
	}
}

// Stop stops the backup scheduler
func (s *BackupSchedulerService) Stop() {
	close(s.stopChan)
}

// checkSchedules checks all schedules and runs due backups
func (s *BackupSchedulerService) checkSchedules() {
	var schedules []models.BackupSchedule
	if err := database.DB.Where("is_enabled = ?", true).Find(&schedules).Error; err != nil {
		log.Printf("BackupScheduler: Failed to load schedules: %v", err)
		return
	}

	// Use configured timezone for time comparison
	tz := getConfiguredTimezone()
	now := time.Now().In(tz)

	for i := range schedules {
		if s.isDue(&schedules[i], now) {
			go s.runBackup(&schedules[i])
		}
	}
}

// isDue checks if a schedule is due to run
func (s *BackupSchedulerService) isDue(schedule *models.BackupSchedule, now time.Time) bool {
	// Parse time of day
	hour, minute := 2, 0 // default 02:00
	if schedule.TimeOfDay != "" {
		fmt.Sscanf(schedule.TimeOfDay, "%d:%d", &hour, &minute)
	}

	// Check if it's the right time (within 1 minute window)
	if now.Hour() != hour || now.Minute() != minute {
		return false
	}

	// Check frequency
	switch schedule.Frequency {
	case "daily":
		return true
	case "weekly":
		return int(now.Weekday()) == schedule.DayOfWeek
	case "monthly":
		return now.Day() == schedule.DayOfMonth
	}

	return false
}

// runBackup executes a scheduled backup
func (s *BackupSchedulerService) runBackup(schedule *models.BackupSchedule) {
	startTime := time.Now()

	// Update status to running
	database.DB.Model(schedule).Updates(map[string]interface{}{
		"last_status": "running",
		"last_run_at": startTime,
	})

	// Create backup log entry
	backupLog := models.BackupLog{
		ScheduleID:   &schedule.ID,
		ScheduleName: schedule.Name,
		Status:       "running",
		StartedAt:    startTime,
	}
	database.DB.Create(&backupLog)

	// Generate filenames
	timestamp := startTime.Format("20060102_150405")
	tempFile := filepath.Join(s.backupDir, fmt.Sprintf(".temp_%s_scheduled.dump", timestamp))
	filename := fmt.Sprintf("provpn_%s_scheduled%s", timestamp, BackupFileExt)
	localPath := filepath.Join(s.backupDir, filename)

	// Run pg_dump with custom format
	err := s.dumpDatabase(tempFile)
	if err != nil {
		s.handleBackupError(schedule, &backupLog, err, startTime)
		return
	}

	// Encrypt the backup
	err = EncryptBackupFile(tempFile, localPath)
	os.Remove(tempFile) // Clean up temp file regardless
	if err != nil {
		s.handleBackupError(schedule, &backupLog, fmt.Errorf("encryption failed: %v", err), startTime)
		return
	}

	// Get file info
	fileInfo, err := os.Stat(localPath)
	if err != nil {
		s.handleBackupError(schedule, &backupLog, err, startTime)
		return
	}

	backupLog.Filename = filename
	backupLog.FileSize = fileInfo.Size()
	backupLog.StorageType = "local"
	backupLog.StoragePath = localPath

	// Upload to FTP if enabled
	if schedule.FTPEnabled {
		err = s.uploadToFTP(schedule, localPath, filename)
		if err != nil {
			log.Printf("BackupScheduler: FTP upload failed for %s: %v", schedule.Name, err)
			// Local copy exists, so record the FTP failure without failing the backup
			backupLog.ErrorMessage = fmt.Sprintf("Local backup succeeded, FTP upload failed: %v", err)
		} else {
			backupLog.StorageType = "both"
			backupLog.StoragePath = fmt.Sprintf("local:%s, ftp:%s/%s", localPath, schedule.FTPPath, filename)
		}
	}

	// Delete old backups based on retention policy
	if schedule.Retention > 0 {
		s.cleanOldBackups(schedule)
	}

	// Update schedule status
	nextRun := CalculateNextRunForSchedule(schedule)
	database.DB.Model(schedule).Updates(map[string]interface{}{
		"last_status":      "success",
		"last_error":       "",
		"last_backup_file": filename,
		"next_run_at":      nextRun,
	})

	// Complete backup log
	completedAt := time.Now()
	backupLog.Status = "success"
	backupLog.CompletedAt = completedAt
	backupLog.Duration = int(completedAt.Sub(startTime).Seconds())
	database.DB.Save(&backupLog)

	log.Printf("BackupScheduler: Backup completed for %s (%s, %d bytes)",
		schedule.Name, filename, fileInfo.Size())
}

// dumpDatabase creates a database backup in custom format (compressed binary)
func (s *BackupSchedulerService) dumpDatabase(destPath string) error {
	cmd := exec.Command("pg_dump",
		"-h", s.cfg.DBHost,
		"-p", strconv.Itoa(s.cfg.DBPort),
		"-U", s.cfg.DBUser,
		"-d", s.cfg.DBName,
		"-Fc", // Custom format (compressed, binary)
		"-f", destPath,
		"--no-owner",
		"--no-acl",
	)
	cmd.Env = append(os.Environ(), fmt.Sprintf("PGPASSWORD=%s", s.cfg.DBPassword))

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s", err.Error(), string(output))
	}
	return nil
}

// uploadToFTP uploads a file to FTP server
func (s *BackupSchedulerService) uploadToFTP(schedule *models.BackupSchedule, localPath, filename string) error {
	// Stored FTP password is encrypted at rest
	password, err := security.Decrypt(schedule.FTPPassword)
	if err != nil {
		return fmt.Errorf("cannot decrypt FTP password: %v", err)
	}

	// Connect to FTP
	addr := fmt.Sprintf("%s:%d", schedule.FTPHost, schedule.FTPPort)
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return fmt.Errorf("FTP connection failed: %v", err)
	}
	defer conn.Quit()

	// Login
	err = conn.Login(schedule.FTPUsername, password)
	if err != nil {
		return fmt.Errorf("FTP login failed: %v", err)
	}

	// Change to backup directory (create if needed)
	if schedule.FTPPath != "" && schedule.FTPPath != "/" {
		err = conn.ChangeDir(schedule.FTPPath)
		if err != nil {
			conn.MakeDir(schedule.FTPPath)
			err = conn.ChangeDir(schedule.FTPPath)
			if err != nil {
				return fmt.Errorf("FTP directory change failed: %v", err)
			}
		}
	}

	// Open local file
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %v", err)
	}
	defer file.Close()

	// Upload file
	err = conn.Stor(filename, file)
	if err != nil {
		return fmt.Errorf("FTP upload failed: %v", err)
	}

	log.Printf("BackupScheduler: Uploaded %s to FTP %s", filename, schedule.FTPHost)
	return nil
}

// cleanOldBackups removes backups older than retention period
func (s *BackupSchedulerService) cleanOldBackups(schedule *models.BackupSchedule) {
	cutoff := time.Now().AddDate(0, 0, -schedule.Retention)

	// Clean local backups
	files, err := os.ReadDir(s.backupDir)
	if err != nil {
		return
	}

	for _, file := range files {
		if file.IsDir() {
			continue
		}

		info, err := file.Info()
		if err != nil {
			continue
		}

		// Only delete backup files (both encrypted and legacy .sql)
		name := file.Name()
		isBackup := strings.HasSuffix(name, BackupFileExt) || strings.HasSuffix(name, ".sql")
		if info.ModTime().Before(cutoff) && isBackup && len(name) > 10 {
			os.Remove(filepath.Join(s.backupDir, name))
			log.Printf("BackupScheduler: Deleted old backup %s", name)
		}
	}

	// Clean FTP backups if enabled
	if schedule.FTPEnabled {
		s.cleanOldFTPBackups(schedule, cutoff)
	}
}

// cleanOldFTPBackups removes old backups from FTP server
func (s *BackupSchedulerService) cleanOldFTPBackups(schedule *models.BackupSchedule, cutoff time.Time) {
	password, err := security.Decrypt(schedule.FTPPassword)
	if err != nil {
		return
	}

	addr := fmt.Sprintf("%s:%d", schedule.FTPHost, schedule.FTPPort)
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return
	}
	defer conn.Quit()

	err = conn.Login(schedule.FTPUsername, password)
	if err != nil {
		return
	}

	if schedule.FTPPath != "" && schedule.FTPPath != "/" {
		conn.ChangeDir(schedule.FTPPath)
	}

	entries, err := conn.List("")
	if err != nil {
		return
	}

	for _, entry := range entries {
		if entry.Type == ftp.EntryTypeFile && entry.Time.Before(cutoff) {
			if strings.HasSuffix(entry.Name, BackupFileExt) || strings.HasSuffix(entry.Name, ".sql") {
				conn.Delete(entry.Name)
				log.Printf("BackupScheduler: Deleted old FTP backup %s", entry.Name)
			}
		}
	}
}

// CalculateNextRunForSchedule calculates the next run time for a schedule
func CalculateNextRunForSchedule(schedule *models.BackupSchedule) time.Time {
	// Use configured timezone
	tz := getConfiguredTimezone()
	now := time.Now().In(tz)

	hour, minute := 2, 0
	if schedule.TimeOfDay != "" {
		fmt.Sscanf(schedule.TimeOfDay, "%d:%d", &hour, &minute)
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, tz)

	switch schedule.Frequency {
	case "daily":
		if next.Before(now) || next.Equal(now) {
			next = next.AddDate(0, 0, 1)
		}
	case "weekly":
		daysUntil := (schedule.DayOfWeek - int(now.Weekday()) + 7) % 7
		if daysUntil == 0 && (next.Before(now) || next.Equal(now)) {
			daysUntil = 7
		}
		next = next.AddDate(0, 0, daysUntil)
	case "monthly":
		next = time.Date(now.Year(), now.Month(), schedule.DayOfMonth, hour, minute, 0, 0, tz)
		if next.Before(now) || next.Equal(now) {
			next = next.AddDate(0, 1, 0)
		}
	}

	return next
}

// handleBackupError handles backup errors
func (s *BackupSchedulerService) handleBackupError(schedule *models.BackupSchedule, backupLog *models.BackupLog, err error, startTime time.Time) {
	log.Printf("BackupScheduler: Backup failed for %s: %v", schedule.Name, err)

	completedAt := time.Now()

	// Update schedule
	database.DB.Model(schedule).Updates(map[string]interface{}{
		"last_status": "failed",
		"last_error":  err.Error(),
	})

	// Update backup log
	backupLog.Status = "failed"
	backupLog.ErrorMessage = err.Error()
	backupLog.CompletedAt = completedAt
	backupLog.Duration = int(completedAt.Sub(startTime).Seconds())
	database.DB.Save(backupLog)
}

// TestFTPConnection tests FTP connection with given credentials
func TestFTPConnection(host string, port int, username, password, path string) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(10*time.Second))
	if err != nil {
		return fmt.Errorf("connection failed: %v", err)
	}
	defer conn.Quit()

	err = conn.Login(username, password)
	if err != nil {
		return fmt.Errorf("login failed: %v", err)
	}

	if path != "" && path != "/" {
		err = conn.ChangeDir(path)
		if err != nil {
			err = conn.MakeDir(path)
			if err != nil {
				return fmt.Errorf("cannot access or create directory %s: %v", path, err)
			}
		}
	}

	return nil
}

// RunManualBackup runs a schedule immediately with optional FTP upload
func (s *BackupSchedulerService) RunManualBackup(schedule *models.BackupSchedule, userID uint, username string) (*models.BackupLog, error) {
	startTime := time.Now()

	// Create backup log entry
	backupLog := models.BackupLog{
		ScheduleID:    &schedule.ID,
		ScheduleName:  schedule.Name,
		Status:        "running",
		StartedAt:     startTime,
		CreatedByID:   &userID,
		CreatedByName: username,
	}
	database.DB.Create(&backupLog)

	// Generate filenames
	timestamp := startTime.Format("20060102_150405")
	tempFile := filepath.Join(s.backupDir, fmt.Sprintf(".temp_%s.dump", timestamp))
	filename := fmt.Sprintf("provpn_%s%s", timestamp, BackupFileExt)
	localPath := filepath.Join(s.backupDir, filename)

	// Run pg_dump with custom format
	err := s.dumpDatabase(tempFile)
	if err != nil {
		backupLog.Status = "failed"
		backupLog.ErrorMessage = err.Error()
		backupLog.CompletedAt = time.Now()
		database.DB.Save(&backupLog)
		return &backupLog, err
	}

	// Encrypt the backup
	err = EncryptBackupFile(tempFile, localPath)
	os.Remove(tempFile) // Clean up temp file regardless
	if err != nil {
		backupLog.Status = "failed"
		backupLog.ErrorMessage = fmt.Sprintf("Encryption failed: %v", err)
		backupLog.CompletedAt = time.Now()
		database.DB.Save(&backupLog)
		return &backupLog, err
	}

	// Get file info
	fileInfo, _ := os.Stat(localPath)
	backupLog.Filename = filename
	backupLog.FileSize = fileInfo.Size()
	backupLog.StoragePath = localPath
	backupLog.StorageType = "local"

	// Upload to FTP if configured
	if schedule.FTPEnabled {
		err = s.uploadToFTP(schedule, localPath, filename)
		if err != nil {
			// FTP failed but local succeeded
			backupLog.ErrorMessage = fmt.Sprintf("Local backup succeeded, FTP failed: %v", err)
		} else {
			backupLog.StorageType = "both"
		}
	}

	completedAt := time.Now()
	backupLog.Status = "success"
	backupLog.CompletedAt = completedAt
	backupLog.Duration = int(completedAt.Sub(startTime).Seconds())
	database.DB.Save(&backupLog)

	return &backupLog, nil
}

// EncryptBackupFile encrypts a dump file with the application key and
// prefixes it with the backup magic header
func EncryptBackupFile(inputPath, outputPath string) error {
	plaintext, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("failed to read input file: %v", err)
	}

	ciphertext, err := security.EncryptBytes(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt: %v", err)
	}

	output := append([]byte(BackupMagicHeader), ciphertext...)
	if err := os.WriteFile(outputPath, output, 0600); err != nil {
		return fmt.Errorf("failed to write encrypted file: %v", err)
	}

	return nil
}

// DecryptBackupFile decrypts a file written by EncryptBackupFile
func DecryptBackupFile(inputPath, outputPath string) error {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("failed to read encrypted file: %v", err)
	}

	header := []byte(BackupMagicHeader)
	if len(data) < len(header) || string(data[:len(header)]) != BackupMagicHeader {
		return fmt.Errorf("invalid encrypted file format")
	}

	plaintext, err := security.DecryptBytes(data[len(header):])
	if err != nil {
		return fmt.Errorf("decryption failed: %v", err)
	}

	if err := os.WriteFile(outputPath, plaintext, 0600); err != nil {
		return fmt.Errorf("failed to write decrypted file: %v", err)
	}

	return nil
}

// IsEncryptedBackup checks if a backup file carries the magic header
func IsEncryptedBackup(filePath string) bool {
	file, err := os.Open(filePath)
	if err != nil {
		return false
	}
	defer file.Close()

	header := make([]byte, len(BackupMagicHeader))
	n, err := file.Read(header)
	if err != nil || n < len(BackupMagicHeader) {
		return false
	}

	return string(header) == BackupMagicHeader
}
