package handlers

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/provpn/backend/internal/config"
	"github.com/provpn/backend/internal/database"
	"github.com/provpn/backend/internal/middleware"
	"github.com/provpn/backend/internal/models"
	"github.com/provpn/backend/internal/security"
	"github.com/provpn/backend/internal/services"
)

type BackupHandler struct {
	backupDir string
	cfg       *config.Config
}

func NewBackupHandler(cfg *config.Config) *BackupHandler {
	os.MkdirAll(cfg.BackupDir, 0755)
	return &BackupHandler{
		backupDir: cfg.BackupDir,
		cfg:       cfg,
	}
}

// BackupInfo represents a backup file info
type BackupInfo struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Encrypted bool      `json:"encrypted"`
}

// List returns all backups
func (h *BackupHandler) List(c *fiber.Ctx) error {
	files, err := os.ReadDir(h.backupDir)
	if err != nil {
		return c.JSON(fiber.Map{
			"success": true,
			"data":    []BackupInfo{},
		})
	}

	backups := []BackupInfo{}
	for i, file := range files {
		if file.IsDir() {
			continue
		}

		// Only show encrypted backups and legacy .sql files
		if !strings.HasSuffix(file.Name(), services.BackupFileExt) && !strings.HasSuffix(file.Name(), ".sql") {
			continue
		}

		info, err := file.Info()
		if err != nil {
			continue
		}

		backups = append(backups, BackupInfo{
			ID:        strconv.Itoa(i + 1),
			Filename:  file.Name(),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
			Encrypted: strings.HasSuffix(file.Name(), services.BackupFileExt),
		})
	}

	// Sort by date descending
	for i := 0; i < len(backups)-1; i++ {
		for j := i + 1; j < len(backups); j++ {
			if backups[i].CreatedAt.Before(backups[j].CreatedAt) {
				backups[i], backups[j] = backups[j], backups[i]
			}
		}
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    backups,
	})
}

// Create creates a new encrypted backup
func (h *BackupHandler) Create(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "Unauthorized"})
	}

	startTime := time.Now()
	timestamp := startTime.Format("20060102_150405")
	// pg_dump writes the custom format dump here before encryption
	tempFile := filepath.Join(h.backupDir, fmt.Sprintf(".temp_%s.dump", timestamp))
	filename := fmt.Sprintf("provpn_%s%s", timestamp, services.BackupFileExt)
	finalPath := filepath.Join(h.backupDir, filename)

	cmd := exec.Command("pg_dump",
		"-h", h.cfg.DBHost,
		"-p", strconv.Itoa(h.cfg.DBPort),
		"-U", h.cfg.DBUser,
		"-d", h.cfg.DBName,
		"-Fc", // Custom format (compressed, binary)
		"-f", tempFile,
		"--no-owner",
		"--no-acl",
	)
	cmd.Env = append(os.Environ(), fmt.Sprintf("PGPASSWORD=%s", h.cfg.DBPassword))

	output, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(tempFile)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": fmt.Sprintf("Failed to create backup: %s", string(output)),
		})
	}

	// Encrypt the backup file
	if err := services.EncryptBackupFile(tempFile, finalPath); err != nil {
		os.Remove(tempFile)
		os.Remove(finalPath)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": fmt.Sprintf("Failed to encrypt backup: %v", err),
		})
	}

	os.Remove(tempFile)

	info, _ := os.Stat(finalPath)

	// Record the run alongside scheduled backups
	completedAt := time.Now()
	backupLog := models.BackupLog{
		Filename:      filename,
		FileSize:      info.Size(),
		StorageType:   "local",
		StoragePath:   finalPath,
		Status:        "success",
		Duration:      int(completedAt.Sub(startTime).Seconds()),
		StartedAt:     startTime,
		CompletedAt:   completedAt,
		CreatedByID:   &user.ID,
		CreatedByName: user.Username,
	}
	database.DB.Create(&backupLog)

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Encrypted backup created successfully",
		"data": BackupInfo{
			ID:        filename,
			Filename:  filename,
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
			Encrypted: true,
		},
	})
}

// Download serves a backup file
func (h *BackupHandler) Download(c *fiber.Ctx) error {
	filename := c.Params("filename")
	if filename == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Filename is required",
		})
	}

	// Sanitize filename to prevent path traversal
	filename = filepath.Base(filename)
	filePath := filepath.Join(h.backupDir, filename)

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Backup not found",
		})
	}

	// Downloads are GETs, which the audit middleware does not record
	LogAction(c, models.AuditActionBackup, "backup", 0, fmt.Sprintf("Downloaded backup %s", filename))

	return c.Download(filePath, filename)
}

// Restore restores from a backup
func (h *BackupHandler) Restore(c *fiber.Ctx) error {
	filename := c.Params("filename")
	if filename == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Filename is required",
		})
	}

	// Sanitize filename
	filename = filepath.Base(filename)
	filePath := filepath.Join(h.backupDir, filename)

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Backup not found",
		})
	}

	var cmd *exec.Cmd

	if strings.HasSuffix(filename, services.BackupFileExt) {
		// Decrypt the backup first
		tempDecrypted := filepath.Join(h.backupDir, fmt.Sprintf(".restore_temp_%d.dump", time.Now().UnixNano()))
		if err := services.DecryptBackupFile(filePath, tempDecrypted); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"message": fmt.Sprintf("Failed to decrypt backup: %v", err),
			})
		}
		defer os.Remove(tempDecrypted)

		// Use pg_restore for custom format backups
		cmd = exec.Command("pg_restore",
			"-h", h.cfg.DBHost,
			"-p", strconv.Itoa(h.cfg.DBPort),
			"-U", h.cfg.DBUser,
			"-d", h.cfg.DBName,
			"--clean",
			"--if-exists",
			"--no-owner",
			"--no-acl",
			"--single-transaction",
			tempDecrypted,
		)
	} else {
		// Legacy SQL file - use psql
		cmd = exec.Command("psql",
			"-h", h.cfg.DBHost,
			"-p", strconv.Itoa(h.cfg.DBPort),
			"-U", h.cfg.DBUser,
			"-d", h.cfg.DBName,
			"-f", filePath,
		)
	}

	cmd.Env = append(os.Environ(), fmt.Sprintf("PGPASSWORD=%s", h.cfg.DBPassword))

	output, err := cmd.CombinedOutput()
	if err != nil {
		// pg_restore returns non-zero on warnings too, so only treat hard failures as errors
		if strings.Contains(string(output), "FATAL") || strings.Contains(string(output), "could not connect") {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"message": fmt.Sprintf("Failed to restore backup: %s", string(output)),
			})
		}
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Backup restored successfully",
	})
}

// Delete deletes a backup file
func (h *BackupHandler) Delete(c *fiber.Ctx) error {
	filename := c.Params("filename")
	if filename == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Filename is required",
		})
	}

	// Sanitize filename
	filename = filepath.Base(filename)
	filePath := filepath.Join(h.backupDir, filename)

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Backup not found",
		})
	}

	if err := os.Remove(filePath); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to delete backup",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Backup deleted successfully",
	})
}

// Upload uploads a backup file
func (h *BackupHandler) Upload(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "No file uploaded",
		})
	}

	// Accept both encrypted and legacy .sql backups
	isEncrypted := strings.HasSuffix(file.Filename, services.BackupFileExt)
	isLegacy := strings.HasSuffix(file.Filename, ".sql")
	if !isEncrypted && !isLegacy {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": fmt.Sprintf("Only %s or .sql files are allowed", services.BackupFileExt),
		})
	}

	// Sanitize filename
	filename := filepath.Base(file.Filename)
	destPath := filepath.Join(h.backupDir, filename)

	src, err := file.Open()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to open uploaded file",
		})
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to save file",
		})
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to save file",
		})
	}

	// Reject files that claim to be encrypted but lack the magic header
	if isEncrypted && !services.IsEncryptedBackup(destPath) {
		os.Remove(destPath)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid backup file format",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Backup uploaded successfully",
		"data": fiber.Map{
			"filename":  filename,
			"encrypted": isEncrypted,
		},
	})
}

// ========== Backup Schedule Management ==========

// ScheduleRequest carries schedule fields; the FTP password never appears
// in schedule responses, so updates have to send it explicitly
type ScheduleRequest struct {
	Name        string `json:"name"`
	IsEnabled   *bool  `json:"is_enabled"`
	Frequency   string `json:"frequency"`
	DayOfWeek   int    `json:"day_of_week"`
	DayOfMonth  int    `json:"day_of_month"`
	TimeOfDay   string `json:"time_of_day"`
	Retention   int    `json:"retention"`
	FTPEnabled  *bool  `json:"ftp_enabled"`
	FTPHost     string `json:"ftp_host"`
	FTPPort     int    `json:"ftp_port"`
	FTPUsername string `json:"ftp_username"`
	FTPPassword string `json:"ftp_password"`
	FTPPath     string `json:"ftp_path"`
}

// ListSchedules returns all backup schedules
func (h *BackupHandler) ListSchedules(c *fiber.Ctx) error {
	var schedules []models.BackupSchedule
	if err := database.DB.Order("created_at DESC").Find(&schedules).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to fetch schedules",
		})
	}

	for i := range schedules {
		schedules[i].HasFTPPassword = schedules[i].FTPPassword != ""
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    schedules,
	})
}

// GetSchedule returns a single backup schedule
func (h *BackupHandler) GetSchedule(c *fiber.Ctx) error {
	id := c.Params("id")

	var schedule models.BackupSchedule
	if err := database.DB.First(&schedule, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Schedule not found",
		})
	}

	schedule.HasFTPPassword = schedule.FTPPassword != ""

	return c.JSON(fiber.Map{
		"success": true,
		"data":    schedule,
	})
}

// CreateSchedule creates a new backup schedule
func (h *BackupHandler) CreateSchedule(c *fiber.Ctx) error {
	var req ScheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	if req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Schedule name is required",
		})
	}

	if req.Frequency == "" {
		req.Frequency = "daily"
	}
	if req.Frequency != "daily" && req.Frequency != "weekly" && req.Frequency != "monthly" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Frequency must be daily, weekly or monthly",
		})
	}

	if req.TimeOfDay == "" {
		req.TimeOfDay = "02:00"
	}
	if req.Retention == 0 {
		req.Retention = 7
	}
	if req.FTPPort == 0 {
		req.FTPPort = 21
	}

	schedule := models.BackupSchedule{
		Name:        req.Name,
		IsEnabled:   true,
		Frequency:   req.Frequency,
		DayOfWeek:   req.DayOfWeek,
		DayOfMonth:  req.DayOfMonth,
		TimeOfDay:   req.TimeOfDay,
		Retention:   req.Retention,
		FTPHost:     req.FTPHost,
		FTPPort:     req.FTPPort,
		FTPUsername: req.FTPUsername,
		FTPPath:     req.FTPPath,
	}
	if req.IsEnabled != nil {
		schedule.IsEnabled = *req.IsEnabled
	}
	if req.FTPEnabled != nil {
		schedule.FTPEnabled = *req.FTPEnabled
	}

	if req.FTPPassword != "" {
		encrypted, err := security.Encrypt(req.FTPPassword)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"message": "Failed to encrypt FTP password",
			})
		}
		schedule.FTPPassword = encrypted
	}

	if schedule.IsEnabled {
		nextRun := services.CalculateNextRunForSchedule(&schedule)
		schedule.NextRunAt = &nextRun
	}

	if err := database.DB.Create(&schedule).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to create schedule",
		})
	}

	schedule.HasFTPPassword = schedule.FTPPassword != ""

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"message": "Schedule created successfully",
		"data":    schedule,
	})
}

// UpdateSchedule updates a backup schedule
func (h *BackupHandler) UpdateSchedule(c *fiber.Ctx) error {
	id := c.Params("id")

	var schedule models.BackupSchedule
	if err := database.DB.First(&schedule, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Schedule not found",
		})
	}

	var req ScheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	if req.Name != "" {
		schedule.Name = req.Name
	}
	if req.Frequency != "" {
		if req.Frequency != "daily" && req.Frequency != "weekly" && req.Frequency != "monthly" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"message": "Frequency must be daily, weekly or monthly",
			})
		}
		schedule.Frequency = req.Frequency
	}
	if req.TimeOfDay != "" {
		schedule.TimeOfDay = req.TimeOfDay
	}
	if req.Retention > 0 {
		schedule.Retention = req.Retention
	}
	schedule.DayOfWeek = req.DayOfWeek
	schedule.DayOfMonth = req.DayOfMonth
	if req.IsEnabled != nil {
		schedule.IsEnabled = *req.IsEnabled
	}
	if req.FTPEnabled != nil {
		schedule.FTPEnabled = *req.FTPEnabled
	}
	if req.FTPHost != "" {
		schedule.FTPHost = req.FTPHost
	}
	if req.FTPPort > 0 {
		schedule.FTPPort = req.FTPPort
	}
	if req.FTPUsername != "" {
		schedule.FTPUsername = req.FTPUsername
	}
	if req.FTPPath != "" {
		schedule.FTPPath = req.FTPPath
	}

	// Keep the stored password unless a new one is supplied
	if req.FTPPassword != "" && req.FTPPassword != "********" {
		encrypted, err := security.Encrypt(req.FTPPassword)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"message": "Failed to encrypt FTP password",
			})
		}
		schedule.FTPPassword = encrypted
	}

	if schedule.IsEnabled {
		nextRun := services.CalculateNextRunForSchedule(&schedule)
		schedule.NextRunAt = &nextRun
	}

	if err := database.DB.Save(&schedule).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to update schedule",
		})
	}

	schedule.HasFTPPassword = schedule.FTPPassword != ""

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Schedule updated successfully",
		"data":    schedule,
	})
}

// DeleteSchedule deletes a backup schedule
func (h *BackupHandler) DeleteSchedule(c *fiber.Ctx) error {
	id := c.Params("id")

	var schedule models.BackupSchedule
	if err := database.DB.First(&schedule, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Schedule not found",
		})
	}

	if err := database.DB.Delete(&schedule).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to delete schedule",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Schedule deleted successfully",
	})
}

// ToggleSchedule enables/disables a backup schedule
func (h *BackupHandler) ToggleSchedule(c *fiber.Ctx) error {
	id := c.Params("id")

	var schedule models.BackupSchedule
	if err := database.DB.First(&schedule, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Schedule not found",
		})
	}

	schedule.IsEnabled = !schedule.IsEnabled
	if schedule.IsEnabled {
		nextRun := services.CalculateNextRunForSchedule(&schedule)
		schedule.NextRunAt = &nextRun
	}
	database.DB.Save(&schedule)

	status := "disabled"
	if schedule.IsEnabled {
		status = "enabled"
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": fmt.Sprintf("Schedule %s", status),
		"data":    schedule,
	})
}

// TestFTP tests FTP connection
func (h *BackupHandler) TestFTP(c *fiber.Ctx) error {
	var req struct {
		Host       string `json:"host"`
		Port       int    `json:"port"`
		Username   string `json:"username"`
		Password   string `json:"password"`
		Path       string `json:"path"`
		ScheduleID uint   `json:"schedule_id"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request",
		})
	}

	if req.Port == 0 {
		req.Port = 21
	}

	// Fall back to the stored credentials when testing an existing schedule
	if req.Password == "" && req.ScheduleID > 0 {
		var schedule models.BackupSchedule
		if err := database.DB.First(&schedule, req.ScheduleID).Error; err == nil {
			stored, err := security.Decrypt(schedule.FTPPassword)
			if err == nil {
				req.Password = stored
			}
		}
	}

	err := services.TestFTPConnection(req.Host, req.Port, req.Username, req.Password, req.Path)
	if err != nil {
		return c.JSON(fiber.Map{
			"success": false,
			"message": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "FTP connection successful",
	})
}

// ListBackupLogs returns backup execution logs
func (h *BackupHandler) ListBackupLogs(c *fiber.Ctx) error {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	offset := (page - 1) * limit

	var logs []models.BackupLog
	var total int64

	query := database.DB.Model(&models.BackupLog{})

	if scheduleID := c.Query("schedule_id"); scheduleID != "" {
		query = query.Where("schedule_id = ?", scheduleID)
	}

	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	query.Count(&total)
	query.Order("started_at DESC").Offset(offset).Limit(limit).Find(&logs)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    logs,
		"total":   total,
		"page":    page,
		"limit":   limit,
	})
}

// RunScheduleNow manually triggers a scheduled backup
func (h *BackupHandler) RunScheduleNow(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "Unauthorized"})
	}

	id := c.Params("id")

	var schedule models.BackupSchedule
	if err := database.DB.First(&schedule, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Schedule not found",
		})
	}

	// Run backup in background
	go func() {
		svc := services.NewBackupSchedulerService(h.cfg)
		svc.RunManualBackup(&schedule, user.ID, user.Username)
	}()

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Backup started",
	})
}
