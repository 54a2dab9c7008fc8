package handlers

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/provpn/backend/internal/database"
	"github.com/provpn/backend/internal/models"
)

type DashboardHandler struct{}

func NewDashboardHandler() *DashboardHandler {
	return &DashboardHandler{}
}

// Stats returns dashboard statistics
func (h *DashboardHandler) Stats(c *fiber.Ctx) error {
	var stats struct {
		// Panels
		TotalPanels  int64 `json:"total_panels"`
		OnlinePanels int64 `json:"online_panels"`

		// Profiles
		TotalProfiles   int64 `json:"total_profiles"`
		EnabledProfiles int64 `json:"enabled_profiles"`

		// Allocations
		TotalAllocations int64 `json:"total_allocations"`
		TodayAllocations int64 `json:"today_allocations"`
		MonthAllocations int64 `json:"month_allocations"`

		// Capacity across enabled profiles
		TotalCapacity int64 `json:"total_capacity"`
		UsedCapacity  int64 `json:"used_capacity"`
		FreeCapacity  int64 `json:"free_capacity"`

		ApprovedIdentities int64 `json:"approved_identities"`
	}

	// Day and month boundaries follow the configured timezone
	tz := GetConfiguredTimezone()
	now := time.Now().In(tz)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, tz)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, tz)

	database.DB.Model(&models.Panel{}).Where("is_active = ?", true).Count(&stats.TotalPanels)
	database.DB.Model(&models.Panel{}).Where("is_online = ?", true).Count(&stats.OnlinePanels)

	database.DB.Model(&models.Profile{}).Count(&stats.TotalProfiles)
	database.DB.Model(&models.Profile{}).Where("enabled = ?", true).Count(&stats.EnabledProfiles)

	database.DB.Model(&models.Allocation{}).Count(&stats.TotalAllocations)
	database.DB.Model(&models.Allocation{}).Where("created_at >= ?", today).Count(&stats.TodayAllocations)
	database.DB.Model(&models.Allocation{}).Where("created_at >= ?", monthStart).Count(&stats.MonthAllocations)

	database.DB.Raw(`
		SELECT COALESCE(SUM(pp.capacity), 0)
		FROM profile_ports pp
		JOIN profiles p ON p.id = pp.profile_id
		WHERE p.enabled = true AND p.deleted_at IS NULL
	`).Scan(&stats.TotalCapacity)

	database.DB.Raw(`
		SELECT COUNT(a.id)
		FROM allocations a
		JOIN profiles p ON p.id = a.profile_id
		WHERE p.enabled = true AND p.deleted_at IS NULL
	`).Scan(&stats.UsedCapacity)

	stats.FreeCapacity = stats.TotalCapacity - stats.UsedCapacity
	if stats.FreeCapacity < 0 {
		stats.FreeCapacity = 0
	}

	database.DB.Model(&models.ApprovedUser{}).Count(&stats.ApprovedIdentities)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    stats,
	})
}

// ChartData returns chart data
func (h *DashboardHandler) ChartData(c *fiber.Ctx) error {
	chartType := c.Query("type", "allocations")
	days := c.QueryInt("days", 30)

	if days > 365 {
		days = 365
	}

	startDate := time.Now().AddDate(0, 0, -days)

	switch chartType {
	case "allocations":
		var data []struct {
			Date  string `json:"date"`
			Count int64  `json:"count"`
		}
		database.DB.Model(&models.Allocation{}).
			Select("DATE(created_at) as date, COUNT(*) as count").
			Where("created_at >= ?", startDate).
			Group("DATE(created_at)").
			Order("date").
			Scan(&data)

		return c.JSON(fiber.Map{
			"success": true,
			"data":    data,
		})

	case "profiles":
		var data []struct {
			Name  string `json:"name"`
			Count int64  `json:"count"`
		}
		database.DB.Model(&models.Allocation{}).
			Select("profile_name as name, COUNT(*) as count").
			Where("created_at >= ?", startDate).
			Group("profile_name").
			Order("count DESC").
			Limit(10).
			Scan(&data)

		return c.JSON(fiber.Map{
			"success": true,
			"data":    data,
		})
	}

	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"success": false,
		"message": "Unknown chart type",
	})
}

// RecentAllocations returns the latest allocations
func (h *DashboardHandler) RecentAllocations(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 10)
	if limit > 50 {
		limit = 50
	}

	var allocations []models.Allocation
	database.DB.Model(&models.Allocation{}).
		Preload("Profile").
		Order("id DESC").
		Limit(limit).
		Find(&allocations)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    allocations,
	})
}

// CapacityOverview returns the per-port capacity report for every enabled profile
func (h *DashboardHandler) CapacityOverview(c *fiber.Ctx) error {
	type profileRow struct {
		ID   uint
		Name string
	}
	var profiles []profileRow
	if err := database.DB.Raw(`SELECT id, name FROM profiles WHERE enabled = true AND deleted_at IS NULL ORDER BY name`).Scan(&profiles).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to fetch profiles",
		})
	}

	reports := []*database.CachedCapacityReport{}
	for _, p := range profiles {
		if cached := database.GetCachedCapacityReport(p.Name); cached != nil {
			reports = append(reports, cached)
			continue
		}
		report, err := database.ComputeCapacityReport(p.ID, p.Name)
		if err != nil {
			continue
		}
		database.SetCachedCapacityReport(report)
		reports = append(reports, report)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    reports,
	})
}

// SystemMetrics returns CPU, Memory, and Disk usage percentages
func (h *DashboardHandler) SystemMetrics(c *fiber.Ctx) error {
	metrics := fiber.Map{
		"cpu_percent":    getCPUPercent(),
		"memory_percent": getMemoryPercent(),
		"disk_percent":   getDiskPercent(),
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    metrics,
	})
}

// getCPUPercent reads /proc/stat twice with a delay to calculate real-time CPU usage
func getCPUPercent() float64 {
	// Try host's /proc/stat first (mounted from host system for accurate VM CPU)
	procPath := "/host/proc/stat"
	if _, err := os.Stat(procPath); os.IsNotExist(err) {
		procPath = "/proc/stat"
	}

	// Take first sample
	total1, idle1 := readCPUStat(procPath)
	if total1 == 0 {
		return 0
	}

	// Wait 200ms for second sample
	time.Sleep(200 * time.Millisecond)

	total2, idle2 := readCPUStat(procPath)
	if total2 == 0 {
		return 0
	}

	totalDelta := total2 - total1
	idleDelta := idle2 - idle1

	if totalDelta == 0 {
		return 0
	}

	usage := float64(totalDelta-idleDelta) / float64(totalDelta) * 100
	return roundToOneDecimal(usage)
}

// readCPUStat reads /proc/stat and returns total and idle CPU times
func readCPUStat(procPath string) (total, idle uint64) {
	file, err := os.Open(procPath)
	if err != nil {
		return 0, 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		return 0, 0
	}

	line := scanner.Text()
	if !strings.HasPrefix(line, "cpu ") {
		return 0, 0
	}

	fields := strings.Fields(line)
	if len(fields) < 5 {
		return 0, 0
	}

	// Parse CPU times: user, nice, system, idle, iowait
	user, _ := strconv.ParseUint(fields[1], 10, 64)
	nice, _ := strconv.ParseUint(fields[2], 10, 64)
	system, _ := strconv.ParseUint(fields[3], 10, 64)
	idleTime, _ := strconv.ParseUint(fields[4], 10, 64)
	iowait := uint64(0)
	if len(fields) > 5 {
		iowait, _ = strconv.ParseUint(fields[5], 10, 64)
	}

	total = user + nice + system + idleTime + iowait
	idle = idleTime + iowait
	return total, idle
}

// getMemoryPercent reads memory usage from host's /proc/meminfo (mounted at /host/proc)
func getMemoryPercent() float64 {
	procPath := "/host/proc/meminfo"
	if _, err := os.Stat(procPath); os.IsNotExist(err) {
		procPath = "/proc/meminfo"
	}

	file, err := os.Open(procPath)
	if err != nil {
		return 0
	}
	defer file.Close()

	var memTotal, memAvailable uint64
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		value, _ := strconv.ParseUint(fields[1], 10, 64)

		switch fields[0] {
		case "MemTotal:":
			memTotal = value
		case "MemAvailable:":
			memAvailable = value
		}

		if memTotal > 0 && memAvailable > 0 {
			break
		}
	}

	if memTotal == 0 {
		return 0
	}

	used := memTotal - memAvailable
	usage := float64(used) / float64(memTotal) * 100
	return roundToOneDecimal(usage)
}

// getDiskPercent uses syscall.Statfs to get disk usage of root filesystem
func getDiskPercent() float64 {
	var stat syscall.Statfs_t
	err := syscall.Statfs("/", &stat)
	if err != nil {
		return 0
	}

	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bfree * uint64(stat.Bsize)

	if total == 0 {
		return 0
	}

	used := total - free
	usage := float64(used) / float64(total) * 100
	return roundToOneDecimal(usage)
}

// roundToOneDecimal rounds a float to one decimal place
func roundToOneDecimal(val float64) float64 {
	return float64(int(val*10+0.5)) / 10
}
