package database

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// CachedPortCapacity is one port line of a capacity report
type CachedPortCapacity struct {
	Port     int `json:"port"`
	Capacity int `json:"capacity"`
	Used     int `json:"used"`
	Free     int `json:"free"`
}

// CachedCapacityReport contains per-port usage for a profile. Always
// recomputable from allocation rows; the cache only saves the count query.
type CachedCapacityReport struct {
	ProfileID     uint                 `json:"profile_id"`
	ProfileName   string               `json:"profile_name"`
	Ports         []CachedPortCapacity `json:"ports"`
	TotalCapacity int                  `json:"total_capacity"`
	TotalUsed     int                  `json:"total_used"`
	TotalFree     int                  `json:"total_free"`
	GeneratedAt   time.Time            `json:"generated_at"`
}

// GetCachedCapacityReport retrieves a capacity report from cache or returns nil
func GetCachedCapacityReport(profileName string) *CachedCapacityReport {
	if Redis == nil {
		return nil
	}

	ctx := context.Background()
	key := CacheKeyCapacity + profileName

	data, err := Redis.Get(ctx, key).Bytes()
	if err != nil {
		return nil // Cache miss
	}

	var report CachedCapacityReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil
	}

	return &report
}

// SetCachedCapacityReport stores a capacity report in cache
func SetCachedCapacityReport(report *CachedCapacityReport) {
	if Redis == nil || report == nil {
		return
	}

	ctx := context.Background()
	key := CacheKeyCapacity + report.ProfileName

	data, err := json.Marshal(report)
	if err != nil {
		log.Printf("Failed to marshal capacity report for cache: %v", err)
		return
	}

	Redis.Set(ctx, key, data, CacheTTLCapacity)
}

// ComputeCapacityReport builds a capacity report from allocation rows.
// Free never goes below zero: a port whose capacity was lowered under
// its usage reports free=0 and stays frozen until usage drains.
func ComputeCapacityReport(profileID uint, profileName string) (*CachedCapacityReport, error) {
	rows, err := DB.Raw(`
		SELECT pp.port, pp.capacity, COUNT(a.id) AS used
		FROM profile_ports pp
		LEFT JOIN allocations a ON a.profile_id = pp.profile_id AND a.port = pp.port
		WHERE pp.profile_id = ?
		GROUP BY pp.id
		ORDER BY pp.sort_order, pp.id
	`, profileID).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	report := &CachedCapacityReport{
		ProfileID:   profileID,
		ProfileName: profileName,
		GeneratedAt: time.Now().UTC(),
	}

	for rows.Next() {
		var entry CachedPortCapacity
		if err := rows.Scan(&entry.Port, &entry.Capacity, &entry.Used); err != nil {
			return nil, err
		}
		entry.Free = entry.Capacity - entry.Used
		if entry.Free < 0 {
			entry.Free = 0
		}
		report.Ports = append(report.Ports, entry)
		report.TotalCapacity += entry.Capacity
		report.TotalUsed += entry.Used
		report.TotalFree += entry.Free
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return report, nil
}

// WarmupCapacityCache pre-loads capacity reports for enabled profiles
func WarmupCapacityCache() {
	if DB == nil || Redis == nil {
		return
	}

	log.Println("Warming up capacity report cache...")

	type profileRow struct {
		ID   uint
		Name string
	}
	var profiles []profileRow
	if err := DB.Raw(`SELECT id, name FROM profiles WHERE enabled = true AND deleted_at IS NULL`).Scan(&profiles).Error; err != nil {
		log.Printf("Failed to warmup capacity cache: %v", err)
		return
	}

	count := 0
	for _, p := range profiles {
		report, err := ComputeCapacityReport(p.ID, p.Name)
		if err != nil {
			continue
		}
		SetCachedCapacityReport(report)
		count++
	}

	log.Printf("Capacity cache warmup complete: %d profiles cached", count)
}
