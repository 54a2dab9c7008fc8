package handlers

import (
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/provpn/backend/internal/allocator"
	"github.com/provpn/backend/internal/database"
	"github.com/provpn/backend/internal/models"
)

// seedDashboardFixtures builds two active panels (one online), one inactive
// panel, an enabled and a disabled profile, three allocations and one
// approved identity.
func seedDashboardFixtures(t *testing.T) {
	t.Helper()

	online := seedTestPanel(t, "eu-panel")
	database.DB.Model(online).Update("is_online", true)
	second := seedTestPanel(t, "us-panel")
	inactive := seedTestPanel(t, "old-panel")
	database.DB.Model(inactive).Update("is_active", false)

	eu := seedTestProfile(t, online.ID, "eu", []allocator.PortSpec{{Port: 8443, Capacity: 5}})
	us := seedTestProfile(t, second.ID, "us", []allocator.PortSpec{{Port: 9443, Capacity: 3}})
	database.DB.Model(us).Update("enabled", false)

	seedTestAllocation(t, eu, 1, 8443, "")
	seedTestAllocation(t, eu, 2, 8443, "")
	seedTestAllocation(t, us, 1, 9443, "")

	database.DB.Create(&models.ApprovedUser{Identity: "alice"})
}

func TestDashboardStats(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig(t)
	app := newTestApp(t, cfg, &stubProvisioner{})
	token := authToken(t, cfg, models.UserRoleReadonly)
	seedDashboardFixtures(t)

	status, payload := doRequest(t, app, "GET", "/api/dashboard/stats", token, nil)
	if status != fiber.StatusOK {
		t.Fatalf("stats status = %d, body = %v", status, payload)
	}
	data := asMap(t, payload["data"])

	checks := map[string]float64{
		"total_panels":        2,
		"online_panels":       1,
		"total_profiles":      2,
		"enabled_profiles":    1,
		"total_allocations":   3,
		"today_allocations":   3,
		"month_allocations":   3,
		"total_capacity":      5,
		"used_capacity":       2,
		"free_capacity":       3,
		"approved_identities": 1,
	}
	for key, want := range checks {
		if got := asNumber(t, data[key]); got != want {
			t.Errorf("%s = %v, want %v", key, got, want)
		}
	}
}

func TestDashboardChartData(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig(t)
	app := newTestApp(t, cfg, &stubProvisioner{})
	token := authToken(t, cfg, models.UserRoleReadonly)
	seedDashboardFixtures(t)

	status, payload := doRequest(t, app, "GET", "/api/dashboard/chart?type=allocations", token, nil)
	if status != fiber.StatusOK {
		t.Fatalf("allocations chart status = %d", status)
	}
	rows := asSlice(t, payload["data"])
	if len(rows) != 1 {
		t.Fatalf("allocation buckets = %d, want 1 (all seeded today)", len(rows))
	}
	if asNumber(t, asMap(t, rows[0])["count"]) != 3 {
		t.Errorf("today's bucket = %v, want count 3", rows[0])
	}

	status, payload = doRequest(t, app, "GET", "/api/dashboard/chart?type=profiles", token, nil)
	if status != fiber.StatusOK {
		t.Fatalf("profiles chart status = %d", status)
	}
	rows = asSlice(t, payload["data"])
	if len(rows) != 2 {
		t.Fatalf("profile buckets = %d, want 2", len(rows))
	}
	first := asMap(t, rows[0])
	if first["name"] != "eu" || asNumber(t, first["count"]) != 2 {
		t.Errorf("top profile = %v, want eu with 2", first)
	}

	status, _ = doRequest(t, app, "GET", "/api/dashboard/chart?type=bananas", token, nil)
	if status != fiber.StatusBadRequest {
		t.Errorf("unknown chart type status = %d, want 400", status)
	}
}

func TestDashboardRecentAllocations(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig(t)
	app := newTestApp(t, cfg, &stubProvisioner{})
	token := authToken(t, cfg, models.UserRoleReadonly)
	seedDashboardFixtures(t)

	status, payload := doRequest(t, app, "GET", "/api/dashboard/allocations?limit=2", token, nil)
	if status != fiber.StatusOK {
		t.Fatalf("recent status = %d", status)
	}
	rows := asSlice(t, payload["data"])
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	newest := asMap(t, rows[0])
	if newest["name"] != "us1" {
		t.Errorf("newest = %v, want us1", newest["name"])
	}
	if newest["profile"] == nil {
		t.Error("profile not preloaded on recent allocations")
	}
}

func TestDashboardCapacityOverview(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig(t)
	app := newTestApp(t, cfg, &stubProvisioner{})
	token := authToken(t, cfg, models.UserRoleReadonly)
	seedDashboardFixtures(t)

	status, payload := doRequest(t, app, "GET", "/api/dashboard/capacity", token, nil)
	if status != fiber.StatusOK {
		t.Fatalf("capacity overview status = %d", status)
	}
	reports := asSlice(t, payload["data"])
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1 (disabled profiles are excluded)", len(reports))
	}
	report := asMap(t, reports[0])
	if report["profile_name"] != "eu" {
		t.Errorf("profile_name = %v, want eu", report["profile_name"])
	}
	if asNumber(t, report["total_capacity"]) != 5 || asNumber(t, report["total_used"]) != 2 {
		t.Errorf("report totals = %v, want capacity 5 used 2", report)
	}
}
