package handlers

import (
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/provpn/backend/internal/allocator"
	"github.com/provpn/backend/internal/database"
	"github.com/provpn/backend/internal/models"
)

func TestProfileCreateAndGet(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig(t)
	app := newTestApp(t, cfg, &stubProvisioner{})
	admin := authToken(t, cfg, models.UserRoleAdmin)
	panel := seedTestPanel(t, "eu-panel")

	status, payload := doRequest(t, app, "POST", "/api/profiles", admin, fiber.Map{
		"name":     "eu",
		"panel_id": panel.ID,
		"prefix":   "eu",
		"quota_gb": 50,
		"ports": []fiber.Map{
			{"port": 8443, "capacity": 2},
			{"port": 9443, "capacity": 3},
		},
	})
	if status != fiber.StatusCreated {
		t.Fatalf("create profile status = %d, body = %v", status, payload)
	}

	data := asMap(t, payload["data"])
	if data["protocol"] != "vless" {
		t.Errorf("default protocol = %v, want vless", data["protocol"])
	}
	if data["enabled"] != true {
		t.Errorf("enabled = %v, want true", data["enabled"])
	}
	ports := asSlice(t, data["ports"])
	if len(ports) != 2 {
		t.Fatalf("len(ports) = %d, want 2", len(ports))
	}
	if asNumber(t, asMap(t, ports[0])["port"]) != 8443 {
		t.Errorf("first port = %v, want 8443 (registration order is rotation order)", ports[0])
	}

	status, payload = doRequest(t, app, "GET", "/api/profiles/1", admin, nil)
	if status != fiber.StatusOK {
		t.Fatalf("get profile status = %d, body = %v", status, payload)
	}
	if asNumber(t, payload["allocations"]) != 0 {
		t.Errorf("allocations = %v, want 0", payload["allocations"])
	}
}

func TestProfileCreateValidation(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig(t)
	app := newTestApp(t, cfg, &stubProvisioner{})
	admin := authToken(t, cfg, models.UserRoleAdmin)
	panel := seedTestPanel(t, "eu-panel")
	seedTestProfile(t, panel.ID, "taken", []allocator.PortSpec{{Port: 8443, Capacity: 1}})

	tests := []struct {
		name       string
		body       fiber.Map
		wantStatus int
	}{
		{"missing name", fiber.Map{"panel_id": panel.ID, "prefix": "x"}, fiber.StatusBadRequest},
		{"missing prefix", fiber.Map{"name": "x", "panel_id": panel.ID}, fiber.StatusBadRequest},
		{"unsupported protocol", fiber.Map{"name": "x", "panel_id": panel.ID, "prefix": "x", "protocol": "wireguard"}, fiber.StatusBadRequest},
		{"unknown panel", fiber.Map{"name": "x", "panel_id": 999, "prefix": "x"}, fiber.StatusNotFound},
		{"duplicate profile name", fiber.Map{"name": "taken", "panel_id": panel.ID, "prefix": "t"}, fiber.StatusBadRequest},
		{"port listed twice", fiber.Map{
			"name": "x", "panel_id": panel.ID, "prefix": "x",
			"ports": []fiber.Map{{"port": 8443, "capacity": 1}, {"port": 8443, "capacity": 2}},
		}, fiber.StatusConflict},
		{"port out of range", fiber.Map{
			"name": "x", "panel_id": panel.ID, "prefix": "x",
			"ports": []fiber.Map{{"port": 70000, "capacity": 1}},
		}, fiber.StatusBadRequest},
		{"capacity zero", fiber.Map{
			"name": "x", "panel_id": panel.ID, "prefix": "x",
			"ports": []fiber.Map{{"port": 8443, "capacity": 0}},
		}, fiber.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, payload := doRequest(t, app, "POST", "/api/profiles", admin, tt.body)
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %v)", status, tt.wantStatus, payload)
			}
		})
	}
}

func TestProfileAddPort(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig(t)
	app := newTestApp(t, cfg, &stubProvisioner{})
	admin := authToken(t, cfg, models.UserRoleAdmin)
	panel := seedTestPanel(t, "eu-panel")
	seedTestProfile(t, panel.ID, "eu", []allocator.PortSpec{{Port: 8443, Capacity: 2}})

	status, payload := doRequest(t, app, "POST", "/api/profiles/1/ports", admin, fiber.Map{
		"port": 9443, "capacity": 3,
	})
	if status != fiber.StatusCreated {
		t.Fatalf("add port status = %d, body = %v", status, payload)
	}
	data := asMap(t, payload["data"])
	if asNumber(t, data["sort_order"]) != 1 {
		t.Errorf("sort_order = %v, want 1 (appended after existing ports)", data["sort_order"])
	}

	status, _ = doRequest(t, app, "POST", "/api/profiles/1/ports", admin, fiber.Map{
		"port": 9443, "capacity": 1,
	})
	if status != fiber.StatusConflict {
		t.Errorf("duplicate port status = %d, want 409", status)
	}

	status, _ = doRequest(t, app, "POST", "/api/profiles/1/ports", admin, fiber.Map{
		"port": 10443, "capacity": 0,
	})
	if status != fiber.StatusBadRequest {
		t.Errorf("zero capacity status = %d, want 400", status)
	}
}

func TestProfileSetPortCapacity(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig(t)
	app := newTestApp(t, cfg, &stubProvisioner{})
	admin := authToken(t, cfg, models.UserRoleAdmin)
	panel := seedTestPanel(t, "eu-panel")
	profile := seedTestProfile(t, panel.ID, "eu", []allocator.PortSpec{{Port: 8443, Capacity: 2}})

	status, payload := doRequest(t, app, "PUT", "/api/profiles/1/ports/8443", admin, fiber.Map{
		"capacity": 10,
	})
	if status != fiber.StatusOK {
		t.Fatalf("set capacity status = %d, body = %v", status, payload)
	}

	var pp models.ProfilePort
	database.DB.Where("profile_id = ? AND port = ?", profile.ID, 8443).First(&pp)
	if pp.Capacity != 10 {
		t.Errorf("capacity = %d, want 10", pp.Capacity)
	}

	status, _ = doRequest(t, app, "PUT", "/api/profiles/1/ports/7000", admin, fiber.Map{"capacity": 5})
	if status != fiber.StatusNotFound {
		t.Errorf("unknown port status = %d, want 404", status)
	}

	status, _ = doRequest(t, app, "PUT", "/api/profiles/1/ports/8443", admin, fiber.Map{"capacity": 0})
	if status != fiber.StatusBadRequest {
		t.Errorf("zero capacity status = %d, want 400", status)
	}
}

func TestProfileToggle(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig(t)
	app := newTestApp(t, cfg, &stubProvisioner{})
	operator := authToken(t, cfg, models.UserRoleOperator)
	readonly := authToken(t, cfg, models.UserRoleReadonly)
	panel := seedTestPanel(t, "eu-panel")
	profile := seedTestProfile(t, panel.ID, "eu", []allocator.PortSpec{{Port: 8443, Capacity: 2}})

	// No body flips the current state
	status, payload := doRequest(t, app, "POST", "/api/profiles/1/toggle", operator, nil)
	if status != fiber.StatusOK {
		t.Fatalf("toggle status = %d, body = %v", status, payload)
	}
	if payload["enabled"] != false {
		t.Errorf("enabled = %v, want false after flip", payload["enabled"])
	}

	// An explicit value wins over flipping
	status, payload = doRequest(t, app, "POST", "/api/profiles/1/toggle", operator, fiber.Map{"enabled": false})
	if status != fiber.StatusOK {
		t.Fatalf("explicit toggle status = %d", status)
	}
	if payload["enabled"] != false {
		t.Errorf("enabled = %v, want false (explicit)", payload["enabled"])
	}

	var reloaded models.Profile
	database.DB.First(&reloaded, profile.ID)
	if reloaded.Enabled {
		t.Error("profile still enabled in the database")
	}

	status, _ = doRequest(t, app, "POST", "/api/profiles/1/toggle", readonly, nil)
	if status != fiber.StatusForbidden {
		t.Errorf("readonly toggle status = %d, want 403", status)
	}
}

func TestProfileDeleteRefusedWhileAllocationsExist(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig(t)
	app := newTestApp(t, cfg, &stubProvisioner{})
	admin := authToken(t, cfg, models.UserRoleAdmin)
	panel := seedTestPanel(t, "eu-panel")
	profile := seedTestProfile(t, panel.ID, "eu", []allocator.PortSpec{{Port: 8443, Capacity: 2}})
	seedTestAllocation(t, profile, 1, 8443, "")

	status, payload := doRequest(t, app, "DELETE", "/api/profiles/1", admin, nil)
	if status != fiber.StatusBadRequest {
		t.Fatalf("delete with allocations status = %d, body = %v", status, payload)
	}

	database.DB.Where("profile_id = ?", profile.ID).Delete(&models.Allocation{})

	status, _ = doRequest(t, app, "DELETE", "/api/profiles/1", admin, nil)
	if status != fiber.StatusOK {
		t.Fatalf("delete status = %d", status)
	}

	var portCount int64
	database.DB.Model(&models.ProfilePort{}).Where("profile_id = ?", profile.ID).Count(&portCount)
	if portCount != 0 {
		t.Errorf("ports left behind after delete: %d", portCount)
	}
}

func TestProfileCapacityReport(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig(t)
	app := newTestApp(t, cfg, &stubProvisioner{})
	token := authToken(t, cfg, models.UserRoleReadonly)
	panel := seedTestPanel(t, "eu-panel")
	profile := seedTestProfile(t, panel.ID, "eu", []allocator.PortSpec{
		{Port: 8443, Capacity: 2},
		{Port: 9443, Capacity: 3},
	})
	seedTestAllocation(t, profile, 1, 8443, "")
	seedTestAllocation(t, profile, 2, 8443, "")
	seedTestAllocation(t, profile, 3, 9443, "")

	status, payload := doRequest(t, app, "GET", "/api/profiles/1/capacity", token, nil)
	if status != fiber.StatusOK {
		t.Fatalf("capacity status = %d, body = %v", status, payload)
	}

	data := asMap(t, payload["data"])
	if asNumber(t, data["total_capacity"]) != 5 {
		t.Errorf("total_capacity = %v, want 5", data["total_capacity"])
	}
	if asNumber(t, data["total_used"]) != 3 {
		t.Errorf("total_used = %v, want 3", data["total_used"])
	}
	if asNumber(t, data["total_free"]) != 2 {
		t.Errorf("total_free = %v, want 2", data["total_free"])
	}

	ports := asSlice(t, data["ports"])
	if len(ports) != 2 {
		t.Fatalf("len(ports) = %d, want 2", len(ports))
	}
	first := asMap(t, ports[0])
	if asNumber(t, first["port"]) != 8443 || asNumber(t, first["free"]) != 0 {
		t.Errorf("first port line = %v, want port 8443 free 0", first)
	}
}

// Lowering a port's capacity below its usage must freeze it at free=0
// rather than report negative headroom
func TestProfileCapacityReportFrozenPort(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig(t)
	app := newTestApp(t, cfg, &stubProvisioner{})
	admin := authToken(t, cfg, models.UserRoleAdmin)
	panel := seedTestPanel(t, "eu-panel")
	profile := seedTestProfile(t, panel.ID, "eu", []allocator.PortSpec{{Port: 8443, Capacity: 5}})
	seedTestAllocation(t, profile, 1, 8443, "")
	seedTestAllocation(t, profile, 2, 8443, "")
	seedTestAllocation(t, profile, 3, 8443, "")

	status, _ := doRequest(t, app, "PUT", "/api/profiles/1/ports/8443", admin, fiber.Map{"capacity": 1})
	if status != fiber.StatusOK {
		t.Fatalf("lower capacity status = %d", status)
	}

	status, payload := doRequest(t, app, "GET", "/api/profiles/1/capacity", admin, nil)
	if status != fiber.StatusOK {
		t.Fatalf("capacity status = %d", status)
	}
	data := asMap(t, payload["data"])
	port := asMap(t, asSlice(t, data["ports"])[0])
	if asNumber(t, port["free"]) != 0 {
		t.Errorf("free = %v, want 0 on an overfilled port", port["free"])
	}
	if asNumber(t, data["total_used"]) != 3 {
		t.Errorf("total_used = %v, want 3 (existing allocations stay)", data["total_used"])
	}
}

func TestProfileMutationsRequireAdmin(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig(t)
	app := newTestApp(t, cfg, &stubProvisioner{})
	operator := authToken(t, cfg, models.UserRoleOperator)
	panel := seedTestPanel(t, "eu-panel")

	status, _ := doRequest(t, app, "POST", "/api/profiles", operator, fiber.Map{
		"name": "eu", "panel_id": panel.ID, "prefix": "eu",
	})
	if status != fiber.StatusForbidden {
		t.Errorf("operator create status = %d, want 403", status)
	}

	status, _ = doRequest(t, app, "GET", "/api/profiles", operator, nil)
	if status != fiber.StatusOK {
		t.Errorf("operator list status = %d, want 200", status)
	}
}
