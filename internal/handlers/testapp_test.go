package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/provpn/backend/internal/allocator"
	"github.com/provpn/backend/internal/config"
	"github.com/provpn/backend/internal/database"
	"github.com/provpn/backend/internal/middleware"
	"github.com/provpn/backend/internal/models"
	"github.com/provpn/backend/internal/security"
	"github.com/provpn/backend/internal/xui"
)

// setupTestDB swaps the package-global database for a fresh sqlite file.
// Redis stays nil; every cache helper degrades to a miss.
func setupTestDB(t *testing.T) {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "handlers.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	err = db.AutoMigrate(
		&models.User{},
		&models.Panel{},
		&models.Profile{},
		&models.ProfilePort{},
		&models.Allocation{},
		&models.ApprovedUser{},
		&models.AuditLog{},
		&models.SystemPreference{},
		&models.BackupSchedule{},
		&models.BackupLog{},
	)
	if err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	database.DB = db
	database.Redis = nil
	security.SetKey("handlers-test-app-secret")

	// Login throttling state is process-global; a previous test's failed
	// logins must not block this one.
	attemptsMutex.Lock()
	loginAttempts = make(map[string]*LoginAttempt)
	attemptsMutex.Unlock()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		JWTSecret:           "handlers-test-jwt-secret",
		JWTExpireHours:      1,
		PanelTimeoutSeconds: 5,
		BackupDir:           t.TempDir(),
	}
}

// stubProvisioner satisfies allocator.Provisioner without touching any panel
type stubProvisioner struct {
	mu    sync.Mutex
	calls []allocator.ClientRequest
	fail  func(req allocator.ClientRequest) error
}

func (s *stubProvisioner) CreateClient(ctx context.Context, panel *models.Panel, req allocator.ClientRequest) (allocator.ClientResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	fail := s.fail
	s.mu.Unlock()

	if fail != nil {
		if err := fail(req); err != nil {
			return allocator.ClientResult{}, err
		}
	}
	return allocator.ClientResult{
		ClientID: "cid-" + req.Name,
		SubID:    "sub-" + req.Name,
	}, nil
}

// newTestApp builds a fiber app with the same route and middleware layout
// the server wires, backed by the stub provisioner.
func newTestApp(t *testing.T, cfg *config.Config, prov allocator.Provisioner) *fiber.App {
	t.Helper()

	engine := allocator.NewEngine(database.DB, prov, time.Duration(cfg.PanelTimeoutSeconds)*time.Second)
	xuiProvisioner := xui.NewProvisioner(xui.GetPool())

	authHandler := NewAuthHandler(cfg)
	twoFAHandler := NewTwoFAHandler()
	panelHandler := NewPanelHandler()
	profileHandler := NewProfileHandler()
	allocationHandler := NewAllocationHandler(engine, xuiProvisioner)
	approvedUserHandler := NewApprovedUserHandler()
	userHandler := NewUserHandler()
	auditHandler := NewAuditHandler()
	backupHandler := NewBackupHandler(cfg)
	settingsHandler := NewSettingsHandler()
	dashboardHandler := NewDashboardHandler()

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"message": err.Error(),
			})
		},
	})

	api := app.Group("/api")
	api.Post("/auth/login", authHandler.Login)

	protected := api.Group("", middleware.AuthRequired(cfg), middleware.AuditLogger())

	protected.Post("/auth/logout", authHandler.Logout)
	protected.Get("/auth/me", authHandler.Me)
	protected.Post("/auth/refresh", authHandler.RefreshToken)
	protected.Put("/auth/password", authHandler.ChangePassword)

	twofa := protected.Group("/auth/2fa")
	twofa.Get("/status", twoFAHandler.Status)
	twofa.Post("/setup", twoFAHandler.Setup)
	twofa.Post("/verify", twoFAHandler.Verify)
	twofa.Post("/disable", twoFAHandler.Disable)

	dashboard := protected.Group("/dashboard")
	dashboard.Get("/stats", dashboardHandler.Stats)
	dashboard.Get("/chart", dashboardHandler.ChartData)
	dashboard.Get("/allocations", dashboardHandler.RecentAllocations)
	dashboard.Get("/capacity", dashboardHandler.CapacityOverview)

	panels := protected.Group("/panels")
	panels.Get("/", panelHandler.List)
	panels.Get("/:id", panelHandler.Get)
	panels.Post("/", middleware.AdminOnly(), panelHandler.Create)
	panels.Put("/:id", middleware.AdminOnly(), panelHandler.Update)
	panels.Delete("/:id", middleware.AdminOnly(), panelHandler.Delete)

	profiles := protected.Group("/profiles")
	profiles.Get("/", profileHandler.List)
	profiles.Get("/:id", profileHandler.Get)
	profiles.Get("/:id/capacity", profileHandler.Capacity)
	profiles.Post("/", middleware.AdminOnly(), profileHandler.Create)
	profiles.Delete("/:id", middleware.AdminOnly(), profileHandler.Delete)
	profiles.Post("/:id/ports", middleware.AdminOnly(), profileHandler.AddPort)
	profiles.Put("/:id/ports/:port", middleware.AdminOnly(), profileHandler.SetPortCapacity)
	profiles.Post("/:id/toggle", middleware.OperatorOrAdmin(), profileHandler.Toggle)

	allocations := protected.Group("/allocations")
	allocations.Get("/", allocationHandler.List)
	allocations.Get("/:id", allocationHandler.Get)
	allocations.Get("/:id/links", allocationHandler.Links)
	allocations.Post("/", middleware.OperatorOrAdmin(), allocationHandler.Allocate)
	allocations.Delete("/:id", middleware.OperatorOrAdmin(), allocationHandler.Revoke)

	approved := protected.Group("/approved-users")
	approved.Get("/", approvedUserHandler.List)
	approved.Post("/", middleware.OperatorOrAdmin(), approvedUserHandler.Create)
	approved.Delete("/:id", middleware.OperatorOrAdmin(), approvedUserHandler.Delete)

	audit := protected.Group("/audit", middleware.AdminOnly())
	audit.Get("/", auditHandler.List)
	audit.Get("/actions", auditHandler.GetActions)
	audit.Get("/entity-types", auditHandler.GetEntityTypes)
	audit.Get("/:id", auditHandler.Get)

	users := protected.Group("/users", middleware.AdminOnly())
	users.Get("/", userHandler.List)
	users.Get("/:id", userHandler.Get)
	users.Post("/", userHandler.Create)
	users.Put("/:id", userHandler.Update)
	users.Delete("/:id", userHandler.Delete)

	backups := protected.Group("/backups", middleware.AdminOnly())
	backups.Get("/schedules", backupHandler.ListSchedules)
	backups.Post("/schedules", backupHandler.CreateSchedule)
	backups.Get("/schedules/:id", backupHandler.GetSchedule)
	backups.Put("/schedules/:id", backupHandler.UpdateSchedule)
	backups.Delete("/schedules/:id", backupHandler.DeleteSchedule)
	backups.Post("/schedules/:id/toggle", backupHandler.ToggleSchedule)
	backups.Get("/logs", backupHandler.ListBackupLogs)
	backups.Get("/", backupHandler.List)

	settings := protected.Group("/settings", middleware.AdminOnly())
	settings.Get("/", settingsHandler.List)
	settings.Put("/bulk", settingsHandler.BulkUpdate)
	settings.Get("/timezones", settingsHandler.GetTimezones)
	settings.Get("/:key", settingsHandler.Get)
	settings.Put("/:key", settingsHandler.Update)
	settings.Delete("/:key", settingsHandler.Delete)

	protected.Get("/server-time", settingsHandler.GetServerTime)

	return app
}

var testUserSeq int

// seedUser creates an active account and returns it with the plain password
func seedUser(t *testing.T, role models.UserRole) (*models.User, string) {
	t.Helper()

	testUserSeq++
	password := "test-password-123"
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}

	user := models.User{
		Username: fmt.Sprintf("tester%d", testUserSeq),
		Password: string(hashed),
		Email:    fmt.Sprintf("tester%d@test.local", testUserSeq),
		Role:     role,
		IsActive: true,
	}
	if err := database.DB.Create(&user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return &user, password
}

// authToken seeds an account with the given role and returns a valid token
func authToken(t *testing.T, cfg *config.Config, role models.UserRole) string {
	t.Helper()

	user, _ := seedUser(t, role)
	token, err := middleware.GenerateToken(user, cfg)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

// doRequest runs one request against the app and decodes the JSON response
func doRequest(t *testing.T, app *fiber.App, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("%s %s: read response: %v", method, path, err)
	}

	payload := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Fatalf("%s %s: decode response %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode, payload
}

// asMap narrows a decoded JSON value to an object
func asMap(t *testing.T, v interface{}) map[string]interface{} {
	t.Helper()
	m, ok := v.(map[string]interface{})
	if !ok {
		t.Fatalf("value %v (%T) is not a JSON object", v, v)
	}
	return m
}

// asSlice narrows a decoded JSON value to an array
func asSlice(t *testing.T, v interface{}) []interface{} {
	t.Helper()
	s, ok := v.([]interface{})
	if !ok {
		t.Fatalf("value %v (%T) is not a JSON array", v, v)
	}
	return s
}

// asNumber narrows a decoded JSON value to a number
func asNumber(t *testing.T, v interface{}) float64 {
	t.Helper()
	n, ok := v.(float64)
	if !ok {
		t.Fatalf("value %v (%T) is not a JSON number", v, v)
	}
	return n
}

// seedTestPanel creates a panel whose password decrypts correctly
func seedTestPanel(t *testing.T, name string) *models.Panel {
	t.Helper()

	encrypted, err := security.Encrypt("panel-password")
	if err != nil {
		t.Fatalf("encrypt panel password: %v", err)
	}
	panel := models.Panel{
		Name:     name,
		BaseURL:  "https://" + name + ".example:2053",
		Username: "admin",
		Password: encrypted,
		IsActive: true,
	}
	if err := database.DB.Create(&panel).Error; err != nil {
		t.Fatalf("seed panel: %v", err)
	}
	return &panel
}

// seedOfflinePanel creates a panel whose stored password cannot be
// decrypted, so the client pool refuses to build a session for it and
// no handler ever reaches the network
func seedOfflinePanel(t *testing.T, name string) *models.Panel {
	t.Helper()

	panel := models.Panel{
		Name:     name,
		BaseURL:  "https://" + name + ".example:2053",
		Username: "admin",
		Password: "not-a-ciphertext",
		IsActive: true,
	}
	if err := database.DB.Create(&panel).Error; err != nil {
		t.Fatalf("seed panel: %v", err)
	}
	return &panel
}

// seedTestProfile creates a profile with ports in the given order
func seedTestProfile(t *testing.T, panelID uint, name string, ports []allocator.PortSpec) *models.Profile {
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
	if err := database.DB.Create(&profile).Error; err != nil {
		t.Fatalf("seed profile %s: %v", name, err)
	}
	return &profile
}

// seedTestAllocation inserts one committed allocation row
func seedTestAllocation(t *testing.T, profile *models.Profile, seq int64, port int, clientID string) *models.Allocation {
	t.Helper()

	rec := models.Allocation{
		ProfileID:      profile.ID,
		ProfileName:    profile.Name,
		SequenceNumber: seq,
		Name:           fmt.Sprintf("%s%d", profile.Prefix, seq),
		Port:           port,
		PanelID:        profile.PanelID,
		ClientID:       clientID,
	}
	if err := database.DB.Create(&rec).Error; err != nil {
		t.Fatalf("seed allocation seq=%d: %v", seq, err)
	}
	return &rec
}
