package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/provpn/backend/internal/allocator"
	"github.com/provpn/backend/internal/config"
	"github.com/provpn/backend/internal/database"
	"github.com/provpn/backend/internal/handlers"
	"github.com/provpn/backend/internal/middleware"
	"github.com/provpn/backend/internal/models"
	"github.com/provpn/backend/internal/security"
	"github.com/provpn/backend/internal/services"
	"github.com/provpn/backend/internal/xui"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Panel credentials and FTP passwords are encrypted with the app secret
	security.SetKey(cfg.AppSecret)

	// Connect to database
	if err := database.Connect(cfg); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := models.AutoMigrate(database.DB); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// JWT secret persists in the database so sessions survive restarts
	cfg.JWTSecret = database.EnsureJWTSecret(cfg)

	// Seed admin user if not exists
	seedAdminUser()

	// Pre-compute capacity reports for enabled profiles
	database.WarmupCapacityCache()

	// Start background services
	panelHealthService := services.NewPanelHealthService(cfg)
	go panelHealthService.Start()

	usageAuditService := services.NewUsageAuditService(cfg)
	go usageAuditService.Start()

	backupSchedulerService := services.NewBackupSchedulerService(cfg)
	go backupSchedulerService.Start()

	// Allocation engine shares the panel client pool with the handlers
	provisioner := xui.NewProvisioner(xui.GetPool())
	engine := allocator.NewEngine(database.DB, provisioner, time.Duration(cfg.PanelTimeoutSeconds)*time.Second)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "ProVPN API v1.0",
		ServerHeader: "ProVPN",
		BodyLimit:    50 * 1024 * 1024, // 50MB for backup uploads
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

	// Global middleware
	app.Use(recover.New())
	app.Use(compress.New())
	app.Use(middleware.Logger())
	app.Use(middleware.CORS())

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "provpn-api",
		})
	})

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(cfg)
	twoFAHandler := handlers.NewTwoFAHandler()
	panelHandler := handlers.NewPanelHandler()
	profileHandler := handlers.NewProfileHandler()
	allocationHandler := handlers.NewAllocationHandler(engine, provisioner)
	approvedUserHandler := handlers.NewApprovedUserHandler()
	userHandler := handlers.NewUserHandler()
	auditHandler := handlers.NewAuditHandler()
	backupHandler := handlers.NewBackupHandler(cfg)
	settingsHandler := handlers.NewSettingsHandler()
	dashboardHandler := handlers.NewDashboardHandler()

	// API routes
	api := app.Group("/api")
	api.Use(middleware.RateLimiter(100, 1*time.Minute))

	// Public routes
	api.Post("/auth/login", authHandler.Login)

	// Protected routes
	protected := api.Group("", middleware.AuthRequired(cfg), middleware.AuditLogger())

	// Auth
	protected.Post("/auth/logout", authHandler.Logout)
	protected.Get("/auth/me", authHandler.Me)
	protected.Post("/auth/refresh", authHandler.RefreshToken)
	protected.Put("/auth/password", authHandler.ChangePassword)
	protected.Post("/auth/change-password", authHandler.ChangePassword)

	// Two-factor authentication
	twofa := protected.Group("/auth/2fa")
	twofa.Get("/status", twoFAHandler.Status)
	twofa.Post("/setup", twoFAHandler.Setup)
	twofa.Post("/verify", twoFAHandler.Verify)
	twofa.Post("/disable", twoFAHandler.Disable)

	// Dashboard
	dashboard := protected.Group("/dashboard")
	dashboard.Get("/stats", dashboardHandler.Stats)
	dashboard.Get("/chart", dashboardHandler.ChartData)
	dashboard.Get("/allocations", dashboardHandler.RecentAllocations)
	dashboard.Get("/capacity", dashboardHandler.CapacityOverview)
	dashboard.Get("/metrics", dashboardHandler.SystemMetrics)

	// Panels (credentials live here, so mutations are admin only)
	panels := protected.Group("/panels")
	panels.Get("/", panelHandler.List)
	panels.Get("/:id", panelHandler.Get)
	panels.Post("/", middleware.AdminOnly(), panelHandler.Create)
	panels.Put("/:id", middleware.AdminOnly(), panelHandler.Update)
	panels.Delete("/:id", middleware.AdminOnly(), panelHandler.Delete)
	panels.Post("/:id/test", middleware.AdminOnly(), panelHandler.TestConnection)

	// Profiles
	profiles := protected.Group("/profiles")
	profiles.Get("/", profileHandler.List)
	profiles.Get("/:id", profileHandler.Get)
	profiles.Get("/:id/capacity", profileHandler.Capacity)
	profiles.Post("/", middleware.AdminOnly(), profileHandler.Create)
	profiles.Delete("/:id", middleware.AdminOnly(), profileHandler.Delete)
	profiles.Post("/:id/ports", middleware.AdminOnly(), profileHandler.AddPort)
	profiles.Put("/:id/ports/:port", middleware.AdminOnly(), profileHandler.SetPortCapacity)
	profiles.Post("/:id/toggle", middleware.OperatorOrAdmin(), profileHandler.Toggle)

	// Allocations
	allocations := protected.Group("/allocations")
	allocations.Get("/", allocationHandler.List)
	allocations.Get("/:id", allocationHandler.Get)
	allocations.Get("/:id/links", allocationHandler.Links)
	allocations.Post("/", middleware.OperatorOrAdmin(), allocationHandler.Allocate)
	allocations.Delete("/:id", middleware.OperatorOrAdmin(), allocationHandler.Revoke)

	// Approved users
	approved := protected.Group("/approved-users")
	approved.Get("/", approvedUserHandler.List)
	approved.Post("/", middleware.OperatorOrAdmin(), approvedUserHandler.Create)
	approved.Delete("/:id", middleware.OperatorOrAdmin(), approvedUserHandler.Delete)

	// Audit logs (admin only)
	audit := protected.Group("/audit", middleware.AdminOnly())
	audit.Get("/", auditHandler.List)
	audit.Get("/actions", auditHandler.GetActions)
	audit.Get("/entity-types", auditHandler.GetEntityTypes)
	audit.Get("/:id", auditHandler.Get)

	// User management (admin only)
	users := protected.Group("/users", middleware.AdminOnly())
	users.Get("/", userHandler.List)
	users.Get("/:id", userHandler.Get)
	users.Post("/", userHandler.Create)
	users.Put("/:id", userHandler.Update)
	users.Delete("/:id", userHandler.Delete)

	// Backups (admin only), schedule routes before the :filename routes
	backups := protected.Group("/backups", middleware.AdminOnly())
	backups.Get("/schedules", backupHandler.ListSchedules)
	backups.Post("/schedules", backupHandler.CreateSchedule)
	backups.Get("/schedules/:id", backupHandler.GetSchedule)
	backups.Put("/schedules/:id", backupHandler.UpdateSchedule)
	backups.Delete("/schedules/:id", backupHandler.DeleteSchedule)
	backups.Post("/schedules/:id/toggle", backupHandler.ToggleSchedule)
	backups.Post("/schedules/:id/run", backupHandler.RunScheduleNow)
	backups.Post("/test-ftp", backupHandler.TestFTP)
	backups.Get("/logs", backupHandler.ListBackupLogs)
	backups.Get("/", backupHandler.List)
	backups.Post("/", backupHandler.Create)
	backups.Post("/upload", backupHandler.Upload)
	backups.Get("/:filename/download", backupHandler.Download)
	backups.Post("/:filename/restore", backupHandler.Restore)
	backups.Delete("/:filename", backupHandler.Delete)

	// Settings (admin only)
	settings := protected.Group("/settings", middleware.AdminOnly())
	settings.Get("/", settingsHandler.List)
	settings.Put("/bulk", settingsHandler.BulkUpdate)
	settings.Get("/timezones", settingsHandler.GetTimezones)
	settings.Get("/:key", settingsHandler.Get)
	settings.Put("/:key", settingsHandler.Update)
	settings.Delete("/:key", settingsHandler.Delete)

	// Server time is needed by every role for schedule displays
	protected.Get("/server-time", settingsHandler.GetServerTime)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("Shutting down server...")
		panelHealthService.Stop()
		usageAuditService.Stop()
		backupSchedulerService.Stop()
		xui.GetPool().Stop()
		if err := app.Shutdown(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	}()

	// Start server
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	log.Printf("Starting ProVPN API server on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// seedAdminUser creates the default admin account on first run
func seedAdminUser() {
	var count int64
	database.DB.Model(&models.User{}).Where("role = ?", models.UserRoleAdmin).Count(&count)
	if count > 0 {
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)
	if err != nil {
		log.Printf("Failed to hash admin password: %v", err)
		return
	}

	admin := models.User{
		Username:            "admin",
		Email:               "admin@provpn.local",
		Password:            string(hashedPassword),
		FullName:            "System Administrator",
		Role:                models.UserRoleAdmin,
		IsActive:            true,
		ForcePasswordChange: true,
	}

	if err := database.DB.Create(&admin).Error; err != nil {
		log.Printf("Failed to seed admin user: %v", err)
		return
	}

	log.Println("Seeded default admin user (username: admin, password: admin123)")
}
