package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/provpn/backend/internal/allocator"
	"github.com/provpn/backend/internal/database"
	"github.com/provpn/backend/internal/models"
	"gorm.io/gorm"
)

// allocatorStatus maps allocator failure kinds onto HTTP status codes
func allocatorStatus(err error) int {
	switch {
	case errors.Is(err, allocator.ErrUnknownProfile),
		errors.Is(err, allocator.ErrUnknownPort),
		errors.Is(err, allocator.ErrUnknownPanel):
		return fiber.StatusNotFound
	case errors.Is(err, allocator.ErrDuplicatePort),
		errors.Is(err, allocator.ErrProfileDisabled),
		errors.Is(err, allocator.ErrCapacityExhausted):
		return fiber.StatusConflict
	case errors.Is(err, allocator.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	}

	var remote *allocator.RemoteError
	if errors.As(err, &remote) {
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

// respondAllocatorError renders an allocator failure as a JSON error
func respondAllocatorError(c *fiber.Ctx, err error) error {
	return c.Status(allocatorStatus(err)).JSON(fiber.Map{
		"success": false,
		"message": err.Error(),
	})
}

type ProfileHandler struct{}

func NewProfileHandler() *ProfileHandler {
	return &ProfileHandler{}
}

func (h *ProfileHandler) registry() *allocator.Registry {
	return allocator.NewRegistry(database.DB)
}

// List returns all profiles with their ports in rotation order
func (h *ProfileHandler) List(c *fiber.Ctx) error {
	profiles, err := h.registry().List()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to fetch profiles",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    profiles,
	})
}

// Get returns a single profile
func (h *ProfileHandler) Get(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid profile ID",
		})
	}

	var profile models.Profile
	if err := database.DB.Preload("Ports", func(db *gorm.DB) *gorm.DB {
		return db.Order("sort_order, id")
	}).First(&profile, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Profile not found",
		})
	}

	var allocationCount int64
	database.DB.Model(&models.Allocation{}).Where("profile_id = ?", profile.ID).Count(&allocationCount)

	return c.JSON(fiber.Map{
		"success":     true,
		"data":        profile,
		"allocations": allocationCount,
	})
}

// Create registers a new profile with its candidate ports
func (h *ProfileHandler) Create(c *fiber.Ctx) error {
	var input allocator.RegisterProfileInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	profile, err := h.registry().Register(input)
	if err != nil {
		return respondAllocatorError(c, err)
	}

	database.InvalidateCapacityCache(profile.Name)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"message": "Profile created successfully",
		"data":    profile,
	})
}

// Delete removes a profile. Refused while allocations still exist.
func (h *ProfileHandler) Delete(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid profile ID",
		})
	}

	var profile models.Profile
	if err := database.DB.First(&profile, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Profile not found",
		})
	}

	if err := h.registry().Delete(profile.Name); err != nil {
		return respondAllocatorError(c, err)
	}

	database.InvalidateCapacityCache(profile.Name)

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Profile deleted successfully",
	})
}

// AddPortRequest represents add port request
type AddPortRequest struct {
	Port     int `json:"port"`
	Capacity int `json:"capacity"`
}

// AddPort appends a candidate port to the profile's rotation
func (h *ProfileHandler) AddPort(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid profile ID",
		})
	}

	var profile models.Profile
	if err := database.DB.First(&profile, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Profile not found",
		})
	}

	var req AddPortRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	port, err := h.registry().AddPort(profile.Name, req.Port, req.Capacity)
	if err != nil {
		return respondAllocatorError(c, err)
	}

	database.InvalidateCapacityCache(profile.Name)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"message": "Port added successfully",
		"data":    port,
	})
}

// SetPortCapacity adjusts one port's capacity. Lowering it below current
// usage freezes the port instead of evicting clients.
func (h *ProfileHandler) SetPortCapacity(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid profile ID",
		})
	}

	var profile models.Profile
	if err := database.DB.First(&profile, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Profile not found",
		})
	}

	port, err := strconv.Atoi(c.Params("port"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid port number",
		})
	}

	var req struct {
		Capacity int `json:"capacity"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	if err := h.registry().SetPortCapacity(profile.Name, port, req.Capacity); err != nil {
		return respondAllocatorError(c, err)
	}

	database.InvalidateCapacityCache(profile.Name)

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Port capacity updated successfully",
	})
}

// Toggle enables or disables allocations for the profile. With no body
// the current state is flipped.
func (h *ProfileHandler) Toggle(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid profile ID",
		})
	}

	var profile models.Profile
	if err := database.DB.First(&profile, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Profile not found",
		})
	}

	var req struct {
		Enabled *bool `json:"enabled"`
	}
	c.BodyParser(&req)

	enabled := !profile.Enabled
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	if err := h.registry().Toggle(profile.Name, enabled); err != nil {
		return respondAllocatorError(c, err)
	}

	message := "Profile disabled"
	if enabled {
		message = "Profile enabled"
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": message,
		"enabled": enabled,
	})
}

// Capacity returns the per-port usage report for a profile, cached
// briefly in redis since it backs dashboard polling
func (h *ProfileHandler) Capacity(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid profile ID",
		})
	}

	var profile models.Profile
	if err := database.DB.First(&profile, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Profile not found",
		})
	}

	if report := database.GetCachedCapacityReport(profile.Name); report != nil {
		return c.JSON(fiber.Map{
			"success": true,
			"data":    report,
			"cached":  true,
		})
	}

	report, err := database.ComputeCapacityReport(profile.ID, profile.Name)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to compute capacity report",
		})
	}
	database.SetCachedCapacityReport(report)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    report,
	})
}
