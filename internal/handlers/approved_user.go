package handlers

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/provpn/backend/internal/database"
	"github.com/provpn/backend/internal/models"
)

type ApprovedUserHandler struct{}

func NewApprovedUserHandler() *ApprovedUserHandler {
	return &ApprovedUserHandler{}
}

// List returns the allocation allowlist
func (h *ApprovedUserHandler) List(c *fiber.Ctx) error {
	query := database.DB.Model(&models.ApprovedUser{}).Order("identity ASC")

	if search := c.Query("search"); search != "" {
		query = query.Where("identity LIKE ?", "%"+search+"%")
	}

	var users []models.ApprovedUser
	if err := query.Find(&users).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to fetch approved users",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    users,
	})
}

// Create adds an identity to the allowlist
func (h *ApprovedUserHandler) Create(c *fiber.Ctx) error {
	var req struct {
		Identity string `json:"identity"`
		Note     string `json:"note"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	req.Identity = strings.TrimSpace(req.Identity)
	if req.Identity == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Identity is required",
		})
	}

	var existingCount int64
	database.DB.Model(&models.ApprovedUser{}).Where("identity = ?", req.Identity).Count(&existingCount)
	if existingCount > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Identity is already approved",
		})
	}

	user := models.ApprovedUser{
		Identity: req.Identity,
		Note:     req.Note,
	}
	if err := database.DB.Create(&user).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to add approved user",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"message": "Identity approved successfully",
		"data":    user,
	})
}

// Delete removes an identity from the allowlist. Existing allocations
// stay; the identity just cannot request new ones.
func (h *ApprovedUserHandler) Delete(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid approved user ID",
		})
	}

	var user models.ApprovedUser
	if err := database.DB.First(&user, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Approved user not found",
		})
	}

	if err := database.DB.Delete(&user).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to remove approved user",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Identity removed from allowlist",
	})
}
