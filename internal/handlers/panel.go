package handlers

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/provpn/backend/internal/database"
	"github.com/provpn/backend/internal/models"
	"github.com/provpn/backend/internal/security"
	"github.com/provpn/backend/internal/xui"
)

type PanelHandler struct{}

func NewPanelHandler() *PanelHandler {
	return &PanelHandler{}
}

// List returns all panels
func (h *PanelHandler) List(c *fiber.Ctx) error {
	var panels []models.Panel

	if err := database.CacheGet(database.CacheKeyPanelList, &panels); err == nil {
		return c.JSON(fiber.Map{
			"success": true,
			"data":    panels,
			"cached":  true,
		})
	}

	if err := database.DB.Order("name ASC").Find(&panels).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to fetch panels",
		})
	}

	// Set computed fields for security indicators
	for i := range panels {
		panels[i].HasPassword = panels[i].Password != ""
	}

	database.CacheSet(database.CacheKeyPanelList, panels, database.CacheTTLPanels)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    panels,
	})
}

// Get returns a single panel
func (h *PanelHandler) Get(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid panel ID",
		})
	}

	var panel models.Panel
	if err := database.DB.First(&panel, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Panel not found",
		})
	}

	// Count profiles allocating on this panel
	var profileCount int64
	database.DB.Model(&models.Profile{}).Where("panel_id = ?", id).Count(&profileCount)

	panel.HasPassword = panel.Password != ""

	return c.JSON(fiber.Map{
		"success":  true,
		"data":     panel,
		"profiles": profileCount,
	})
}

// CreatePanelRequest represents create panel request
type CreatePanelRequest struct {
	Name      string `json:"name"`
	BaseURL   string `json:"base_url"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	VerifyTLS bool   `json:"verify_tls"`
}

// Create creates a new panel
func (h *PanelHandler) Create(c *fiber.Ctx) error {
	var req CreatePanelRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	if req.Name == "" || req.BaseURL == "" || req.Username == "" || req.Password == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Name, base URL, username, and password are required",
		})
	}

	parsed, err := url.Parse(req.BaseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Base URL must be a valid http(s) URL",
		})
	}

	// Check if name exists
	var existingCount int64
	database.DB.Model(&models.Panel{}).Where("name = ?", req.Name).Count(&existingCount)
	if existingCount > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Panel with this name already exists",
		})
	}

	encrypted, err := security.Encrypt(req.Password)
	if err != nil {
		if errors.Is(err, security.ErrNoKey) {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"message": "Encryption key not configured",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to encrypt panel password",
		})
	}

	panel := models.Panel{
		Name:      req.Name,
		BaseURL:   req.BaseURL,
		Username:  req.Username,
		Password:  encrypted,
		VerifyTLS: req.VerifyTLS,
		IsActive:  true,
	}

	if err := database.DB.Create(&panel).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to create panel",
		})
	}

	database.InvalidatePanelCache()
	panel.HasPassword = true

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"message": "Panel created successfully",
		"data":    panel,
	})
}

// Update updates a panel
func (h *PanelHandler) Update(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid panel ID",
		})
	}

	var panel models.Panel
	if err := database.DB.First(&panel, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Panel not found",
		})
	}

	var req map[string]interface{}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	// Map JSON field names to database column names (GORM snake_case)
	fieldMapping := map[string]string{
		"name":       "name",
		"base_url":   "base_url",
		"username":   "username",
		"verify_tls": "verify_tls",
		"is_active":  "is_active",
	}

	updates := make(map[string]interface{})
	for jsonField, dbColumn := range fieldMapping {
		if val, ok := req[jsonField]; ok {
			updates[dbColumn] = val
		}
	}

	if urlVal, ok := updates["base_url"]; ok {
		urlStr, _ := urlVal.(string)
		parsed, err := url.Parse(urlStr)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"message": "Base URL must be a valid http(s) URL",
			})
		}
	}

	// Password is write-only: re-encrypt when a new one is supplied,
	// leave the stored one alone otherwise
	if val, ok := req["password"]; ok {
		if password, ok := val.(string); ok && password != "" {
			encrypted, err := security.Encrypt(password)
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"success": false,
					"message": "Failed to encrypt panel password",
				})
			}
			updates["password"] = encrypted
		}
	}

	if err := database.DB.Model(&panel).Updates(updates).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to update panel: " + err.Error(),
		})
	}

	// Cached sessions were built from the old row
	xui.GetPool().Invalidate(panel.ID)
	database.InvalidatePanelCache()

	database.DB.First(&panel, id)
	panel.HasPassword = panel.Password != ""

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Panel updated successfully",
		"data":    panel,
	})
}

// Delete deletes a panel
func (h *PanelHandler) Delete(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid panel ID",
		})
	}

	var panel models.Panel
	if err := database.DB.First(&panel, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Panel not found",
		})
	}

	// Check if panel has profiles
	var profileCount int64
	database.DB.Model(&models.Profile{}).Where("panel_id = ?", id).Count(&profileCount)
	if profileCount > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Cannot delete panel with registered profiles",
		})
	}

	if err := database.DB.Delete(&panel).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to delete panel",
		})
	}

	xui.GetPool().Invalidate(panel.ID)
	database.InvalidatePanelCache()

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Panel deleted successfully",
	})
}

// TestConnection tests panel reachability and API authentication
func (h *PanelHandler) TestConnection(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid panel ID",
		})
	}

	var panel models.Panel
	if err := database.DB.First(&panel, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Panel not found",
		})
	}

	client, err := xui.GetPool().Get(&panel)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to build panel client: " + err.Error(),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result := client.TestConnection(ctx)

	// Update health fields from the real authentication result
	now := time.Now()
	updates := map[string]interface{}{
		"is_online":    result.APIAuth,
		"last_seen_at": &now,
		"last_error":   result.ErrorMsg,
	}
	database.DB.Model(&panel).Updates(updates)
	database.InvalidatePanelCache()

	response := fiber.Map{
		"success":    result.Success,
		"is_online":  result.IsOnline,
		"api_auth":   result.APIAuth,
		"panel_info": result.PanelInfo,
	}

	if result.Success {
		response["message"] = "Connection test completed"
	} else if result.IsOnline {
		response["message"] = "Panel reachable but authentication failed"
	} else {
		response["message"] = "Panel unreachable"
	}
	if result.ErrorMsg != "" {
		response["error"] = result.ErrorMsg
	}

	return c.JSON(response)
}
