package middleware

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/provpn/backend/internal/database"
	"github.com/provpn/backend/internal/models"
)

// AuditLogger middleware logs API actions to audit log
func AuditLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Skip non-modifying requests
		method := c.Method()
		if method == "GET" || method == "HEAD" || method == "OPTIONS" {
			return c.Next()
		}

		// Skip certain paths
		path := c.Path()
		skipPaths := []string{"/api/auth/login", "/api/auth/refresh", "/health"}
		for _, skip := range skipPaths {
			if strings.HasPrefix(path, skip) {
				return c.Next()
			}
		}

		// Get user before executing (context is valid here)
		user := GetCurrentUser(c)
		ip := c.IP()
		userAgent := c.Get("User-Agent")

		// Capture request body for POST/PUT (to get entity name)
		var requestBody []byte
		if method == "POST" || method == "PUT" || method == "PATCH" {
			requestBody = c.Body()
		}

		// For DELETE, capture entity name BEFORE deletion
		var entityNameBeforeDelete string
		if method == "DELETE" {
			entityType := getEntityTypeFromPath(path)
			entityID := extractIDFromPath(path)
			if entityID != "" {
				entityNameBeforeDelete = getEntityName(entityType, entityID)
			}
		}

		// Execute the request
		err := c.Next()

		// Only log successful responses
		statusCode := c.Response().StatusCode()
		if statusCode >= 200 && statusCode < 400 && user != nil {
			logAuditEntry(user, method, path, ip, userAgent, requestBody, entityNameBeforeDelete)
		}

		return err
	}
}

// extractIDFromPath gets the numeric ID from URL path
func extractIDFromPath(path string) string {
	idRegex := regexp.MustCompile(`/(\d+)(?:/|$)`)
	matches := idRegex.FindStringSubmatch(path)
	if len(matches) > 1 {
		return matches[1]
	}
	return ""
}

func logAuditEntry(user *models.User, method, path, ip, userAgent string, requestBody []byte, preDeleteName string) {
	if user == nil {
		return
	}

	action := resolveAction(method, path)
	if action == "" {
		return
	}

	entityType := getEntityTypeFromPath(path)
	if entityType == "" {
		return
	}

	entityID := extractIDFromPath(path)
	description := generateDescription(action, entityType, path, requestBody, preDeleteName)

	auditLog := models.AuditLog{
		UserID:     user.ID,
		Username:   user.Username,
		Role:       user.Role,
		Action:     action,
		EntityType: entityType,
		EntityName: entityNameForLog(action, entityType, entityID, requestBody, preDeleteName),
		Details:    description,
		IPAddress:  ip,
		UserAgent:  userAgent,
	}
	if id, err := strconv.ParseUint(entityID, 10, 32); err == nil {
		auditLog.EntityID = uint(id)
	}
	database.DB.Create(&auditLog)
}

// resolveAction maps method and path to a domain action
func resolveAction(method, path string) models.AuditAction {
	switch {
	case strings.Contains(path, "/test"):
		return models.AuditActionTest
	case strings.Contains(path, "/toggle"):
		return models.AuditActionToggle
	case strings.Contains(path, "/restore"):
		return models.AuditActionRestore
	case strings.Contains(path, "/backups") && method == "POST":
		return models.AuditActionBackup
	case strings.Contains(path, "/allocations") && method == "POST":
		return models.AuditActionAllocate
	case strings.Contains(path, "/allocations") && method == "DELETE":
		return models.AuditActionRevoke
	}

	switch method {
	case "POST":
		return models.AuditActionCreate
	case "PUT", "PATCH":
		return models.AuditActionUpdate
	case "DELETE":
		return models.AuditActionDelete
	}
	return ""
}

// generateDescription creates a human-readable description for audit logs
func generateDescription(action models.AuditAction, entityType, path string, requestBody []byte, preDeleteName string) string {
	entityName := entityNameForLog(action, entityType, extractIDFromPath(path), requestBody, preDeleteName)

	switch action {
	case models.AuditActionAllocate:
		profile, count := allocationSummary(requestBody)
		if profile != "" {
			return "Allocated " + strconv.Itoa(count) + " client(s) from profile \"" + profile + "\""
		}
		return "Allocated clients"
	case models.AuditActionRevoke:
		if entityName != "" {
			return "Revoked allocation " + entityName
		}
		return "Revoked allocation"
	case models.AuditActionToggle:
		return "Toggled status for " + entityType + formatEntityName(entityName)
	case models.AuditActionTest:
		return "Tested connection to " + entityType + formatEntityName(entityName)
	case models.AuditActionBackup:
		return "Started database backup"
	case models.AuditActionRestore:
		return "Restored database backup" + formatEntityName(entityName)
	}

	actionVerbs := map[models.AuditAction]string{
		models.AuditActionCreate: "Created",
		models.AuditActionUpdate: "Updated",
		models.AuditActionDelete: "Deleted",
	}
	verb := actionVerbs[action]
	if verb == "" {
		verb = string(action)
	}

	if entityName != "" {
		return verb + " " + entityType + " \"" + entityName + "\""
	}
	return verb + " " + entityType
}

func entityNameForLog(action models.AuditAction, entityType, entityID string, requestBody []byte, preDeleteName string) string {
	if (action == models.AuditActionDelete || action == models.AuditActionRevoke) && preDeleteName != "" {
		return preDeleteName
	}
	if action == models.AuditActionCreate && len(requestBody) > 0 {
		if name := getNameFromRequestBody(requestBody); name != "" {
			return name
		}
	}
	if entityID != "" {
		return getEntityName(entityType, entityID)
	}
	return ""
}

// allocationSummary pulls the profile and count out of an allocate request
func allocationSummary(body []byte) (string, int) {
	var req struct {
		Profile string `json:"profile"`
		Count   int    `json:"count"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return "", 0
	}
	if req.Count < 1 {
		req.Count = 1
	}
	return req.Profile, req.Count
}

// getNameFromRequestBody extracts name/username from JSON request body
func getNameFromRequestBody(body []byte) string {
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return ""
	}

	// Try common name fields in order of preference
	nameFields := []string{"name", "username", "profile", "identity", "title"}
	for _, field := range nameFields {
		if val, ok := data[field]; ok {
			if strVal, ok := val.(string); ok && strVal != "" {
				return strVal
			}
		}
	}
	return ""
}

// getEntityName looks up the entity name from database
func getEntityName(entityType, entityID string) string {
	if entityID == "" {
		return ""
	}

	switch entityType {
	case "panel":
		var panel models.Panel
		if database.DB.Select("name").First(&panel, entityID).Error == nil {
			return panel.Name
		}
	case "profile":
		var profile models.Profile
		if database.DB.Select("name").First(&profile, entityID).Error == nil {
			return profile.Name
		}
	case "allocation":
		var allocation models.Allocation
		if database.DB.Select("name").First(&allocation, entityID).Error == nil {
			return allocation.Name
		}
	case "user":
		var user models.User
		if database.DB.Select("username").First(&user, entityID).Error == nil {
			return user.Username
		}
	case "approved_user":
		var approved models.ApprovedUser
		if database.DB.Select("identity").First(&approved, entityID).Error == nil {
			return approved.Identity
		}
	case "backup":
		return "backup #" + entityID
	}
	return "#" + entityID
}

// formatEntityName adds quotes around non-empty names
func formatEntityName(name string) string {
	if name == "" || strings.HasPrefix(name, "#") {
		return ""
	}
	return " \"" + name + "\""
}

func getEntityTypeFromPath(path string) string {
	// Port routes hang off profiles: /api/profiles/:id/ports
	if strings.Contains(path, "/ports") {
		return "port"
	}

	parts := strings.Split(strings.TrimPrefix(path, "/api/"), "/")
	if len(parts) == 0 {
		return ""
	}

	// Map paths to entity types
	entityMap := map[string]string{
		"panels":         "panel",
		"profiles":       "profile",
		"allocations":    "allocation",
		"users":          "user",
		"approved-users": "approved_user",
		"backups":        "backup",
		"settings":       "settings",
	}

	if entity, ok := entityMap[parts[0]]; ok {
		return entity
	}
	return ""
}
