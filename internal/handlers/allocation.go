package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/provpn/backend/internal/allocator"
	"github.com/provpn/backend/internal/database"
	"github.com/provpn/backend/internal/links"
	"github.com/provpn/backend/internal/models"
	"github.com/provpn/backend/internal/xui"
)

type AllocationHandler struct {
	engine      *allocator.Engine
	provisioner *xui.Provisioner
}

func NewAllocationHandler(engine *allocator.Engine, provisioner *xui.Provisioner) *AllocationHandler {
	return &AllocationHandler{engine: engine, provisioner: provisioner}
}

// AllocateRequest represents an allocation request
type AllocateRequest struct {
	Profile     string `json:"profile"`
	Count       int    `json:"count"`
	RequestedBy string `json:"requested_by"`
}

// allocationRecord is one committed unit in the allocate response,
// with its best-effort delivery URL attached
type allocationRecord struct {
	models.Allocation
	SubscriptionURL string `json:"subscription_url,omitempty"`
}

// Allocate issues clients under a profile and returns the committed
// records. A batch that fails mid-way still reports every committed
// unit; committed clients are never rolled back.
func (h *AllocationHandler) Allocate(c *fiber.Ctx) error {
	var req AllocateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	if req.Count == 0 {
		req.Count = 1
	}

	// A supplied requester identity must be on the allowlist
	if req.RequestedBy != "" {
		var approved int64
		database.DB.Model(&models.ApprovedUser{}).
			Where("identity = ?", req.RequestedBy).
			Count(&approved)
		if approved == 0 {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"success": false,
				"message": "Identity " + req.RequestedBy + " is not approved for allocations",
			})
		}
	}

	result, err := h.engine.Allocate(context.Background(), allocator.AllocationRequest{
		Profile:     req.Profile,
		Count:       req.Count,
		RequestedBy: req.RequestedBy,
	})
	if err != nil {
		return respondAllocatorError(c, err)
	}

	database.InvalidateCapacityCache(req.Profile)

	records := h.attachDeliveryURLs(result.Records)

	data := fiber.Map{
		"requested": result.Requested,
		"completed": len(result.Records),
		"failed":    result.Failed,
		"records":   records,
	}

	if result.Err != nil {
		data["error"] = result.Err.Error()

		if len(result.Records) == 0 {
			return c.Status(allocatorStatus(result.Err)).JSON(fiber.Map{
				"success": false,
				"message": "Allocation failed: " + result.Err.Error(),
				"data":    data,
			})
		}
		return c.JSON(fiber.Map{
			"success": true,
			"message": "Allocated " + strconv.Itoa(len(result.Records)) + " of " + strconv.Itoa(result.Requested) + " client(s)",
			"data":    data,
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"message": "Allocated " + strconv.Itoa(len(result.Records)) + " client(s)",
		"data":    data,
	})
}

// attachDeliveryURLs pairs each committed record with its subscription
// URL. Best effort: the clients exist either way, so a settings fetch
// failure only leaves the URLs empty.
func (h *AllocationHandler) attachDeliveryURLs(committed []models.Allocation) []allocationRecord {
	records := make([]allocationRecord, 0, len(committed))
	for _, rec := range committed {
		records = append(records, allocationRecord{Allocation: rec})
	}
	if len(committed) == 0 {
		return records
	}

	var panel models.Panel
	if err := database.DB.First(&panel, committed[0].PanelID).Error; err != nil {
		return records
	}

	client, err := xui.GetPool().Get(&panel)
	if err != nil {
		return records
	}

	subIDs := make([]string, 0, len(committed))
	for _, rec := range committed {
		if rec.SubID != "" {
			subIDs = append(subIDs, rec.SubID)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	urls, err := client.SubscriptionURLs(ctx, subIDs)
	if err != nil {
		return records
	}
	for i := range records {
		records[i].SubscriptionURL = urls[records[i].SubID]
	}
	return records
}

// List returns allocations with filters and pagination
func (h *AllocationHandler) List(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 25)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 25
	}
	offset := (page - 1) * limit

	query := database.DB.Model(&models.Allocation{})

	if profile := c.Query("profile"); profile != "" {
		query = query.Where("profile_name = ?", profile)
	}
	if port := c.QueryInt("port", 0); port > 0 {
		query = query.Where("port = ?", port)
	}
	if requestedBy := c.Query("requested_by"); requestedBy != "" {
		query = query.Where("requested_by = ?", requestedBy)
	}
	if search := c.Query("search"); search != "" {
		query = query.Where("name LIKE ?", "%"+search+"%")
	}
	if dateFrom := c.Query("date_from"); dateFrom != "" {
		if t, err := time.Parse("2006-01-02", dateFrom); err == nil {
			query = query.Where("created_at >= ?", t)
		}
	}
	if dateTo := c.Query("date_to"); dateTo != "" {
		if t, err := time.Parse("2006-01-02", dateTo); err == nil {
			query = query.Where("created_at < ?", t.AddDate(0, 0, 1))
		}
	}

	var total int64
	query.Count(&total)

	var allocations []models.Allocation
	if err := query.Order("id DESC").Offset(offset).Limit(limit).Find(&allocations).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to fetch allocations",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    allocations,
		"meta": fiber.Map{
			"page":       page,
			"limit":      limit,
			"total":      total,
			"totalPages": (total + int64(limit) - 1) / int64(limit),
		},
	})
}

// Get returns a single allocation
func (h *AllocationHandler) Get(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid allocation ID",
		})
	}

	var allocation models.Allocation
	if err := database.DB.Preload("Profile").First(&allocation, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Allocation not found",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    allocation,
	})
}

// Links resolves the delivery links for one allocation: the subscription
// content when the panel's subscription service is up, a direct link
// built from the inbound's stream settings otherwise.
func (h *AllocationHandler) Links(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid allocation ID",
		})
	}

	var allocation models.Allocation
	if err := database.DB.First(&allocation, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Allocation not found",
		})
	}

	var panel models.Panel
	if err := database.DB.First(&panel, allocation.PanelID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Panel for this allocation no longer exists",
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

	// Subscription first: it follows client config changes on the panel
	if allocation.SubID != "" {
		subURL, subErr := client.SubscriptionURL(ctx, allocation.SubID)
		if subErr == nil {
			body, fetchErr := client.FetchSubscription(ctx, allocation.SubID)
			if fetchErr == nil {
				extracted, exErr := links.Extract(body)
				if exErr == nil {
					return c.JSON(fiber.Map{
						"success": true,
						"data": fiber.Map{
							"source":           "subscription",
							"subscription_url": subURL,
							"links":            extracted,
						},
					})
				}
			}
		}
	}

	// Fallback: build the link straight from the inbound
	inbound, err := client.InboundByPort(ctx, allocation.Port)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"message": "Failed to resolve inbound on panel: " + err.Error(),
		})
	}

	direct, err := links.BuildDirect(links.DirectLinkInput{
		Inbound:  inbound,
		ClientID: allocation.ClientID,
		Name:     allocation.Name,
		BaseURL:  panel.BaseURL,
	})
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"message": "Failed to build direct link: " + err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"source": "direct",
			"links":  []string{direct},
		},
	})
}

// Revoke removes an allocation: the client is deleted from the panel,
// then the local record, which frees the port slot. With ?force=true
// the record is dropped even when the panel removal fails, for panels
// that are gone for good.
func (h *AllocationHandler) Revoke(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid allocation ID",
		})
	}

	var allocation models.Allocation
	if err := database.DB.First(&allocation, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Allocation not found",
		})
	}

	force := c.QueryBool("force", false)

	var panel models.Panel
	panelErr := database.DB.First(&panel, allocation.PanelID).Error

	if panelErr == nil && allocation.ClientID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := h.provisioner.RemoveClient(ctx, &panel, allocation.Port, allocation.ClientID); err != nil && !force {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"success": false,
				"message": "Failed to remove client from panel: " + err.Error() + " (use force=true to drop the record anyway)",
			})
		}
	} else if panelErr != nil && !force {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"message": "Panel for this allocation no longer exists (use force=true to drop the record anyway)",
		})
	}

	if err := database.DB.Delete(&allocation).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to delete allocation",
		})
	}

	database.InvalidateCapacityCache(allocation.ProfileName)

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Allocation " + allocation.Name + " revoked",
	})
}
