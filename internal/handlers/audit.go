package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/tripflow/backend/internal/models"
	"github.com/tripflow/backend/pkg/utils"
	"gorm.io/gorm"
)

const maxAuditPageSize = 200

// AuditHandler exposes the audit trail to administrators.
type AuditHandler struct {
	DB *gorm.DB
}

func NewAuditHandler(db *gorm.DB) *AuditHandler {
	return &AuditHandler{DB: db}
}

// List returns audit entries newest first, optionally filtered by action
// and/or user, with limit/offset paging.
func (h *AuditHandler) List(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 1 {
		limit = 1
	}
	if limit > maxAuditPageSize {
		limit = maxAuditPageSize
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	query := h.DB.Model(&models.AuditLog{})

	if action := strings.TrimSpace(c.Query("action")); action != "" {
		query = query.Where("action = ?", action)
	}
	if rawUserID := strings.TrimSpace(c.Query("userId")); rawUserID != "" {
		userID, err := parseUUID(rawUserID)
		if err != nil {
			return utils.Error(c, fiber.StatusBadRequest, "invalid userId")
		}
		query = query.Where("user_id = ?", userID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed counting audit entries")
	}

	var entries []models.AuditLog
	err := query.Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading audit entries")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"entries": entries,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}
