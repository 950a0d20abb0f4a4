package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/tripflow/backend/internal/middleware"
	"github.com/tripflow/backend/internal/services"
	"github.com/tripflow/backend/pkg/utils"
)

// DevicesHandler exposes the user-facing trusted-devices list.
type DevicesHandler struct {
	Devices *services.TrustedDeviceService
	Audit   *services.AuditService
}

func NewDevicesHandler(devices *services.TrustedDeviceService, audit *services.AuditService) *DevicesHandler {
	return &DevicesHandler{Devices: devices, Audit: audit}
}

func (h *DevicesHandler) List(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	devices, err := h.Devices.GetAll(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing devices")
	}

	return utils.Success(c, fiber.StatusOK, devices)
}

func (h *DevicesHandler) Remove(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	deviceID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid device id")
	}

	if err := h.Devices.Remove(user.ID, deviceID); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return utils.Error(c, fiber.StatusNotFound, "device not found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed removing device")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.device_removed",
		ResourceType: "trusted_device",
		ResourceID:   &deviceID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "device removed"})
}

func (h *DevicesHandler) RemoveAll(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	removed, err := h.Devices.RemoveAll(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed removing devices")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.devices_cleared",
		ResourceType: "trusted_device",
		Details:      map[string]interface{}{"removed": removed},
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"removed": removed})
}
