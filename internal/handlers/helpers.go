package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/tripflow/backend/pkg/utils"
)

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(value))
}

func getRequestID(c *fiber.Ctx) string {
	if value, ok := c.Locals("requestID").(string); ok {
		return value
	}
	return ""
}

func deviceFingerprint(c *fiber.Ctx) string {
	return utils.DeviceFingerprint(
		c.Get("User-Agent"),
		c.Get("Accept-Language"),
		c.Get("Accept-Encoding"),
	)
}
