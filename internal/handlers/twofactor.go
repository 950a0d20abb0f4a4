package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/tripflow/backend/internal/middleware"
	"github.com/tripflow/backend/internal/services"
	"github.com/tripflow/backend/pkg/logger"
	"github.com/tripflow/backend/pkg/utils"
	"gorm.io/gorm"
)

// TwoFactorHandler owns the TOTP enable/confirm/disable endpoints. The
// login-time verification lives on AuthHandler because it is part of the
// login state machine.
type TwoFactorHandler struct {
	DB        *gorm.DB
	TwoFactor *services.TwoFactorService
	Tokens    *services.TokenService
	Devices   *services.TrustedDeviceService
	Audit     *services.AuditService
}

func NewTwoFactorHandler(db *gorm.DB, twoFactor *services.TwoFactorService, tokens *services.TokenService, devices *services.TrustedDeviceService, audit *services.AuditService) *TwoFactorHandler {
	return &TwoFactorHandler{
		DB:        db,
		TwoFactor: twoFactor,
		Tokens:    tokens,
		Devices:   devices,
		Audit:     audit,
	}
}

func (h *TwoFactorHandler) Enable(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	if user.TwoFactorEnabled {
		return utils.Error(c, fiber.StatusConflict, "two-factor authentication is already enabled")
	}

	secret, qrCode, err := h.TwoFactor.GenerateSecret(c.Context(), user)
	if err != nil {
		logger.Error("twofactor_secret_generation_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return utils.Error(c, fiber.StatusInternalServerError, "failed to generate two-factor secret")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"secret":  secret,
		"qrCode":  qrCode,
		"message": "scan the QR code and confirm with a code to enable two-factor authentication",
	})
}

type confirmTwoFactorRequest struct {
	Token string `json:"token"`
}

func (h *TwoFactorHandler) Confirm(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req confirmTwoFactorRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Token == "" {
		return utils.Error(c, fiber.StatusBadRequest, "token is required")
	}

	if err := h.TwoFactor.ConfirmEnable(c.Context(), user.ID, req.Token); err != nil {
		switch {
		case errors.Is(err, services.ErrSessionExpired):
			return utils.Error(c, fiber.StatusBadRequest, "setup session expired, enable two-factor again")
		case errors.Is(err, services.ErrInvalidCode):
			return utils.Error(c, fiber.StatusUnauthorized, "invalid code")
		default:
			logger.Error("twofactor_confirm_failed", err, map[string]interface{}{
				"user_id": user.ID.String(),
			})
			return utils.Error(c, fiber.StatusInternalServerError, "failed to enable two-factor authentication")
		}
	}

	logger.Info("twofactor_enabled", map[string]interface{}{
		"user_id": user.ID.String(),
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.2fa_enabled",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"message": "two-factor authentication enabled",
	})
}

// Disable turns the second factor off and tears down everything that assumed
// it was on: all refresh sessions and all trusted devices.
func (h *TwoFactorHandler) Disable(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	if err := h.TwoFactor.Disable(c.Context(), user.ID); err != nil {
		logger.Error("twofactor_disable_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return utils.Error(c, fiber.StatusInternalServerError, "failed to disable two-factor authentication")
	}

	if _, err := h.Tokens.RevokeAllRefreshTokens(c.Context(), user.ID); err != nil {
		logger.Error("twofactor_disable_revoke_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
	}

	if _, err := h.Devices.RemoveAll(user.ID); err != nil {
		logger.Error("twofactor_disable_devices_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
	}

	logger.Info("twofactor_disabled", map[string]interface{}{
		"user_id": user.ID.String(),
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.2fa_disabled",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"message": "two-factor authentication disabled",
	})
}
