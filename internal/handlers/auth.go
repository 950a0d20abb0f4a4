package handlers

import (
	"errors"
	"net/mail"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/tripflow/backend/internal/config"
	"github.com/tripflow/backend/internal/middleware"
	"github.com/tripflow/backend/internal/models"
	"github.com/tripflow/backend/internal/services"
	"github.com/tripflow/backend/pkg/logger"
	"github.com/tripflow/backend/pkg/utils"
	"gorm.io/gorm"
)

const (
	accessTokenCookie  = "access_token"
	refreshTokenCookie = "refresh_token"
)

// AuthHandler drives the login/registration/logout state machine. It is the
// only place where tokens, the second factor and trusted devices meet.
type AuthHandler struct {
	DB        *gorm.DB
	Users     *services.UserService
	Tokens    *services.TokenService
	TwoFactor *services.TwoFactorService
	Devices   *services.TrustedDeviceService
	Audit     *services.AuditService
	cfg       *config.Config
}

func NewAuthHandler(db *gorm.DB, users *services.UserService, tokens *services.TokenService, twoFactor *services.TwoFactorService, devices *services.TrustedDeviceService, audit *services.AuditService, cfg *config.Config) *AuthHandler {
	return &AuthHandler{
		DB:        db,
		Users:     users,
		Tokens:    tokens,
		TwoFactor: twoFactor,
		Devices:   devices,
		Audit:     audit,
		cfg:       cfg,
	}
}

func (h *AuthHandler) setAuthCookies(c *fiber.Ctx, accessToken, refreshToken string) {
	sameSite := fiber.CookieSameSiteLaxMode
	if h.cfg.IsProduction() {
		sameSite = fiber.CookieSameSiteStrictMode
	}

	c.Cookie(&fiber.Cookie{
		Name:     accessTokenCookie,
		Value:    accessToken,
		Path:     "/",
		MaxAge:   int(utils.AccessTokenLifetime().Seconds()),
		HTTPOnly: true,
		Secure:   h.cfg.IsProduction(),
		SameSite: sameSite,
	})
	c.Cookie(&fiber.Cookie{
		Name:     refreshTokenCookie,
		Value:    refreshToken,
		Path:     "/",
		MaxAge:   int(h.Tokens.RefreshLifetime().Seconds()),
		HTTPOnly: true,
		Secure:   h.cfg.IsProduction(),
		SameSite: sameSite,
	})
}

func (h *AuthHandler) clearAuthCookies(c *fiber.Ctx) {
	for _, name := range []string{accessTokenCookie, refreshTokenCookie} {
		c.Cookie(&fiber.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HTTPOnly: true,
			Secure:   h.cfg.IsProduction(),
		})
	}
}

// issueTokens is the shared tail of every successful authentication: a signed
// access token plus a fresh refresh session, both delivered as cookies.
func (h *AuthHandler) issueTokens(c *fiber.Ctx, user *models.User) error {
	accessToken, err := utils.GenerateToken(user)
	if err != nil {
		return err
	}

	refreshToken, err := h.Tokens.IssueRefreshToken(c.Context(), user.ID, c.Get("User-Agent"), c.IP())
	if err != nil {
		return err
	}

	h.setAuthCookies(c, accessToken, refreshToken)
	return nil
}

type registerRequest struct {
	Email     string `json:"email"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Username = strings.ToLower(strings.TrimSpace(req.Username))
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)

	if _, err := mail.ParseAddress(req.Email); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid email")
	}
	if len(req.Username) < 3 {
		return utils.Error(c, fiber.StatusBadRequest, "username must be at least 3 characters")
	}
	if len(req.Password) < 8 {
		return utils.Error(c, fiber.StatusBadRequest, "password must be at least 8 characters")
	}
	if req.FirstName == "" || req.LastName == "" {
		return utils.Error(c, fiber.StatusBadRequest, "firstName and lastName are required")
	}

	// The service always assigns the lowest-privilege role, regardless of
	// what the client sent. Privilege escalation at signup must be impossible.
	user, err := h.Users.Register(services.RegisterInput{
		Email:     req.Email,
		Username:  req.Username,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		if errors.Is(err, services.ErrDuplicateUser) {
			return utils.Error(c, fiber.StatusConflict, "email or username already registered")
		}
		logger.Error("user_registration_failed", err, map[string]interface{}{
			"username": req.Username,
		})
		return utils.Error(c, fiber.StatusInternalServerError, "failed creating user")
	}

	logger.Info("user_registered", map[string]interface{}{
		"user_id":  user.ID.String(),
		"username": user.Username,
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.register",
		ResourceType: "user",
		ResourceID:   &user.ID,
		Details:      map[string]interface{}{"email": user.Email},
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	if err := h.issueTokens(c, user); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed issuing tokens")
	}

	return utils.Success(c, fiber.StatusCreated, fiber.Map{"user": user})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Username = strings.ToLower(strings.TrimSpace(req.Username))

	if req.Username == "" || req.Password == "" {
		return utils.Error(c, fiber.StatusBadRequest, "username and password are required")
	}

	user, err := h.Users.Authenticate(req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidCredentials):
			logger.Warn("login_failed_invalid_credentials", map[string]interface{}{
				"username": req.Username,
				"ip":       c.IP(),
			})
			return utils.Error(c, fiber.StatusUnauthorized, "invalid credentials")
		case errors.Is(err, services.ErrInactiveAccount):
			logger.Warn("login_failed_inactive", map[string]interface{}{
				"username": req.Username,
				"ip":       c.IP(),
			})
			return utils.Error(c, fiber.StatusUnauthorized, "account is not active")
		default:
			logger.Error("login_lookup_failed", err, map[string]interface{}{
				"username": req.Username,
			})
			return utils.Error(c, fiber.StatusInternalServerError, "login failed")
		}
	}

	if user.TwoFactorEnabled {
		fingerprint := deviceFingerprint(c)

		if h.Devices.IsTrusted(user.ID, fingerprint) {
			h.Devices.UpdateLastUsed(user.ID, fingerprint, c.IP())
			return h.completeLogin(c, user, "trusted_device")
		}

		tempToken := uuid.New().String()
		session := services.PendingLoginSession{
			UserID:      user.ID,
			Fingerprint: fingerprint,
			Device:      utils.DescribeUserAgent(c.Get("User-Agent")),
			IP:          c.IP(),
		}
		if err := h.TwoFactor.SaveLoginSession(c.Context(), tempToken, session); err != nil {
			logger.Error("login_session_save_failed", err, map[string]interface{}{
				"user_id": user.ID.String(),
			})
			return utils.Error(c, fiber.StatusServiceUnavailable, "login temporarily unavailable")
		}

		h.Audit.LogAsync(services.AuditEntry{
			UserID:       &user.ID,
			Action:       "user.login_2fa_pending",
			ResourceType: "user",
			ResourceID:   &user.ID,
			IPAddress:    c.IP(),
			RequestID:    getRequestID(c),
		})

		return utils.Success(c, fiber.StatusOK, fiber.Map{
			"requires2FA": true,
			"tempToken":   tempToken,
			"message":     "two-factor code required",
		})
	}

	return h.completeLogin(c, user, "password")
}

func (h *AuthHandler) completeLogin(c *fiber.Ctx, user *models.User, method string) error {
	if err := h.issueTokens(c, user); err != nil {
		logger.Error("token_issuance_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return utils.Error(c, fiber.StatusServiceUnavailable, "login temporarily unavailable")
	}

	logger.Info("user_login", map[string]interface{}{
		"user_id": user.ID.String(),
		"method":  method,
		"ip":      c.IP(),
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.login",
		ResourceType: "user",
		ResourceID:   &user.ID,
		Details:      map[string]interface{}{"method": method},
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"user": user})
}

type verifyTwoFactorRequest struct {
	TempToken   string `json:"tempToken"`
	Token       string `json:"token"`
	TrustDevice bool   `json:"trustDevice"`
}

// VerifyTwoFactor is step two of a 2FA login. The pending session is consumed
// before the code is checked, so a wrong code forces a full restart from
// login. That bounds brute-force attempts per password check.
func (h *AuthHandler) VerifyTwoFactor(c *fiber.Ctx) error {
	var req verifyTwoFactorRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.TempToken == "" || req.Token == "" {
		return utils.Error(c, fiber.StatusBadRequest, "tempToken and token are required")
	}

	session, err := h.TwoFactor.GetAndRemoveLoginSession(c.Context(), req.TempToken)
	if err != nil {
		if errors.Is(err, services.ErrSessionExpired) {
			return utils.Error(c, fiber.StatusUnauthorized, "session expired, please log in again")
		}
		logger.Error("login_session_fetch_failed", err, nil)
		return utils.Error(c, fiber.StatusServiceUnavailable, "login temporarily unavailable")
	}

	user, err := h.Users.GetActive(session.UserID)
	if err != nil {
		if errors.Is(err, services.ErrInactiveAccount) {
			return utils.Error(c, fiber.StatusUnauthorized, "account is not active")
		}
		return utils.Error(c, fiber.StatusUnauthorized, "invalid credentials")
	}

	if err := h.TwoFactor.VerifyCode(user.ID, req.Token); err != nil {
		logger.Warn("login_2fa_invalid_code", map[string]interface{}{
			"user_id": user.ID.String(),
			"ip":      c.IP(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid code")
	}

	if req.TrustDevice {
		// Trust failures degrade to "untrusted", they never block the login.
		if err := h.Devices.Trust(user.ID, session.Fingerprint, session.Device, c.IP()); err != nil {
			logger.Error("trusted_device_save_failed", err, map[string]interface{}{
				"user_id": user.ID.String(),
			})
		}
	}

	return h.completeLogin(c, user, "totp")
}

// Refresh rotates the refresh session: the presented token is revoked and a
// fresh pair is issued. A reused (already-rotated) token gets a 401.
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	token := c.Cookies(refreshTokenCookie)
	if token == "" {
		return utils.Error(c, fiber.StatusUnauthorized, "missing refresh token")
	}

	session, err := h.Tokens.ValidateRefreshToken(c.Context(), token)
	if err != nil {
		if errors.Is(err, services.ErrTokenInvalid) {
			h.clearAuthCookies(c)
			return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired refresh token")
		}
		logger.Error("refresh_validation_failed", err, nil)
		return utils.Error(c, fiber.StatusServiceUnavailable, "refresh temporarily unavailable")
	}

	user, err := h.Users.GetActive(session.UserID)
	if err != nil {
		h.clearAuthCookies(c)
		if errors.Is(err, services.ErrInactiveAccount) {
			return utils.Error(c, fiber.StatusUnauthorized, "account is not active")
		}
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired refresh token")
	}

	if err := h.Tokens.RevokeRefreshToken(c.Context(), user.ID, token); err != nil {
		logger.Error("refresh_revoke_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return utils.Error(c, fiber.StatusServiceUnavailable, "refresh temporarily unavailable")
	}

	if err := h.issueTokens(c, user); err != nil {
		return utils.Error(c, fiber.StatusServiceUnavailable, "refresh temporarily unavailable")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"user": user})
}

func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	token := c.Cookies(refreshTokenCookie)
	if token != "" {
		if session, err := h.Tokens.ValidateRefreshToken(c.Context(), token); err == nil {
			if err := h.Tokens.RevokeRefreshToken(c.Context(), session.UserID, token); err != nil {
				logger.Error("logout_revoke_failed", err, map[string]interface{}{
					"user_id": session.UserID.String(),
				})
			}

			h.Audit.LogAsync(services.AuditEntry{
				UserID:       &session.UserID,
				Action:       "user.logout",
				ResourceType: "user",
				ResourceID:   &session.UserID,
				IPAddress:    c.IP(),
				RequestID:    getRequestID(c),
			})
		}
	}

	// Client-held token material is always cleared, whatever happened above.
	h.clearAuthCookies(c)
	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "logged out"})
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}
	return utils.Success(c, fiber.StatusOK, user)
}

type updateMeRequest struct {
	FirstName *string `json:"firstName"`
	LastName  *string `json:"lastName"`
}

func (h *AuthHandler) UpdateMe(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req updateMeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	updates := map[string]interface{}{}
	if req.FirstName != nil {
		value := strings.TrimSpace(*req.FirstName)
		if value == "" {
			return utils.Error(c, fiber.StatusBadRequest, "firstName cannot be empty")
		}
		updates["first_name"] = value
	}
	if req.LastName != nil {
		value := strings.TrimSpace(*req.LastName)
		if value == "" {
			return utils.Error(c, fiber.StatusBadRequest, "lastName cannot be empty")
		}
		updates["last_name"] = value
	}

	if len(updates) == 0 {
		return utils.Error(c, fiber.StatusBadRequest, "no valid fields to update")
	}

	if err := h.DB.Model(&models.User{}).Where("id = ?", currentUser.ID).Updates(updates).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating user")
	}

	var updated models.User
	if err := h.DB.First(&updated, "id = ?", currentUser.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed fetching updated user")
	}

	return utils.Success(c, fiber.StatusOK, updated)
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// ChangePassword also revokes every refresh session, so a stolen refresh
// token dies with the old password, then re-issues a pair for this session.
func (h *AuthHandler) ChangePassword(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req changePasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	if len(req.NewPassword) < 8 {
		return utils.Error(c, fiber.StatusBadRequest, "newPassword must be at least 8 characters")
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", currentUser.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading user")
	}

	if !utils.CheckPassword(req.OldPassword, user.PasswordHash) {
		return utils.Error(c, fiber.StatusBadRequest, "oldPassword is incorrect")
	}

	hash, err := utils.HashPassword(req.NewPassword)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed hashing password")
	}

	if err := h.DB.Model(&models.User{}).Where("id = ?", user.ID).Update("password_hash", hash).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating password")
	}

	if _, err := h.Tokens.RevokeAllRefreshTokens(c.Context(), user.ID); err != nil {
		logger.Error("password_change_revoke_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.password_change",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	if err := h.issueTokens(c, &user); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed issuing tokens")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "password updated, other sessions revoked"})
}
