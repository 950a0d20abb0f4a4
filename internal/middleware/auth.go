package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/tripflow/backend/internal/models"
	"github.com/tripflow/backend/pkg/logger"
	"github.com/tripflow/backend/pkg/utils"
	"gorm.io/gorm"
)

const currentUserKey = "currentUser"

// userIDKey mirrors the key pkg/logger reads for request attribution.
const userIDKey = "userID"

// AccessTokenCookie is the cookie carrying the signed access token for
// browser clients that do not send an Authorization header.
const AccessTokenCookie = "access_token"

type AuthMiddleware struct {
	DB *gorm.DB
}

func NewAuthMiddleware(db *gorm.DB) *AuthMiddleware {
	return &AuthMiddleware{DB: db}
}

func CORS() fiber.Handler {
	return cors.New(cors.Config{
		AllowOrigins:     "http://localhost:3001,http://127.0.0.1:3001",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowMethods:     "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowCredentials: true,
	})
}

func extractToken(c *fiber.Ctx) string {
	authHeader := c.Get("Authorization")
	if authHeader != "" {
		tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer"))
		if tokenString != authHeader && tokenString != "" {
			return tokenString
		}
		return ""
	}
	return c.Cookies(AccessTokenCookie)
}

func (a *AuthMiddleware) RequireAuth(c *fiber.Ctx) error {
	// OptionalAuth runs app-wide and may have resolved the user already.
	if GetCurrentUser(c) != nil {
		return c.Next()
	}

	tokenString := extractToken(c)
	if tokenString == "" {
		logger.Warn("jwt_missing_credentials", map[string]interface{}{
			"ip":   c.IP(),
			"path": c.Path(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "missing credentials")
	}

	claims, err := utils.ValidateToken(tokenString)
	if err != nil {
		logger.Warn("jwt_validation_failed", map[string]interface{}{
			"ip":    c.IP(),
			"path":  c.Path(),
			"error": err.Error(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired token")
	}

	var user models.User
	if err := a.DB.First(&user, "id = ?", claims.UserID).Error; err != nil {
		logger.Warn("jwt_user_not_found", map[string]interface{}{
			"ip":      c.IP(),
			"path":    c.Path(),
			"user_id": claims.UserID,
		})
		return utils.Error(c, fiber.StatusUnauthorized, "user not found")
	}

	if !user.IsActive {
		logger.Warn("jwt_user_inactive", map[string]interface{}{
			"ip":      c.IP(),
			"user_id": claims.UserID,
		})
		return utils.Error(c, fiber.StatusUnauthorized, "account is not active")
	}

	c.Locals(currentUserKey, &user)
	c.Locals(userIDKey, user.ID.String())
	return c.Next()
}

// OptionalAuth resolves the caller's identity when credentials are present
// but lets the request through either way. Wired ahead of every route so the
// request and security loggers can attribute traffic; RequireAuth reuses the
// resolved user instead of validating twice.
func (a *AuthMiddleware) OptionalAuth(c *fiber.Ctx) error {
	tokenString := extractToken(c)
	if tokenString == "" {
		return c.Next()
	}

	claims, err := utils.ValidateToken(tokenString)
	if err != nil {
		return c.Next()
	}

	var user models.User
	if err := a.DB.First(&user, "id = ?", claims.UserID).Error; err != nil {
		return c.Next()
	}
	if !user.IsActive {
		return c.Next()
	}

	c.Locals(currentUserKey, &user)
	c.Locals(userIDKey, user.ID.String())
	return c.Next()
}

func AdminOnly(c *fiber.Ctx) error {
	user := GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}
	if user.Role != models.UserRoleAdmin {
		return utils.Error(c, fiber.StatusForbidden, "admin access required")
	}
	return c.Next()
}

func GetCurrentUser(c *fiber.Ctx) *models.User {
	value := c.Locals(currentUserKey)
	if value == nil {
		return nil
	}
	user, ok := value.(*models.User)
	if !ok {
		return nil
	}
	return user
}
