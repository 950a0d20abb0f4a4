package handlers

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"github.com/tripflow/backend/internal/config"
	"github.com/tripflow/backend/internal/middleware"
	"github.com/tripflow/backend/internal/models"
	"github.com/tripflow/backend/internal/services"
	"github.com/tripflow/backend/pkg/logger"
	"github.com/tripflow/backend/pkg/utils"
	"gorm.io/gorm"
)

type testEnv struct {
	app   *fiber.App
	db    *gorm.DB
	redis *miniredis.Miniredis

	tokens    *services.TokenService
	twoFactor *services.TwoFactorService
	devices   *services.TrustedDeviceService
}

var testSetupOnce sync.Once

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		gosqlite.MustRegisterScalarFunction("NOW", 0, func(ctx *gosqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return time.Now().UTC(), nil
		})
		logger.Init()
		utils.ConfigureJWT("test-secret", 15*time.Minute)
		utils.ConfigureEncryption("test-secret")
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	err = db.AutoMigrate(
		&models.User{},
		&models.TrustedDevice{},
		&models.AuditLog{},
	)
	if err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = redisClient.Close()
	})

	cfg := &config.Config{
		JWT: config.JWTConfig{
			Secret:          "test-secret",
			AccessLifetime:  15 * time.Minute,
			RefreshLifetime: 7 * 24 * time.Hour,
		},
		TwoFactor: config.TwoFactorConfig{
			Issuer:          "TripFlow",
			PendingTTL:      10 * time.Minute,
			LoginSessionTTL: 5 * time.Minute,
		},
		TrustedDevices: config.TrustedDevicesConfig{
			MaxPerUser: 5,
			TrustTTL:   30 * 24 * time.Hour,
		},
		Server: config.ServerConfig{Env: "test"},
	}

	auditService := services.NewAuditService(db)
	userService := services.NewUserService(db)
	tokenService := services.NewTokenService(redisClient, cfg.JWT.RefreshLifetime)
	twoFactorService := services.NewTwoFactorService(db, redisClient, cfg.TwoFactor.Issuer, cfg.TwoFactor.PendingTTL, cfg.TwoFactor.LoginSessionTTL)
	deviceService := services.NewTrustedDeviceService(db, cfg.TrustedDevices.MaxPerUser, cfg.TrustedDevices.TrustTTL)

	authHandler := NewAuthHandler(db, userService, tokenService, twoFactorService, deviceService, auditService, cfg)
	twoFactorHandler := NewTwoFactorHandler(db, twoFactorService, tokenService, deviceService, auditService)
	devicesHandler := NewDevicesHandler(deviceService, auditService)
	auditHandler := NewAuditHandler(db)
	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(authMiddleware.OptionalAuth)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/register", authHandler.Register)
	authRoutes.Post("/login", authHandler.Login)
	authRoutes.Post("/refresh", authHandler.Refresh)
	authRoutes.Post("/logout", authHandler.Logout)
	authRoutes.Get("/me", authMiddleware.RequireAuth, authHandler.Me)
	authRoutes.Put("/me", authMiddleware.RequireAuth, authHandler.UpdateMe)
	authRoutes.Put("/password", authMiddleware.RequireAuth, authHandler.ChangePassword)

	authRoutes.Post("/2fa/verify", authHandler.VerifyTwoFactor)
	authRoutes.Post("/2fa/enable", authMiddleware.RequireAuth, twoFactorHandler.Enable)
	authRoutes.Post("/2fa/confirm", authMiddleware.RequireAuth, twoFactorHandler.Confirm)
	authRoutes.Post("/2fa/disable", authMiddleware.RequireAuth, twoFactorHandler.Disable)

	deviceRoutes := api.Group("/auth/devices", authMiddleware.RequireAuth)
	deviceRoutes.Get("/", devicesHandler.List)
	deviceRoutes.Delete("/:id", devicesHandler.Remove)
	deviceRoutes.Delete("/", devicesHandler.RemoveAll)

	auditRoutes := api.Group("/audit", authMiddleware.RequireAuth, middleware.AdminOnly)
	auditRoutes.Get("/", auditHandler.List)

	return &testEnv{
		app:       app,
		db:        db,
		redis:     mr,
		tokens:    tokenService,
		twoFactor: twoFactorService,
		devices:   deviceService,
	}
}

func createTestUser(t *testing.T, db *gorm.DB, username, password string, role models.UserRole) (*models.User, string) {
	t.Helper()

	hash, err := utils.HashPassword(password)
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}

	user := &models.User{
		Email:        username + "@example.com",
		Username:     username,
		PasswordHash: hash,
		FirstName:    "Test",
		LastName:     "User",
		Role:         role,
		IsActive:     true,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating test user: %v", err)
	}

	token, err := utils.GenerateToken(user)
	if err != nil {
		t.Fatalf("failed generating auth token: %v", err)
	}

	return user, token
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}

	return performRequest(t, app, method, path, body, requestHeaders)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}

	return payload
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertEnvelopeError(t *testing.T, body map[string]any, expected string) {
	t.Helper()
	if success, _ := body["success"].(bool); success {
		t.Fatalf("expected success=false, got %+v", body)
	}
	if got, _ := body["error"].(string); got != expected {
		t.Fatalf("expected error %q, got %q", expected, got)
	}
}

func responseCookie(resp *http.Response, name string) *http.Cookie {
	for _, cookie := range resp.Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}
