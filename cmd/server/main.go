package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/tripflow/backend/internal/config"
	"github.com/tripflow/backend/internal/database"
	"github.com/tripflow/backend/internal/handlers"
	"github.com/tripflow/backend/internal/middleware"
	"github.com/tripflow/backend/internal/services"
	"github.com/tripflow/backend/internal/storage"
	"github.com/tripflow/backend/pkg/logger"
	"github.com/tripflow/backend/pkg/utils"
)

func main() {
	logger.Init()

	cfg := config.Load()
	utils.ConfigureJWT(cfg.JWT.Secret, cfg.JWT.AccessLifetime)
	utils.ConfigureEncryption(cfg.JWT.Secret)

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	redisClient, err := storage.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Fatalf("redis initialization failed: %v", err)
	}

	auditService := services.NewAuditService(db)
	userService := services.NewUserService(db)
	tokenService := services.NewTokenService(redisClient, cfg.JWT.RefreshLifetime)
	twoFactorService := services.NewTwoFactorService(db, redisClient, cfg.TwoFactor.Issuer, cfg.TwoFactor.PendingTTL, cfg.TwoFactor.LoginSessionTTL)
	deviceService := services.NewTrustedDeviceService(db, cfg.TrustedDevices.MaxPerUser, cfg.TrustedDevices.TrustTTL)

	authHandler := handlers.NewAuthHandler(db, userService, tokenService, twoFactorService, deviceService, auditService, cfg)
	twoFactorHandler := handlers.NewTwoFactorHandler(db, twoFactorService, tokenService, deviceService, auditService)
	devicesHandler := handlers.NewDevicesHandler(deviceService, auditService)
	auditHandler := handlers.NewAuditHandler(db)

	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS())
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())
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

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":    cfg.Server.Port,
		"address": listenAddr,
		"env":     cfg.Server.Env,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(listenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("shutting down server due to signal: %s", sig)
		shutdownDone := make(chan struct{})
		go func() {
			_ = app.Shutdown()
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
		case <-time.After(10 * time.Second):
			log.Print("forced shutdown timeout reached")
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}
}
