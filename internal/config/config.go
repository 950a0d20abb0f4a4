package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	DB             DBConfig
	Redis          RedisConfig
	JWT            JWTConfig
	TwoFactor      TwoFactorConfig
	TrustedDevices TrustedDevicesConfig
	Server         ServerConfig
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret          string
	AccessLifetime  time.Duration
	RefreshLifetime time.Duration
}

type TwoFactorConfig struct {
	Issuer          string
	PendingTTL      time.Duration
	LoginSessionTTL time.Duration
}

type TrustedDevicesConfig struct {
	MaxPerUser int
	TrustTTL   time.Duration
}

type ServerConfig struct {
	Port string
	Env  string
}

func Load() *Config {
	return &Config{
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "tripflow"),
			Password: getEnv("DB_PASSWORD", "tripflow_secret"),
			Name:     getEnv("DB_NAME", "tripflow"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:          getEnv("JWT_SECRET", "change-me-in-production"),
			AccessLifetime:  getEnvAsDuration("JWT_ACCESS_LIFETIME", 15*time.Minute),
			RefreshLifetime: getEnvAsDuration("JWT_REFRESH_LIFETIME", 7*24*time.Hour),
		},
		TwoFactor: TwoFactorConfig{
			Issuer:          getEnv("TWOFA_ISSUER", "TripFlow"),
			PendingTTL:      getEnvAsDuration("TWOFA_PENDING_TTL", 10*time.Minute),
			LoginSessionTTL: getEnvAsDuration("TWOFA_LOGIN_SESSION_TTL", 5*time.Minute),
		},
		TrustedDevices: TrustedDevicesConfig{
			MaxPerUser: getEnvAsInt("TRUSTED_DEVICES_MAX", 5),
			TrustTTL:   getEnvAsDuration("TRUSTED_DEVICES_TTL", 30*24*time.Hour),
		},
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Env:  getEnv("APP_ENV", "development"),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}
