package handlers

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/tripflow/backend/internal/models"
)

const testUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0 Safari/537.36"

func enableTwoFactor(t *testing.T, env *testEnv, token string) string {
	t.Helper()

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/2fa/enable", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	body := decodeJSONMap(t, resp)
	data, _ := body["data"].(map[string]any)
	secret, _ := data["secret"].(string)
	if secret == "" {
		t.Fatal("expected a TOTP secret in the enable response")
	}
	qrCode, _ := data["qrCode"].(string)
	if !strings.HasPrefix(qrCode, "data:image/png;base64,") {
		t.Fatalf("expected a data-URI QR code, got %q", qrCode[:min(len(qrCode), 40)])
	}

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("failed generating TOTP code: %v", err)
	}

	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/2fa/confirm", map[string]any{
		"token": code,
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	return secret
}

func TestTwoFactorEnableConfirmFlow(t *testing.T) {
	env := setupTestEnv(t)
	user, token := createTestUser(t, env.db, "alice2fa", "password123", models.UserRoleUser)

	enableTwoFactor(t, env, token)

	var reloaded models.User
	if err := env.db.First(&reloaded, "id = ?", user.ID).Error; err != nil {
		t.Fatalf("failed reloading user: %v", err)
	}
	if !reloaded.TwoFactorEnabled {
		t.Fatal("expected twoFactorEnabled after confirm")
	}
	if reloaded.TwoFactorSecret == "" {
		t.Fatal("expected durable secret after confirm")
	}
}

func TestTwoFactorConfirmWrongCodeLeavesPendingIntact(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "retry2fa", "password123", models.UserRoleUser)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/2fa/enable", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)
	body := decodeJSONMap(t, resp)
	data, _ := body["data"].(map[string]any)
	secret, _ := data["secret"].(string)

	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/2fa/confirm", map[string]any{
		"token": "000000",
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusUnauthorized)
	assertEnvelopeError(t, decodeJSONMap(t, resp), "invalid code")

	// A retry with the right code inside the TTL must still work.
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("failed generating TOTP code: %v", err)
	}
	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/2fa/confirm", map[string]any{
		"token": code,
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)
}

func TestTwoFactorConfirmExpiredSetup(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "slow2fa", "password123", models.UserRoleUser)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/2fa/enable", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	env.redis.FastForward(11 * time.Minute)

	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/2fa/confirm", map[string]any{
		"token": "123456",
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestLoginWithTwoFactorAndTrustedDevice(t *testing.T) {
	env := setupTestEnv(t)
	user, token := createTestUser(t, env.db, "ivy", "password123", models.UserRoleUser)
	secret := enableTwoFactor(t, env, token)

	headers := map[string]string{"User-Agent": testUserAgent}

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/login", map[string]any{
		"username": "ivy",
		"password": "password123",
	}, headers)
	assertStatus(t, resp, http.StatusOK)

	body := decodeJSONMap(t, resp)
	data, _ := body["data"].(map[string]any)
	if requires, _ := data["requires2FA"].(bool); !requires {
		t.Fatalf("expected requires2FA=true, got %+v", data)
	}
	tempToken, _ := data["tempToken"].(string)
	if tempToken == "" {
		t.Fatal("expected a tempToken")
	}
	if responseCookie(resp, "refresh_token") != nil {
		t.Fatal("no tokens may be issued before the second factor")
	}

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("failed generating TOTP code: %v", err)
	}

	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/2fa/verify", map[string]any{
		"tempToken":   tempToken,
		"token":       code,
		"trustDevice": true,
	}, headers)
	assertStatus(t, resp, http.StatusOK)
	if responseCookie(resp, "refresh_token") == nil {
		t.Fatal("expected cookies after 2FA verification")
	}

	var deviceCount int64
	env.db.Model(&models.TrustedDevice{}).Where("user_id = ?", user.ID).Count(&deviceCount)
	if deviceCount != 1 {
		t.Fatalf("expected 1 trusted device, got %d", deviceCount)
	}

	// A later login from the same fingerprint skips the 2FA step entirely.
	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/login", map[string]any{
		"username": "ivy",
		"password": "password123",
	}, headers)
	assertStatus(t, resp, http.StatusOK)

	body = decodeJSONMap(t, resp)
	data, _ = body["data"].(map[string]any)
	if _, ok := data["requires2FA"]; ok {
		t.Fatal("trusted device must skip the second factor")
	}
	if responseCookie(resp, "refresh_token") == nil {
		t.Fatal("expected cookies on trusted-device login")
	}
}

func TestVerifyTwoFactorConsumesSessionBeforeCheckingCode(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "judy", "password123", models.UserRoleUser)
	secret := enableTwoFactor(t, env, token)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/login", map[string]any{
		"username": "judy",
		"password": "password123",
	}, nil)
	assertStatus(t, resp, http.StatusOK)
	data, _ := decodeJSONMap(t, resp)["data"].(map[string]any)
	tempToken, _ := data["tempToken"].(string)

	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/2fa/verify", map[string]any{
		"tempToken": tempToken,
		"token":     "000000",
	}, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
	assertEnvelopeError(t, decodeJSONMap(t, resp), "invalid code")

	// The session was consumed by the failed attempt: even the right code is
	// rejected now, the user has to restart from login.
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("failed generating TOTP code: %v", err)
	}
	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/2fa/verify", map[string]any{
		"tempToken": tempToken,
		"token":     code,
	}, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
	assertEnvelopeError(t, decodeJSONMap(t, resp), "session expired, please log in again")
}

func TestVerifyTwoFactorExpiredTempToken(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "kate", "password123", models.UserRoleUser)
	secret := enableTwoFactor(t, env, token)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/login", map[string]any{
		"username": "kate",
		"password": "password123",
	}, nil)
	assertStatus(t, resp, http.StatusOK)
	data, _ := decodeJSONMap(t, resp)["data"].(map[string]any)
	tempToken, _ := data["tempToken"].(string)

	env.redis.FastForward(6 * time.Minute)

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("failed generating TOTP code: %v", err)
	}
	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/2fa/verify", map[string]any{
		"tempToken": tempToken,
		"token":     code,
	}, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
	assertEnvelopeError(t, decodeJSONMap(t, resp), "session expired, please log in again")
}

func TestTwoFactorDisableRevokesSessionsAndDevices(t *testing.T) {
	env := setupTestEnv(t)
	user, token := createTestUser(t, env.db, "leo", "password123", models.UserRoleUser)
	secret := enableTwoFactor(t, env, token)

	headers := map[string]string{"User-Agent": testUserAgent}
	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/login", map[string]any{
		"username": "leo",
		"password": "password123",
	}, headers)
	data, _ := decodeJSONMap(t, resp)["data"].(map[string]any)
	tempToken, _ := data["tempToken"].(string)

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("failed generating TOTP code: %v", err)
	}
	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/2fa/verify", map[string]any{
		"tempToken":   tempToken,
		"token":       code,
		"trustDevice": true,
	}, headers)
	assertStatus(t, resp, http.StatusOK)

	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/2fa/disable", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	var reloaded models.User
	if err := env.db.First(&reloaded, "id = ?", user.ID).Error; err != nil {
		t.Fatalf("failed reloading user: %v", err)
	}
	if reloaded.TwoFactorEnabled || reloaded.TwoFactorSecret != "" {
		t.Fatal("expected secret and flag cleared after disable")
	}

	var deviceCount int64
	env.db.Model(&models.TrustedDevice{}).Where("user_id = ?", user.ID).Count(&deviceCount)
	if deviceCount != 0 {
		t.Fatalf("expected trusted devices removed, got %d", deviceCount)
	}

	if keys := env.redis.Keys(); len(keys) != 0 {
		t.Fatalf("expected all ephemeral sessions revoked, found keys: %v", keys)
	}
}

func TestTwoFactorEnableAlreadyEnabled(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "mia", "password123", models.UserRoleUser)
	enableTwoFactor(t, env, token)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/2fa/enable", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusConflict)
}
