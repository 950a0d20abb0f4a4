package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"github.com/tripflow/backend/internal/models"
	"github.com/tripflow/backend/pkg/utils"
	"gorm.io/gorm"
)

// PendingLoginSession bridges the two HTTP requests of a 2FA login: password
// check passed, code not yet submitted. Consumed exactly once.
type PendingLoginSession struct {
	UserID      uuid.UUID        `json:"userID"`
	Fingerprint string           `json:"fingerprint"`
	Device      utils.DeviceInfo `json:"device"`
	IP          string           `json:"ip"`
}

// TwoFactorService manages the TOTP enable/confirm handshake, login-time code
// verification, and the short-lived pending sessions in the ephemeral store.
//
// Per-user state machine: DISABLED -> PENDING_CONFIRMATION -> ENABLED, with
// ENABLED -> DISABLED as the only other transition.
type TwoFactorService struct {
	DB              *gorm.DB
	Redis           *redis.Client
	issuer          string
	pendingTTL      time.Duration
	loginSessionTTL time.Duration
}

func NewTwoFactorService(db *gorm.DB, redisClient *redis.Client, issuer string, pendingTTL, loginSessionTTL time.Duration) *TwoFactorService {
	return &TwoFactorService{
		DB:              db,
		Redis:           redisClient,
		issuer:          issuer,
		pendingTTL:      pendingTTL,
		loginSessionTTL: loginSessionTTL,
	}
}

func pendingSecretKey(userID uuid.UUID) string {
	return "2fa:pending:" + userID.String()
}

func loginSessionKey(tempToken string) string {
	return "2fa:login:" + tempToken
}

// GenerateSecret creates a candidate TOTP secret and parks it in the ephemeral
// store until the user confirms with a valid code. The durable user record is
// not touched yet. Returns the secret and a scannable QR code (data-URI PNG).
func (s *TwoFactorService) GenerateSecret(ctx context.Context, user *models.User) (string, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: user.Email,
	})
	if err != nil {
		return "", "", err
	}

	encrypted, err := utils.EncryptAESGCM(key.Secret())
	if err != nil {
		return "", "", err
	}

	if err := s.Redis.Set(ctx, pendingSecretKey(user.ID), encrypted, s.pendingTTL).Err(); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	img, err := key.Image(200, 200)
	if err != nil {
		return "", "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", "", err
	}
	qrCode := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())

	return key.Secret(), qrCode, nil
}

// ConfirmEnable verifies the code against the pending secret and, on success,
// promotes it to the durable user record. A wrong code leaves the pending
// record intact so the user can retry within the TTL.
func (s *TwoFactorService) ConfirmEnable(ctx context.Context, userID uuid.UUID, code string) error {
	encrypted, err := s.Redis.Get(ctx, pendingSecretKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrSessionExpired
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	secret, err := utils.DecryptAESGCM(encrypted)
	if err != nil {
		return err
	}

	if !totp.Validate(code, secret) {
		return ErrInvalidCode
	}

	err = s.DB.Model(&models.User{}).Where("id = ?", userID).Updates(map[string]interface{}{
		"two_factor_secret":  encrypted,
		"two_factor_enabled": true,
	}).Error
	if err != nil {
		return err
	}

	if err := s.Redis.Del(ctx, pendingSecretKey(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return nil
}

// VerifyCode checks a login-time TOTP code against the enabled durable secret.
// It never mutates state.
func (s *TwoFactorService) VerifyCode(userID uuid.UUID, code string) error {
	var user models.User
	if err := s.DB.First(&user, "id = ?", userID).Error; err != nil {
		return ErrTwoFactorNotEnabled
	}
	if !user.TwoFactorEnabled || user.TwoFactorSecret == "" {
		return ErrTwoFactorNotEnabled
	}

	secret, err := utils.DecryptAESGCM(user.TwoFactorSecret)
	if err != nil {
		return err
	}

	if !totp.Validate(code, secret) {
		return ErrInvalidCode
	}
	return nil
}

// Disable clears the durable secret and flag and discards any pending secret.
func (s *TwoFactorService) Disable(ctx context.Context, userID uuid.UUID) error {
	err := s.DB.Model(&models.User{}).Where("id = ?", userID).Updates(map[string]interface{}{
		"two_factor_secret":  "",
		"two_factor_enabled": false,
	}).Error
	if err != nil {
		return err
	}

	if err := s.Redis.Del(ctx, pendingSecretKey(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// SaveLoginSession parks a passed-password login under a fresh temp token
// until the second factor arrives.
func (s *TwoFactorService) SaveLoginSession(ctx context.Context, tempToken string, session PendingLoginSession) error {
	encoded, err := json.Marshal(session)
	if err != nil {
		return err
	}
	if err := s.Redis.Set(ctx, loginSessionKey(tempToken), encoded, s.loginSessionTTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// GetAndRemoveLoginSession atomically consumes the pending login session.
// A second call with the same temp token observes ErrSessionExpired, which is
// what defeats replayed temp tokens.
func (s *TwoFactorService) GetAndRemoveLoginSession(ctx context.Context, tempToken string) (*PendingLoginSession, error) {
	data, err := s.Redis.GetDel(ctx, loginSessionKey(tempToken)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var session PendingLoginSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, ErrSessionExpired
	}

	return &session, nil
}
