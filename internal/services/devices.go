package services

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tripflow/backend/internal/models"
	"github.com/tripflow/backend/pkg/logger"
	"github.com/tripflow/backend/pkg/utils"
	"gorm.io/gorm"
)

// TrustedDeviceService maintains the durable allow-list of devices that skip
// the second factor. The per-user cap is enforced at write time; expired rows
// are purged lazily on lookup.
type TrustedDeviceService struct {
	DB         *gorm.DB
	maxPerUser int
	trustTTL   time.Duration
}

func NewTrustedDeviceService(db *gorm.DB, maxPerUser int, trustTTL time.Duration) *TrustedDeviceService {
	return &TrustedDeviceService{
		DB:         db,
		maxPerUser: maxPerUser,
		trustTTL:   trustTTL,
	}
}

// IsTrusted reports whether the fingerprint is on the user's allow-list. An
// expired entry is treated as absent and deleted on the spot.
func (s *TrustedDeviceService) IsTrusted(userID uuid.UUID, fingerprint string) bool {
	var device models.TrustedDevice
	err := s.DB.First(&device, "user_id = ? AND fingerprint = ?", userID, fingerprint).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Error("trusted_device_lookup_failed", err, map[string]interface{}{
				"user_id": userID.String(),
			})
		}
		return false
	}

	if time.Now().After(device.ExpiresAt) {
		if err := s.DB.Unscoped().Delete(&device).Error; err != nil {
			logger.Error("trusted_device_purge_failed", err, map[string]interface{}{
				"user_id":   userID.String(),
				"device_id": device.ID.String(),
			})
		}
		return false
	}

	return true
}

// Trust upserts the (user, fingerprint) pair with a fresh trust token and a
// new expiry. When the user is at capacity and this fingerprint is new, the
// device with the oldest lastUsedAt is evicted first.
func (s *TrustedDeviceService) Trust(userID uuid.UUID, fingerprint string, info utils.DeviceInfo, ip string) error {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return err
	}
	trustToken := hex.EncodeToString(buf)
	now := time.Now().UTC()

	return s.DB.Transaction(func(tx *gorm.DB) error {
		var existing models.TrustedDevice
		err := tx.First(&existing, "user_id = ? AND fingerprint = ?", userID, fingerprint).Error
		if err == nil {
			return tx.Model(&existing).Updates(map[string]interface{}{
				"trust_token":  trustToken,
				"device_name":  info.DeviceName,
				"browser":      info.Browser,
				"os":           info.OS,
				"device_type":  info.DeviceType,
				"last_used_at": now,
				"last_used_ip": ip,
				"expires_at":   now.Add(s.trustTTL),
			}).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var count int64
		if err := tx.Model(&models.TrustedDevice{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
			return err
		}
		if count >= int64(s.maxPerUser) {
			var oldest models.TrustedDevice
			if err := tx.Where("user_id = ?", userID).Order("last_used_at asc").First(&oldest).Error; err != nil {
				return err
			}
			if err := tx.Unscoped().Delete(&oldest).Error; err != nil {
				return err
			}
		}

		device := models.TrustedDevice{
			UserID:      userID,
			Fingerprint: fingerprint,
			TrustToken:  trustToken,
			DeviceName:  info.DeviceName,
			Browser:     info.Browser,
			OS:          info.OS,
			DeviceType:  info.DeviceType,
			LastUsedAt:  now,
			LastUsedIP:  ip,
			ExpiresAt:   now.Add(s.trustTTL),
		}
		return tx.Create(&device).Error
	})
}

// UpdateLastUsed refreshes the usage timestamp on an already-trusted device.
// Best effort: failures are logged, never surfaced, because this is not on
// the critical path of authentication.
func (s *TrustedDeviceService) UpdateLastUsed(userID uuid.UUID, fingerprint, ip string) {
	err := s.DB.Model(&models.TrustedDevice{}).
		Where("user_id = ? AND fingerprint = ?", userID, fingerprint).
		Updates(map[string]interface{}{
			"last_used_at": time.Now().UTC(),
			"last_used_ip": ip,
		}).Error
	if err != nil {
		logger.Error("trusted_device_touch_failed", err, map[string]interface{}{
			"user_id": userID.String(),
		})
	}
}

func (s *TrustedDeviceService) GetAll(userID uuid.UUID) ([]models.TrustedDevice, error) {
	var devices []models.TrustedDevice
	err := s.DB.Where("user_id = ?", userID).Order("last_used_at desc").Find(&devices).Error
	return devices, err
}

// Remove deletes one device from the user's list. A device that does not
// exist or belongs to someone else is ErrNotFound either way.
func (s *TrustedDeviceService) Remove(userID, deviceID uuid.UUID) error {
	result := s.DB.Unscoped().Where("user_id = ? AND id = ?", userID, deviceID).Delete(&models.TrustedDevice{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *TrustedDeviceService) RemoveAll(userID uuid.UUID) (int64, error) {
	result := s.DB.Unscoped().Where("user_id = ?", userID).Delete(&models.TrustedDevice{})
	return result.RowsAffected, result.Error
}
