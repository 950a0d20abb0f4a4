package models

import (
	"time"

	"github.com/google/uuid"
)

// TrustedDevice is a (user, fingerprint) pair exempted from the second-factor
// challenge until ExpiresAt. Rows are hard-capped per user at write time.
type TrustedDevice struct {
	BaseModel
	UserID      uuid.UUID `json:"userID" gorm:"type:uuid;not null;index;uniqueIndex:idx_user_fingerprint"`
	Fingerprint string    `json:"-" gorm:"type:varchar(64);not null;uniqueIndex:idx_user_fingerprint"`
	TrustToken  string    `json:"-" gorm:"type:varchar(64);not null"`
	DeviceName  string    `json:"deviceName" gorm:"type:varchar(100);not null"`
	Browser     string    `json:"browser" gorm:"type:varchar(50);not null"`
	OS          string    `json:"os" gorm:"type:varchar(50);not null"`
	DeviceType  string    `json:"deviceType" gorm:"type:varchar(20);not null"`
	LastUsedAt  time.Time `json:"lastUsedAt" gorm:"not null;index"`
	LastUsedIP  string    `json:"lastUsedIP" gorm:"type:varchar(45)"`
	ExpiresAt   time.Time `json:"expiresAt" gorm:"not null"`
	User        User      `json:"-" gorm:"foreignKey:UserID"`
}

func (TrustedDevice) TableName() string {
	return "trusted_devices"
}
