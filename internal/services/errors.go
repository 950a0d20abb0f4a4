package services

import "errors"

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInactiveAccount     = errors.New("account is not active")
	ErrDuplicateUser       = errors.New("email or username already registered")
	ErrSessionExpired      = errors.New("session expired")
	ErrInvalidCode         = errors.New("invalid code")
	ErrTwoFactorNotEnabled = errors.New("two-factor authentication is not enabled")
	ErrTokenInvalid        = errors.New("token is invalid or expired")
	ErrNotFound            = errors.New("not found")
	ErrStoreUnavailable    = errors.New("store unavailable")
)
