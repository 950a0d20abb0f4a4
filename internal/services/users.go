package services

import (
	"errors"

	"github.com/google/uuid"
	"github.com/tripflow/backend/internal/models"
	"github.com/tripflow/backend/pkg/utils"
	"gorm.io/gorm"
)

// UserService owns credential checks and account creation. It returns the
// typed sentinels; handlers map them to HTTP statuses.
type UserService struct {
	DB *gorm.DB
}

func NewUserService(db *gorm.DB) *UserService {
	return &UserService{DB: db}
}

type RegisterInput struct {
	Email     string
	Username  string
	Password  string
	FirstName string
	LastName  string
}

// Register creates an account with the lowest-privilege role. Uniqueness is
// pre-checked for the common case, but the unique index has the final word:
// a concurrent signup or a soft-deleted holder of the same email/username
// slips past the pre-check and surfaces as ErrDuplicateUser here too.
func (s *UserService) Register(input RegisterInput) (*models.User, error) {
	var existing models.User
	err := s.DB.First(&existing, "email = ? OR username = ?", input.Email, input.Username).Error
	if err == nil {
		return nil, ErrDuplicateUser
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	passwordHash, err := utils.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	user := models.User{
		Email:        input.Email,
		Username:     input.Username,
		PasswordHash: passwordHash,
		FirstName:    input.FirstName,
		LastName:     input.LastName,
		Role:         models.UserRoleUser,
		IsActive:     true,
	}

	if err := s.DB.Create(&user).Error; err != nil {
		var conflict models.User
		if s.DB.Unscoped().First(&conflict, "email = ? OR username = ?", input.Email, input.Username).Error == nil {
			return nil, ErrDuplicateUser
		}
		return nil, err
	}

	return &user, nil
}

// Authenticate verifies username and password. Unknown user and wrong
// password both come back as ErrInvalidCredentials so callers cannot tell
// them apart; an inactive account is reported only after the password passed.
func (s *UserService) Authenticate(username, password string) (*models.User, error) {
	var user models.User
	if err := s.DB.First(&user, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if !utils.CheckPassword(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	if !user.IsActive {
		return nil, ErrInactiveAccount
	}

	return &user, nil
}

// GetActive loads a user by id, rejecting missing and deactivated accounts.
func (s *UserService) GetActive(id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := s.DB.First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrInactiveAccount
	}
	return &user, nil
}
