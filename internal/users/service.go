package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates the referenced user does not exist.
	ErrNotFound = errors.New("users: not found")
	// ErrInvalidUser indicates the registration payload was unusable.
	ErrInvalidUser = errors.New("users: invalid user")
	// ErrNotProvider indicates a provider-only operation targeted a requester.
	ErrNotProvider = errors.New("users: not a provider")
)

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages accounts and their profile fields.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// RegisterParams carries the immutable identity plus initial profile fields.
type RegisterParams struct {
	ID          string
	Role        Role
	DisplayName string
	Email       string
	Degree      string
	Location    string
	Bio         string
}

// Register creates an account. The role is fixed from this point on;
// registering an id that already exists returns the stored account
// unchanged so retries stay safe.
func (s *Service) Register(ctx context.Context, params RegisterParams) (User, error) {
	id := normalize(params.ID)
	if id == "" {
		return User{}, fmt.Errorf("%w: empty id", ErrInvalidUser)
	}
	if !params.Role.Valid() {
		return User{}, fmt.Errorf("%w: unknown role %q", ErrInvalidUser, params.Role)
	}
	// Pair keys join the two ids with an underscore.
	if strings.Contains(id, "_") {
		return User{}, fmt.Errorf("%w: id %q contains reserved separator", ErrInvalidUser, id)
	}

	var existing User
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, err
	}

	user := User{
		ID:          id,
		Role:        params.Role,
		DisplayName: normalize(params.DisplayName),
		Email:       normalize(params.Email),
		Degree:      normalize(params.Degree),
		Location:    normalize(params.Location),
		Bio:         normalize(params.Bio),
	}
	if params.Role == RoleProvider {
		user.VerificationStatus = VerificationPending
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return User{}, err
	}
	return user, nil
}

// Get returns the stored account for the identifier.
func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", normalize(userID)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ProfileUpdate lists the owner-mutable profile fields. Nil pointers leave
// the stored value untouched so concurrent updates merge field-wise.
type ProfileUpdate struct {
	DisplayName *string
	Degree      *string
	Location    *string
	Bio         *string
}

// UpdateProfile merges the provided fields onto the account.
func (s *Service) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) error {
	if _, err := s.Get(ctx, userID); err != nil {
		return err
	}

	updates := map[string]interface{}{}
	if update.DisplayName != nil {
		updates["display_name"] = normalize(*update.DisplayName)
	}
	if update.Degree != nil {
		updates["degree"] = normalize(*update.Degree)
	}
	if update.Location != nil {
		updates["location"] = normalize(*update.Location)
	}
	if update.Bio != nil {
		updates["bio"] = normalize(*update.Bio)
	}
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = s.now().UTC()

	return s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", normalize(userID)).
		Updates(updates).Error
}

// SetVerification moves a provider through the vetting states.
func (s *Service) SetVerification(ctx context.Context, providerID string, status VerificationStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown verification status %q", ErrInvalidUser, status)
	}
	user, err := s.Get(ctx, providerID)
	if err != nil {
		return err
	}
	if user.Role != RoleProvider {
		return fmt.Errorf("%w: %s", ErrNotProvider, providerID)
	}
	return s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", user.ID).
		Updates(map[string]interface{}{
			"verification_status": status,
			"updated_at":          s.now().UTC(),
		}).Error
}

// ApprovedProvider reports whether the id resolves to a vetted provider.
func (s *Service) ApprovedProvider(ctx context.Context, providerID string) (bool, error) {
	user, err := s.Get(ctx, providerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return user.Role == RoleProvider && user.VerificationStatus == VerificationApproved, nil
}

// ListApprovedProviders returns every vetted provider, newest first.
func (s *Service) ListApprovedProviders(ctx context.Context) ([]User, error) {
	var providers []User
	err := s.db.WithContext(ctx).
		Where("role = ? AND verification_status = ?", RoleProvider, VerificationApproved).
		Order("created_at DESC").
		Find(&providers).Error
	if err != nil {
		return nil, err
	}
	return providers, nil
}
