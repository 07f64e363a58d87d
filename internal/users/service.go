package users

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the record did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUnknownUser indicates no identity is stored under the requested id.
	ErrUnknownUser = errors.New("users: unknown user")
)

// ServiceConfig describes the dependencies required for identity storage.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service stores the subjects that may be issued collaboration credentials.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
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

// Upsert creates or updates the identity record for a subject. Permission
// entries are trimmed; empty user ids are rejected.
func (s *Service) Upsert(userID, username, email string, permissions []string) (Identity, error) {
	userID = normalize(userID)
	if userID == "" {
		return Identity{}, ErrInvalidIdentity
	}

	identity := Identity{
		UserID:      userID,
		Username:    normalize(username),
		Email:       normalize(email),
		Permissions: joinPermissions(permissions),
		LastSeenAt:  s.now(),
	}

	var existing Identity
	err := s.db.Where("user_id = ?", userID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.Create(&identity).Error; err != nil {
			return Identity{}, err
		}
	case err != nil:
		return Identity{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if identity.Username != "" && identity.Username != existing.Username {
			updates["username"] = identity.Username
		}
		if identity.Email != "" && identity.Email != existing.Email {
			updates["email"] = identity.Email
		}
		if len(permissions) > 0 && identity.Permissions != existing.Permissions {
			updates["permissions"] = identity.Permissions
		}
		if err := s.db.Model(&Identity{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
			return Identity{}, err
		}
		if identity.Username == "" {
			identity.Username = existing.Username
		}
		if identity.Email == "" {
			identity.Email = existing.Email
		}
		if len(permissions) == 0 {
			identity.Permissions = existing.Permissions
		}
	}

	s.cache.Store(userID, identity)
	return identity, nil
}

// Lookup returns the stored identity for the user id. Results are cached
// after the first database hit.
func (s *Service) Lookup(userID string) (Identity, error) {
	userID = normalize(userID)
	if userID == "" {
		return Identity{}, ErrInvalidIdentity
	}

	if cached, ok := s.cache.Load(userID); ok {
		if identity, ok := cached.(Identity); ok {
			return identity, nil
		}
	}

	var identity Identity
	err := s.db.Where("user_id = ?", userID).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	if err != nil {
		return Identity{}, err
	}

	s.cache.Store(userID, identity)
	return identity, nil
}

// Touch records activity for the subject without changing its profile.
func (s *Service) Touch(userID string) {
	userID = normalize(userID)
	if userID == "" {
		return
	}
	_ = s.db.Model(&Identity{}).Where("user_id = ?", userID).
		Update("last_seen_at", s.now()).Error
}
