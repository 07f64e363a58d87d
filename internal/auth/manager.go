package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL         = time.Hour
	defaultRefreshThreshold = 5 * time.Minute
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")

	// ErrInvalidToken is returned for every verification failure. Signature,
	// structure, and expiry problems are deliberately indistinguishable so
	// callers cannot leak why a credential was rejected.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims carries the subject identity embedded in an access token.
type Claims struct {
	UserID      string   `json:"user_id"`
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// HasPermission reports whether the claim set includes the named permission.
func (c Claims) HasPermission(permission string) bool {
	for _, granted := range c.Permissions {
		if granted == permission {
			return true
		}
	}
	return false
}

// ManagerConfig configures the access credential manager.
type ManagerConfig struct {
	SigningSecret    []byte
	TokenTTL         time.Duration
	RefreshThreshold time.Duration
	Clock            func() time.Time
}

// Manager issues, verifies, and refreshes signed time-boxed access tokens.
type Manager struct {
	config ManagerConfig
	clock  func() time.Time
}

// NewManager constructs a credential manager with sane defaults.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = defaultRefreshThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Manager{config: cfg, clock: cfg.Clock}, nil
}

// Issue produces a signed token embedding the subject claims with a fresh
// issued-at and expiry.
func (m *Manager) Issue(subject Claims) (string, error) {
	if subject.UserID == "" {
		return "", errMissingSubjectClaim
	}

	now := m.clock().UTC()
	permissions := subject.Permissions
	if len(permissions) == 0 {
		permissions = []string{"read", "write"}
	}

	claims := Claims{
		UserID:      subject.UserID,
		Username:    subject.Username,
		Email:       subject.Email,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.config.SigningSecret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token. Every failure mode maps to
// ErrInvalidToken.
func (m *Manager) Verify(tokenString string) (Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return m.config.SigningSecret, nil
		},
		jwt.WithTimeFunc(m.clock),
	)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.UserID == "" {
		return Claims{}, ErrInvalidToken
	}
	return *claims, nil
}

// TTL returns the configured token lifetime.
func (m *Manager) TTL() time.Duration {
	return m.config.TokenTTL
}

// NeedsRefresh reports whether the remaining token lifetime has dropped below
// the refresh threshold.
func (m *Manager) NeedsRefresh(claims Claims) bool {
	if claims.ExpiresAt == nil {
		return false
	}
	return claims.ExpiresAt.Time.Sub(m.clock()) < m.config.RefreshThreshold
}

// Refresh re-verifies the old token and issues a replacement carrying the same
// subject claims with a fresh expiry. Expired tokens cannot be refreshed:
// refresh smooths renewal before expiry, it is not a liveness extension.
func (m *Manager) Refresh(oldToken string) (string, error) {
	claims, err := m.Verify(oldToken)
	if err != nil {
		return "", err
	}
	return m.Issue(Claims{
		UserID:      claims.UserID,
		Username:    claims.Username,
		Email:       claims.Email,
		Permissions: claims.Permissions,
	})
}
