package users

import (
	"strings"
	"time"
)

// Identity is one stored subject eligible for credential issuance.
// Permissions are stored comma-separated; the service splits and joins them.
type Identity struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Username    string    `gorm:"column:username;size:320;not null"`
	Email       string    `gorm:"column:email;size:320"`
	Permissions string    `gorm:"column:permissions;size:512"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing identities.
func (Identity) TableName() string {
	return "user_identities"
}

// PermissionList splits the stored permission string.
func (i Identity) PermissionList() []string {
	if strings.TrimSpace(i.Permissions) == "" {
		return nil
	}
	parts := strings.Split(i.Permissions, ",")
	permissions := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			permissions = append(permissions, trimmed)
		}
	}
	return permissions
}

func joinPermissions(permissions []string) string {
	trimmed := make([]string, 0, len(permissions))
	for _, permission := range permissions {
		if value := strings.TrimSpace(permission); value != "" {
			trimmed = append(trimmed, value)
		}
	}
	return strings.Join(trimmed, ",")
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
