package models

import "time"

// Role is a console user's top-level role.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleTechnician Role = "technician"
	RoleViewer     Role = "viewer"
)

// ValidRole reports whether role is one of the supported roles.
func ValidRole(role string) bool {
	switch Role(role) {
	case RoleAdmin, RoleTechnician, RoleViewer:
		return true
	default:
		return false
	}
}

// User is a console operator.
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Role         Role      `gorm:"not null;default:'viewer'" json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserClientAssignment grants a non-admin user access to one client's devices.
type UserClientAssignment struct {
	UserID   uint `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	ClientID uint `gorm:"primaryKey;autoIncrement:false" json:"client_id"`
}
