package models

import "time"

// EnrollmentToken lets an agent join the fleet under a specific client.
// MaxUses of 0 means unlimited.
type EnrollmentToken struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Token     string     `gorm:"uniqueIndex;not null" json:"token"`
	ClientID  *uint      `gorm:"index" json:"client_id"`
	Label     string     `json:"label"`
	MaxUses   int        `json:"max_uses"`
	Uses      int        `json:"uses"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Usable reports whether the token may enroll another device at now.
func (t *EnrollmentToken) Usable(now time.Time) bool {
	if t.ExpiresAt != nil && now.After(*t.ExpiresAt) {
		return false
	}
	return t.MaxUses == 0 || t.Uses < t.MaxUses
}
