package models

import "time"

// AutoRemediationPolicy binds a threshold to a corrective action, gated by
// an enabled flag and a cooldown window.
type AutoRemediationPolicy struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	ThresholdID     *uint      `gorm:"index" json:"threshold_id"`
	ActionID        string     `gorm:"not null" json:"action_id"`
	Parameter       *string    `json:"parameter"`
	CooldownMinutes int        `gorm:"not null" json:"cooldown_minutes"`
	RequireConsent  bool       `gorm:"not null" json:"require_consent"`
	Enabled         bool       `gorm:"not null" json:"enabled"`
	LastTriggeredAt *time.Time `json:"last_triggered_at"`
}
