package models

import "time"

// CheckResult stores a point-in-time telemetry payload for one check type.
// Payload is the raw JSON reported by the agent.
type CheckResult struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	DeviceID   string    `gorm:"index:idx_check_device_type;not null" json:"device_id"`
	CheckType  string    `gorm:"index:idx_check_device_type;not null" json:"check_type"`
	Payload    string    `gorm:"type:text" json:"payload"`
	ReportedAt time.Time `gorm:"index" json:"reported_at"`
}
