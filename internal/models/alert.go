package models

import "time"

// AlertStatus is the lifecycle state of an alert:
// active -> acknowledged -> resolved, or active -> resolved.
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// CheckTypeUptime marks alerts raised by the uptime sweep rather than a threshold.
const CheckTypeUptime = "uptime"

// Alert records one breach episode. ThresholdID is nil for non-threshold
// alerts such as uptime.
type Alert struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	DeviceID       string      `gorm:"index;not null" json:"device_id"`
	ThresholdID    *uint       `gorm:"index" json:"threshold_id"`
	CheckType      string      `gorm:"index;not null" json:"check_type"`
	Severity       Severity    `gorm:"not null" json:"severity"`
	Message        string      `json:"message"`
	Status         AlertStatus `gorm:"index;not null" json:"status"`
	AcknowledgedBy string      `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
	TriggeredAt    time.Time   `gorm:"index" json:"triggered_at"`
}

// Open reports whether the alert is still visible to operators.
func (a *Alert) Open() bool {
	return a.Status == AlertStatusActive || a.Status == AlertStatusAcknowledged
}
