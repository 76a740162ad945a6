package models

import "time"

// Operator compares an observed telemetry value to a threshold value.
type Operator string

const (
	OperatorGT  Operator = ">"
	OperatorLT  Operator = "<"
	OperatorGTE Operator = ">="
	OperatorLTE Operator = "<="
	OperatorEQ  Operator = "="
)

// Severity of a threshold and the alerts it raises.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Threshold defines a monitored condition over one numeric field of a
// check's telemetry payload. FieldPath is a dot-path, e.g. "volumes.0.usagePercent".
type Threshold struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	CheckType           string    `gorm:"index;not null" json:"check_type"`
	FieldPath           string    `gorm:"not null" json:"field_path"`
	Operator            Operator  `gorm:"not null" json:"operator"`
	ThresholdValue      float64   `json:"threshold_value"`
	Severity            Severity  `gorm:"not null;default:'warning'" json:"severity"`
	ConsecutiveRequired int       `gorm:"not null;default:1" json:"consecutive_required"`
	Enabled             bool      `gorm:"not null" json:"enabled"`
	CreatedAt           time.Time `json:"created_at"`
}
