package models

import "time"

// CommandKind is what an agent is asked to do.
type CommandKind string

const (
	CommandDiagnose  CommandKind = "diagnose"
	CommandRemediate CommandKind = "remediate"
)

// CommandStatus tracks a queued agent command.
type CommandStatus string

const (
	CommandAwaitingConsent CommandStatus = "awaiting_consent"
	CommandPending         CommandStatus = "pending"
	CommandDelivered       CommandStatus = "delivered"
	CommandSucceeded       CommandStatus = "succeeded"
	CommandFailed          CommandStatus = "failed"
)

// AgentCommand is a diagnose or remediate request routed to one device.
// For diagnose, Target is the check type; for remediate it is the action id.
type AgentCommand struct {
	ID          string        `gorm:"primaryKey" json:"id"`
	DeviceID    string        `gorm:"index;not null" json:"device_id"`
	Kind        CommandKind   `gorm:"not null" json:"kind"`
	Target      string        `gorm:"not null" json:"target"`
	Parameter   *string       `json:"parameter,omitempty"`
	PolicyID    *uint         `json:"policy_id,omitempty"`
	AlertID     *uint         `json:"alert_id,omitempty"`
	Status      CommandStatus `gorm:"index;not null" json:"status"`
	Output      string        `json:"output,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}
