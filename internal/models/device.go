// Package models defines GORM data models for TalonOps.
package models

import (
	"time"

	"gorm.io/gorm"
)

// DeviceStatus is the connectivity state of a device as seen by the server.
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
	DeviceStatusPending DeviceStatus = "pending"
)

// Device represents an enrolled endpoint.
// DeviceID is the stable external identifier used by telemetry and
// remote-control routing; the numeric ID is internal to the datastore.
type Device struct {
	gorm.Model

	// Identity
	DeviceID string `gorm:"uniqueIndex;not null" json:"device_id"`
	Hostname string `gorm:"index;not null" json:"hostname"`
	// Remark is an optional human-friendly display name / note set from the console.
	Remark string `json:"remark"`
	IP     string `gorm:"index" json:"ip"`
	OS     string `json:"os"`

	// Tenancy. ClientID is nil for devices not yet assigned to a client.
	ClientID *uint `gorm:"index" json:"client_id"`

	// Secret authenticates data-plane requests. Never serialised.
	Secret string `gorm:"not null" json:"-"`

	// SSHHost marks an agentless device; remediation goes over SSH.
	SSHHost string `json:"ssh_host,omitempty"`

	Group string `gorm:"index;default:'default'" json:"group"`

	// Lifecycle
	Status   DeviceStatus `gorm:"index;default:'pending'" json:"status"`
	LastSeen time.Time    `json:"last_seen"`
	AgentVer string       `json:"agent_ver"`
}
