package models

import "time"

// DefaultClientSlug identifies the reserved tenant that always exists.
const DefaultClientSlug = "default"

// Client is a tenant: an organisational boundary owning a subset of devices.
type Client struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	Slug      string    `gorm:"uniqueIndex;not null" json:"slug"`
	CreatedAt time.Time `json:"created_at"`
}
