package models

import "time"

// Ticket is a support ticket, usually filed from an assistant reply.
type Ticket struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ClientID  *uint     `gorm:"index" json:"client_id"`
	DeviceID  string    `gorm:"index" json:"device_id"`
	Priority  string    `gorm:"not null" json:"priority"`
	Title     string    `gorm:"not null" json:"title"`
	Status    string    `gorm:"not null;default:'open'" json:"status"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}
