package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NotificationProvider is an additional alert destination addressed by a shoutrrr URL
// (discord://, slack://, gotify://, ...). Email and Telegram have dedicated channels.
type NotificationProvider struct {
	ID      string `gorm:"primaryKey" json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"` // discord, slack, gotify, generic
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`

	// Which transitions the provider wants to hear about
	NotifyDown bool `json:"notify_down"`
	NotifyUp   bool `json:"notify_up"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (n *NotificationProvider) BeforeCreate(tx *gorm.DB) (err error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	return
}

// Wants reports whether the provider subscribes to alerts for status.
func (n *NotificationProvider) Wants(status HostStatus) bool {
	switch status {
	case StatusDown:
		return n.NotifyDown
	case StatusUp:
		return n.NotifyUp
	}
	return false
}
