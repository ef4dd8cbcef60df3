package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type NotificationType string

const (
	NotificationTypeInfo    NotificationType = "info"
	NotificationTypeSuccess NotificationType = "success"
	NotificationTypeWarning NotificationType = "warning"
	NotificationTypeError   NotificationType = "error"
)

// NotificationTypeFor maps a host status onto the in-app notification severity.
func NotificationTypeFor(status HostStatus) NotificationType {
	switch status {
	case StatusDown:
		return NotificationTypeError
	case StatusUp:
		return NotificationTypeSuccess
	}
	return NotificationTypeInfo
}

// Notification is an in-app record of a dispatched alert.
type Notification struct {
	ID        string           `gorm:"primaryKey" json:"id"`
	HostID    string           `json:"host_id" gorm:"index"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}

func (n *Notification) BeforeCreate(tx *gorm.DB) (err error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	return
}
