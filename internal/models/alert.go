package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Alert is raised when a host settles on a new status. It stays open (uncleared) until the
// dispatch cycle has handed it to the notification channels.
type Alert struct {
	ID        string     `gorm:"primaryKey" json:"id"`
	HostID    string     `json:"host_id" gorm:"index;not null"`
	Status    HostStatus `json:"status"`
	Cleared   bool       `json:"cleared" gorm:"index"`
	ClearedAt *time.Time `json:"cleared_at"`
	CreatedAt time.Time  `json:"created_at"`
}

func (a *Alert) BeforeCreate(tx *gorm.DB) (err error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return
}
