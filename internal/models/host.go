package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// HostStatus is the reachability observed for a host.
type HostStatus string

const (
	StatusUp      HostStatus = "Up"
	StatusDown    HostStatus = "Down"
	StatusUnknown HostStatus = "Unknown"
)

// Valid reports whether s is one of the known statuses.
func (s HostStatus) Valid() bool {
	switch s {
	case StatusUp, StatusDown, StatusUnknown:
		return true
	}
	return false
}

// Host is a network-reachable device (camera, server, switch) that is probed every poll cycle.
// Identity and descriptive fields belong to the host-management side; the status fields are
// written only by the poll cycle.
type Host struct {
	ID       string `gorm:"primaryKey" json:"id"`
	Address  string `json:"address" gorm:"uniqueIndex;not null"` // IPv4/IPv6 address or resolvable name
	Hostname string `json:"hostname"`
	Kind     string `json:"kind"`   // camera, server, switch...
	City     string `json:"city"`   // descriptive location used in alert messages
	Site     string `json:"site"`   // cabinet / point of presence
	Device   string `json:"device"` // upstream device the host hangs from

	AlertsEnabled bool `json:"alerts_enabled"`

	// Poll state
	Status            HostStatus  `json:"status"`
	PreviousStatus    HostStatus  `json:"previous_status"`
	LastAlertedStatus *HostStatus `json:"last_alerted_status"`
	LastPoll          *time.Time  `json:"last_poll"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (h *Host) BeforeCreate(tx *gorm.DB) (err error) {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	if h.Status == "" {
		h.Status = StatusUnknown
	}
	return
}

// DisplayName returns the hostname, falling back to the address.
func (h *Host) DisplayName() string {
	if h.Hostname != "" && h.Hostname != "Unknown" {
		return h.Hostname
	}
	return h.Address
}

// AlreadyAlerted reports whether the last emitted alert for the host was for status.
func (h *Host) AlreadyAlerted(status HostStatus) bool {
	return h.LastAlertedStatus != nil && *h.LastAlertedStatus == status
}
