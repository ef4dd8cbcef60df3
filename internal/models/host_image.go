package models

import "time"

// HostImage is a snapshot stored for a host. FilePath is relative to the static directory.
type HostImage struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	HostID    string    `json:"host_id" gorm:"index;not null"`
	FilePath  string    `json:"file_path" gorm:"not null"`
	CreatedAt time.Time `json:"created_at"`
}
