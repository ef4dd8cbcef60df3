package models

import "time"

// Setting is a key/value configuration row. Categories group related keys
// (polling, alerts, telegram, smtp).
type Setting struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Key       string    `json:"key" gorm:"uniqueIndex;not null"`
	Value     string    `json:"value"`
	Type      string    `json:"type"` // string, int, bool
	Category  string    `json:"category" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`
}
