package models

import "time"

// PollRecord is the immutable outcome of probing one host in one poll cycle.
// The composite index serves the newest-first lookback query.
type PollRecord struct {
	ID       uint       `gorm:"primaryKey" json:"id"`
	HostID   string     `json:"host_id" gorm:"not null;index:idx_poll_records_host_time,priority:1"`
	Status   HostStatus `json:"status"`
	PolledAt time.Time  `json:"polled_at" gorm:"index;index:idx_poll_records_host_time,priority:2,sort:desc"`
}
