package services

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ipmon/ipmon/internal/models"
)

// HistoryService owns the append-only poll history.
type HistoryService struct {
	DB  *gorm.DB
	now func() time.Time
}

func NewHistoryService(db *gorm.DB) *HistoryService {
	return &HistoryService{DB: db, now: time.Now}
}

// Append records the outcome of one probe inside tx.
func (s *HistoryService) Append(tx *gorm.DB, hostID string, status models.HostStatus, at time.Time) (*models.PollRecord, error) {
	record := &models.PollRecord{HostID: hostID, Status: status, PolledAt: at.UTC()}
	if err := tx.Create(record).Error; err != nil {
		return nil, fmt.Errorf("append poll record: %w", err)
	}
	return record, nil
}

// Recent returns up to k records for the host, newest first.
func (s *HistoryService) Recent(tx *gorm.DB, hostID string, k int) ([]models.PollRecord, error) {
	if k <= 0 {
		return nil, nil
	}
	var records []models.PollRecord
	err := tx.Where("host_id = ?", hostID).
		Order("polled_at desc").Order("id desc").
		Limit(k).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("load recent poll records: %w", err)
	}
	return records, nil
}

// ForHost returns the host's history newest first, capped at limit (0 means 100).
func (s *HistoryService) ForHost(hostID string, limit int) ([]models.PollRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.Recent(s.DB, hostID, limit)
}

// Cutoff is midnight of the current day minus retentionDays.
func (s *HistoryService) Cutoff(retentionDays int) time.Time {
	now := s.now().UTC()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return startOfDay.AddDate(0, 0, -retentionDays)
}

// Cleanup deletes every record older than the retention cutoff and returns the count.
func (s *HistoryService) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("%w: retention days must be greater than 0", ErrInvalidSetting)
	}
	cutoff := s.Cutoff(retentionDays)
	result := s.DB.WithContext(ctx).Where("polled_at < ?", cutoff).Delete(&models.PollRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete poll records before %s: %w", cutoff.Format(time.RFC3339), result.Error)
	}
	return result.RowsAffected, nil
}
