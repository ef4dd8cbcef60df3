package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ipmon/ipmon/internal/logger"
	"github.com/ipmon/ipmon/internal/metrics"
	"github.com/ipmon/ipmon/internal/models"
)

var ErrAlertNotFound = errors.New("alert not found")

// AlertService raises and clears host status alerts.
type AlertService struct {
	DB *gorm.DB
}

func NewAlertService(db *gorm.DB) *AlertService {
	return &AlertService{DB: db}
}

// Raise creates an uncleared alert for host settling on status, inside tx. It returns nil
// when alerting is disabled for the host or the status was already alerted. The
// last_alerted_status swap is a conditional update so concurrent writers raise at most
// one alert per status change.
func (s *AlertService) Raise(tx *gorm.DB, host *models.Host, status models.HostStatus, now time.Time) (*models.Alert, error) {
	if !host.AlertsEnabled {
		return nil, nil
	}
	if host.AlreadyAlerted(status) {
		return nil, nil
	}

	result := tx.Model(&models.Host{}).
		Where("id = ? AND (last_alerted_status IS NULL OR last_alerted_status <> ?)", host.ID, status).
		Update("last_alerted_status", status)
	if result.Error != nil {
		return nil, fmt.Errorf("mark host alerted: %w", result.Error)
	}
	alerted := status
	host.LastAlertedStatus = &alerted
	if result.RowsAffected == 0 {
		return nil, nil
	}

	alert := &models.Alert{HostID: host.ID, Status: status, CreatedAt: now.UTC()}
	if err := tx.Create(alert).Error; err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}

	metrics.IncAlertRaised(string(status))
	logger.Log().WithField("host", host.DisplayName()).WithField("status", status).Info("alert raised")
	return alert, nil
}

// PendingAlert is an uncleared alert joined with its host.
type PendingAlert struct {
	Alert models.Alert
	Host  models.Host
}

// ListPending returns every uncleared alert with its host, oldest first. Alerts whose
// host no longer exists are returned with a zero Host.
func (s *AlertService) ListPending(ctx context.Context) ([]PendingAlert, error) {
	var alerts []models.Alert
	if err := s.DB.WithContext(ctx).Where("cleared = ?", false).
		Order("created_at asc").Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("load pending alerts: %w", err)
	}
	if len(alerts) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(alerts))
	for _, a := range alerts {
		ids = append(ids, a.HostID)
	}
	var hosts []models.Host
	if err := s.DB.WithContext(ctx).Where("id IN ?", ids).Find(&hosts).Error; err != nil {
		return nil, fmt.Errorf("load alert hosts: %w", err)
	}
	byID := make(map[string]models.Host, len(hosts))
	for _, h := range hosts {
		byID[h.ID] = h
	}

	pending := make([]PendingAlert, 0, len(alerts))
	for _, a := range alerts {
		pending = append(pending, PendingAlert{Alert: a, Host: byID[a.HostID]})
	}
	return pending, nil
}

// List returns alerts newest first. When onlyPending is set cleared alerts are skipped.
func (s *AlertService) List(onlyPending bool, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.DB.Order("created_at desc").Limit(limit)
	if onlyPending {
		q = q.Where("cleared = ?", false)
	}
	var alerts []models.Alert
	if err := q.Find(&alerts).Error; err != nil {
		return nil, err
	}
	return alerts, nil
}

// Clear marks the given alerts cleared in one transaction.
func (s *AlertService) Clear(ctx context.Context, ids []string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var cleared int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		clearedAt := now.UTC()
		result := tx.Model(&models.Alert{}).
			Where("id IN ? AND cleared = ?", ids, false).
			Updates(map[string]interface{}{"cleared": true, "cleared_at": &clearedAt})
		if result.Error != nil {
			return result.Error
		}
		cleared = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("clear alerts: %w", err)
	}
	metrics.AddAlertsCleared(int(cleared))
	return cleared, nil
}

// ClearOne clears a single alert by id.
func (s *AlertService) ClearOne(ctx context.Context, id string) error {
	var alert models.Alert
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&alert).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAlertNotFound
		}
		return err
	}
	_, err := s.Clear(ctx, []string{id}, time.Now())
	return err
}
