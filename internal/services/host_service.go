package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"gorm.io/gorm"

	"github.com/ipmon/ipmon/internal/logger"
	"github.com/ipmon/ipmon/internal/models"
)

var (
	ErrHostNotFound = errors.New("host not found")
	ErrHostExists   = errors.New("host with this address already exists")
	ErrHostAddress  = errors.New("host address is required")
)

// HostInput carries the management-side fields of a host.
type HostInput struct {
	Address       string `json:"address" yaml:"address"`
	Hostname      string `json:"hostname" yaml:"hostname"`
	Kind          string `json:"kind" yaml:"kind"`
	City          string `json:"city" yaml:"city"`
	Site          string `json:"site" yaml:"site"`
	Device        string `json:"device" yaml:"device"`
	AlertsEnabled *bool  `json:"alerts_enabled" yaml:"alerts_enabled"`
}

// HostCounts summarises the monitored fleet.
type HostCounts struct {
	Total   int64 `json:"total"`
	Up      int64 `json:"up"`
	Down    int64 `json:"down"`
	Unknown int64 `json:"unknown"`
}

// HostService manages the monitored host inventory.
type HostService struct {
	DB *gorm.DB

	lookupAddr func(ctx context.Context, addr string) ([]string, error)
}

func NewHostService(db *gorm.DB) *HostService {
	return &HostService{DB: db, lookupAddr: net.DefaultResolver.LookupAddr}
}

// List returns every host ordered by address.
func (s *HostService) List() ([]models.Host, error) {
	var hosts []models.Host
	if err := s.DB.Order("address asc").Find(&hosts).Error; err != nil {
		return nil, err
	}
	return hosts, nil
}

// ListTargets returns the hosts to probe in a stable order.
func (s *HostService) ListTargets(ctx context.Context) ([]models.Host, error) {
	var hosts []models.Host
	if err := s.DB.WithContext(ctx).Order("created_at asc").Order("id asc").Find(&hosts).Error; err != nil {
		return nil, fmt.Errorf("load hosts: %w", err)
	}
	return hosts, nil
}

// Get loads one host.
func (s *HostService) Get(id string) (*models.Host, error) {
	var host models.Host
	if err := s.DB.Where("id = ?", id).First(&host).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrHostNotFound
		}
		return nil, err
	}
	return &host, nil
}

// Create adds a host. When no hostname is given a reverse lookup is attempted, falling back
// to "Unknown". Per-host alerting defaults to on.
func (s *HostService) Create(ctx context.Context, in HostInput) (*models.Host, error) {
	address := strings.TrimSpace(in.Address)
	if address == "" {
		return nil, ErrHostAddress
	}

	var existing int64
	if err := s.DB.WithContext(ctx).Model(&models.Host{}).Where("address = ?", address).Count(&existing).Error; err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, ErrHostExists
	}

	host := &models.Host{
		Address:       address,
		Hostname:      strings.TrimSpace(in.Hostname),
		Kind:          in.Kind,
		City:          in.City,
		Site:          in.Site,
		Device:        in.Device,
		AlertsEnabled: true,
	}
	if in.AlertsEnabled != nil {
		host.AlertsEnabled = *in.AlertsEnabled
	}
	if host.Hostname == "" {
		host.Hostname = s.resolveHostname(ctx, address)
	}

	if err := s.DB.WithContext(ctx).Create(host).Error; err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}
	logger.Log().WithField("address", host.Address).WithField("hostname", host.Hostname).Info("host added")
	return host, nil
}

func (s *HostService) resolveHostname(ctx context.Context, address string) string {
	if s.lookupAddr == nil {
		return "Unknown"
	}
	names, err := s.lookupAddr(ctx, address)
	if err != nil || len(names) == 0 {
		return "Unknown"
	}
	return strings.TrimSuffix(names[0], ".")
}

// SetAlertsEnabled toggles alerting for one host.
func (s *HostService) SetAlertsEnabled(id string, enabled bool) (*models.Host, error) {
	host, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.DB.Model(host).Update("alerts_enabled", enabled).Error; err != nil {
		return nil, err
	}
	host.AlertsEnabled = enabled
	return host, nil
}

// Delete removes a host together with its history, alerts and images.
func (s *HostService) Delete(ctx context.Context, id string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ?", id).Delete(&models.Host{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrHostNotFound
		}
		return deleteHostData(tx, "host_id = ?", id)
	})
}

// DeleteAll removes every host and all dependent rows.
func (s *HostService) DeleteAll(ctx context.Context) (int64, error) {
	var deleted int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteHostData(tx, "1 = 1"); err != nil {
			return err
		}
		result := tx.Where("1 = 1").Delete(&models.Host{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})
	return deleted, err
}

func deleteHostData(tx *gorm.DB, query string, args ...interface{}) error {
	for _, model := range []interface{}{&models.PollRecord{}, &models.Alert{}, &models.HostImage{}} {
		if err := tx.Where(query, args...).Delete(model).Error; err != nil {
			return fmt.Errorf("delete host data: %w", err)
		}
	}
	return nil
}

// Counts returns the number of hosts per status.
func (s *HostService) Counts() (HostCounts, error) {
	var rows []struct {
		Status models.HostStatus
		Count  int64
	}
	if err := s.DB.Model(&models.Host{}).Select("status, count(*) as count").Group("status").Scan(&rows).Error; err != nil {
		return HostCounts{}, err
	}
	var counts HostCounts
	for _, r := range rows {
		counts.Total += r.Count
		switch r.Status {
		case models.StatusUp:
			counts.Up = r.Count
		case models.StatusDown:
			counts.Down = r.Count
		default:
			counts.Unknown += r.Count
		}
	}
	return counts, nil
}

// Images returns the stored images for a host, oldest first.
func (s *HostService) Images(hostID string) ([]models.HostImage, error) {
	var images []models.HostImage
	if err := s.DB.Where("host_id = ?", hostID).Order("created_at asc").Order("id asc").Find(&images).Error; err != nil {
		return nil, err
	}
	return images, nil
}

// AddImage records an image file already placed under the static directory.
func (s *HostService) AddImage(hostID, filePath string) (*models.HostImage, error) {
	if _, err := s.Get(hostID); err != nil {
		return nil, err
	}
	image := &models.HostImage{HostID: hostID, FilePath: filePath}
	if err := s.DB.Create(image).Error; err != nil {
		return nil, err
	}
	return image, nil
}
