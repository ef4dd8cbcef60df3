package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	neturl "net/url"
	"regexp"
	"strings"

	"github.com/containrrr/shoutrrr"
	"gorm.io/gorm"

	"github.com/ipmon/ipmon/internal/logger"
	"github.com/ipmon/ipmon/internal/models"
)

// NotificationService keeps in-app notifications and fans alerts out to the external
// shoutrrr providers.
type NotificationService struct {
	DB *gorm.DB

	send func(url, message string) error
}

func NewNotificationService(db *gorm.DB) *NotificationService {
	return &NotificationService{DB: db, send: shoutrrrSend}
}

func shoutrrrSend(url, message string) error {
	return shoutrrr.Send(url, message)
}

var ErrNotificationNotFound = errors.New("notification not found")

var discordWebhookRegex = regexp.MustCompile(`^https://discord(?:app)?\.com/api/webhooks/(\d+)/([a-zA-Z0-9_-]+)`)

func normalizeURL(serviceType, rawURL string) string {
	if serviceType == "discord" {
		matches := discordWebhookRegex.FindStringSubmatch(rawURL)
		if len(matches) == 3 {
			return fmt.Sprintf("discord://%s@%s", matches[2], matches[1])
		}
	}
	return rawURL
}

// Internal Notifications (DB)

func (s *NotificationService) Create(hostID string, nType models.NotificationType, title, message string) (*models.Notification, error) {
	notification := &models.Notification{
		HostID:  hostID,
		Type:    nType,
		Title:   title,
		Message: message,
	}
	result := s.DB.Create(notification)
	return notification, result.Error
}

// NotificationFilter narrows the in-app notification list. A zero Limit means 100.
type NotificationFilter struct {
	UnreadOnly bool
	HostID     string
	Limit      int
}

// List returns in-app notifications newest first.
func (s *NotificationService) List(filter NotificationFilter) ([]models.Notification, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := s.DB.Order("created_at desc").Limit(limit)
	if filter.UnreadOnly {
		query = query.Where("read = ?", false)
	}
	if filter.HostID != "" {
		query = query.Where("host_id = ?", filter.HostID)
	}
	var notifications []models.Notification
	if err := query.Find(&notifications).Error; err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return notifications, nil
}

// MarkAsRead flags one notification as read. Marking an already read notification is
// not an error.
func (s *NotificationService) MarkAsRead(id string) error {
	result := s.DB.Model(&models.Notification{}).Where("id = ?", id).Update("read", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	// MySQL reports zero affected rows for an unchanged value
	var count int64
	if err := s.DB.Model(&models.Notification{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// MarkAllAsRead flags every unread notification and returns how many changed.
func (s *NotificationService) MarkAllAsRead() (int64, error) {
	result := s.DB.Model(&models.Notification{}).Where("read = ?", false).Update("read", true)
	return result.RowsAffected, result.Error
}

// External Notifications (shoutrrr)

// SendAlert delivers one alert to every enabled provider subscribed to its status and
// returns the number of providers that failed.
func (s *NotificationService) SendAlert(ctx context.Context, status models.HostStatus, title, message string) int {
	var providers []models.NotificationProvider
	if err := s.DB.WithContext(ctx).Where("enabled = ?", true).Find(&providers).Error; err != nil {
		logger.Log().WithError(err).Error("failed to fetch notification providers")
		return 0
	}

	failed := 0
	body := fmt.Sprintf("%s\n\n%s", title, message)
	for _, p := range providers {
		if !p.Wants(status) {
			continue
		}
		if err := s.deliver(p, body); err != nil {
			failed++
			logger.Log().WithError(err).WithField("provider", p.Name).Error("failed to send notification")
		}
	}
	return failed
}

func (s *NotificationService) deliver(p models.NotificationProvider, message string) error {
	url := normalizeURL(p.Type, p.URL)
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		if _, err := validateWebhookURL(url); err != nil {
			return fmt.Errorf("invalid destination: %w", err)
		}
	}
	send := s.send
	if send == nil {
		send = shoutrrrSend
	}
	return send(url, message)
}

// TestProvider sends a test message through provider.
func (s *NotificationService) TestProvider(provider models.NotificationProvider) error {
	return s.deliver(provider, "Test notification from ipmon")
}

// isPrivateIP returns true for RFC1918, loopback and link-local addresses.
func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate()
}

// validateWebhookURL parses an http(s) destination and rejects hosts that resolve to
// private or local addresses.
func validateWebhookURL(raw string) (*neturl.URL, error) {
	u, err := neturl.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("missing host")
	}
	// Explicit loopback is allowed for local testing.
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return u, nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("dns lookup failed: %w", err)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return nil, fmt.Errorf("disallowed host IP: %s", ip.String())
		}
	}
	return u, nil
}

// Provider Management

func (s *NotificationService) ListProviders() ([]models.NotificationProvider, error) {
	var providers []models.NotificationProvider
	result := s.DB.Order("name asc").Find(&providers)
	return providers, result.Error
}

func (s *NotificationService) GetProvider(id string) (*models.NotificationProvider, error) {
	var provider models.NotificationProvider
	if err := s.DB.Where("id = ?", id).First(&provider).Error; err != nil {
		return nil, err
	}
	return &provider, nil
}

// ValidateProviderURL checks that shoutrrr can build a sender for the provider.
func ValidateProviderURL(provider models.NotificationProvider) error {
	url := normalizeURL(provider.Type, provider.URL)
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("%w: provider url is required", ErrInvalidSetting)
	}
	if _, err := shoutrrr.CreateSender(url); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSetting, err)
	}
	return nil
}

func (s *NotificationService) CreateProvider(provider *models.NotificationProvider) error {
	if err := ValidateProviderURL(*provider); err != nil {
		return err
	}
	return s.DB.Create(provider).Error
}

func (s *NotificationService) UpdateProvider(provider *models.NotificationProvider) error {
	if err := ValidateProviderURL(*provider); err != nil {
		return err
	}
	return s.DB.Save(provider).Error
}

func (s *NotificationService) DeleteProvider(id string) error {
	return s.DB.Delete(&models.NotificationProvider{}, "id = ?", id).Error
}
