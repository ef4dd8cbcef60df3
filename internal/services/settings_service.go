package services

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/ipmon/ipmon/internal/logger"
	"github.com/ipmon/ipmon/internal/models"
)

// Setting keys. Values are stored as strings in the settings table.
const (
	SettingPollInterval   = "polling.interval_seconds"
	SettingRetentionDays  = "polling.history_retention_days"
	SettingStableCycles   = "polling.stable_cycles"
	SettingAlertsEnabled  = "alerts.enabled"
	SettingTelegramToken  = "telegram.token"
	SettingTelegramChatID = "telegram.chat_id"
)

const (
	DefaultPollIntervalSeconds  = 60
	DefaultHistoryRetentionDays = 10
	DefaultStableCycles         = 3
)

var ErrInvalidSetting = errors.New("invalid setting")

// PollingConfig is the process-wide, hot-reloadable polling configuration. It is read at
// the start of every cycle.
type PollingConfig struct {
	PollIntervalSeconds  int `json:"poll_interval_seconds"`
	HistoryRetentionDays int `json:"history_retention_days"`
	RequiredStableCycles int `json:"required_stable_cycles"`
}

func DefaultPollingConfig() PollingConfig {
	return PollingConfig{
		PollIntervalSeconds:  DefaultPollIntervalSeconds,
		HistoryRetentionDays: DefaultHistoryRetentionDays,
		RequiredStableCycles: DefaultStableCycles,
	}
}

func (c PollingConfig) Validate() error {
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("%w: poll interval must be greater than 0", ErrInvalidSetting)
	}
	if c.HistoryRetentionDays <= 0 {
		return fmt.Errorf("%w: history retention must be greater than 0 days", ErrInvalidSetting)
	}
	if c.RequiredStableCycles < 1 {
		return fmt.Errorf("%w: stable cycles must be at least 1", ErrInvalidSetting)
	}
	return nil
}

// PollInterval is the period of the poll job.
func (c PollingConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// DispatchInterval is the period of the alert dispatch job: half the poll interval,
// never below one second.
func (c PollingConfig) DispatchInterval() time.Duration {
	d := c.PollInterval() / 2
	if d < time.Second {
		return time.Second
	}
	return d
}

// TelegramConfig holds the bot token and destination chat.
type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID string `json:"chat_id"`
}

// Configured reports whether both token and chat id are present.
func (c TelegramConfig) Configured() bool {
	return strings.TrimSpace(c.Token) != "" && strings.TrimSpace(c.ChatID) != ""
}

// SettingsService reads and writes runtime settings.
type SettingsService struct {
	DB *gorm.DB
}

func NewSettingsService(db *gorm.DB) *SettingsService {
	return &SettingsService{DB: db}
}

// Get returns the raw value for key and whether it exists.
func (s *SettingsService) Get(key string) (string, bool, error) {
	var setting models.Setting
	err := s.DB.Where(&models.Setting{Key: key}).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load setting %s: %w", key, err)
	}
	return setting.Value, true, nil
}

// All returns every setting as a key/value map.
func (s *SettingsService) All() (map[string]string, error) {
	var settings []models.Setting
	if err := s.DB.Find(&settings).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(settings))
	for _, setting := range settings {
		out[setting.Key] = setting.Value
	}
	return out, nil
}

// Set upserts one setting.
func (s *SettingsService) Set(key, value, category, valueType string) error {
	return upsertSetting(s.DB, key, value, category, valueType)
}

func upsertSetting(tx *gorm.DB, key, value, category, valueType string) error {
	if valueType == "" {
		valueType = "string"
	}
	setting := models.Setting{Key: key}
	if err := tx.Where(models.Setting{Key: key}).
		Assign(models.Setting{Value: value, Category: category, Type: valueType}).
		FirstOrCreate(&setting).Error; err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	return nil
}

// PollingConfig returns the current polling configuration. Missing or invalid values fall
// back to their defaults.
func (s *SettingsService) PollingConfig() (PollingConfig, error) {
	cfg := DefaultPollingConfig()
	var settings []models.Setting
	if err := s.DB.Where("category = ?", "polling").Find(&settings).Error; err != nil {
		return cfg, fmt.Errorf("failed to load polling settings: %w", err)
	}

	for _, setting := range settings {
		var target *int
		switch setting.Key {
		case SettingPollInterval:
			target = &cfg.PollIntervalSeconds
		case SettingRetentionDays:
			target = &cfg.HistoryRetentionDays
		case SettingStableCycles:
			target = &cfg.RequiredStableCycles
		default:
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(setting.Value))
		if err != nil || n < 1 {
			logger.Log().WithField("key", setting.Key).WithField("value", setting.Value).
				Warn("ignoring invalid polling setting, using default")
			continue
		}
		*target = n
	}
	return cfg, nil
}

// SavePollingConfig validates cfg and stores it in one transaction.
func (s *SettingsService) SavePollingConfig(cfg PollingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return s.DB.Transaction(func(tx *gorm.DB) error {
		values := map[string]int{
			SettingPollInterval:  cfg.PollIntervalSeconds,
			SettingRetentionDays: cfg.HistoryRetentionDays,
			SettingStableCycles:  cfg.RequiredStableCycles,
		}
		for key, v := range values {
			if err := upsertSetting(tx, key, strconv.Itoa(v), "polling", "int"); err != nil {
				return err
			}
		}
		return nil
	})
}

// AlertsEnabled is the global alert switch. It defaults to on.
func (s *SettingsService) AlertsEnabled() bool {
	v, ok, err := s.Get(SettingAlertsEnabled)
	if err != nil {
		logger.Log().WithError(err).Warn("failed to read alerts switch, assuming enabled")
		return true
	}
	if !ok {
		return true
	}
	enabled, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return enabled
}

func (s *SettingsService) SetAlertsEnabled(enabled bool) error {
	return s.Set(SettingAlertsEnabled, strconv.FormatBool(enabled), "alerts", "bool")
}

// TelegramConfig returns the stored bot token and chat id.
func (s *SettingsService) TelegramConfig() (TelegramConfig, error) {
	var settings []models.Setting
	if err := s.DB.Where("category = ?", "telegram").Find(&settings).Error; err != nil {
		return TelegramConfig{}, fmt.Errorf("failed to load telegram settings: %w", err)
	}
	var cfg TelegramConfig
	for _, setting := range settings {
		switch setting.Key {
		case SettingTelegramToken:
			cfg.Token = strings.TrimSpace(setting.Value)
		case SettingTelegramChatID:
			cfg.ChatID = strings.TrimSpace(setting.Value)
		}
	}
	return cfg, nil
}

// SaveTelegramConfig stores token and chat id. Empty values clear the channel.
func (s *SettingsService) SaveTelegramConfig(cfg TelegramConfig) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := upsertSetting(tx, SettingTelegramToken, cfg.Token, "telegram", "string"); err != nil {
			return err
		}
		return upsertSetting(tx, SettingTelegramChatID, cfg.ChatID, "telegram", "string")
	})
}
