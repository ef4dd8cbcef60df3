package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ipmon/ipmon/internal/api/middleware"
	"github.com/ipmon/ipmon/internal/services"
)

const maskedSecret = "********"

// Settings owned by the typed endpoints below. UpdateSetting refuses them.
var managedPrefixes = []string{"polling.", "alerts.", "telegram.", "smtp_"}

// Reconfigurer applies a new polling configuration to the running scheduler.
type Reconfigurer interface {
	Reconfigure(cfg services.PollingConfig) error
}

type SettingsHandler struct {
	settings    *services.SettingsService
	mail        *services.MailService
	scheduler   Reconfigurer
	newTelegram services.TelegramFactory
}

func NewSettingsHandler(settings *services.SettingsService, mail *services.MailService, scheduler Reconfigurer, newTelegram services.TelegramFactory) *SettingsHandler {
	return &SettingsHandler{settings: settings, mail: mail, scheduler: scheduler, newTelegram: newTelegram}
}

func maskPassword(v string) string {
	if v == "" {
		return ""
	}
	return maskedSecret
}

func isSecretKey(key string) bool {
	return key == services.SettingSMTPPassword || key == services.SettingTelegramToken
}

func isManagedKey(key string) bool {
	for _, p := range managedPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// GetSettings returns all settings as a key/value map with secrets masked.
func (h *SettingsHandler) GetSettings(c *gin.Context) {
	all, err := h.settings.All()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch settings"})
		return
	}
	for k, v := range all {
		if isSecretKey(k) {
			all[k] = maskPassword(v)
		}
	}
	c.JSON(http.StatusOK, all)
}

type UpdateSettingRequest struct {
	Key      string `json:"key" binding:"required"`
	Value    string `json:"value"`
	Category string `json:"category"`
	Type     string `json:"type"`
}

// UpdateSetting upserts a free-form setting.
func (h *SettingsHandler) UpdateSetting(c *gin.Context) {
	var req UpdateSettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if isManagedKey(req.Key) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "setting is managed by a dedicated endpoint"})
		return
	}
	if req.Category == "" {
		req.Category = "general"
	}
	if req.Type == "" {
		req.Type = "string"
	}
	if err := h.settings.Set(req.Key, req.Value, req.Category, req.Type); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save setting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": req.Key, "value": req.Value, "category": req.Category, "type": req.Type})
}

func (h *SettingsHandler) GetPollingConfig(c *gin.Context) {
	cfg, err := h.settings.PollingConfig()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch polling settings"})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// UpdatePollingConfig stores the polling settings and reschedules the poll and dispatch
// jobs. The new stability window and retention apply from the next cycle.
func (h *SettingsHandler) UpdatePollingConfig(c *gin.Context) {
	var cfg services.PollingConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.settings.SavePollingConfig(cfg); err != nil {
		settingsError(c, err, "Failed to save polling settings")
		return
	}
	if h.scheduler != nil {
		if err := h.scheduler.Reconfigure(cfg); err != nil {
			middleware.GetRequestLogger(c).WithError(err).Error("failed to reschedule jobs")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Settings saved but jobs could not be rescheduled"})
			return
		}
	}
	middleware.GetRequestLogger(c).WithField("interval_seconds", cfg.PollIntervalSeconds).
		WithField("stable_cycles", cfg.RequiredStableCycles).
		WithField("retention_days", cfg.HistoryRetentionDays).
		Info("polling settings updated")
	c.JSON(http.StatusOK, cfg)
}

func (h *SettingsHandler) GetAlertsEnabled(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"enabled": h.settings.AlertsEnabled()})
}

func (h *SettingsHandler) SetAlertsEnabled(c *gin.Context) {
	var req setAlertsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.settings.SetAlertsEnabled(*req.Enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save setting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
}

func (h *SettingsHandler) GetTelegramConfig(c *gin.Context) {
	cfg, err := h.settings.TelegramConfig()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch telegram settings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      maskPassword(cfg.Token),
		"chat_id":    cfg.ChatID,
		"configured": cfg.Configured(),
	})
}

// UpdateTelegramConfig stores the bot settings. A masked token keeps the stored one.
func (h *SettingsHandler) UpdateTelegramConfig(c *gin.Context) {
	var req services.TelegramConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Token == maskedSecret {
		current, err := h.settings.TelegramConfig()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch telegram settings"})
			return
		}
		req.Token = current.Token
	}
	if err := h.settings.SaveTelegramConfig(req); err != nil {
		settingsError(c, err, "Failed to save telegram settings")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Telegram settings saved", "configured": req.Configured()})
}

// TestTelegram sends a plain message to the configured chat.
func (h *SettingsHandler) TestTelegram(c *gin.Context) {
	cfg, err := h.settings.TelegramConfig()
	if err != nil || !cfg.Configured() {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Telegram is not configured"})
		return
	}
	sender, err := h.newTelegram(cfg.Token)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	res := sender.SendMessage(c.Request.Context(), cfg.ChatID, "Test notification from ipmon")
	if !res.OK() {
		c.JSON(http.StatusOK, gin.H{"success": false, "status_code": res.StatusCode, "error": res.Description})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Test message sent"})
}

func (h *SettingsHandler) GetSMTPConfig(c *gin.Context) {
	cfg, err := h.mail.GetSMTPConfig()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch SMTP settings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"host":         cfg.Host,
		"port":         cfg.Port,
		"username":     cfg.Username,
		"password":     maskPassword(cfg.Password),
		"from_address": cfg.FromAddress,
		"encryption":   cfg.Encryption,
		"recipients":   cfg.Recipients,
		"configured":   cfg.Host != "" && cfg.FromAddress != "" && len(cfg.Recipients) > 0,
	})
}

// UpdateSMTPConfig stores the SMTP settings. A masked password keeps the stored one.
func (h *SettingsHandler) UpdateSMTPConfig(c *gin.Context) {
	var req services.SMTPConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Password == maskedSecret {
		current, err := h.mail.GetSMTPConfig()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch SMTP settings"})
			return
		}
		req.Password = current.Password
	}
	if err := h.mail.SaveSMTPConfig(&req); err != nil {
		settingsError(c, err, "Failed to save SMTP settings")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "SMTP settings saved"})
}

// TestSMTPConfig dials the SMTP server and authenticates without sending mail.
func (h *SettingsHandler) TestSMTPConfig(c *gin.Context) {
	if err := h.mail.TestConnection(); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "SMTP connection successful"})
}

func settingsError(c *gin.Context, err error, fallback string) {
	if errors.Is(err, services.ErrInvalidSetting) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if errors.Is(err, context.Canceled) {
		c.JSON(http.StatusRequestTimeout, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
}
