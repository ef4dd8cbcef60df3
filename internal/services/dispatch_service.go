package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/ipmon/ipmon/internal/logger"
	"github.com/ipmon/ipmon/internal/metrics"
	"github.com/ipmon/ipmon/internal/models"
	"github.com/ipmon/ipmon/internal/probe"
)

const (
	// DefaultTelegramPacing separates consecutive Telegram messages of one cycle.
	DefaultTelegramPacing = 1200 * time.Millisecond
	// maxTelegramAttempts bounds the 429 retry loop for one message.
	maxTelegramAttempts = 5
	// maxTelegramCaption is the Bot API limit for sendPhoto captions.
	maxTelegramCaption = 1024
)

// TelegramFactory builds a sender for a bot token.
type TelegramFactory func(token string) (TelegramSender, error)

// NewBotTelegramFactory returns a factory backed by the Bot API.
func NewBotTelegramFactory() TelegramFactory {
	return func(token string) (TelegramSender, error) {
		return NewBotSender(token)
	}
}

// DispatchReport summarises one dispatch cycle.
type DispatchReport struct {
	Alerts           int  `json:"alerts"`
	Cleared          int  `json:"cleared"`
	Suppressed       bool `json:"suppressed"` // global switch off, alerts cleared without sending
	MailSent         bool `json:"mail_sent"`
	TelegramSent     int  `json:"telegram_sent"`
	TelegramFailed   int  `json:"telegram_failed"`
	ProviderFailures int  `json:"provider_failures"`
}

// dispatchItem is one pending alert prepared for delivery.
type dispatchItem struct {
	alert   models.Alert
	host    models.Host
	message string            // HTML message without images
	mail    string            // HTML message with inline image references
	images  []InlineImage     // inline images for mail
	photo   *models.HostImage // first image, used by Telegram
}

// DispatchService drains uncleared alerts into the notification channels and clears them.
type DispatchService struct {
	DB            *gorm.DB
	Settings      *SettingsService
	Alerts        *AlertService
	Hosts         *HostService
	Mail          Mailer
	Notifications *NotificationService
	NewTelegram   TelegramFactory

	StaticDir       string
	ExternalBaseURL string
	TelegramPacing  time.Duration

	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	readFile func(name string) ([]byte, error)
}

func NewDispatchService(db *gorm.DB, staticDir, externalBaseURL string) *DispatchService {
	return &DispatchService{
		DB:              db,
		Settings:        NewSettingsService(db),
		Alerts:          NewAlertService(db),
		Hosts:           NewHostService(db),
		Mail:            NewMailService(db),
		Notifications:   NewNotificationService(db),
		NewTelegram:     NewBotTelegramFactory(),
		StaticDir:       staticDir,
		ExternalBaseURL: strings.TrimSuffix(externalBaseURL, "/"),
		TelegramPacing:  DefaultTelegramPacing,
		sleep:           probe.Sleep,
		now:             time.Now,
		readFile:        os.ReadFile,
	}
}

// DispatchPending sends every uncleared alert and then clears all of them in one
// transaction. Alerts are cleared whatever the channels reported: a failed delivery is
// logged and not retried in a later cycle.
func (s *DispatchService) DispatchPending(ctx context.Context) (DispatchReport, error) {
	var report DispatchReport

	pending, err := s.Alerts.ListPending(ctx)
	if err != nil {
		return report, err
	}
	if len(pending) == 0 {
		return report, nil
	}
	report.Alerts = len(pending)

	if s.Settings.AlertsEnabled() {
		s.deliver(ctx, pending, &report)
	} else {
		report.Suppressed = true
		logger.Log().WithField("alerts", len(pending)).Info("alerts disabled, clearing without sending")
	}

	ids := make([]string, len(pending))
	for i, p := range pending {
		ids[i] = p.Alert.ID
	}
	cleared, err := s.Alerts.Clear(context.WithoutCancel(ctx), ids, s.now())
	if err != nil {
		return report, err
	}
	report.Cleared = int(cleared)
	return report, nil
}

func (s *DispatchService) deliver(ctx context.Context, pending []PendingAlert, report *DispatchReport) {
	items := s.prepare(pending)
	if len(items) == 0 {
		return
	}

	s.sendMail(items, report)
	s.sendTelegram(ctx, items, report)

	for _, item := range items {
		title := AlertTitle(item.alert, item.host)
		text := TelegramText(item.message)
		if _, err := s.Notifications.Create(item.host.ID, models.NotificationTypeFor(item.alert.Status), title, text); err != nil {
			logger.Log().WithError(err).Warn("failed to store in-app notification")
		}
		report.ProviderFailures += s.Notifications.SendAlert(ctx, item.alert.Status, title, text)
	}
}

// prepare renders the messages and loads the images of every alert whose host still
// exists.
func (s *DispatchService) prepare(pending []PendingAlert) []dispatchItem {
	items := make([]dispatchItem, 0, len(pending))
	for _, p := range pending {
		if p.Host.ID == "" {
			logger.Log().WithField("alert", p.Alert.ID).Warn("alert host no longer exists, skipping")
			continue
		}
		item := dispatchItem{alert: p.Alert, host: p.Host, message: AlertMessage(p.Alert, p.Host)}
		item.mail = item.message

		images, err := s.Hosts.Images(p.Host.ID)
		if err != nil {
			logger.Log().WithError(err).WithField("host", p.Host.Address).Warn("failed to load host images")
		}
		for n, img := range images {
			if item.photo == nil {
				photo := img
				item.photo = &photo
			}
			data, err := s.readFile(filepath.Join(s.StaticDir, img.FilePath))
			if err != nil {
				continue
			}
			cid := imageContentID(p.Host.ID, n)
			item.mail += fmt.Sprintf(`<br><img src="cid:%s" style="max-width:400px;">`, cid)
			item.images = append(item.images, InlineImage{ContentID: cid, Filename: filepath.Base(img.FilePath), Data: data})
		}
		items = append(items, item)
	}
	return items
}

func (s *DispatchService) sendMail(items []dispatchItem, report *DispatchReport) {
	if s.Mail == nil || !s.Mail.IsConfigured() {
		return
	}
	bodies := make([]string, 0, len(items))
	var images []InlineImage
	for _, item := range items {
		bodies = append(bodies, item.mail)
		images = append(images, item.images...)
	}

	if err := s.Mail.Send(s.Mail.Recipients(), AlertMailSubject, strings.Join(bodies, "<hr>"), images); err != nil {
		metrics.IncNotification("email", "error")
		logger.Log().WithError(err).Error("failed to send alert mail")
		return
	}
	metrics.IncNotification("email", "ok")
	report.MailSent = true
}

func (s *DispatchService) sendTelegram(ctx context.Context, items []dispatchItem, report *DispatchReport) {
	cfg, err := s.Settings.TelegramConfig()
	if err != nil {
		logger.Log().WithError(err).Error("failed to load telegram settings")
		return
	}
	if !cfg.Configured() || s.NewTelegram == nil {
		return
	}
	sender, err := s.NewTelegram(cfg.Token)
	if err != nil {
		logger.Log().WithError(err).Error("failed to create telegram sender")
		return
	}

	for i, item := range items {
		if i > 0 && s.TelegramPacing > 0 {
			if err := s.sleep(ctx, s.TelegramPacing); err != nil {
				report.TelegramFailed += len(items) - i
				return
			}
		}
		if err := s.sendTelegramAlert(ctx, sender, cfg.ChatID, item); err != nil {
			report.TelegramFailed++
			metrics.IncNotification("telegram", "error")
			logger.Log().WithError(err).WithField("host", item.host.DisplayName()).Error("failed to send telegram alert")
			continue
		}
		report.TelegramSent++
		metrics.IncNotification("telegram", "ok")
		logger.Log().WithField("host", item.host.DisplayName()).Info("telegram alert sent")
	}
}

// sendTelegramAlert sends one alert, as a photo when the host has an image and the text
// fits in a caption. A 429 answer is retried with the same payload after the
// server-provided delay.
func (s *DispatchService) sendTelegramAlert(ctx context.Context, sender TelegramSender, chatID string, item dispatchItem) error {
	caption := TelegramText(item.message)
	photo := s.telegramPhoto(item)
	if photo != nil && utf8.RuneCountInString(caption) > maxTelegramCaption {
		logger.Log().WithField("host", item.host.DisplayName()).Debug("alert text exceeds caption limit, sending without image")
		photo = nil
	}

	send := func() TelegramResult {
		if photo != nil {
			return sender.SendPhoto(ctx, chatID, caption, *photo)
		}
		return sender.SendMessage(ctx, chatID, caption)
	}

	for attempt := 1; ; attempt++ {
		res := send()
		switch {
		case res.OK():
			return nil
		case res.RateLimited():
			metrics.IncTelegramRateLimited()
			if attempt >= maxTelegramAttempts {
				return fmt.Errorf("telegram rate limit persisted after %d attempts", attempt)
			}
			wait := res.RetryAfter
			if wait <= 0 {
				wait = DefaultTelegramRetryAfter
			}
			logger.Log().WithField("retry_after", wait.String()).Warn("telegram rate limit, waiting before retry")
			if err := s.sleep(ctx, wait); err != nil {
				return err
			}
		default:
			return fmt.Errorf("telegram returned %d: %s", res.StatusCode, res.Description)
		}
	}
}

// telegramPhoto resolves the host image: uploaded from disk when present, otherwise
// referenced by public URL. With neither the alert goes out as text.
func (s *DispatchService) telegramPhoto(item dispatchItem) *Photo {
	if item.photo == nil {
		return nil
	}
	data, err := s.readFile(filepath.Join(s.StaticDir, item.photo.FilePath))
	if err == nil {
		return &Photo{Filename: filepath.Base(item.photo.FilePath), Data: data}
	}
	if s.ExternalBaseURL != "" {
		return &Photo{URL: s.ExternalBaseURL + "/static/" + strings.TrimPrefix(item.photo.FilePath, "/")}
	}
	logger.Log().WithField("file", item.photo.FilePath).Warn("host image missing and no external base url, sending text alert")
	return nil
}
