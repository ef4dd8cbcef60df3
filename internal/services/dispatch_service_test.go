package services

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ipmon/ipmon/internal/models"
)

type sentMail struct {
	recipients []string
	subject    string
	html       string
	images     []InlineImage
}

type fakeMailer struct {
	configured bool
	recipients []string
	err        error
	sent       []sentMail
}

func (m *fakeMailer) IsConfigured() bool   { return m.configured }
func (m *fakeMailer) Recipients() []string { return m.recipients }
func (m *fakeMailer) Send(recipients []string, subject, html string, images []InlineImage) error {
	m.sent = append(m.sent, sentMail{recipients: recipients, subject: subject, html: html, images: images})
	return m.err
}

type telegramCall struct {
	method string
	chatID string
	text   string
	photo  Photo
}

// fakeTelegram replays results in order and answers 200 once they run out.
type fakeTelegram struct {
	mu      sync.Mutex
	results []TelegramResult
	calls   []telegramCall
}

func (f *fakeTelegram) next(call telegramCall) TelegramResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if len(f.results) == 0 {
		return TelegramResult{StatusCode: http.StatusOK}
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res
}

func (f *fakeTelegram) SendMessage(ctx context.Context, chatID, text string) TelegramResult {
	return f.next(telegramCall{method: "sendMessage", chatID: chatID, text: text})
}

func (f *fakeTelegram) SendPhoto(ctx context.Context, chatID, caption string, photo Photo) TelegramResult {
	return f.next(telegramCall{method: "sendPhoto", chatID: chatID, text: caption, photo: photo})
}

type recordedSleeps struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestDispatchService(t *testing.T, db *gorm.DB) *DispatchService {
	svc := NewDispatchService(db, t.TempDir(), "")
	svc.Mail = &fakeMailer{}
	svc.NewTelegram = nil
	svc.sleep = (&recordedSleeps{}).sleep
	svc.Notifications.send = func(url, message string) error { return nil }
	return svc
}

func raiseAlert(t *testing.T, db *gorm.DB, host *models.Host, status models.HostStatus) *models.Alert {
	alert, err := NewAlertService(db).Raise(db, host, status, time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotNil(t, alert)
	return alert
}

func TestDispatchService_NoAlerts(t *testing.T) {
	db := setupServicesTestDB(t)
	svc := newTestDispatchService(t, db)
	mailer := &fakeMailer{configured: true, recipients: []string{"a@example.com"}}
	svc.Mail = mailer

	report, err := svc.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Alerts)
	assert.Empty(t, mailer.sent)
}

func TestDispatchService_AggregatedMail(t *testing.T) {
	db := setupServicesTestDB(t)
	svc := newTestDispatchService(t, db)
	mailer := &fakeMailer{configured: true, recipients: []string{"a@example.com", "b@example.com"}}
	svc.Mail = mailer

	h1 := createHost(t, db, "10.4.0.1")
	h2 := createHost(t, db, "10.4.0.2")
	raiseAlert(t, db, h1, models.StatusDown)
	raiseAlert(t, db, h2, models.StatusUp)

	require.NoError(t, os.MkdirAll(svc.StaticDir+"/images", 0o755))
	require.NoError(t, os.WriteFile(svc.StaticDir+"/images/h1.jpg", []byte("jpeg"), 0o644))
	_, err := svc.Hosts.AddImage(h1.ID, "images/h1.jpg")
	require.NoError(t, err)

	report, err := svc.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.True(t, report.MailSent)
	assert.Equal(t, 2, report.Cleared)

	require.Len(t, mailer.sent, 1)
	mail := mailer.sent[0]
	assert.Equal(t, AlertMailSubject, mail.subject)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, mail.recipients)
	parts := strings.Split(mail.html, "<hr>")
	require.Len(t, parts, 2)
	for _, part := range parts {
		if strings.Contains(part, "10.4.0.1") {
			assert.Contains(t, part, `cid:host_`+h1.ID+`_0`)
		} else {
			assert.Contains(t, part, "10.4.0.2")
			assert.NotContains(t, part, "cid:")
		}
	}
	require.Len(t, mail.images, 1)
	assert.Equal(t, "host_"+h1.ID+"_0", mail.images[0].ContentID)
	assert.Equal(t, []byte("jpeg"), mail.images[0].Data)

	var notifications []models.Notification
	require.NoError(t, db.Find(&notifications).Error)
	assert.Len(t, notifications, 2)
}

func TestDispatchService_TelegramRateLimitRetry(t *testing.T) {
	db := setupServicesTestDB(t)
	svc := newTestDispatchService(t, db)
	sleeps := &recordedSleeps{}
	svc.sleep = sleeps.sleep
	tg := &fakeTelegram{results: []TelegramResult{
		{StatusCode: http.StatusTooManyRequests, RetryAfter: 5 * time.Second},
		{StatusCode: http.StatusOK},
	}}
	svc.NewTelegram = func(token string) (TelegramSender, error) {
		assert.Equal(t, "bot-token", token)
		return tg, nil
	}
	require.NoError(t, svc.Settings.SaveTelegramConfig(TelegramConfig{Token: "bot-token", ChatID: "-1001"}))

	host := createHost(t, db, "10.4.1.1")
	raiseAlert(t, db, host, models.StatusDown)

	report, err := svc.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TelegramSent)
	assert.Zero(t, report.TelegramFailed)

	assert.Equal(t, []time.Duration{5 * time.Second}, sleeps.sleeps)
	require.Len(t, tg.calls, 2)
	assert.Equal(t, tg.calls[0], tg.calls[1], "retry sends the identical payload")
	assert.Equal(t, "sendMessage", tg.calls[0].method)
	assert.Equal(t, "-1001", tg.calls[0].chatID)
	assert.Contains(t, tg.calls[0].text, "<b>IP:</b> 10.4.1.1")
}

func TestDispatchService_TelegramRateLimitDefaultWait(t *testing.T) {
	db := setupServicesTestDB(t)
	svc := newTestDispatchService(t, db)
	sleeps := &recordedSleeps{}
	svc.sleep = sleeps.sleep
	tg := &fakeTelegram{results: []TelegramResult{{StatusCode: http.StatusTooManyRequests}}}
	svc.NewTelegram = func(string) (TelegramSender, error) { return tg, nil }
	require.NoError(t, svc.Settings.SaveTelegramConfig(TelegramConfig{Token: "t", ChatID: "c"}))
	raiseAlert(t, db, createHost(t, db, "10.4.1.2"), models.StatusDown)

	_, err := svc.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{DefaultTelegramRetryAfter}, sleeps.sleeps)
	assert.Len(t, tg.calls, 2)
}

func TestDispatchService_TelegramRateLimitBounded(t *testing.T) {
	db := setupServicesTestDB(t)
	svc := newTestDispatchService(t, db)
	limited := TelegramResult{StatusCode: http.StatusTooManyRequests, RetryAfter: time.Second}
	tg := &fakeTelegram{results: []TelegramResult{limited, limited, limited, limited, limited, limited}}
	svc.NewTelegram = func(string) (TelegramSender, error) { return tg, nil }
	require.NoError(t, svc.Settings.SaveTelegramConfig(TelegramConfig{Token: "t", ChatID: "c"}))
	raiseAlert(t, db, createHost(t, db, "10.4.1.3"), models.StatusDown)

	report, err := svc.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TelegramFailed)
	assert.Len(t, tg.calls, maxTelegramAttempts)
	assert.Equal(t, 1, report.Cleared)
}

func TestDispatchService_TelegramPacingAndPhoto(t *testing.T) {
	db := setupServicesTestDB(t)
	svc := newTestDispatchService(t, db)
	svc.ExternalBaseURL = "https://ipmon.example.com"
	sleeps := &recordedSleeps{}
	svc.sleep = sleeps.sleep
	tg := &fakeTelegram{}
	svc.NewTelegram = func(string) (TelegramSender, error) { return tg, nil }
	require.NoError(t, svc.Settings.SaveTelegramConfig(TelegramConfig{Token: "t", ChatID: "c"}))

	h1 := createHost(t, db, "10.4.2.1")
	h2 := createHost(t, db, "10.4.2.2")
	raiseAlert(t, db, h1, models.StatusDown)
	raiseAlert(t, db, h2, models.StatusDown)
	// Image row without a file on disk: sent by public URL.
	_, err := svc.Hosts.AddImage(h2.ID, "images/missing.jpg")
	require.NoError(t, err)

	report, err := svc.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.TelegramSent)
	assert.Equal(t, []time.Duration{DefaultTelegramPacing}, sleeps.sleeps)

	require.Len(t, tg.calls, 2)
	methods := map[string]telegramCall{}
	for _, c := range tg.calls {
		methods[c.method] = c
	}
	require.Contains(t, methods, "sendPhoto")
	assert.Equal(t, "https://ipmon.example.com/static/images/missing.jpg", methods["sendPhoto"].photo.URL)
	assert.Contains(t, methods["sendPhoto"].text, "10.4.2.2")
}

func TestDispatchService_TelegramLongCaptionSentAsText(t *testing.T) {
	db := setupServicesTestDB(t)
	svc := newTestDispatchService(t, db)
	svc.ExternalBaseURL = "https://ipmon.example.com"
	tg := &fakeTelegram{}
	svc.NewTelegram = func(string) (TelegramSender, error) { return tg, nil }
	require.NoError(t, svc.Settings.SaveTelegramConfig(TelegramConfig{Token: "t", ChatID: "c"}))

	host := &models.Host{Address: "10.4.2.9", Hostname: "cam-09", City: strings.Repeat("Lisboa ", 200), AlertsEnabled: true}
	require.NoError(t, db.Create(host).Error)
	raiseAlert(t, db, host, models.StatusDown)
	_, err := svc.Hosts.AddImage(host.ID, "images/cam-09.jpg")
	require.NoError(t, err)

	report, err := svc.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TelegramSent)

	require.Len(t, tg.calls, 1)
	assert.Equal(t, "sendMessage", tg.calls[0].method)
	assert.Contains(t, tg.calls[0].text, "10.4.2.9")
}

func TestDispatchService_GlobalSwitchOffClearsWithoutSending(t *testing.T) {
	db := setupServicesTestDB(t)
	svc := newTestDispatchService(t, db)
	mailer := &fakeMailer{configured: true, recipients: []string{"a@example.com"}}
	svc.Mail = mailer
	tg := &fakeTelegram{}
	svc.NewTelegram = func(string) (TelegramSender, error) { return tg, nil }
	require.NoError(t, svc.Settings.SaveTelegramConfig(TelegramConfig{Token: "t", ChatID: "c"}))
	require.NoError(t, svc.Settings.SetAlertsEnabled(false))

	raiseAlert(t, db, createHost(t, db, "10.4.3.1"), models.StatusDown)

	report, err := svc.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Suppressed)
	assert.Equal(t, 1, report.Cleared)
	assert.Empty(t, mailer.sent)
	assert.Empty(t, tg.calls)
}

func TestDispatchService_ClearsRegardlessOfChannelFailures(t *testing.T) {
	db := setupServicesTestDB(t)
	svc := newTestDispatchService(t, db)
	svc.Mail = &fakeMailer{configured: true, recipients: []string{"a@example.com"}, err: errors.New("dial tcp: refused")}
	svc.NewTelegram = func(string) (TelegramSender, error) { return nil, errors.New("bad token") }
	require.NoError(t, svc.Settings.SaveTelegramConfig(TelegramConfig{Token: "t", ChatID: "c"}))
	svc.Notifications.send = func(url, message string) error { return errors.New("provider down") }
	require.NoError(t, db.Create(&models.NotificationProvider{Name: "chat", Type: "generic", URL: "generic://example.com", Enabled: true, NotifyDown: true}).Error)

	raiseAlert(t, db, createHost(t, db, "10.4.4.1"), models.StatusDown)

	report, err := svc.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.False(t, report.MailSent)
	assert.Equal(t, 1, report.ProviderFailures)
	assert.Equal(t, 1, report.Cleared)

	pending, err := svc.Alerts.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending, "failed deliveries are not retried in a later cycle")
}
