package services

import (
	"bytes"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/ipmon/ipmon/internal/logger"
	"github.com/ipmon/ipmon/internal/models"
)

const (
	SettingSMTPHost       = "smtp_host"
	SettingSMTPPort       = "smtp_port"
	SettingSMTPUsername   = "smtp_username"
	SettingSMTPPassword   = "smtp_password"
	SettingSMTPFrom       = "smtp_from_address"
	SettingSMTPEncryption = "smtp_encryption"
	SettingSMTPRecipients = "smtp_recipients"
)

// SMTPConfig holds the SMTP server configuration.
type SMTPConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	Username    string   `json:"username"`
	Password    string   `json:"password,omitempty"`
	FromAddress string   `json:"from_address"`
	Encryption  string   `json:"encryption"` // "none", "ssl", "starttls"
	Recipients  []string `json:"recipients"`
}

// InlineImage is an image embedded in an HTML mail and referenced as cid:ContentID.
type InlineImage struct {
	ContentID string
	Filename  string
	Data      []byte
}

// Mailer sends alert mail.
type Mailer interface {
	IsConfigured() bool
	Recipients() []string
	Send(recipients []string, subject, html string, images []InlineImage) error
}

// MailService sends email via SMTP using the settings stored in the smtp category.
type MailService struct {
	DB *gorm.DB

	sendMail func(addr string, config *SMTPConfig, auth smtp.Auth, to string, msg []byte) error
}

func NewMailService(db *gorm.DB) *MailService {
	return &MailService{DB: db}
}

// GetSMTPConfig retrieves SMTP settings from the database.
func (s *MailService) GetSMTPConfig() (*SMTPConfig, error) {
	var settings []models.Setting
	if err := s.DB.Where("category = ?", "smtp").Find(&settings).Error; err != nil {
		return nil, fmt.Errorf("failed to load SMTP settings: %w", err)
	}

	config := &SMTPConfig{
		Port:       587,
		Encryption: "starttls",
	}

	for _, setting := range settings {
		switch setting.Key {
		case SettingSMTPHost:
			config.Host = strings.TrimSpace(setting.Value)
		case SettingSMTPPort:
			if port, err := strconv.Atoi(strings.TrimSpace(setting.Value)); err == nil && port > 0 {
				config.Port = port
			}
		case SettingSMTPUsername:
			config.Username = setting.Value
		case SettingSMTPPassword:
			config.Password = setting.Value
		case SettingSMTPFrom:
			config.FromAddress = strings.TrimSpace(setting.Value)
		case SettingSMTPEncryption:
			if setting.Value != "" {
				config.Encryption = setting.Value
			}
		case SettingSMTPRecipients:
			config.Recipients = NormalizeRecipients(strings.Split(setting.Value, ","))
		}
	}

	return config, nil
}

// SaveSMTPConfig stores the SMTP settings in one transaction.
func (s *MailService) SaveSMTPConfig(config *SMTPConfig) error {
	switch config.Encryption {
	case "", "none", "ssl", "starttls":
	default:
		return fmt.Errorf("%w: unknown smtp encryption %q", ErrInvalidSetting, config.Encryption)
	}
	recipients := NormalizeRecipients(config.Recipients)
	for _, r := range recipients {
		if err := validateEmailAddress(r); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSetting, err)
		}
	}
	settings := map[string]string{
		SettingSMTPHost:       config.Host,
		SettingSMTPPort:       strconv.Itoa(config.Port),
		SettingSMTPUsername:   config.Username,
		SettingSMTPPassword:   config.Password,
		SettingSMTPFrom:       config.FromAddress,
		SettingSMTPEncryption: config.Encryption,
		SettingSMTPRecipients: strings.Join(recipients, ","),
	}

	return s.DB.Transaction(func(tx *gorm.DB) error {
		for key, value := range settings {
			if err := upsertSetting(tx, key, value, "smtp", "string"); err != nil {
				return err
			}
		}
		return nil
	})
}

// NormalizeRecipients trims addresses, drops empty ones and removes duplicates while
// keeping the first occurrence order.
func NormalizeRecipients(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		key := strings.ToLower(r)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

// IsConfigured returns true if SMTP can deliver alert mail.
func (s *MailService) IsConfigured() bool {
	config, err := s.GetSMTPConfig()
	if err != nil {
		return false
	}
	return config.Host != "" && config.FromAddress != "" && len(config.Recipients) > 0
}

// Recipients returns the configured alert recipients.
func (s *MailService) Recipients() []string {
	config, err := s.GetSMTPConfig()
	if err != nil {
		return nil
	}
	return config.Recipients
}

// TestConnection tests the SMTP connection without sending an email.
func (s *MailService) TestConnection() error {
	config, err := s.GetSMTPConfig()
	if err != nil {
		return err
	}
	if config.Host == "" {
		return errors.New("SMTP host not configured")
	}

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	switch config.Encryption {
	case "ssl":
		conn, err := tls.Dial("tcp", addr, tlsConfigFor(config))
		if err != nil {
			return fmt.Errorf("SSL connection failed: %w", err)
		}
		defer conn.Close()

	default:
		client, err := smtp.Dial(addr)
		if err != nil {
			return fmt.Errorf("SMTP connection failed: %w", err)
		}
		defer client.Close()

		if config.Encryption == "starttls" {
			if err := client.StartTLS(tlsConfigFor(config)); err != nil {
				return fmt.Errorf("STARTTLS failed: %w", err)
			}
		}
		if config.Username != "" && config.Password != "" {
			auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("authentication failed: %w", err)
			}
		}
	}
	return nil
}

// Send delivers one HTML message with inline images to every recipient. Each recipient is
// a separate SMTP transaction; the first failure is returned after all were attempted.
func (s *MailService) Send(recipients []string, subject, html string, images []InlineImage) error {
	config, err := s.GetSMTPConfig()
	if err != nil {
		return err
	}
	if config.Host == "" || config.FromAddress == "" {
		return errors.New("SMTP not configured")
	}
	recipients = NormalizeRecipients(recipients)
	if len(recipients) == 0 {
		return errors.New("no mail recipients")
	}

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	var auth smtp.Auth
	if config.Username != "" && config.Password != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	var firstErr error
	for _, to := range recipients {
		msg, err := buildEmail(config.FromAddress, to, subject, html, images)
		if err != nil {
			return err
		}
		if err := s.deliver(addr, config, auth, to, msg); err != nil {
			logger.Log().WithError(err).WithField("recipient", to).Error("failed to send mail")
			if firstErr == nil {
				firstErr = fmt.Errorf("send mail to %s: %w", to, err)
			}
			continue
		}
		logger.Log().WithField("recipient", to).Info("alert mail sent")
	}
	return firstErr
}

func (s *MailService) deliver(addr string, config *SMTPConfig, auth smtp.Auth, to string, msg []byte) error {
	if s.sendMail != nil {
		return s.sendMail(addr, config, auth, to, msg)
	}
	switch config.Encryption {
	case "ssl":
		return sendSSL(addr, config, auth, to, msg)
	case "starttls":
		return sendSTARTTLS(addr, config, auth, to, msg)
	default:
		return smtp.SendMail(addr, auth, config.FromAddress, []string{to}, msg)
	}
}

// buildEmail renders a multipart/related message: the HTML body followed by each inline
// image as a base64 part with its Content-ID.
func buildEmail(from, to, subject, html string, images []InlineImage) ([]byte, error) {
	var msg bytes.Buffer
	msg.WriteString("From: " + sanitizeEmailHeader(from) + "\r\n")
	msg.WriteString("To: " + sanitizeEmailHeader(to) + "\r\n")
	msg.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", sanitizeEmailHeader(subject)) + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\n")

	if len(images) == 0 {
		msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		msg.WriteString(html)
		return msg.Bytes(), nil
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	msg.WriteString(fmt.Sprintf("Content-Type: multipart/related; boundary=%q\r\n\r\n", w.Boundary()))

	htmlPart, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/html; charset=UTF-8"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := htmlPart.Write([]byte(html)); err != nil {
		return nil, err
	}

	for _, img := range images {
		contentType := mime.TypeByExtension(extOf(img.Filename))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		part, err := w.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {contentType},
			"Content-Transfer-Encoding": {"base64"},
			"Content-ID":                {"<" + img.ContentID + ">"},
			"Content-Disposition":       {fmt.Sprintf("inline; filename=%q", img.Filename)},
		})
		if err != nil {
			return nil, err
		}
		if _, err := part.Write([]byte(wrapBase64(img.Data))); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}

// sanitizeEmailHeader drops control characters so a value cannot start a new header.
func sanitizeEmailHeader(v string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, v)
}

func validateEmailAddress(addr string) error {
	if addr == "" {
		return errors.New("email address is empty")
	}
	if sanitizeEmailHeader(addr) != addr {
		return errors.New("email address contains control characters")
	}
	if _, err := mail.ParseAddress(addr); err != nil {
		return fmt.Errorf("invalid email address %q: %w", addr, err)
	}
	return nil
}

func extOf(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return strings.ToLower(name[i:])
	}
	return ""
}

// wrapBase64 encodes data with 76 character lines.
func wrapBase64(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var b strings.Builder
	for len(encoded) > 76 {
		b.WriteString(encoded[:76])
		b.WriteString("\r\n")
		encoded = encoded[76:]
	}
	b.WriteString(encoded)
	return b.String()
}

func tlsConfigFor(config *SMTPConfig) *tls.Config {
	return &tls.Config{
		ServerName: config.Host,
		MinVersion: tls.VersionTLS12,
	}
}

// sendSSL sends email over an implicit TLS connection.
func sendSSL(addr string, config *SMTPConfig, auth smtp.Auth, to string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, tlsConfigFor(config))
	if err != nil {
		return fmt.Errorf("SSL connection failed: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, config.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	return transmit(client, config, auth, to, msg)
}

// sendSTARTTLS sends email after upgrading a plain connection with STARTTLS.
func sendSTARTTLS(addr string, config *SMTPConfig, auth smtp.Auth, to string, msg []byte) error {
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("SMTP connection failed: %w", err)
	}
	defer client.Close()

	if err := client.StartTLS(tlsConfigFor(config)); err != nil {
		return fmt.Errorf("STARTTLS failed: %w", err)
	}
	return transmit(client, config, auth, to, msg)
}

func transmit(client *smtp.Client, config *SMTPConfig, auth smtp.Auth, to string, msg []byte) error {
	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}
	if err := client.Mail(config.FromAddress); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO failed: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA failed: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}
	return client.Quit()
}
