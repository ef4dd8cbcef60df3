package services

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// DefaultTelegramRetryAfter is used when a 429 response carries no retry_after.
const DefaultTelegramRetryAfter = 5 * time.Second

// TelegramResult describes the outcome of one Bot API call.
type TelegramResult struct {
	StatusCode  int
	RetryAfter  time.Duration
	Description string
}

// OK reports whether the call succeeded.
func (r TelegramResult) OK() bool { return r.StatusCode == http.StatusOK }

// RateLimited reports whether the call was rejected with 429.
func (r TelegramResult) RateLimited() bool { return r.StatusCode == http.StatusTooManyRequests }

// Photo is an image attached to a Telegram message, either uploaded from Data or
// referenced by URL.
type Photo struct {
	Filename string
	Data     []byte
	URL      string
}

// TelegramSender is the Bot API surface used by dispatch.
type TelegramSender interface {
	SendMessage(ctx context.Context, chatID, text string) TelegramResult
	SendPhoto(ctx context.Context, chatID, caption string, photo Photo) TelegramResult
}

// BotSender sends through github.com/go-telegram/bot.
type BotSender struct {
	bot *bot.Bot
}

// NewBotSender creates a sender for token. No request is made until the first send.
func NewBotSender(token string, opts ...bot.Option) (*BotSender, error) {
	opts = append([]bot.Option{bot.WithSkipGetMe()}, opts...)
	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, err
	}
	return &BotSender{bot: b}, nil
}

func (s *BotSender) SendMessage(ctx context.Context, chatID, text string) TelegramResult {
	_, err := s.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: tgmodels.ParseModeHTML,
	})
	return resultFromError(err)
}

func (s *BotSender) SendPhoto(ctx context.Context, chatID, caption string, photo Photo) TelegramResult {
	var file tgmodels.InputFile
	if photo.URL != "" {
		file = &tgmodels.InputFileString{Data: photo.URL}
	} else {
		file = &tgmodels.InputFileUpload{Filename: photo.Filename, Data: bytes.NewReader(photo.Data)}
	}
	_, err := s.bot.SendPhoto(ctx, &bot.SendPhotoParams{
		ChatID:    chatID,
		Photo:     file,
		Caption:   caption,
		ParseMode: tgmodels.ParseModeHTML,
	})
	return resultFromError(err)
}

func resultFromError(err error) TelegramResult {
	if err == nil {
		return TelegramResult{StatusCode: http.StatusOK}
	}
	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		return TelegramResult{
			StatusCode:  http.StatusTooManyRequests,
			RetryAfter:  time.Duration(tooMany.RetryAfter) * time.Second,
			Description: tooMany.Message,
		}
	}
	status := 0
	switch {
	case errors.Is(err, bot.ErrorBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, bot.ErrorUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, bot.ErrorForbidden):
		status = http.StatusForbidden
	case errors.Is(err, bot.ErrorNotFound):
		status = http.StatusNotFound
	}
	return TelegramResult{StatusCode: status, Description: err.Error()}
}

var (
	breakTag   = regexp.MustCompile(`(?i)<br\s*/?>|<hr\s*/?>|</p>|</div>|</tr>|</li>`)
	anyTag     = regexp.MustCompile(`(?is)<[^>]*>`)
	boldTag    = regexp.MustCompile(`(?i)^</?b>$`)
	blankLines = regexp.MustCompile(`\n{3,}`)
)

// TelegramText converts an HTML alert message to the subset Telegram accepts: every tag
// except <b> is removed and block breaks become newlines.
func TelegramText(s string) string {
	s = breakTag.ReplaceAllString(s, "\n")
	s = anyTag.ReplaceAllStringFunc(s, func(tag string) string {
		if boldTag.MatchString(tag) {
			return strings.ToLower(tag)
		}
		return ""
	})
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = blankLines.ReplaceAllString(s, "\n\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
