package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// TelegramSink sends each event as a Bot API text message.
type TelegramSink struct {
	httpClient *http.Client
	endpoint   string
	token      string
	chatID     string
	prefix     string
}

// NewTelegramSink creates a sink. Messages are prefixed with "[prefix]" on
// their own line so several accounts can share one chat. chatID is a numeric
// chat id or an "@channel" username.
func NewTelegramSink(token, chatID, prefix string) *TelegramSink {
	return &TelegramSink{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		endpoint:   tgbotapi.APIEndpoint,
		token:      token,
		chatID:     chatID,
		prefix:     prefix,
	}
}

func (t *TelegramSink) Notify(ctx context.Context, e Event) {
	if err := t.send(ctx, e.Text()); err != nil {
		log.Warn().Err(err).Msg("Telegram delivery failed")
	}
}

// ctxDoer binds outgoing bot requests to the caller's context.
type ctxDoer struct {
	ctx    context.Context
	client *http.Client
}

func (d ctxDoer) Do(req *http.Request) (*http.Response, error) {
	return d.client.Do(req.WithContext(d.ctx))
}

// bot builds a client without the getMe round trip NewBotAPI makes.
func (t *TelegramSink) bot(ctx context.Context) *tgbotapi.BotAPI {
	b := &tgbotapi.BotAPI{Token: t.token, Client: ctxDoer{ctx: ctx, client: t.httpClient}}
	b.SetAPIEndpoint(t.endpoint)
	return b
}

func (t *TelegramSink) message(text string) tgbotapi.MessageConfig {
	if t.prefix != "" {
		text = "[" + t.prefix + "]\n" + text
	}
	if id, err := strconv.ParseInt(t.chatID, 10, 64); err == nil {
		return tgbotapi.NewMessage(id, text)
	}
	return tgbotapi.NewMessageToChannel(t.chatID, text)
}

func (t *TelegramSink) send(ctx context.Context, text string) error {
	if _, err := t.bot(ctx).Request(t.message(text)); err != nil {
		// the request URL embeds the bot token
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return fmt.Errorf("sendMessage: %w", err)
	}
	return nil
}
