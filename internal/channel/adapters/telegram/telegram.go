package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/uniboxhq/unibox/internal/channel"
)

// Type is the Telegram channel type.
const Type = channel.ChannelTelegram

const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

const telegramMaxMessageLength = 4096

// Adapter implements channel.Adapter, channel.InboundHandler,
// channel.Sender, channel.Prober, and channel.MediaFetcher for Telegram
// bot webhooks.
type Adapter struct {
	logger *slog.Logger
	// apiClient covers Bot API calls; mediaClient covers file downloads,
	// which run off the ingestion path and may carry larger payloads.
	apiClient   *http.Client
	mediaClient *http.Client
	mu          sync.RWMutex
	bots        map[string]*tgbotapi.BotAPI // keyed by bot token
}

// NewAdapter creates a Telegram Adapter with the given logger.
func NewAdapter(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:      log.With(slog.String("adapter", "telegram")),
		apiClient:   &http.Client{Timeout: 5 * time.Second},
		mediaClient: &http.Client{Timeout: 15 * time.Second},
		bots:        make(map[string]*tgbotapi.BotAPI),
	}
}

func (a *Adapter) getOrCreateBot(token string) (*tgbotapi.BotAPI, error) {
	a.mu.RLock()
	bot, ok := a.bots[token]
	a.mu.RUnlock()
	if ok {
		return bot, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if bot, ok := a.bots[token]; ok {
		return bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, a.apiClient)
	if err != nil {
		return nil, channel.NewTransientError(fmt.Errorf("create bot: %w", err))
	}
	a.bots[token] = bot
	return bot, nil
}

// Type returns the Telegram channel type.
func (a *Adapter) Type() channel.ChannelType {
	return Type
}

// Descriptor returns the Telegram channel metadata.
func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Telegram",
		Capabilities: channel.Capabilities{
			CanSend:       true,
			SupportsMedia: true,
			// Bot API webhooks carry no per-message delivery or read
			// receipts, so outbound messages terminate at "sent".
			SupportsDeliveryAck: false,
			SupportsReadAck:     false,
		},
		CredentialKeys: []string{"bot_token", "webhook_secret"},
	}
}

// HandleInbound verifies the webhook secret token and converts a
// Telegram Update into a normalized inbound event.
func (a *Adapter) HandleInbound(ctx context.Context, integ channel.Integration, payload []byte, headers http.Header) (channel.InboundResult, error) {
	secret := integ.Credential("webhook_secret")
	if secret == "" || headers.Get(secretTokenHeader) != secret {
		return channel.InboundResult{}, channel.NewAuthError("telegram secret token mismatch")
	}

	var update tgbotapi.Update
	if err := json.Unmarshal(payload, &update); err != nil {
		return channel.InboundResult{}, channel.NewValidationError("decode update: %v", err)
	}

	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil || msg.Chat == nil {
		// Service updates (joins, callback queries) are acknowledged
		// without producing events.
		return channel.InboundResult{}, nil
	}

	ev := channel.InboundEvent{
		AccountID:          integ.AccountID,
		IntegrationID:      integ.ID,
		Channel:            Type,
		ExternalContactKey: strconv.FormatInt(msg.Chat.ID, 10),
		ExternalMessageID:  fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID),
		Text:               messageText(msg),
		Timestamp:          time.Unix(int64(msg.Date), 0).UTC(),
	}
	if msg.From != nil {
		ev.ContactName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if ev.ContactName == "" {
			ev.ContactName = msg.From.UserName
		}
		ev.Metadata = map[string]any{
			"telegram_user_id":  msg.From.ID,
			"telegram_username": msg.From.UserName,
		}
	}
	if msg.Contact != nil && msg.Contact.PhoneNumber != "" {
		ev.ContactPhone = msg.Contact.PhoneNumber
	}
	ev.Media = extractMedia(msg)

	return channel.InboundResult{Events: []channel.InboundEvent{ev}}, nil
}

func messageText(msg *tgbotapi.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

func extractMedia(msg *tgbotapi.Message) *channel.MediaRef {
	switch {
	case len(msg.Photo) > 0:
		// Telegram sends multiple sizes; the last entry is the largest.
		best := msg.Photo[len(msg.Photo)-1]
		return &channel.MediaRef{Kind: channel.MediaImage, ProviderFileID: best.FileID, MIMEType: "image/jpeg"}
	case msg.Voice != nil:
		return &channel.MediaRef{Kind: channel.MediaAudio, ProviderFileID: msg.Voice.FileID, MIMEType: msg.Voice.MimeType}
	case msg.Audio != nil:
		return &channel.MediaRef{Kind: channel.MediaAudio, ProviderFileID: msg.Audio.FileID, MIMEType: msg.Audio.MimeType, FileName: msg.Audio.FileName}
	case msg.Video != nil:
		return &channel.MediaRef{Kind: channel.MediaVideo, ProviderFileID: msg.Video.FileID, MIMEType: msg.Video.MimeType, FileName: msg.Video.FileName}
	case msg.Document != nil:
		return &channel.MediaRef{Kind: channel.MediaDocument, ProviderFileID: msg.Document.FileID, MIMEType: msg.Document.MimeType, FileName: msg.Document.FileName}
	}
	return nil
}

// Send delivers one message to a Telegram chat and returns the Telegram
// message id as the provider message id.
func (a *Adapter) Send(ctx context.Context, integ channel.Integration, target string, content channel.OutboundContent) (string, error) {
	token := integ.Credential("bot_token")
	if token == "" {
		return "", channel.NewAuthError("bot_token credential is missing")
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(target), 10, 64)
	if err != nil {
		return "", channel.NewValidationError("telegram target must be a chat id: %q", target)
	}
	bot, err := a.getOrCreateBot(token)
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(content.Text)
	if content.Media != nil {
		sent, err := a.sendMedia(bot, chatID, content.Media, text)
		if err != nil {
			return "", classifySendError(err)
		}
		return formatMessageID(chatID, sent.MessageID), nil
	}
	if text == "" {
		return "", channel.NewValidationError("message text is required")
	}
	if len(text) > telegramMaxMessageLength {
		text = text[:telegramMaxMessageLength]
	}
	sent, err := bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return "", classifySendError(err)
	}
	return formatMessageID(chatID, sent.MessageID), nil
}

func (a *Adapter) sendMedia(bot *tgbotapi.BotAPI, chatID int64, media *channel.MediaRef, caption string) (tgbotapi.Message, error) {
	file := tgbotapi.FileURL(media.URL)
	switch media.Kind {
	case channel.MediaImage:
		cfg := tgbotapi.NewPhoto(chatID, file)
		cfg.Caption = caption
		return bot.Send(cfg)
	case channel.MediaAudio:
		cfg := tgbotapi.NewAudio(chatID, file)
		cfg.Caption = caption
		return bot.Send(cfg)
	case channel.MediaVideo:
		cfg := tgbotapi.NewVideo(chatID, file)
		cfg.Caption = caption
		return bot.Send(cfg)
	default:
		cfg := tgbotapi.NewDocument(chatID, file)
		cfg.Caption = caption
		return bot.Send(cfg)
	}
}

func formatMessageID(chatID int64, messageID int) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

func classifySendError(err error) error {
	var apiErr *tgbotapi.Error
	if ok := asTelegramError(err, &apiErr); ok {
		switch {
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return channel.NewAuthError("telegram: %s", apiErr.Message)
		case apiErr.Code == http.StatusBadRequest:
			return channel.NewValidationError("telegram: %s", apiErr.Message)
		}
	}
	return channel.NewTransientError(err)
}

func asTelegramError(err error, target **tgbotapi.Error) bool {
	for err != nil {
		if e, ok := err.(*tgbotapi.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Probe verifies the bot token by calling getMe.
func (a *Adapter) Probe(ctx context.Context, integ channel.Integration) error {
	token := integ.Credential("bot_token")
	if token == "" {
		return channel.NewAuthError("bot_token credential is missing")
	}
	bot, err := a.getOrCreateBot(token)
	if err != nil {
		return err
	}
	if _, err := bot.GetMe(); err != nil {
		return classifySendError(err)
	}
	return nil
}

// FetchMedia downloads a Telegram file by its file id.
func (a *Adapter) FetchMedia(ctx context.Context, integ channel.Integration, ref channel.MediaRef) ([]byte, string, error) {
	token := integ.Credential("bot_token")
	if token == "" {
		return nil, "", channel.NewAuthError("bot_token credential is missing")
	}
	bot, err := a.getOrCreateBot(token)
	if err != nil {
		return nil, "", err
	}
	url, err := bot.GetFileDirectURL(ref.ProviderFileID)
	if err != nil {
		return nil, "", classifySendError(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := a.mediaClient.Do(req)
	if err != nil {
		return nil, "", channel.NewTransientError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", channel.NewTransientError(fmt.Errorf("download file: status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", channel.NewTransientError(err)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = ref.MIMEType
	}
	return data, mime, nil
}
