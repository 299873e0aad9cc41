// Package telegram connects a Telegram bot over long polling and maps
// updates to message chains in both directions.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgm "github.com/go-telegram/bot/models"

	"github.com/kestrelbot/kestrel/internal/channels"
	"github.com/kestrelbot/kestrel/internal/config"
	"github.com/kestrelbot/kestrel/pkg/models"
)

const platformName = "telegram"

// Adapter is the Telegram platform adapter.
type Adapter struct {
	cfg     config.TelegramConfig
	bot     *bot.Bot
	pub     channels.Publisher
	metrics *channels.Metrics
	logger  *slog.Logger

	mu           sync.RWMutex
	selfID       string
	selfUsername string
}

// New builds the adapter and the underlying bot client. The first API call
// happens in Run.
func New(cfg config.TelegramConfig, pub channels.Publisher, metrics *channels.Metrics, logger *slog.Logger) (*Adapter, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		cfg:     cfg,
		pub:     pub,
		metrics: metrics,
		logger:  logger.With("adapter", platformName),
	}

	opts := []bot.Option{
		bot.WithDefaultHandler(a.handleUpdate),
		bot.WithSkipGetMe(),
	}
	if cfg.APIBase != "" {
		opts = append(opts, bot.WithServerURL(cfg.APIBase))
	}
	b, err := bot.New(cfg.BotToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	a.bot = b
	return a, nil
}

func (a *Adapter) Name() string { return platformName }
func (a *Adapter) ID() string   { return platformName }

func (a *Adapter) Meta() models.PlatformMeta {
	return models.PlatformMeta{
		Name:              platformName,
		ID:                platformName,
		Description:       "Telegram Bot API, long polling",
		SupportsStreaming: false,
	}
}

// Run resolves the bot identity, then long-polls until ctx is canceled.
// The poll loop inside bot.Start retries transient errors on its own; only
// the identity call needs an explicit retry here.
func (a *Adapter) Run(ctx context.Context) error {
	const identityRetry = 5 * time.Second
	for {
		me, err := a.bot.GetMe(ctx)
		if err == nil {
			a.mu.Lock()
			a.selfID = strconv.FormatInt(me.ID, 10)
			a.selfUsername = me.Username
			a.mu.Unlock()
			a.logger.Info("connected", "username", me.Username)
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Warn("getMe failed, retrying", "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(identityRetry):
		}
	}

	a.bot.Start(ctx)
	return nil
}

// Terminate is a no-op: the poll loop stops with the Run context.
func (a *Adapter) Terminate(context.Context) error { return nil }

func (a *Adapter) self() (id, username string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.selfID, a.selfUsername
}

func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *tgm.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	if msg.From.IsBot {
		return
	}

	chain, err := a.toChain(ctx, msg)
	if err != nil {
		a.logger.Warn("convert inbound message failed", "chat_id", msg.Chat.ID, "error", err)
		return
	}
	if chain.Empty() {
		return
	}

	messageType := models.MessageTypeGroup
	if msg.Chat.Type == "private" {
		messageType = models.MessageTypeFriend
	}
	selfID, _ := a.self()

	nickname := msg.From.Username
	if nickname == "" {
		nickname = msg.From.FirstName
	}

	ev := &models.Event{
		Platform: a.ID(),
		Meta:     a.Meta(),
		Session: models.Session{
			Platform:    platformName,
			MessageType: messageType,
			ID:          strconv.FormatInt(msg.Chat.ID, 10),
		},
		Sender: models.Sender{
			ID:       strconv.FormatInt(msg.From.ID, 10),
			Nickname: nickname,
		},
		SelfID:     selfID,
		MessageID:  strconv.Itoa(msg.ID),
		Message:    chain,
		MessageStr: chain.PlainText(),
		ReceivedAt: time.Now(),
	}
	ev.BindResponder(&responder{adapter: a, chatID: msg.Chat.ID})

	if err := a.pub.Publish(ctx, ev); err != nil {
		a.logger.Warn("publish failed", "chat_id", msg.Chat.ID, "error", err)
		return
	}
	a.metrics.RecordReceived(platformName)
}

// responder delivers chains back to the chat an event arrived from.
type responder struct {
	adapter *Adapter
	chatID  int64
}

func (r *responder) Send(ctx context.Context, chain *models.MessageChain) error {
	if chain == nil || chain.Empty() {
		return nil
	}
	if err := r.adapter.deliver(ctx, r.chatID, chain); err != nil {
		r.adapter.metrics.RecordSendFailure(platformName)
		return err
	}
	r.adapter.metrics.RecordSent(platformName)
	return nil
}

// SendStreaming has no chunk transport on Telegram: both modes aggregate
// into sentence segments.
func (r *responder) SendStreaming(ctx context.Context, stream *models.StreamRelay, _ bool) error {
	return channels.DrainSegments(ctx, stream, r.Send)
}

// PreSend shows the typing indicator while the reply is on its way.
func (r *responder) PreSend(ctx context.Context) {
	_, err := r.adapter.bot.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: r.chatID,
		Action: tgm.ChatActionTyping,
	})
	if err != nil {
		r.adapter.logger.Debug("chat action failed", "chat_id", r.chatID, "error", err)
	}
}

// PostSend completes the delivery bracket; Telegram clears the typing
// indicator on its own once a message arrives.
func (r *responder) PostSend(context.Context) {}
