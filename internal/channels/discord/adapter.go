// Package discord connects a Discord bot over the gateway websocket and
// maps message-create events to message chains.
package discord

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/kestrelbot/kestrel/internal/channels"
	"github.com/kestrelbot/kestrel/internal/config"
	"github.com/kestrelbot/kestrel/pkg/models"
)

const platformName = "discord"

// mentionToken matches the raw <@id> / <@!id> forms inside message content.
var mentionToken = regexp.MustCompile(`<@!?(\d+)>`)

// Adapter is the Discord platform adapter. The discordgo session owns its
// own reconnection loop; Run only opens and closes it.
type Adapter struct {
	cfg     config.DiscordConfig
	session *discordgo.Session
	pub     channels.Publisher
	metrics *channels.Metrics
	logger  *slog.Logger
}

// New builds the adapter and the gateway session. Network I/O starts in Run.
func New(cfg config.DiscordConfig, pub channels.Publisher, metrics *channels.Metrics, logger *slog.Logger) (*Adapter, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	a := &Adapter{
		cfg:     cfg,
		session: s,
		pub:     pub,
		metrics: metrics,
		logger:  logger.With("adapter", platformName),
	}
	s.AddHandler(a.handleMessageCreate)
	return a, nil
}

func (a *Adapter) Name() string { return platformName }
func (a *Adapter) ID() string   { return platformName }

func (a *Adapter) Meta() models.PlatformMeta {
	return models.PlatformMeta{
		Name:              platformName,
		ID:                platformName,
		Description:       "Discord gateway",
		SupportsStreaming: false,
	}
}

// Run opens the gateway connection, retrying until it sticks, then blocks
// until ctx is canceled.
func (a *Adapter) Run(ctx context.Context) error {
	const openRetry = 5 * time.Second
	for {
		err := a.session.Open()
		if err == nil {
			break
		}
		a.logger.Warn("gateway open failed, retrying", "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(openRetry):
		}
	}
	a.logger.Info("connected", "user", a.selfID())

	<-ctx.Done()
	if err := a.session.Close(); err != nil {
		return fmt.Errorf("discord: close session: %w", err)
	}
	return ctx.Err()
}

// Terminate is a no-op: Run closes the session when its context ends.
func (a *Adapter) Terminate(context.Context) error { return nil }

func (a *Adapter) selfID() string {
	if a.session.State != nil && a.session.State.User != nil {
		return a.session.State.User.ID
	}
	return ""
}

func (a *Adapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	chain := a.toChain(m.Message)
	if chain.Empty() {
		return
	}

	messageType := models.MessageTypeGroup
	if m.GuildID == "" {
		messageType = models.MessageTypeFriend
	}

	ev := &models.Event{
		Platform: a.ID(),
		Meta:     a.Meta(),
		Session: models.Session{
			Platform:    platformName,
			MessageType: messageType,
			ID:          m.ChannelID,
		},
		Sender: models.Sender{
			ID:       m.Author.ID,
			Nickname: m.Author.Username,
		},
		SelfID:     a.selfID(),
		MessageID:  m.ID,
		Message:    chain,
		MessageStr: chain.PlainText(),
		ReceivedAt: time.Now(),
	}
	ev.BindResponder(&responder{adapter: a, channelID: m.ChannelID})

	// The gateway handler has no request context; publishing honors only
	// queue backpressure here.
	if err := a.pub.Publish(context.Background(), ev); err != nil {
		a.logger.Warn("publish failed", "channel_id", m.ChannelID, "error", err)
		return
	}
	a.metrics.RecordReceived(platformName)
}

// toChain converts one gateway message into a message chain: reply
// reference, at-mentions pulled out of the raw content, text, attachments.
func (a *Adapter) toChain(m *discordgo.Message) *models.MessageChain {
	chain := models.NewChain()

	if ref := m.ReferencedMessage; ref != nil {
		reply := models.Reply{ID: ref.ID, Text: ref.Content}
		if ref.Author != nil {
			reply.SenderID = ref.Author.ID
			reply.SenderName = ref.Author.Username
		}
		chain.Components = append(chain.Components, reply)
	}

	names := make(map[string]string, len(m.Mentions))
	for _, u := range m.Mentions {
		names[u.ID] = u.Username
	}
	for _, id := range mentionIDs(m.Content) {
		chain.AtSender(id, names[id])
	}
	if text := strings.TrimSpace(mentionToken.ReplaceAllString(m.Content, "")); text != "" {
		chain.Message(text)
	}

	for _, att := range m.Attachments {
		if strings.HasPrefix(att.ContentType, "image/") {
			chain.URLImage(att.URL)
			continue
		}
		if strings.HasPrefix(att.ContentType, "audio/") {
			chain.Components = append(chain.Components, models.Record{URL: att.URL})
			continue
		}
		chain.Components = append(chain.Components, models.File{Name: att.Filename, URL: att.URL})
	}
	return chain
}

func mentionIDs(content string) []string {
	var ids []string
	for _, match := range mentionToken.FindAllStringSubmatch(content, -1) {
		ids = append(ids, match[1])
	}
	return ids
}

// deliver renders a chain as Discord sends: one text message (mentions and
// reply reference inline) plus one upload per local media component.
func (a *Adapter) deliver(ctx context.Context, channelID string, chain *models.MessageChain) error {
	send := &discordgo.MessageSend{}
	var text strings.Builder

	for _, comp := range chain.Components {
		switch v := comp.(type) {
		case models.Plain:
			text.WriteString(v.Text)
		case models.At:
			if v.ID != "" {
				fmt.Fprintf(&text, "<@%s> ", v.ID)
			}
		case models.Reply:
			send.Reference = &discordgo.MessageReference{MessageID: v.ID, ChannelID: channelID}
		case models.Image:
			if err := attachMedia(send, "image.png", v.URL, v.Path, v.Base64, &text); err != nil {
				return err
			}
		case models.Record:
			if err := attachMedia(send, "voice.ogg", v.URL, v.Path, "", &text); err != nil {
				return err
			}
		case models.Video:
			if err := attachMedia(send, "video.mp4", v.URL, v.Path, "", &text); err != nil {
				return err
			}
		case models.File:
			name := v.Name
			if name == "" {
				name = "file"
			}
			if err := attachMedia(send, name, v.URL, v.Path, "", &text); err != nil {
				return err
			}
		case models.Nodes:
			for _, node := range v.Items {
				for _, inner := range node.Content {
					if p, ok := inner.(models.Plain); ok {
						fmt.Fprintf(&text, "%s: %s\n", node.Name, p.Text)
					}
				}
			}
		}
	}

	send.Content = strings.TrimSpace(text.String())
	if send.Content == "" && len(send.Files) == 0 {
		return nil
	}
	_, err := a.session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	return err
}

// attachMedia adds one media source to the pending send: remote URLs go
// inline (Discord unfurls them), local and inline payloads become uploads.
func attachMedia(send *discordgo.MessageSend, name, url, path, b64 string, text *strings.Builder) error {
	switch {
	case url != "":
		fmt.Fprintf(text, "\n%s", url)
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		send.Files = append(send.Files, &discordgo.File{
			Name:   filepath.Base(path),
			Reader: bytes.NewReader(data),
		})
	case b64 != "":
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return fmt.Errorf("decode inline media: %w", err)
		}
		send.Files = append(send.Files, &discordgo.File{Name: name, Reader: bytes.NewReader(data)})
	}
	return nil
}

type responder struct {
	adapter   *Adapter
	channelID string
}

func (r *responder) Send(ctx context.Context, chain *models.MessageChain) error {
	if chain == nil || chain.Empty() {
		return nil
	}
	if err := r.adapter.deliver(ctx, r.channelID, chain); err != nil {
		r.adapter.metrics.RecordSendFailure(platformName)
		return err
	}
	r.adapter.metrics.RecordSent(platformName)
	return nil
}

// SendStreaming aggregates into sentence segments; the gateway has no
// incremental message transport.
func (r *responder) SendStreaming(ctx context.Context, stream *models.StreamRelay, _ bool) error {
	return channels.DrainSegments(ctx, stream, r.Send)
}
