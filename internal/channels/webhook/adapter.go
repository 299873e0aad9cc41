// Package webhook accepts inbound messages as JSON POSTs and delivers
// replies to a per-message callback URL.
package webhook

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelbot/kestrel/internal/channels"
	"github.com/kestrelbot/kestrel/internal/config"
	"github.com/kestrelbot/kestrel/pkg/models"
)

const platformName = "webhook"

const (
	callbackTimeout = 30 * time.Second
	publishTimeout  = 30 * time.Second
	maxBodyBytes    = 4 << 20
)

// inboundPayload is the POST body shape.
type inboundPayload struct {
	Session     string `json:"session"`
	Message     string `json:"message"`
	CallbackURL string `json:"callback_url,omitempty"`
	Sender      struct {
		ID       string `json:"id"`
		Nickname string `json:"nickname,omitempty"`
	} `json:"sender"`
	Images []string `json:"images,omitempty"`
}

// outboundPayload is what gets posted to the callback URL.
type outboundPayload struct {
	Session  string    `json:"session"`
	Segments []segment `json:"segments"`
}

type segment struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Name string `json:"name,omitempty"`
}

// Adapter is the generic webhook platform adapter.
type Adapter struct {
	cfg     config.WebhookConfig
	pub     channels.Publisher
	metrics *channels.Metrics
	logger  *slog.Logger
	server  *http.Server
	client  *http.Client
}

// New builds the adapter; the listener opens in Run.
func New(cfg config.WebhookConfig, pub channels.Publisher, metrics *channels.Metrics, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		cfg:     cfg,
		pub:     pub,
		metrics: metrics,
		logger:  logger.With("adapter", platformName),
		client:  &http.Client{Timeout: callbackTimeout},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, a.handlePost)
	a.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a
}

func (a *Adapter) Name() string { return platformName }
func (a *Adapter) ID() string   { return platformName }

func (a *Adapter) Meta() models.PlatformMeta {
	return models.PlatformMeta{
		Name:              platformName,
		ID:                platformName,
		Description:       "generic webhook, callback replies",
		SupportsStreaming: false,
	}
}

// Run serves inbound posts until Terminate shuts the listener down.
func (a *Adapter) Run(ctx context.Context) error {
	a.server.BaseContext = func(net.Listener) context.Context { return ctx }
	a.logger.Info("listening", "addr", a.server.Addr, "path", a.cfg.Path)
	err := a.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Terminate closes the listener and drains in-flight handlers.
func (a *Adapter) Terminate(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

func (a *Adapter) authorized(r *http.Request) bool {
	if a.cfg.Token == "" {
		return true
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.Token)) == 1
}

func (a *Adapter) handlePost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload inboundPayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&payload); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if payload.Session == "" || strings.Contains(payload.Session, ":") {
		http.Error(w, "session is required and must not contain ':'", http.StatusBadRequest)
		return
	}

	chain := models.NewChain()
	if payload.Message != "" {
		chain.Message(payload.Message)
	}
	for _, img := range payload.Images {
		if strings.HasPrefix(img, "http://") || strings.HasPrefix(img, "https://") {
			chain.URLImage(img)
			continue
		}
		chain.Components = append(chain.Components, models.ImageFromBase64(img))
	}
	if chain.Empty() {
		http.Error(w, "empty message", http.StatusBadRequest)
		return
	}

	senderID := payload.Sender.ID
	if senderID == "" {
		senderID = payload.Session
	}

	ev := &models.Event{
		Platform: a.ID(),
		Meta:     a.Meta(),
		Session: models.Session{
			Platform:    platformName,
			MessageType: models.MessageTypeFriend,
			ID:          payload.Session,
		},
		Sender:     models.Sender{ID: senderID, Nickname: payload.Sender.Nickname},
		SelfID:     platformName,
		MessageID:  uuid.NewString(),
		Message:    chain,
		MessageStr: chain.PlainText(),
		ReceivedAt: time.Now(),
	}
	ev.BindResponder(&responder{
		adapter:  a,
		session:  payload.Session,
		callback: payload.CallbackURL,
	})

	ctx, cancel := context.WithTimeout(r.Context(), publishTimeout)
	defer cancel()
	if err := a.pub.Publish(ctx, ev); err != nil {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
		return
	}
	a.metrics.RecordReceived(platformName)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"queued"}`))
}

// responder posts reply chains to the callback URL of the inbound message.
// Messages without a callback have nowhere to go; replies are dropped with
// a log line.
type responder struct {
	adapter  *Adapter
	session  string
	callback string
}

func (r *responder) Send(ctx context.Context, chain *models.MessageChain) error {
	if chain == nil || chain.Empty() {
		return nil
	}
	if r.callback == "" {
		r.adapter.logger.Debug("no callback url, dropping reply", "session", r.session)
		return nil
	}

	body, err := json.Marshal(outboundPayload{
		Session:  r.session,
		Segments: renderSegments(chain),
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal reply: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.callback, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.adapter.client.Do(req)
	if err != nil {
		r.adapter.metrics.RecordSendFailure(platformName)
		return fmt.Errorf("webhook: callback post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		r.adapter.metrics.RecordSendFailure(platformName)
		return fmt.Errorf("webhook: callback returned %s", resp.Status)
	}
	r.adapter.metrics.RecordSent(platformName)
	return nil
}

// SendStreaming aggregates into sentence segments, one callback post each.
func (r *responder) SendStreaming(ctx context.Context, stream *models.StreamRelay, _ bool) error {
	return channels.DrainSegments(ctx, stream, r.Send)
}

func renderSegments(chain *models.MessageChain) []segment {
	var out []segment
	for _, comp := range chain.Components {
		switch v := comp.(type) {
		case models.Plain:
			out = append(out, segment{Kind: "text", Text: v.Text})
		case models.Image:
			switch {
			case v.URL != "":
				out = append(out, segment{Kind: "image", URL: v.URL})
			case v.Base64 != "":
				out = append(out, segment{Kind: "image", URL: "data:image/png;base64," + v.Base64})
			}
		case models.Record:
			out = append(out, segment{Kind: "audio", URL: v.URL})
		case models.File:
			out = append(out, segment{Kind: "file", URL: v.URL, Name: v.Name})
		}
	}
	return out
}
