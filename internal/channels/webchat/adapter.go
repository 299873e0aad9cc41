// Package webchat serves the embedded web chat endpoint: a websocket per
// browser session, JSON frames both ways, and the Prometheus exposition
// handler on the same listener.
package webchat

import (
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
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelbot/kestrel/internal/channels"
	"github.com/kestrelbot/kestrel/internal/config"
	"github.com/kestrelbot/kestrel/pkg/models"
)

const platformName = "webchat"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 25 * time.Second
	maxFrameBytes  = 4 << 20
	inboundTimeout = 30 * time.Second
)

// inboundFrame is what the browser sends.
type inboundFrame struct {
	Type     string   `json:"type"`
	Text     string   `json:"text,omitempty"`
	Images   []string `json:"images,omitempty"`
	Username string   `json:"username,omitempty"`
}

// outboundFrame is what the server sends. Type is "message" for a complete
// chain, "chunk" for one streaming piece, and "end" to close the typing
// indicator.
type outboundFrame struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	Segments []segment `json:"segments,omitempty"`
}

type segment struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Name string `json:"name,omitempty"`
}

// Adapter is the embedded web chat platform adapter.
type Adapter struct {
	cfg      config.WebChatConfig
	pub      channels.Publisher
	metrics  *channels.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// New builds the adapter; the listener opens in Run.
func New(cfg config.WebChatConfig, pub channels.Publisher, metrics *channels.Metrics, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		cfg:     cfg,
		pub:     pub,
		metrics: metrics,
		logger:  logger.With("adapter", platformName),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.handleWS)
	mux.Handle("/metrics", promhttp.Handler())
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
		Description:       "embedded web chat",
		SupportsStreaming: true,
	}
}

// Run serves websocket and metrics traffic until Terminate shuts the
// listener down.
func (a *Adapter) Run(ctx context.Context) error {
	a.server.BaseContext = func(net.Listener) context.Context { return ctx }
	a.logger.Info("listening", "addr", a.server.Addr)
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
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.Token)) == 1
}

func (a *Adapter) handleWS(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" || strings.Contains(sessionID, ":") {
		sessionID = uuid.NewString()
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{adapter: a, conn: conn, sessionID: sessionID}
	a.logger.Info("session opened", "session", sessionID)
	c.readLoop(r.Context())
	a.logger.Info("session closed", "session", sessionID)
}

// client is one websocket connection. Writes are serialized by mu because
// the ping ticker, the pipeline responder, and the read loop all write.
type client struct {
	adapter   *Adapter
	conn      *websocket.Conn
	sessionID string
	mu        sync.Mutex
}

func (c *client) readLoop(ctx context.Context) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go c.pingLoop(stopPing)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.adapter.logger.Debug("malformed frame", "session", c.sessionID, "error", err)
			continue
		}
		if frame.Type != "message" {
			continue
		}
		c.publish(ctx, frame)
	}
}

func (c *client) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (c *client) publish(ctx context.Context, frame inboundFrame) {
	chain := models.NewChain()
	if frame.Text != "" {
		chain.Message(frame.Text)
	}
	for _, img := range frame.Images {
		chain.Components = append(chain.Components, models.ImageFromBase64(img))
	}
	if chain.Empty() {
		return
	}

	nickname := frame.Username
	if nickname == "" {
		nickname = "webchat"
	}

	ev := &models.Event{
		Platform: c.adapter.ID(),
		Meta:     c.adapter.Meta(),
		Session: models.Session{
			Platform:    platformName,
			MessageType: models.MessageTypeFriend,
			ID:          c.sessionID,
		},
		Sender:     models.Sender{ID: c.sessionID, Nickname: nickname},
		SelfID:     platformName,
		MessageID:  uuid.NewString(),
		Message:    chain,
		MessageStr: chain.PlainText(),
		ReceivedAt: time.Now(),
	}
	ev.BindResponder(c)

	pubCtx, cancel := context.WithTimeout(ctx, inboundTimeout)
	defer cancel()
	if err := c.adapter.pub.Publish(pubCtx, ev); err != nil {
		c.adapter.logger.Warn("publish failed", "session", c.sessionID, "error", err)
		return
	}
	c.adapter.metrics.RecordReceived(platformName)
}

// Send delivers a chain as one "message" frame. A nil or empty chain is the
// explicit empty send: it emits the "end" frame so the UI can close its
// typing indicator.
func (c *client) Send(ctx context.Context, chain *models.MessageChain) error {
	if chain == nil || chain.Empty() {
		return c.writeFrame(outboundFrame{Type: "end"})
	}
	if err := c.writeFrame(outboundFrame{Type: "message", Segments: renderSegments(chain)}); err != nil {
		c.adapter.metrics.RecordSendFailure(platformName)
		return err
	}
	c.adapter.metrics.RecordSent(platformName)
	return nil
}

// SendStreaming forwards chunk frames verbatim and closes with "end".
func (c *client) SendStreaming(ctx context.Context, stream *models.StreamRelay, useFallback bool) error {
	if useFallback {
		if err := channels.DrainSegments(ctx, stream, c.Send); err != nil {
			return err
		}
		return c.writeFrame(outboundFrame{Type: "end"})
	}

	for {
		chain, ok, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if text := chain.PlainText(); text != "" {
			if err := c.writeFrame(outboundFrame{Type: "chunk", Text: text}); err != nil {
				c.adapter.metrics.RecordSendFailure(platformName)
				return err
			}
		}
	}
	if err := c.writeFrame(outboundFrame{Type: "end"}); err != nil {
		return err
	}
	c.adapter.metrics.RecordSent(platformName)
	return nil
}

func (c *client) writeFrame(frame outboundFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("webchat: marshal frame: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
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
		case models.Video:
			out = append(out, segment{Kind: "video", URL: v.URL})
		case models.File:
			out = append(out, segment{Kind: "file", URL: v.URL, Name: v.Name})
		}
	}
	return out
}
