package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kestrelbot/kestrel/internal/config"
	"github.com/kestrelbot/kestrel/pkg/models"
)

type fakePublisher struct {
	events []*models.Event
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, ev *models.Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAdapter(pub *fakePublisher, token string) *Adapter {
	return New(config.WebhookConfig{
		Host:  "127.0.0.1",
		Port:  0,
		Path:  "/webhook",
		Token: token,
	}, pub, nil, testLogger())
}

func postJSON(t *testing.T, a *Adapter, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	a.handlePost(w, req)
	return w
}

func TestHandlePostPublishesEvent(t *testing.T) {
	pub := &fakePublisher{}
	a := testAdapter(pub, "")

	w := postJSON(t, a, `{"session":"s1","message":"hello","sender":{"id":"u1","nickname":"ann"}}`, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if len(pub.events) != 1 {
		t.Fatalf("published %d events, want 1", len(pub.events))
	}

	ev := pub.events[0]
	if ev.UnifiedOrigin() != "webhook:friend_message:s1" {
		t.Errorf("origin = %q", ev.UnifiedOrigin())
	}
	if ev.MessageStr != "hello" || ev.Sender.ID != "u1" || ev.Sender.Nickname != "ann" {
		t.Errorf("event = %+v", ev)
	}
}

func TestHandlePostRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{`, http.StatusBadRequest},
		{"missing session", `{"message":"hi"}`, http.StatusBadRequest},
		{"colon in session", `{"session":"a:b","message":"hi"}`, http.StatusBadRequest},
		{"empty message", `{"session":"s1"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := testAdapter(&fakePublisher{}, "")
			if w := postJSON(t, a, tt.body, ""); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestHandlePostBearerToken(t *testing.T) {
	pub := &fakePublisher{}
	a := testAdapter(pub, "secret")

	if w := postJSON(t, a, `{"session":"s1","message":"hi"}`, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if w := postJSON(t, a, `{"session":"s1","message":"hi"}`, "secret"); w.Code != http.StatusAccepted {
		t.Fatalf("status with token = %d, want %d", w.Code, http.StatusAccepted)
	}
}

func TestHandlePostQueueFull(t *testing.T) {
	a := testAdapter(&fakePublisher{err: context.DeadlineExceeded}, "")
	if w := postJSON(t, a, `{"session":"s1","message":"hi"}`, ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestResponderPostsCallback(t *testing.T) {
	var got outboundPayload
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode callback body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer callback.Close()

	a := testAdapter(&fakePublisher{}, "")
	r := &responder{adapter: a, session: "s1", callback: callback.URL}

	chain := models.TextChain("reply").URLImage("https://img/a.png")
	if err := r.Send(context.Background(), chain); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got.Session != "s1" || len(got.Segments) != 2 {
		t.Fatalf("payload = %+v, want session s1 with 2 segments", got)
	}
	if got.Segments[0].Kind != "text" || got.Segments[0].Text != "reply" {
		t.Errorf("segment[0] = %+v", got.Segments[0])
	}
	if got.Segments[1].Kind != "image" || got.Segments[1].URL != "https://img/a.png" {
		t.Errorf("segment[1] = %+v", got.Segments[1])
	}
}

func TestResponderNoCallbackDropsReply(t *testing.T) {
	a := testAdapter(&fakePublisher{}, "")
	r := &responder{adapter: a, session: "s1"}
	if err := r.Send(context.Background(), models.TextChain("reply")); err != nil {
		t.Fatalf("Send() without callback error = %v", err)
	}
}

func TestResponderCallbackFailureSurfaces(t *testing.T) {
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer callback.Close()

	a := testAdapter(&fakePublisher{}, "")
	r := &responder{adapter: a, session: "s1", callback: callback.URL}
	if err := r.Send(context.Background(), models.TextChain("reply")); err == nil {
		t.Fatal("Send() to a failing callback returned nil")
	}
}
