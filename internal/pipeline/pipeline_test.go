package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kestrelbot/kestrel/internal/config"
	"github.com/kestrelbot/kestrel/internal/conversations"
	"github.com/kestrelbot/kestrel/internal/plugins"
	"github.com/kestrelbot/kestrel/internal/providers"
	"github.com/kestrelbot/kestrel/internal/storage"
	"github.com/kestrelbot/kestrel/internal/tools"
	"github.com/kestrelbot/kestrel/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testDeps assembles a full dependency set on in-memory stores. The
// provider manager starts empty; tests register fakes as needed.
func testDeps(t *testing.T, cfg *config.Config) *Deps {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	logger := testLogger()

	pm, err := providers.NewManager(config.ProviderSettings{}, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	cm, err := conversations.NewManager(context.Background(),
		storage.NewMemoryConversationStore(), storage.NewMemoryPreferenceStore(),
		conversations.WithLogger(logger))
	if err != nil {
		t.Fatalf("conversations.NewManager() error = %v", err)
	}

	return &Deps{
		Config:        cfg,
		Registry:      plugins.NewRegistry(),
		Tools:         tools.NewManager(),
		Providers:     pm,
		Conversations: cm,
		Logger:        logger,
	}
}

// fakeProvider replays scripted responses. Each call snapshots the entries
// and tool catalog it was given.
type fakeProvider struct {
	name      string
	responses []*models.LLMResponse

	mu        sync.Mutex
	calls     int
	entries   [][]models.ContextEntry
	toolCount []int
	systems   []string
}

func (p *fakeProvider) Name() string {
	if p.name == "" {
		return "fake"
	}
	return p.name
}

func (p *fakeProvider) Model() string                            { return "fake-model" }
func (p *fakeProvider) CurrentKey() string                       { return "key" }
func (p *fakeProvider) SetKey(string)                            {}
func (p *fakeProvider) Models(context.Context) ([]string, error) { return []string{"fake-model"}, nil }

func (p *fakeProvider) next(req *models.ProviderRequest) *models.LLMResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, req.AssembleEntries())
	p.toolCount = append(p.toolCount, len(req.Tools))
	p.systems = append(p.systems, req.SystemPrompt)
	i := p.calls
	p.calls++
	if i < len(p.responses) {
		return p.responses[i]
	}
	return models.NewAssistantResponse("done")
}

func (p *fakeProvider) TextChat(_ context.Context, req *models.ProviderRequest) (*models.LLMResponse, error) {
	return p.next(req), nil
}

// TextChatStream replays the next scripted response as two chunks and the
// terminating final, mirroring the chunk protocol of the real providers.
func (p *fakeProvider) TextChatStream(_ context.Context, req *models.ProviderRequest) (<-chan *models.LLMResponse, error) {
	resp := p.next(req)
	ch := make(chan *models.LLMResponse, 4)
	go func() {
		defer close(ch)
		if resp.Role == models.RoleEntryAssistant {
			text := resp.CompletionText()
			half := len(text) / 2
			if half > 0 {
				ch <- &models.LLMResponse{Role: models.RoleEntryAssistant, Chain: models.TextChain(text[:half]), IsChunk: true}
				ch <- &models.LLMResponse{Role: models.RoleEntryAssistant, Chain: models.TextChain(text[half:]), IsChunk: true}
			}
		}
		ch <- resp
	}()
	return ch, nil
}

// captureResponder records everything an adapter would have delivered.
type captureResponder struct {
	mu           sync.Mutex
	sent         []*models.MessageChain
	chunks       []*models.MessageChain
	streams      int
	usedFallback bool
}

func (r *captureResponder) Send(_ context.Context, chain *models.MessageChain) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, chain)
	return nil
}

func (r *captureResponder) SendStreaming(ctx context.Context, stream *models.StreamRelay, useFallback bool) error {
	r.mu.Lock()
	r.streams++
	r.usedFallback = useFallback
	r.mu.Unlock()
	for {
		chain, ok, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		r.mu.Lock()
		r.chunks = append(r.chunks, chain)
		r.mu.Unlock()
	}
}

func (r *captureResponder) sentTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, chain := range r.sent {
		out = append(out, chain.PlainText())
	}
	return out
}

func friendEvent(text string) (*models.Event, *captureResponder) {
	ev := &models.Event{
		Platform: "telegram",
		Meta:     models.PlatformMeta{Name: "telegram", ID: "telegram"},
		Session: models.Session{
			Platform:    "telegram",
			MessageType: models.MessageTypeFriend,
			ID:          "42",
		},
		Sender:     models.Sender{ID: "42", Nickname: "alice"},
		SelfID:     "bot",
		MessageID:  "m1",
		Message:    models.TextChain(text),
		MessageStr: text,
		ReceivedAt: time.Now(),
	}
	r := &captureResponder{}
	ev.BindResponder(r)
	return ev, r
}

func newScheduler(t *testing.T, deps *Deps) *Scheduler {
	t.Helper()
	sched, err := NewScheduler(context.Background(), deps, DefaultStages())
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	return sched
}

// recordingStage logs the order of its process and post phases.
type recordingStage struct {
	name    string
	suspend bool
	stop    bool
	order   *[]string
}

func (s *recordingStage) Name() string                                 { return s.name }
func (s *recordingStage) Initialize(context.Context, *Deps) error      { return nil }
func (s *recordingStage) Process(_ context.Context, ev *models.Event) (PostFunc, error) {
	*s.order = append(*s.order, s.name)
	if s.stop {
		ev.Stop()
	}
	if !s.suspend {
		return nil, nil
	}
	return func(context.Context, *models.Event) error {
		*s.order = append(*s.order, s.name+":post")
		return nil
	}, nil
}

func TestSchedulerOnionOrder(t *testing.T) {
	var order []string
	stages := []Stage{
		&recordingStage{name: "a", suspend: true, order: &order},
		&recordingStage{name: "b", order: &order},
		&recordingStage{name: "c", suspend: true, order: &order},
		&recordingStage{name: "d", order: &order},
	}
	sched, err := NewScheduler(context.Background(), testDeps(t, nil), stages)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	ev, _ := friendEvent("hi")
	if err := sched.Execute(context.Background(), ev); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	want := []string{"a", "b", "c", "d", "c:post", "a:post"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestSchedulerStopSkipsLaterStages(t *testing.T) {
	var order []string
	stages := []Stage{
		&recordingStage{name: "a", suspend: true, order: &order},
		&recordingStage{name: "b", stop: true, order: &order},
		&recordingStage{name: "c", order: &order},
	}
	sched, err := NewScheduler(context.Background(), testDeps(t, nil), stages)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	ev, _ := friendEvent("hi")
	if err := sched.Execute(context.Background(), ev); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	// c never runs, but the suspended stage still gets its post phase.
	want := []string{"a", "b", "a:post"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestSchedulerWebchatEmptySend(t *testing.T) {
	sched, err := NewScheduler(context.Background(), testDeps(t, nil), nil)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	ev, r := friendEvent("hi")
	ev.Meta.Name = "webchat"
	if err := sched.Execute(context.Background(), ev); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if len(r.sent) != 1 || r.sent[0] != nil {
		t.Fatalf("sent = %v, want one nil empty send", r.sent)
	}
}

func TestSchedulerNonWebchatNoEmptySend(t *testing.T) {
	sched, err := NewScheduler(context.Background(), testDeps(t, nil), nil)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	ev, r := friendEvent("hi")
	if err := sched.Execute(context.Background(), ev); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(r.sent) != 0 {
		t.Fatalf("sent = %v, want none", r.sent)
	}
}
