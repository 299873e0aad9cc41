// Package providers abstracts LLM chat-completion vendors behind one
// contract: synchronous and streaming completion with key rotation,
// context-overflow recovery, and modality degradation.
package providers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelbot/kestrel/pkg/models"
)

// Provider is one configured chat-completion source.
type Provider interface {
	// Name is the configured instance name, not the vendor.
	Name() string
	// Model is the configured model id.
	Model() string
	// TextChat performs one completion. User-surfacable failures come back
	// as a role=err response, not an error.
	TextChat(ctx context.Context, req *models.ProviderRequest) (*models.LLMResponse, error)
	// TextChatStream performs one streaming completion. The channel carries
	// chunk responses and is closed after the terminating non-chunk final.
	TextChatStream(ctx context.Context, req *models.ProviderRequest) (<-chan *models.LLMResponse, error)
	// Models lists the model ids the vendor offers for this key.
	Models(ctx context.Context) ([]string, error)
	// CurrentKey returns the API key in use.
	CurrentKey() string
	// SetKey replaces the key pool with a single key.
	SetKey(key string)
}

// Options configures a vendor provider instance.
type Options struct {
	Name      string
	Model     string
	BaseURL   string
	Keys      []string
	MaxTokens int
	// Timeout bounds each provider call. Zero means DefaultTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultTimeout bounds a provider call when none is configured.
const DefaultTimeout = 120 * time.Second

func (o *Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return DefaultTimeout
}

func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// KeyPool rotates among configured API keys. Rotation is triggered by the
// recovery loop on quota or auth failures.
type KeyPool struct {
	mu   sync.Mutex
	keys []string
	idx  int
}

// NewKeyPool builds a pool from the configured keys.
func NewKeyPool(keys []string) *KeyPool {
	return &KeyPool{keys: append([]string(nil), keys...)}
}

// Current returns the key in use, empty when the pool is empty.
func (p *KeyPool) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return ""
	}
	return p.keys[p.idx]
}

// Rotate advances to the next key.
func (p *KeyPool) Rotate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) > 1 {
		p.idx = (p.idx + 1) % len(p.keys)
	}
}

// Replace swaps the pool for a single key.
func (p *KeyPool) Replace(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = []string{key}
	p.idx = 0
}

// Len returns the pool size.
func (p *KeyPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}
