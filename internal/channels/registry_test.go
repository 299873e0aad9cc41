package channels

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelbot/kestrel/pkg/models"
)

type fakeAdapter struct {
	id         string
	started    atomic.Bool
	terminated atomic.Bool
}

func (f *fakeAdapter) Name() string             { return "fake" }
func (f *fakeAdapter) ID() string               { return f.id }
func (f *fakeAdapter) Meta() models.PlatformMeta { return models.PlatformMeta{Name: "fake", ID: f.id} }

func (f *fakeAdapter) Run(ctx context.Context) error {
	f.started.Store(true)
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeAdapter) Terminate(context.Context) error {
	f.terminated.Store(true)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryRegisterGet(t *testing.T) {
	r := NewRegistry(testLogger())
	a := &fakeAdapter{id: "one"}
	r.Register(a)

	got, ok := r.Get("one")
	if !ok || got.ID() != "one" {
		t.Fatalf("Get(one) = %v, %v", got, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("Get(missing) found an adapter")
	}
	if all := r.All(); len(all) != 1 {
		t.Fatalf("All() returned %d adapters, want 1", len(all))
	}
}

func TestRegistryRunAndTerminate(t *testing.T) {
	r := NewRegistry(testLogger())
	a := &fakeAdapter{id: "one"}
	b := &fakeAdapter{id: "two"}
	r.Register(a)
	r.Register(b)

	ctx, cancel := context.WithCancel(context.Background())
	r.RunAll(ctx)

	deadline := time.After(2 * time.Second)
	for !a.started.Load() || !b.started.Load() {
		select {
		case <-deadline:
			t.Fatal("adapters did not start")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	termCtx, termCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer termCancel()
	r.TerminateAll(termCtx)

	if !a.terminated.Load() || !b.terminated.Load() {
		t.Fatal("TerminateAll did not reach every adapter")
	}
}
