// Package bus is the bounded event queue between platform adapters and the
// pipeline: adapters publish inbound events, a single dispatcher takes them
// off in FIFO order and runs one pipeline task per event.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kestrelbot/kestrel/internal/pipeline"
	"github.com/kestrelbot/kestrel/pkg/models"
)

// Executor runs one event through the pipeline. Implemented by
// pipeline.Scheduler; tests substitute fakes.
type Executor interface {
	Execute(ctx context.Context, ev *models.Event) error
}

// DefaultQueueSize bounds the queue when the configured size is not positive.
const DefaultQueueSize = 32

// Bus owns the inbound event queue and the dispatcher goroutine.
type Bus struct {
	queue    chan *models.Event
	executor Executor
	metrics  *pipeline.Metrics
	logger   *slog.Logger

	tasks sync.WaitGroup
	done  chan struct{}
}

// New creates a bus with the given queue capacity.
func New(size int, executor Executor, metrics *pipeline.Metrics, logger *slog.Logger) *Bus {
	if size < 1 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		queue:    make(chan *models.Event, size),
		executor: executor,
		metrics:  metrics,
		logger:   logger.With("component", "bus"),
		done:     make(chan struct{}),
	}
}

// Publish enqueues one event. It blocks while the queue is full, which is
// the backpressure adapters rely on, and gives up when ctx is canceled.
func (b *Bus) Publish(ctx context.Context, ev *models.Event) error {
	select {
	case b.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dispatches events until ctx is canceled. Each event gets its own
// pipeline goroutine; a panicking run is contained and logged.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, ev *models.Event) {
	b.metrics.RecordEvent(ev.Meta.Name)
	b.logger.Info("event received",
		"platform", ev.Meta.Name,
		"sender", ev.Sender.Nickname,
		"preview", ev.Message.Outline())

	b.tasks.Add(1)
	go func() {
		defer b.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				b.metrics.RecordFailure(ev.Meta.Name)
				b.logger.Error("pipeline panicked", "origin", ev.UnifiedOrigin(), "panic", r)
			}
		}()
		if err := b.executor.Execute(ctx, ev); err != nil {
			b.metrics.RecordFailure(ev.Meta.Name)
			b.logger.Error("pipeline failed", "origin", ev.UnifiedOrigin(), "error", err)
		}
	}()
}

// Wait blocks until the dispatcher has exited and every in-flight pipeline
// task finished. Call after canceling the Run context.
func (b *Bus) Wait() {
	<-b.done
	b.tasks.Wait()
}
