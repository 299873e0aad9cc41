package models

import (
	"context"
	"time"
)

// Role is the privilege level of a message sender.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Sender identifies who produced an inbound message.
type Sender struct {
	ID       string
	Nickname string
	Role     Role
}

// PlatformMeta describes the adapter instance an event came from.
type PlatformMeta struct {
	// Name is the platform type, e.g. "telegram".
	Name string
	// ID is the configured adapter instance id.
	ID          string
	Description string
	// SupportsStreaming tells the respond stage the adapter can deliver a
	// chunk stream verbatim; otherwise it requests the segmentation fallback.
	SupportsStreaming bool
}

// Responder delivers outbound chains to the session an event arrived from.
// Adapters bind one to each event they enqueue.
type Responder interface {
	// Send delivers one chain. A nil chain is an explicit empty send, used
	// by the web-chat platform to close its streaming indicator.
	Send(ctx context.Context, chain *MessageChain) error
	// SendStreaming consumes the relay and delivers its chunks. When
	// useFallback is set the adapter should aggregate chunks into sentence
	// segments rather than forwarding them verbatim.
	SendStreaming(ctx context.Context, stream *StreamRelay, useFallback bool) error
}

// SendObserver is implemented by responders that want notification around
// reply delivery, e.g. to show a typing indicator or flush a buffer. The
// respond stage calls PreSend before handing over a chain or stream and
// PostSend once delivery is done.
type SendObserver interface {
	PreSend(ctx context.Context)
	PostSend(ctx context.Context)
}

// ActivatedHandler names a handler the gate stage selected for this event,
// with the parameters its filters parsed from the message.
type ActivatedHandler struct {
	FullName string
	Params   map[string]any
}

// Extras is the per-event scratchpad stages use to pass state forward.
type Extras struct {
	// ProviderRequest is the in-flight LLM request. A handler may pre-seed
	// it; otherwise the LLM stage derives one from the message.
	ProviderRequest *ProviderRequest
	// ActivatedHandlers lists the handlers selected for this event in
	// priority order.
	ActivatedHandlers []ActivatedHandler
	// ToolCallResults collects chains surfaced by local tool handlers during
	// a tool round-trip, delivered ahead of the final reply.
	ToolCallResults []*MessageChain
	// IncompatibleHandlers marks handler full names the platform
	// compatibility stage ruled out for this event.
	IncompatibleHandlers map[string]bool
}

// Event is one inbound message travelling through the pipeline. Events are
// owned by a single pipeline goroutine; none of the mutating methods are
// safe for concurrent use.
type Event struct {
	// Platform is the adapter instance id (PlatformMeta.ID).
	Platform  string
	Meta      PlatformMeta
	Session   Session
	Sender    Sender
	SelfID    string
	MessageID string
	Message   *MessageChain
	// MessageStr is the plain-text projection of Message.
	MessageStr string
	ReceivedAt time.Time

	// IsWake is true when the bot was addressed (prefix, at-mention, or
	// private chat policy).
	IsWake bool
	// IsAtOrWakeCommand is true when the wake came from an explicit address
	// rather than an always-on handler match.
	IsAtOrWakeCommand bool
	// CallLLM is set by handlers that already issued their own LLM request,
	// suppressing the default LLM path.
	CallLLM bool

	Extras Extras

	result    *EventResult
	hasSend   bool
	responder Responder
}

// UnifiedOrigin returns the session key "<platform>:<type>:<id>".
func (e *Event) UnifiedOrigin() string { return e.Session.String() }

// Result returns the current event result, nil when none is set.
func (e *Event) Result() *EventResult { return e.result }

// SetResult replaces the event result.
func (e *Event) SetResult(r *EventResult) { e.result = r }

// ClearResult discards the result, including any stop decision it carried.
func (e *Event) ClearResult() { e.result = nil }

// Stop halts propagation: later stages are skipped and a suspended stage
// must not do further forward work after resuming.
func (e *Event) Stop() {
	if e.result == nil {
		e.result = &EventResult{}
	}
	e.result.StopPropagation = true
}

// IsStopped reports whether propagation was halted.
func (e *Event) IsStopped() bool {
	return e.result != nil && e.result.StopPropagation
}

// BindResponder attaches the adapter-provided reply path. Adapters call this
// before enqueueing the event.
func (e *Event) BindResponder(r Responder) { e.responder = r }

// Send delivers a chain to the originating session and records that a send
// operation happened.
func (e *Event) Send(ctx context.Context, chain *MessageChain) error {
	e.hasSend = true
	if e.responder == nil {
		return nil
	}
	return e.responder.Send(ctx, chain)
}

// SendStreaming hands a live stream to the originating adapter.
func (e *Event) SendStreaming(ctx context.Context, stream *StreamRelay, useFallback bool) error {
	e.hasSend = true
	if e.responder == nil {
		return nil
	}
	return e.responder.SendStreaming(ctx, stream, useFallback)
}

// PreSend notifies the responder that delivery is about to start. No-op
// unless the responder observes sends.
func (e *Event) PreSend(ctx context.Context) {
	if o, ok := e.responder.(SendObserver); ok {
		o.PreSend(ctx)
	}
}

// PostSend notifies the responder that delivery finished.
func (e *Event) PostSend(ctx context.Context) {
	if o, ok := e.responder.(SendObserver); ok {
		o.PostSend(ctx)
	}
}

// HasSendOperation reports whether any send happened during this run; the
// scheduler consults it for the web-chat empty-send guard.
func (e *Event) HasSendOperation() bool { return e.hasSend }
