// Package plugins holds the handler registry: plugin metadata, the hooks
// plugins contribute to pipeline stages, and the filters that decide which
// handler fires for which event.
package plugins

// EventKind names the pipeline point a handler is bound to.
type EventKind string

const (
	// KindMessage handlers run in the process stage for every woken event.
	KindMessage EventKind = "on_message"
	// KindLLMRequest handlers run before each provider call and may mutate
	// the provider request.
	KindLLMRequest EventKind = "on_llm_request"
	// KindLLMResponse handlers run on every provider reply before it is
	// dispatched.
	KindLLMResponse EventKind = "on_llm_response"
	// KindDecorating handlers run after the process stage, before respond.
	KindDecorating EventKind = "on_decorating_result"
	// KindAfterSend handlers run once the respond stage delivered a reply.
	KindAfterSend EventKind = "on_after_message_sent"
	// KindLoaded handlers run once at boot, after every manager is up.
	// This kind is exempt from per-platform plugin filtering.
	KindLoaded EventKind = "on_loaded"
)
