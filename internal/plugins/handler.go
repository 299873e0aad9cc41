package plugins

import (
	"context"

	"github.com/kestrelbot/kestrel/pkg/models"
)

// HandlerFunc is the callable behind a handler. Params holds whatever the
// matching filter parsed out of the message (command arguments, regex
// groups); it is nil for hook kinds.
type HandlerFunc func(ctx context.Context, ev *models.Event, params map[string]any) error

// Handler is one plugin-contributed callback bound to an event kind.
type Handler struct {
	// FullName is "<plugin>.<handler>", unique across the registry.
	FullName string
	// PluginName is the owning plugin.
	PluginName  string
	Kind        EventKind
	Description string
	// Filters must all match for the handler to activate on a message
	// event. Hook kinds carry no filters and always run.
	Filters []Filter
	// Priority orders handlers within a stage, higher first. Default 0.
	Priority int
	Fn       HandlerFunc

	// seq is the registry insertion sequence, breaking priority ties in
	// registration order.
	seq int
}

// Match runs every filter against the event and merges their parsed params.
// All filters must pass.
func (h *Handler) Match(ev *models.Event) (map[string]any, bool) {
	var params map[string]any
	for _, f := range h.Filters {
		p, ok := f.Match(ev)
		if !ok {
			return nil, false
		}
		if len(p) > 0 {
			if params == nil {
				params = make(map[string]any, len(p))
			}
			for k, v := range p {
				params[k] = v
			}
		}
	}
	return params, true
}
