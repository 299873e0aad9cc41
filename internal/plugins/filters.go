package plugins

import (
	"regexp"
	"strings"

	"github.com/kestrelbot/kestrel/pkg/models"
)

// Filter decides whether a handler fires for a message event and may parse
// parameters out of the message text.
type Filter interface {
	Match(ev *models.Event) (params map[string]any, ok bool)
}

// CommandFilter matches "<name> [args...]" at the start of the woken
// message text. The remaining words are exposed as params["args"].
type CommandFilter struct {
	Name    string
	Aliases []string
}

func (f CommandFilter) Match(ev *models.Event) (map[string]any, bool) {
	if !ev.IsWake {
		return nil, false
	}
	text := strings.TrimSpace(ev.MessageStr)
	for _, name := range append([]string{f.Name}, f.Aliases...) {
		if name == "" {
			continue
		}
		if text == name {
			return map[string]any{"args": []string{}}, true
		}
		if strings.HasPrefix(text, name+" ") {
			rest := strings.TrimSpace(text[len(name):])
			return map[string]any{"args": strings.Fields(rest)}, true
		}
	}
	return nil, false
}

// RegexFilter matches the message text against a compiled pattern. Named
// groups become params.
type RegexFilter struct {
	Pattern *regexp.Regexp
}

func (f RegexFilter) Match(ev *models.Event) (map[string]any, bool) {
	if f.Pattern == nil {
		return nil, false
	}
	m := f.Pattern.FindStringSubmatch(ev.MessageStr)
	if m == nil {
		return nil, false
	}
	params := map[string]any{"match": m[0]}
	for i, name := range f.Pattern.SubexpNames() {
		if name != "" && i < len(m) {
			params[name] = m[i]
		}
	}
	return params, true
}

// EventTypeFilter restricts a handler to one conversation context.
type EventTypeFilter struct {
	Type models.MessageType
}

func (f EventTypeFilter) Match(ev *models.Event) (map[string]any, bool) {
	return nil, ev.Session.MessageType == f.Type
}

// PermissionFilter restricts a handler to admin senders. The gate stage
// reports the refusal so it can reply with a notice.
type PermissionFilter struct{}

func (PermissionFilter) Match(ev *models.Event) (map[string]any, bool) {
	return nil, ev.Sender.Role == models.RoleAdmin
}

// IsPermissionFilter reports whether any of the handler's filters gates on
// sender role, used by the gate stage to distinguish "no permission" from
// "no match".
func IsPermissionFilter(f Filter) bool {
	_, ok := f.(PermissionFilter)
	return ok
}

// WakeFilter requires the bot to have been explicitly addressed.
type WakeFilter struct{}

func (WakeFilter) Match(ev *models.Event) (map[string]any, bool) {
	return nil, ev.IsWake
}
