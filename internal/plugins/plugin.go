package plugins

import (
	"context"

	"github.com/kestrelbot/kestrel/internal/tools"
)

// Plugin is the registry's view of one loaded plugin: identity, lifecycle
// hooks, and the activation state that gates its handlers.
type Plugin struct {
	Name        string
	Author      string
	Description string
	Version     string

	// Activated gates every handler the plugin contributed. Deactivation is
	// persisted in the preference store and survives restarts.
	Activated bool

	// platformEnable caches the per-platform enable map from config,
	// platform id to enabled. Platforms absent from the map are enabled.
	platformEnable map[string]bool

	Handlers []*Handler
	Tools    []*tools.FuncTool

	// Init runs after load, Terminate before unload. Either may be nil.
	Init      func(ctx context.Context) error
	Terminate func(ctx context.Context) error
}

// SetPlatformEnable caches the config's enable map for this plugin. Called
// from lifecycle code only, while no pipeline runs are in flight.
func (p *Plugin) SetPlatformEnable(m map[string]bool) {
	p.platformEnable = m
}

// EnabledOn reports whether the plugin may run on the given platform id.
// A platform with no entry is enabled.
func (p *Plugin) EnabledOn(platformID string) bool {
	if p.platformEnable == nil {
		return true
	}
	enabled, ok := p.platformEnable[platformID]
	if !ok {
		return true
	}
	return enabled
}
