package pipeline

import (
	"log/slog"

	"github.com/kestrelbot/kestrel/internal/config"
	"github.com/kestrelbot/kestrel/internal/conversations"
	"github.com/kestrelbot/kestrel/internal/plugins"
	"github.com/kestrelbot/kestrel/internal/providers"
	"github.com/kestrelbot/kestrel/internal/tools"
)

// Deps carries everything the stages need. Assembled once by the lifecycle
// coordinator; stages keep references to what they use during Initialize.
type Deps struct {
	Config        *config.Config
	Registry      *plugins.Registry
	Tools         *tools.Manager
	Providers     *providers.Manager
	Conversations *conversations.Manager
	Metrics       *Metrics
	Logger        *slog.Logger
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
