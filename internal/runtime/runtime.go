// Package runtime assembles and runs the whole bot: storage, conversation
// manager, tool service, providers, plugins, pipeline, bus, and platform
// adapters, in that order, with the reverse teardown on shutdown.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"github.com/kestrelbot/kestrel/internal/bus"
	"github.com/kestrelbot/kestrel/internal/channels"
	"github.com/kestrelbot/kestrel/internal/channels/discord"
	"github.com/kestrelbot/kestrel/internal/channels/telegram"
	"github.com/kestrelbot/kestrel/internal/channels/webchat"
	"github.com/kestrelbot/kestrel/internal/channels/webhook"
	"github.com/kestrelbot/kestrel/internal/config"
	"github.com/kestrelbot/kestrel/internal/conversations"
	"github.com/kestrelbot/kestrel/internal/pipeline"
	"github.com/kestrelbot/kestrel/internal/plugins"
	"github.com/kestrelbot/kestrel/internal/providers"
	"github.com/kestrelbot/kestrel/internal/storage"
	"github.com/kestrelbot/kestrel/internal/tools"
	"github.com/kestrelbot/kestrel/pkg/models"
	"github.com/kestrelbot/kestrel/pkg/pluginsdk"
)

// shutdownTimeout bounds the graceful teardown.
const shutdownTimeout = 15 * time.Second

// Preference keys for the persisted deactivation lists, kept under the
// global scope so they apply to every session.
const (
	prefInactivatedPlugins = "inactivated_plugins"
	prefInactivatedTools   = "inactivated_llm_tools"
)

// Runtime holds every long-lived subsystem.
type Runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	stores        storage.StoreSet
	conversations *conversations.Manager
	toolManager   *tools.Manager
	toolService   *tools.Service
	providers     *providers.Manager
	registry      *plugins.Registry
	scheduler     *pipeline.Scheduler
	bus           *bus.Bus
	adapters      *channels.Registry

	toolServiceDone chan struct{}
}

// New assembles the runtime. Nothing long-running starts until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runtime{cfg: cfg, logger: logger}

	if err := r.buildStores(); err != nil {
		return nil, err
	}
	convMgr, err := conversations.NewManager(ctx, r.stores.Conversations, r.stores.Preferences,
		conversations.WithLogger(logger),
		conversations.WithDefaultPersona(cfg.Persona.Default),
		conversations.WithFlushInterval(cfg.Conversation.FlushInterval),
	)
	if err != nil {
		return nil, fmt.Errorf("conversation manager: %w", err)
	}
	r.conversations = convMgr

	r.toolManager = tools.NewManager()
	svcOpts := []tools.ServiceOption{tools.WithServiceLogger(logger)}
	if cfg.Tools.Watch {
		svcOpts = append(svcOpts, tools.WithWatch())
	}
	r.toolService = tools.NewService(r.toolManager, cfg.Tools.MCPConfig, svcOpts...)

	providerMgr, err := providers.NewManager(cfg.Provider, logger)
	if err != nil {
		return nil, fmt.Errorf("provider manager: %w", err)
	}
	r.providers = providerMgr

	r.registry = plugins.NewRegistry()
	if err := r.loadPlugins(ctx); err != nil {
		return nil, err
	}

	metrics := pipeline.NewMetrics()
	deps := &pipeline.Deps{
		Config:        cfg,
		Registry:      r.registry,
		Tools:         r.toolManager,
		Providers:     r.providers,
		Conversations: r.conversations,
		Metrics:       metrics,
		Logger:        logger,
	}
	scheduler, err := pipeline.NewScheduler(ctx, deps, pipeline.DefaultStages())
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	r.scheduler = scheduler

	r.bus = bus.New(cfg.QueueSize, scheduler, metrics, logger)

	if err := r.buildAdapters(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runtime) buildStores() error {
	if r.cfg.Conversation.DatabasePath == "" {
		r.logger.Warn("no database path configured, conversations stay in memory")
		r.stores = storage.NewMemoryStores()
		return nil
	}
	stores, err := storage.NewSQLiteStores(r.cfg.Conversation.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", r.cfg.Conversation.DatabasePath, err)
	}
	r.stores = stores
	return nil
}

func (r *Runtime) buildAdapters() error {
	r.adapters = channels.NewRegistry(r.logger)
	metrics := channels.NewMetrics()

	if r.cfg.Platforms.Telegram.Enabled {
		a, err := telegram.New(r.cfg.Platforms.Telegram, r.bus, metrics, r.logger)
		if err != nil {
			return err
		}
		r.adapters.Register(a)
	}
	if r.cfg.Platforms.Discord.Enabled {
		a, err := discord.New(r.cfg.Platforms.Discord, r.bus, metrics, r.logger)
		if err != nil {
			return err
		}
		r.adapters.Register(a)
	}
	if r.cfg.Platforms.WebChat.Enabled {
		r.adapters.Register(webchat.New(r.cfg.Platforms.WebChat, r.bus, metrics, r.logger))
	}
	if r.cfg.Platforms.Webhook.Enabled {
		r.adapters.Register(webhook.New(r.cfg.Platforms.Webhook, r.bus, metrics, r.logger))
	}
	return nil
}

// Run starts every subsystem and blocks until ctx is canceled, then tears
// down: adapters first, then the tool service, the conversation cache, and
// finally the bus drain.
func (r *Runtime) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.conversations.Start()

	r.toolServiceDone = make(chan struct{})
	go func() {
		defer close(r.toolServiceDone)
		if err := r.toolService.Run(runCtx); err != nil && ctx.Err() == nil {
			r.logger.Error("tool service exited", "error", err)
		}
	}()
	if err := r.toolService.Post(runCtx, tools.InitAll()); err != nil {
		r.logger.Warn("initial tool load not scheduled", "error", err)
	}

	go r.bus.Run(runCtx)
	r.adapters.RunAll(runCtx)

	r.fireLoaded(runCtx)
	r.logger.Info("kestrel running",
		"adapters", len(r.adapters.All()),
		"providers", r.providers.Len(),
		"plugins", len(r.registry.Plugins()))

	<-ctx.Done()
	cancel()
	return r.shutdown()
}

func (r *Runtime) shutdown() error {
	r.logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	r.adapters.TerminateAll(ctx)

	// The tool service terminates its servers when its context ends; wait
	// for that teardown to finish.
	select {
	case <-r.toolServiceDone:
	case <-ctx.Done():
		r.logger.Warn("tool service teardown timed out")
	}

	for _, p := range r.registry.Plugins() {
		if p.Terminate != nil {
			if err := p.Terminate(ctx); err != nil {
				r.logger.Warn("plugin terminate failed", "plugin", p.Name, "error", err)
			}
		}
	}

	if err := r.conversations.Close(ctx); err != nil {
		r.logger.Error("conversation flush failed", "error", err)
	}
	r.bus.Wait()

	if err := r.stores.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}
	r.logger.Info("shutdown complete")
	return nil
}

// loadPlugins compiles every pluginsdk declaration into live registry
// entries and tool manager entries.
func (r *Runtime) loadPlugins(ctx context.Context) error {
	for _, decl := range pluginsdk.Registered() {
		p, err := compilePlugin(decl)
		if err != nil {
			return fmt.Errorf("plugin %s: %w", decl.Name, err)
		}
		p.SetPlatformEnable(platformEnableFor(r.cfg, p.Name))

		if err := r.registry.RegisterPlugin(p); err != nil {
			return fmt.Errorf("plugin %s: %w", decl.Name, err)
		}
		for _, t := range p.Tools {
			if err := r.toolManager.Add(t); err != nil {
				return fmt.Errorf("plugin %s: tool %s: %w", decl.Name, t.Name, err)
			}
		}
		if p.Init != nil {
			if err := p.Init(ctx); err != nil {
				return fmt.Errorf("plugin %s: init: %w", decl.Name, err)
			}
		}
		r.logger.Info("plugin loaded",
			"plugin", p.Name,
			"handlers", len(p.Handlers),
			"tools", len(p.Tools))
	}
	return r.applyInactivationLists(ctx)
}

// applyInactivationLists restores the persisted plugin and tool
// deactivations. Names that no longer resolve are logged and skipped so a
// removed plugin never blocks boot.
func (r *Runtime) applyInactivationLists(ctx context.Context) error {
	var pluginNames []string
	if _, err := r.stores.Preferences.Get(ctx, storage.GlobalScope, prefInactivatedPlugins, &pluginNames); err != nil {
		return fmt.Errorf("read %s: %w", prefInactivatedPlugins, err)
	}
	for _, name := range pluginNames {
		if !r.registry.SetActivated(name, false) {
			r.logger.Warn("inactivated plugin not loaded", "plugin", name)
		}
	}

	var toolNames []string
	if _, err := r.stores.Preferences.Get(ctx, storage.GlobalScope, prefInactivatedTools, &toolNames); err != nil {
		return fmt.Errorf("read %s: %w", prefInactivatedTools, err)
	}
	for _, name := range toolNames {
		if !r.toolManager.SetActive(name, false) {
			r.logger.Warn("inactivated tool not loaded", "tool", name)
		}
	}
	return nil
}

// SetPluginActivated flips a plugin's activation and persists the updated
// deactivation list so the state survives a restart.
func (r *Runtime) SetPluginActivated(ctx context.Context, name string, activated bool) error {
	if !r.registry.SetActivated(name, activated) {
		return fmt.Errorf("unknown plugin %q", name)
	}
	var inactive []string
	for _, p := range r.registry.Plugins() {
		if !p.Activated {
			inactive = append(inactive, p.Name)
		}
	}
	sort.Strings(inactive)
	return r.stores.Preferences.Put(ctx, storage.GlobalScope, prefInactivatedPlugins, inactive)
}

// SetToolActive flips a tool's catalog visibility and persists the updated
// deactivation list.
func (r *Runtime) SetToolActive(ctx context.Context, name string, active bool) error {
	if !r.toolManager.SetActive(name, active) {
		return fmt.Errorf("unknown tool %q", name)
	}
	var inactive []string
	for _, t := range r.toolManager.All() {
		if !t.Active {
			inactive = append(inactive, t.Name)
		}
	}
	sort.Strings(inactive)
	return r.stores.Preferences.Put(ctx, storage.GlobalScope, prefInactivatedTools, inactive)
}

// Reload re-runs plugin registration from the pluginsdk boot set. Call only
// while no pipeline runs are in flight.
func (r *Runtime) Reload(ctx context.Context) error {
	for _, p := range r.registry.Plugins() {
		if p.Terminate != nil {
			if err := p.Terminate(ctx); err != nil {
				r.logger.Warn("plugin terminate failed", "plugin", p.Name, "error", err)
			}
		}
		for _, t := range p.Tools {
			r.toolManager.Remove(t.Name)
		}
	}
	r.registry.Clear()
	return r.loadPlugins(ctx)
}

// fireLoaded runs the boot hooks once every subsystem is up.
func (r *Runtime) fireLoaded(ctx context.Context) {
	handlers := r.registry.ByKind(plugins.KindLoaded, true, "")
	if len(handlers) == 0 {
		return
	}
	ev := &models.Event{
		Meta:       models.PlatformMeta{Name: "system", ID: "system"},
		Session:    models.Session{Platform: "system", MessageType: models.MessageTypeOther, ID: "boot"},
		ReceivedAt: time.Now(),
		Message:    models.NewChain(),
	}
	for _, h := range handlers {
		if err := h.Fn(ctx, ev, nil); err != nil {
			r.logger.Warn("loaded hook failed", "handler", h.FullName, "error", err)
		}
	}
}

func platformEnableFor(cfg *config.Config, plugin string) map[string]bool {
	var out map[string]bool
	for platform, perPlugin := range cfg.Plugins.Enable {
		enabled, ok := perPlugin[plugin]
		if !ok {
			continue
		}
		if out == nil {
			out = make(map[string]bool)
		}
		out[platform] = enabled
	}
	return out
}

// compilePlugin turns one declarative plugin into registry entries.
func compilePlugin(decl pluginsdk.Plugin) (*plugins.Plugin, error) {
	if decl.Name == "" {
		return nil, fmt.Errorf("plugin has no name")
	}
	p := &plugins.Plugin{
		Name:        decl.Name,
		Author:      decl.Author,
		Description: decl.Description,
		Version:     decl.Version,
		Activated:   true,
		Init:        decl.Init,
		Terminate:   decl.Terminate,
	}

	for _, hd := range decl.Handlers {
		h, err := compileHandler(decl.Name, hd)
		if err != nil {
			return nil, err
		}
		p.Handlers = append(p.Handlers, h)
	}
	for _, td := range decl.Tools {
		if td.Name == "" || td.Fn == nil {
			return nil, fmt.Errorf("tool declaration incomplete: %+v", td)
		}
		p.Tools = append(p.Tools, &tools.FuncTool{
			Name:        td.Name,
			Description: td.Description,
			Parameters:  td.Parameters,
			Active:      true,
			Origin:      tools.OriginLocal,
			PluginName:  decl.Name,
			Handler:     tools.LocalHandler(td.Fn),
		})
	}
	return p, nil
}

func compileHandler(plugin string, decl pluginsdk.Handler) (*plugins.Handler, error) {
	if decl.Name == "" || decl.Fn == nil {
		return nil, fmt.Errorf("handler declaration incomplete: %+v", decl)
	}
	kind := plugins.EventKind(decl.Kind)
	switch kind {
	case plugins.KindMessage, plugins.KindLLMRequest, plugins.KindLLMResponse,
		plugins.KindDecorating, plugins.KindAfterSend, plugins.KindLoaded:
	default:
		return nil, fmt.Errorf("handler %s: unknown kind %q", decl.Name, decl.Kind)
	}

	h := &plugins.Handler{
		FullName:    plugin + "." + decl.Name,
		PluginName:  plugin,
		Kind:        kind,
		Description: decl.Description,
		Priority:    decl.Priority,
		Fn:          plugins.HandlerFunc(decl.Fn),
	}

	if kind == plugins.KindMessage {
		if decl.Command != "" {
			h.Filters = append(h.Filters, plugins.CommandFilter{Name: decl.Command, Aliases: decl.Aliases})
		}
		if decl.Regex != "" {
			re, err := regexp.Compile(decl.Regex)
			if err != nil {
				return nil, fmt.Errorf("handler %s: regex: %w", decl.Name, err)
			}
			h.Filters = append(h.Filters, plugins.RegexFilter{Pattern: re})
		}
		if decl.RequireWake {
			h.Filters = append(h.Filters, plugins.WakeFilter{})
		}
		if decl.MessageType != "" {
			h.Filters = append(h.Filters, plugins.EventTypeFilter{Type: models.MessageType(decl.MessageType)})
		}
		if decl.AdminOnly {
			h.Filters = append(h.Filters, plugins.PermissionFilter{})
		}
		if len(h.Filters) == 0 {
			return nil, fmt.Errorf("handler %s: message handler needs a command or regex", decl.Name)
		}
	}
	return h, nil
}
