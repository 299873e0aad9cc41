package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// commandKind selects a mailbox operation.
type commandKind int

const (
	cmdInitAll commandKind = iota
	cmdInit
	cmdTerminateAll
	cmdTerminate
)

// Command is one message to the service's control task.
type Command struct {
	kind commandKind
	name string
	cfg  *ServerConfig
	// done is closed once the command has been fully applied.
	done chan struct{}
}

// InitAll (re)starts every active server from the config file, stopping
// servers that were removed from it.
func InitAll() Command { return Command{kind: cmdInitAll, done: make(chan struct{})} }

// Init (re)starts one server with an explicit config.
func Init(name string, cfg ServerConfig) Command {
	return Command{kind: cmdInit, name: name, cfg: &cfg, done: make(chan struct{})}
}

// TerminateAll stops every running server.
func TerminateAll() Command { return Command{kind: cmdTerminateAll, done: make(chan struct{})} }

// Terminate stops one server.
func Terminate(name string) Command {
	return Command{kind: cmdTerminate, name: name, done: make(chan struct{})}
}

// Done unblocks once the command has been applied.
func (c Command) Done() <-chan struct{} { return c.done }

// remoteClient is the slice of Client the service drives. Tests substitute
// fakes.
type remoteClient interface {
	Connect(ctx context.Context) error
	ListTools(ctx context.Context) ([]*FuncTool, error)
	Close() error
}

// Service owns every remote tool client. A single control task applies
// mailbox commands, so clients are always released on the same task that
// acquired them.
type Service struct {
	mgr    *Manager
	path   string
	watch  bool
	logger *slog.Logger

	mailbox chan Command
	// newClient is the client factory, replaced in tests.
	newClient func(name string, cfg ServerConfig) (remoteClient, error)

	// servers is touched by the control task only.
	servers map[string]*serverHandle
	wg      sync.WaitGroup
}

type serverHandle struct {
	stop chan struct{}
	done chan struct{}
}

// ServiceOption configures the service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithWatch reloads servers when the config file changes on disk.
func WithWatch() ServiceOption {
	return func(s *Service) { s.watch = true }
}

// NewService creates the remote tool service for the given config file.
func NewService(mgr *Manager, path string, opts ...ServiceOption) *Service {
	s := &Service{
		mgr:     mgr,
		path:    path,
		logger:  slog.Default().With("component", "mcp"),
		mailbox: make(chan Command, 8),
		servers: make(map[string]*serverHandle),
	}
	s.newClient = func(name string, cfg ServerConfig) (remoteClient, error) {
		return NewClient(name, cfg)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Post submits a command to the control task. Blocks when the mailbox is
// full.
func (s *Service) Post(ctx context.Context, cmd Command) error {
	select {
	case s.mailbox <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the control task. It applies mailbox commands until the context
// is cancelled, then tears every server down before returning.
func (s *Service) Run(ctx context.Context) error {
	var watchEvents <-chan fsnotify.Event
	if s.watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			s.logger.Warn("config watch unavailable", "error", err)
		} else {
			defer watcher.Close()
			if err := watcher.Add(filepath.Dir(s.path)); err != nil {
				s.logger.Warn("config watch unavailable", "path", s.path, "error", err)
			} else {
				watchEvents = watcher.Events
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.terminateAll()
			s.wg.Wait()
			return ctx.Err()
		case ev := <-watchEvents:
			if ev.Name == s.path && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				s.logger.Info("mcp config changed, reloading")
				s.applyInitAll(ctx)
			}
		case cmd := <-s.mailbox:
			s.apply(ctx, cmd)
			close(cmd.done)
		}
	}
}

func (s *Service) apply(ctx context.Context, cmd Command) {
	switch cmd.kind {
	case cmdInitAll:
		s.applyInitAll(ctx)
	case cmdInit:
		s.startServer(ctx, cmd.name, *cmd.cfg)
	case cmdTerminateAll:
		s.terminateAll()
	case cmdTerminate:
		s.stopServer(cmd.name)
	}
}

func (s *Service) applyInitAll(ctx context.Context) {
	configs, err := LoadServerConfigs(s.path)
	if err != nil {
		s.logger.Error("failed to load mcp config", "path", s.path, "error", err)
		return
	}
	for name := range s.servers {
		cfg, keep := configs[name]
		if !keep || !cfg.IsActive() {
			s.stopServer(name)
		}
	}
	for name, cfg := range configs {
		if !cfg.IsActive() {
			continue
		}
		s.startServer(ctx, name, cfg)
	}
}

// startServer spawns the per-client task: connect, register tools, wait for
// a stop signal, tear down. A server already running is restarted.
func (s *Service) startServer(ctx context.Context, name string, cfg ServerConfig) {
	s.stopServer(name)

	h := &serverHandle{stop: make(chan struct{}), done: make(chan struct{})}
	s.servers[name] = h
	s.wg.Add(1)
	go func() {
		defer close(h.done)
		defer s.wg.Done()

		client, err := s.newClient(name, cfg)
		if err != nil {
			s.logger.Error("mcp client rejected config", "server", name, "error", err)
			return
		}
		if err := client.Connect(ctx); err != nil {
			s.logger.Error("mcp connect failed", "server", name, "error", err)
			return
		}
		// Release on every path, on the task that acquired.
		defer func() {
			s.mgr.RemoveServer(name)
			if err := client.Close(); err != nil {
				s.logger.Warn("mcp close failed", "server", name, "error", err)
			}
		}()

		tools, err := client.ListTools(ctx)
		if err != nil {
			s.logger.Error("mcp list tools failed", "server", name, "error", err)
			return
		}
		s.mgr.RemoveServer(name)
		for _, t := range tools {
			if err := s.mgr.Add(t); err != nil {
				s.logger.Warn("skipping mcp tool", "server", name, "tool", t.Name, "error", err)
			}
		}
		s.logger.Info("mcp server ready", "server", name, "tools", len(tools))

		select {
		case <-h.stop:
		case <-ctx.Done():
		}
	}()
}

func (s *Service) stopServer(name string) {
	h, ok := s.servers[name]
	if !ok {
		return
	}
	close(h.stop)
	<-h.done
	delete(s.servers, name)
}

func (s *Service) terminateAll() {
	for name := range s.servers {
		s.stopServer(name)
	}
}

// serversFile is the on-disk shape of the MCP config.
type serversFile struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// LoadServerConfigs reads the mcpServers file, creating it with an empty
// server set when missing.
func LoadServerConfigs(path string) (map[string]ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, mkErr
		}
		if wrErr := os.WriteFile(path, []byte("{\n  \"mcpServers\": {}\n}\n"), 0o644); wrErr != nil {
			return nil, wrErr
		}
		return map[string]ServerConfig{}, nil
	}
	if err != nil {
		return nil, err
	}
	var file serversFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("malformed mcp config %s: %w", path, err)
	}
	if file.MCPServers == nil {
		file.MCPServers = map[string]ServerConfig{}
	}
	for name, cfg := range file.MCPServers {
		if err := cfg.validate(name); err != nil {
			return nil, err
		}
	}
	return file.MCPServers, nil
}
