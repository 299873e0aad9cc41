package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
admins: ["100"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.QueueSize != 32 {
		t.Errorf("QueueSize = %d, want 32", cfg.QueueSize)
	}
	if len(cfg.Wake.Prefixes) != 1 || cfg.Wake.Prefixes[0] != "/" {
		t.Errorf("Wake.Prefixes = %v, want [/]", cfg.Wake.Prefixes)
	}
	if cfg.Provider.Timeout != 120*time.Second {
		t.Errorf("Provider.Timeout = %s, want 120s", cfg.Provider.Timeout)
	}
	if cfg.Provider.MaxContextLength != -1 {
		t.Errorf("Provider.MaxContextLength = %d, want -1", cfg.Provider.MaxContextLength)
	}
	if !cfg.Reply.Segmented.OnlyLLMResult {
		t.Error("Reply.Segmented.OnlyLLMResult default = false, want true")
	}
	if !cfg.IsAdmin("100") || cfg.IsAdmin("200") {
		t.Error("IsAdmin misreported configured admins")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
queue_size: 8
reply:
  segmented:
    only_llm_result: false
provider:
  enabled: false
  max_context_length: 20
  dequeue_context_length: 3
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.QueueSize != 8 {
		t.Errorf("QueueSize = %d, want 8", cfg.QueueSize)
	}
	if cfg.Reply.Segmented.OnlyLLMResult {
		t.Error("explicit only_llm_result: false did not stick")
	}
	if cfg.Provider.MaxContextLength != 20 || cfg.Provider.DequeueContextLength != 3 {
		t.Errorf("provider context bounds = %d/%d, want 20/3",
			cfg.Provider.MaxContextLength, cfg.Provider.DequeueContextLength)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
queue_size: 8
mystery: true
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("KESTREL_TEST_TOKEN", "tok-123")
	path := writeConfig(t, "config.yaml", `
platforms:
  telegram:
    enabled: true
    bot_token: ${KESTREL_TEST_TOKEN}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Platforms.Telegram.BotToken != "tok-123" {
		t.Errorf("BotToken = %q, want %q", cfg.Platforms.Telegram.BotToken, "tok-123")
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "providers.yaml", `
provider:
  default: main
  providers:
    main:
      type: openai
      keys: ["sk-1"]
      model: gpt-4o-mini
`)
	path := writeFile(t, dir, "config.yaml", `
$include: providers.yaml
queue_size: 16
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.QueueSize != 16 {
		t.Errorf("QueueSize = %d, want 16", cfg.QueueSize)
	}
	if cfg.Provider.Default != "main" {
		t.Errorf("Provider.Default = %q, want %q", cfg.Provider.Default, "main")
	}
	if p, ok := cfg.Provider.Providers["main"]; !ok || p.Model != "gpt-4o-mini" {
		t.Errorf("included provider not merged: %+v", cfg.Provider.Providers)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml")
	path := writeFile(t, dir, "b.yaml", "$include: a.yaml")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			"unknown provider type",
			func(c *Config) {
				c.Provider.Providers = map[string]ProviderConfig{
					"p": {Type: "llama", Keys: []string{"k"}, Model: "m"},
				}
			},
			"unknown type",
		},
		{
			"default provider unconfigured",
			func(c *Config) { c.Provider.Default = "ghost" },
			"is not configured",
		},
		{
			"provider without keys",
			func(c *Config) {
				c.Provider.Providers = map[string]ProviderConfig{
					"p": {Type: ProviderOpenAI, Model: "m"},
				}
			},
			"at least one key",
		},
		{
			"bad rate limit strategy",
			func(c *Config) { c.RateLimit.Strategy = "queue" },
			"rate_limit.strategy",
		},
		{
			"bad segment regex",
			func(c *Config) {
				c.Reply.Segmented.Enabled = true
				c.Reply.Segmented.Regex = "["
			},
			"reply.segmented.regex",
		},
		{
			"bad pacing interval",
			func(c *Config) {
				c.Reply.Segmented.Enabled = true
				c.Reply.Segmented.Interval = "5,1"
			},
			"reply.segmented.interval",
		},
		{
			"telegram enabled without token",
			func(c *Config) { c.Platforms.Telegram.Enabled = true },
			"bot_token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("Default() config failed validation: %v", err)
	}
}

func TestSegmentedIntervalRange(t *testing.T) {
	c := SegmentedConfig{Interval: "0.5, 2"}
	lo, hi, err := c.IntervalRange()
	if err != nil {
		t.Fatalf("IntervalRange() error = %v", err)
	}
	if lo != 0.5 || hi != 2 {
		t.Errorf("IntervalRange() = %v, %v, want 0.5, 2", lo, hi)
	}
}

func TestPluginsEnabledOn(t *testing.T) {
	c := PluginsConfig{Enable: map[string]map[string]bool{
		"telegram": {"dice": false},
	}}

	if c.EnabledOn("telegram", "dice") {
		t.Error("explicitly disabled plugin reported enabled")
	}
	if !c.EnabledOn("telegram", "echo") {
		t.Error("unlisted plugin reported disabled")
	}
	if !c.EnabledOn("discord", "dice") {
		t.Error("unlisted platform reported disabled")
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	return writeFile(t, t.TempDir(), name, contents)
}

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
