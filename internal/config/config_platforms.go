package config

import (
	"fmt"
	"strings"
)

// PlatformsConfig holds the per-adapter settings.
type PlatformsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	WebChat  WebChatConfig  `yaml:"webchat"`
	Webhook  WebhookConfig  `yaml:"webhook"`
}

func defaultPlatforms() PlatformsConfig {
	return PlatformsConfig{
		WebChat: WebChatConfig{
			Host: "0.0.0.0",
			Port: 6185,
		},
		Webhook: WebhookConfig{
			Host: "0.0.0.0",
			Port: 6186,
			Path: "/webhook",
		},
	}
}

func (c PlatformsConfig) validate() error {
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("platforms.telegram.bot_token is required when enabled")
	}
	if c.Discord.Enabled && c.Discord.BotToken == "" {
		return fmt.Errorf("platforms.discord.bot_token is required when enabled")
	}
	if c.WebChat.Enabled && c.WebChat.Port == 0 {
		return fmt.Errorf("platforms.webchat.port is required when enabled")
	}
	if c.Webhook.Enabled {
		if c.Webhook.Port == 0 {
			return fmt.Errorf("platforms.webhook.port is required when enabled")
		}
		if !strings.HasPrefix(c.Webhook.Path, "/") {
			return fmt.Errorf("platforms.webhook.path must start with /, got %q", c.Webhook.Path)
		}
	}
	return nil
}

// PathMappingsFor returns the inbound path mappings configured for a platform.
func (c PlatformsConfig) PathMappingsFor(platform string) []string {
	switch platform {
	case "telegram":
		return c.Telegram.PathMappings
	case "discord":
		return c.Discord.PathMappings
	case "webchat":
		return c.WebChat.PathMappings
	case "webhook":
		return c.Webhook.PathMappings
	default:
		return nil
	}
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	// APIBase overrides the Bot API endpoint for self-hosted relays.
	APIBase string `yaml:"api_base"`
	// PathMappings rewrite inbound file paths, each entry formatted "FROM:TO".
	PathMappings []string `yaml:"path_mappings"`
}

type DiscordConfig struct {
	Enabled      bool     `yaml:"enabled"`
	BotToken     string   `yaml:"bot_token"`
	PathMappings []string `yaml:"path_mappings"`
}

type WebChatConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	// Token guards the websocket endpoint when set.
	Token        string   `yaml:"token"`
	PathMappings []string `yaml:"path_mappings"`
}

type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
	// Token must match the Authorization bearer token of inbound posts
	// when set.
	Token        string   `yaml:"token"`
	PathMappings []string `yaml:"path_mappings"`
}
