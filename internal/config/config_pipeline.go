package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// WakeConfig controls when an inbound message wakes the bot.
type WakeConfig struct {
	// Prefixes wake the bot when a message starts with any of them. The
	// matched prefix is stripped from the working text.
	Prefixes []string `yaml:"prefixes"`
	// FriendNeedsPrefix requires a wake prefix even in direct sessions.
	FriendNeedsPrefix bool `yaml:"friend_message_needs_prefix"`
	// IgnoreSelf drops messages sent by the bot account itself.
	IgnoreSelf bool `yaml:"ignore_self"`
}

// WhitelistConfig restricts processing to a fixed set of session origins.
type WhitelistConfig struct {
	Enabled bool `yaml:"enabled"`
	// Origins holds unified origins ("platform:message_type:session") or
	// bare session ids.
	Origins []string `yaml:"origins"`
	// Notify sends a refusal notice instead of dropping silently.
	Notify bool `yaml:"notify"`
}

// Rate limit strategies.
const (
	RateLimitStall   = "stall"
	RateLimitDiscard = "discard"
)

// RateLimitConfig bounds how many events a session may submit per window.
type RateLimitConfig struct {
	Window   time.Duration `yaml:"window"`
	Limit    int           `yaml:"limit"`
	Strategy string        `yaml:"strategy"`
}

func (c RateLimitConfig) validate() error {
	if c.Limit < 0 {
		return fmt.Errorf("rate_limit.limit must not be negative, got %d", c.Limit)
	}
	if c.Limit > 0 && c.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive, got %s", c.Window)
	}
	switch c.Strategy {
	case RateLimitStall, RateLimitDiscard:
		return nil
	default:
		return fmt.Errorf("rate_limit.strategy must be %q or %q, got %q", RateLimitStall, RateLimitDiscard, c.Strategy)
	}
}

// SafetyConfig drops events whose text matches a blocked keyword.
type SafetyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Keywords []string `yaml:"keywords"`
}

// Pacing methods for segmented replies.
const (
	PacingLog    = "log"
	PacingRandom = "random"
)

// ReplyConfig controls outbound decoration and delivery.
type ReplyConfig struct {
	// Prefix is prepended to every reply text.
	Prefix string `yaml:"prefix"`
	// AtSender mentions the sender in group replies.
	AtSender bool `yaml:"at_sender"`
	// QuoteReply quotes the triggering message where the platform supports it.
	QuoteReply bool            `yaml:"quote_reply"`
	Segmented  SegmentedConfig `yaml:"segmented"`
}

// SegmentedConfig splits a reply into separately sent segments with pacing
// delays between them.
type SegmentedConfig struct {
	Enabled       bool   `yaml:"enabled"`
	OnlyLLMResult bool   `yaml:"only_llm_result"`
	Regex         string `yaml:"regex"`
	Method        string `yaml:"method"`
	// LogBase tunes the log pacing curve: delay = log_base(word count).
	LogBase float64 `yaml:"log_base"`
	// Interval is the "lo,hi" seconds range for random pacing.
	Interval string `yaml:"interval"`
}

func (c SegmentedConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if _, err := regexp.Compile(c.Regex); err != nil {
		return fmt.Errorf("reply.segmented.regex: %w", err)
	}
	switch c.Method {
	case PacingLog:
		if c.LogBase <= 1 {
			return fmt.Errorf("reply.segmented.log_base must be greater than 1, got %v", c.LogBase)
		}
	case PacingRandom:
		if _, _, err := c.IntervalRange(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("reply.segmented.method must be %q or %q, got %q", PacingLog, PacingRandom, c.Method)
	}
	return nil
}

// IntervalRange parses the "lo,hi" random pacing range in seconds.
func (c SegmentedConfig) IntervalRange() (lo, hi float64, err error) {
	parts := strings.SplitN(c.Interval, ",", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("reply.segmented.interval must be \"lo,hi\", got %q", c.Interval)
	}
	lo, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("reply.segmented.interval: %w", err)
	}
	hi, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("reply.segmented.interval: %w", err)
	}
	if lo < 0 || hi < lo {
		return 0, 0, fmt.Errorf("reply.segmented.interval must satisfy 0 <= lo <= hi, got %q", c.Interval)
	}
	return lo, hi, nil
}

// PluginsConfig holds per-platform plugin activation overrides.
type PluginsConfig struct {
	// Enable maps platform name to plugin name to enabled. A missing entry
	// means the plugin runs on that platform.
	Enable map[string]map[string]bool `yaml:"enable"`
}

// EnabledOn reports whether a plugin may run on the given platform.
func (c PluginsConfig) EnabledOn(platform, plugin string) bool {
	perPlatform, ok := c.Enable[platform]
	if !ok {
		return true
	}
	enabled, ok := perPlatform[plugin]
	if !ok {
		return true
	}
	return enabled
}
