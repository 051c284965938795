// Package config handles loading and validation of the edgeguard security config.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks a malformed security config. Invalid configs are fatal at startup.
var ErrInvalid = errors.New("invalid security config")

// Mode selects between observing and enforcing.
type Mode string

const (
	// ModeDryRun evaluates every detector and logs, but never denies.
	ModeDryRun Mode = "DRY_RUN"
	// ModeLive denies on the first matching detector.
	ModeLive Mode = "LIVE"
)

// ParseMode parses a mode token, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LIVE":
		return ModeLive, nil
	case "DRY_RUN", "DRYRUN", "DRY-RUN":
		return ModeDryRun, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalid, s)
	}
}

// Window is a fixed-window limit: at most Max hits per WindowMs milliseconds.
type Window struct {
	WindowMs int64 `yaml:"windowMs" json:"windowMs"`
	Max      int64 `yaml:"max" json:"max"`
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	return time.Duration(w.WindowMs) * time.Millisecond
}

// GeneralScope is the rate limit scope used when no path prefix matches.
const GeneralScope = "general"

// RateLimitConfig holds the default rule and per-prefix overrides.
type RateLimitConfig struct {
	Default Window            `yaml:"default"`
	Paths   map[string]Window `yaml:"paths"`
}

// Resolve returns the scope and rule for path by longest matching prefix,
// falling back to the default rule under GeneralScope.
func (c RateLimitConfig) Resolve(path string) (string, Window) {
	if prefix, ok := longestPrefix(path, keys(c.Paths)); ok {
		return prefix, c.Paths[prefix]
	}
	return GeneralScope, c.Default
}

// AuthFailureRule configures lockout for one path prefix.
type AuthFailureRule struct {
	// MaxAttempts is the number of failures that triggers a lockout.
	MaxAttempts int64 `yaml:"maxAttempts"`
	// LockoutDuration is the lockout length in milliseconds.
	LockoutDuration int64 `yaml:"lockoutDuration"`
	// WindowMs is the failure counting window. Defaults to LockoutDuration.
	WindowMs int64 `yaml:"windowMs"`
	// Statuses are the upstream response codes counted as failures. Defaults to 401.
	Statuses []int `yaml:"statuses"`
}

// Lockout returns the lockout length.
func (r AuthFailureRule) Lockout() time.Duration {
	return time.Duration(r.LockoutDuration) * time.Millisecond
}

// Window returns the failure counting window.
func (r AuthFailureRule) Window() time.Duration {
	if r.WindowMs > 0 {
		return time.Duration(r.WindowMs) * time.Millisecond
	}
	return r.Lockout()
}

// IsFailureStatus reports whether an upstream status counts as an auth failure.
func (r AuthFailureRule) IsFailureStatus(code int) bool {
	if len(r.Statuses) == 0 {
		return code == 401
	}
	for _, s := range r.Statuses {
		if s == code {
			return true
		}
	}
	return false
}

// AuthFailureConfig maps path prefixes to lockout rules.
type AuthFailureConfig struct {
	Paths map[string]AuthFailureRule `yaml:"paths"`
}

// Resolve returns the rule for path by longest matching prefix.
// Paths not covered by any prefix have no rule.
func (c AuthFailureConfig) Resolve(path string) (string, AuthFailureRule, bool) {
	prefix, ok := longestPrefix(path, keys(c.Paths))
	if !ok {
		return "", AuthFailureRule{}, false
	}
	return prefix, c.Paths[prefix], true
}

// DDoSConfig configures the volumetric monitor. A nil *DDoSConfig disables it.
type DDoSConfig struct {
	Threshold int64 `yaml:"threshold"`
	WindowMs  int64 `yaml:"windowMs"`
	// PerIP keys the counter by client IP instead of a single global counter.
	PerIP bool `yaml:"perIP"`
}

// Window returns the counting window.
func (c DDoSConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// SlackConfig configures the incoming-webhook notification sink.
type SlackConfig struct {
	Webhook string  `yaml:"webhook"`
	Levels  []Level `yaml:"levels"`
	// PerMinute caps notifications per minute. Defaults to 20.
	PerMinute int `yaml:"perMinute"`
}

// Notifies reports whether events of level l are forwarded.
func (c SlackConfig) Notifies(l Level) bool {
	for _, lvl := range c.Levels {
		if lvl == l {
			return true
		}
	}
	return false
}

// LoggingConfig configures the security event sink.
type LoggingConfig struct {
	Level Level        `yaml:"level"`
	Slack *SlackConfig `yaml:"slack"`
	// MaxEvents caps the security:events list.
	MaxEvents int64 `yaml:"maxEvents"`
	// EventTTL is the retention of each stored event, in milliseconds.
	EventTTL int64 `yaml:"eventTTL"`
	// Summary is an optional cron expression for the periodic metrics summary.
	Summary string `yaml:"summary"`
}

// EventRetention returns the per-event TTL.
func (c LoggingConfig) EventRetention() time.Duration {
	return time.Duration(c.EventTTL) * time.Millisecond
}

// BreakerConfig configures the store circuit breaker.
type BreakerConfig struct {
	// Failures is the number of consecutive failures that opens the breaker.
	Failures uint32 `yaml:"failures"`
	// CooldownMs is how long the breaker stays open.
	CooldownMs int64 `yaml:"cooldownMs"`
}

// Store drivers.
const (
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// StoreConfig configures the counter store.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	// URL is a redis:// or rediss:// URL. Upstash databases use their Redis endpoint.
	URL string `yaml:"url"`
	// Token overrides the password in URL (Upstash access token).
	Token string `yaml:"token"`
	// TimeoutMs bounds every store call on the decision path.
	TimeoutMs int64         `yaml:"timeoutMs"`
	Breaker   BreakerConfig `yaml:"breaker"`
	// PersistPath is where the memory driver snapshots counters on close.
	PersistPath string `yaml:"persistPath"`
}

// Timeout returns the per-call store timeout.
func (c StoreConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// GeoIPConfig points at an optional MaxMind database used to enrich events.
type GeoIPConfig struct {
	Database string `yaml:"database"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	Listen   string `yaml:"listen"`
	Upstream string `yaml:"upstream"`
}

// Config is the complete security configuration.
type Config struct {
	Mode           Mode              `yaml:"mode"`
	RateLimit      RateLimitConfig   `yaml:"rateLimit"`
	AuthFailure    AuthFailureConfig `yaml:"authFailure"`
	Bot            *BotConfig        `yaml:"bot"`
	DDoS           *DDoSConfig       `yaml:"ddos"`
	Logging        LoggingConfig     `yaml:"logging"`
	Store          StoreConfig       `yaml:"store"`
	TrustedProxies []string          `yaml:"trustedProxies"`
	Allowlist      []string          `yaml:"allowlist"`
	GeoIP          GeoIPConfig       `yaml:"geoip"`
	Server         ServerConfig      `yaml:"server"`
}

// Defaults applied to unset fields.
const (
	DefaultMaxEvents      = 1000
	DefaultEventTTL       = int64(7 * 24 * time.Hour / time.Millisecond)
	DefaultStoreTimeoutMs = 75
	DefaultBreakerFails   = 5
	DefaultBreakerCoolMs  = 10000
	DefaultSlackPerMinute = 20
	DefaultListen         = ":8080"
)

// Load reads, parses and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML config data, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeDryRun
	}
	if c.Logging.MaxEvents == 0 {
		c.Logging.MaxEvents = DefaultMaxEvents
	}
	if c.Logging.EventTTL == 0 {
		c.Logging.EventTTL = DefaultEventTTL
	}
	if c.Logging.Slack != nil && c.Logging.Slack.PerMinute == 0 {
		c.Logging.Slack.PerMinute = DefaultSlackPerMinute
	}
	if c.Store.Driver == "" {
		if c.Store.URL != "" {
			c.Store.Driver = DriverRedis
		} else {
			c.Store.Driver = DriverMemory
		}
	}
	if c.Store.TimeoutMs == 0 {
		c.Store.TimeoutMs = DefaultStoreTimeoutMs
	}
	if c.Store.Breaker.Failures == 0 {
		c.Store.Breaker.Failures = DefaultBreakerFails
	}
	if c.Store.Breaker.CooldownMs == 0 {
		c.Store.Breaker.CooldownMs = DefaultBreakerCoolMs
	}
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
}

// IsDryRun reports whether the config never denies.
func (c *Config) IsDryRun() bool {
	return c.Mode != ModeLive
}

// longestPrefix returns the longest candidate that prefixes path.
func longestPrefix(path string, candidates []string) (string, bool) {
	best := ""
	found := false
	for _, p := range candidates {
		if strings.HasPrefix(path, p) && (!found || len(p) > len(best)) {
			best = p
			found = true
		}
	}
	return best, found
}

// keys returns the map keys sorted, so resolution is deterministic.
func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
