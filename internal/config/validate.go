package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks the config and reports every problem at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if mode, err := ParseMode(string(c.Mode)); err != nil {
		add("mode: must be LIVE or DRY_RUN, got %q", c.Mode)
	} else {
		c.Mode = mode
	}

	checkWindow := func(name string, w Window) {
		if w.WindowMs <= 0 {
			add("%s.windowMs: must be > 0", name)
		}
		if w.Max <= 0 {
			add("%s.max: must be > 0", name)
		}
	}
	checkWindow("rateLimit.default", c.RateLimit.Default)
	for _, prefix := range keys(c.RateLimit.Paths) {
		w := c.RateLimit.Paths[prefix]
		if !strings.HasPrefix(prefix, "/") {
			add("rateLimit.paths[%q]: prefix must start with /", prefix)
		}
		checkWindow(fmt.Sprintf("rateLimit.paths[%q]", prefix), w)
	}

	for _, prefix := range keys(c.AuthFailure.Paths) {
		r := c.AuthFailure.Paths[prefix]
		if !strings.HasPrefix(prefix, "/") {
			add("authFailure.paths[%q]: prefix must start with /", prefix)
		}
		if r.MaxAttempts <= 0 {
			add("authFailure.paths[%q].maxAttempts: must be > 0", prefix)
		}
		if r.LockoutDuration <= 0 {
			add("authFailure.paths[%q].lockoutDuration: must be > 0", prefix)
		}
		if r.WindowMs < 0 {
			add("authFailure.paths[%q].windowMs: must be >= 0", prefix)
		}
		for _, s := range r.Statuses {
			if s < 400 || s > 599 {
				add("authFailure.paths[%q].statuses: %d is not an error status", prefix, s)
			}
		}
	}

	if c.Bot != nil {
		if c.Bot.BlockSeverity == SeverityNone {
			add("bot.blockSeverity: required (LOW, MEDIUM, HIGH or CRITICAL)")
		}
		if c.Bot.Timing != nil && c.Bot.Timing.MinSubmitMs < 0 {
			add("bot.timing.minSubmitMs: must be >= 0")
		}
		for i, r := range c.Bot.Rules {
			if strings.TrimSpace(r.Expr) == "" {
				add("bot.rules[%d].expr: required", i)
			}
			if r.Severity == SeverityNone {
				add("bot.rules[%d].severity: required", i)
			}
		}
	}

	if c.DDoS != nil {
		if c.DDoS.Threshold <= 0 {
			add("ddos.threshold: must be > 0")
		}
		if c.DDoS.WindowMs <= 0 {
			add("ddos.windowMs: must be > 0")
		}
	}

	if c.Logging.MaxEvents < 0 {
		add("logging.maxEvents: must be >= 0")
	}
	if c.Logging.EventTTL < 0 {
		add("logging.eventTTL: must be >= 0")
	}
	if s := c.Logging.Slack; s != nil {
		if u, err := url.Parse(s.Webhook); err != nil || s.Webhook == "" || (u.Scheme != "https" && u.Scheme != "http") {
			add("logging.slack.webhook: must be an http(s) URL")
		}
		if len(s.Levels) == 0 {
			add("logging.slack.levels: at least one level required")
		}
		if s.PerMinute < 0 {
			add("logging.slack.perMinute: must be >= 0")
		}
	}

	if c.Logging.Summary != "" {
		if _, err := cron.ParseStandard(c.Logging.Summary); err != nil {
			add("logging.summary: %v", err)
		}
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Store.URL == "" {
			add("store.url: required for the redis driver")
		}
	default:
		add("store.driver: unknown driver %q", c.Store.Driver)
	}
	if c.Store.TimeoutMs < 0 {
		add("store.timeoutMs: must be >= 0")
	}

	for _, entry := range c.TrustedProxies {
		if !validAddrOrCIDR(entry) {
			add("trustedProxies: %q is not an IP or CIDR", entry)
		}
	}
	for _, entry := range c.Allowlist {
		if !validAddrOrCIDR(entry) {
			add("allowlist: %q is not an IP or CIDR", entry)
		}
	}

	if c.Server.Upstream != "" {
		if u, err := url.Parse(c.Server.Upstream); err != nil || u.Host == "" {
			add("server.upstream: %q is not an absolute URL", c.Server.Upstream)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func validAddrOrCIDR(entry string) bool {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		_, _, err := net.ParseCIDR(entry)
		return err == nil
	}
	return net.ParseIP(entry) != nil
}
