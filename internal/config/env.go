package config

import (
	"fmt"
	"os"
)

// Environment variables consulted by ApplyEnv.
const (
	EnvMode         = "SECURITY_MODE"
	EnvRedisURL     = "REDIS_URL"
	EnvUpstashURL   = "UPSTASH_REDIS_URL"
	EnvUpstashToken = "UPSTASH_REDIS_TOKEN"
	EnvSlackWebhook = "SLACK_SECURITY_WEBHOOK"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides config values from the environment and re-validates.
// A nil lookup uses os.LookupEnv.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if v, ok := lookup(EnvMode); ok && v != "" {
		mode, err := ParseMode(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMode, err)
		}
		c.Mode = mode
	}

	if v, ok := lookup(EnvUpstashURL); ok && v != "" {
		c.Store.URL = v
		c.Store.Driver = DriverRedis
	} else if v, ok := lookup(EnvRedisURL); ok && v != "" {
		c.Store.URL = v
		c.Store.Driver = DriverRedis
	}
	if v, ok := lookup(EnvUpstashToken); ok && v != "" {
		c.Store.Token = v
	}

	if v, ok := lookup(EnvSlackWebhook); ok && v != "" {
		if c.Logging.Slack == nil {
			c.Logging.Slack = &SlackConfig{Levels: []Level{LevelError}}
		}
		c.Logging.Slack.Webhook = v
	}

	c.ApplyDefaults()
	return c.Validate()
}
