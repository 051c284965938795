package config

// Default returns the built-in config used when no file is present: observe
// only, memory store, conservative limits for the contact form and auth routes.
func Default() *Config {
	cfg := &Config{
		Mode: ModeDryRun,
		RateLimit: RateLimitConfig{
			Default: Window{WindowMs: 60_000, Max: 100},
			Paths: map[string]Window{
				"/api/contact": {WindowMs: 3_600_000, Max: 5},
				"/api/trpc":    {WindowMs: 60_000, Max: 60},
			},
		},
		AuthFailure: AuthFailureConfig{
			Paths: map[string]AuthFailureRule{
				"/api/auth": {MaxAttempts: 5, LockoutDuration: 900_000},
			},
		},
		Bot: &BotConfig{BlockSeverity: SeverityHigh},
		DDoS: &DDoSConfig{
			Threshold: 1000,
			WindowMs:  60_000,
		},
		Logging: LoggingConfig{
			Level: LevelInfo,
		},
	}
	cfg.ApplyDefaults()
	return cfg
}
