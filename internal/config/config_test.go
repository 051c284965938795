package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	embedded "github.com/inercia/edgeguard/config"
)

const fullYAML = `
mode: LIVE
rateLimit:
  default: { windowMs: 60000, max: 100 }
  paths:
    /api: { windowMs: 60000, max: 30 }
    /api/contact: { windowMs: 3600000, max: 5 }
authFailure:
  paths:
    /api/auth: { maxAttempts: 5, lockoutDuration: 900000 }
bot:
  blockSeverity: MEDIUM
  honeypot: { fields: [website, fax] }
  userAgent: { block: [evilbot], allow: [uptimerobot] }
  timing: { minSubmitMs: 3000 }
  rules:
    - name: no-trace
      expr: method == "TRACE"
      severity: HIGH
ddos: { threshold: 1000, windowMs: 10000 }
logging:
  level: WARN
  slack:
    webhook: https://hooks.slack.com/services/T/B/X
    levels: [ERROR]
store:
  driver: memory
trustedProxies: [10.0.0.0/8]
allowlist: [127.0.0.1]
`

func TestParse_Full(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Mode != ModeLive {
		t.Errorf("Mode = %q, want LIVE", cfg.Mode)
	}
	if cfg.Bot == nil || cfg.Bot.BlockSeverity != SeverityMedium {
		t.Fatalf("Bot = %+v, want blockSeverity MEDIUM", cfg.Bot)
	}
	if got := cfg.Bot.HoneypotFields(); len(got) != 2 || got[1] != "fax" {
		t.Errorf("HoneypotFields = %v", got)
	}
	if got := cfg.Bot.TimingSettings(); got.MinSubmit() != 3*time.Second || got.Field != DefaultTimingField {
		t.Errorf("TimingSettings = %+v", got)
	}
	if len(cfg.Bot.Rules) != 1 || cfg.Bot.Rules[0].Severity != SeverityHigh {
		t.Errorf("Rules = %+v", cfg.Bot.Rules)
	}
	if cfg.DDoS == nil || cfg.DDoS.Window() != 10*time.Second {
		t.Errorf("DDoS = %+v", cfg.DDoS)
	}
	if cfg.Logging.Level != LevelWarn {
		t.Errorf("Logging.Level = %v, want WARN", cfg.Logging.Level)
	}
	if !cfg.Logging.Slack.Notifies(LevelError) || cfg.Logging.Slack.Notifies(LevelWarn) {
		t.Errorf("Slack levels = %v", cfg.Logging.Slack.Levels)
	}
	if cfg.Logging.Slack.PerMinute != DefaultSlackPerMinute {
		t.Errorf("Slack.PerMinute = %d, want default", cfg.Logging.Slack.PerMinute)
	}
	if cfg.Logging.MaxEvents != DefaultMaxEvents {
		t.Errorf("MaxEvents = %d, want default", cfg.Logging.MaxEvents)
	}
	if cfg.Store.Timeout() != DefaultStoreTimeoutMs*time.Millisecond {
		t.Errorf("Store timeout = %v", cfg.Store.Timeout())
	}
}

func TestParse_BotBareSeverity(t *testing.T) {
	cfg, err := Parse([]byte(`
mode: DRY_RUN
rateLimit:
  default: { windowMs: 1000, max: 1 }
bot: CRITICAL
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Bot == nil || cfg.Bot.BlockSeverity != SeverityCritical {
		t.Fatalf("Bot = %+v, want CRITICAL", cfg.Bot)
	}
	if cfg.Bot.Honeypot != nil || cfg.Bot.UserAgent != nil {
		t.Error("bare severity should leave sub-detectors on defaults")
	}
	if cfg.DDoS != nil {
		t.Error("absent ddos section should stay nil")
	}
	if !cfg.IsDryRun() {
		t.Error("expected dry run")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "zero max",
			yaml: "rateLimit:\n  default: { windowMs: 1000, max: 0 }\n",
			want: "rateLimit.default.max",
		},
		{
			name: "bad mode",
			yaml: "mode: ENFORCE\nrateLimit:\n  default: { windowMs: 1000, max: 1 }\n",
			want: "mode",
		},
		{
			name: "bad severity",
			yaml: "rateLimit:\n  default: { windowMs: 1000, max: 1 }\nbot: EXTREME\n",
			want: "unknown severity",
		},
		{
			name: "auth rule without lockout",
			yaml: "rateLimit:\n  default: { windowMs: 1000, max: 1 }\nauthFailure:\n  paths:\n    /login: { maxAttempts: 3 }\n",
			want: "lockoutDuration",
		},
		{
			name: "ddos without threshold",
			yaml: "rateLimit:\n  default: { windowMs: 1000, max: 1 }\nddos: { windowMs: 1000 }\n",
			want: "ddos.threshold",
		},
		{
			name: "slack without webhook",
			yaml: "rateLimit:\n  default: { windowMs: 1000, max: 1 }\nlogging:\n  slack: { levels: [ERROR] }\n",
			want: "logging.slack.webhook",
		},
		{
			name: "redis without url",
			yaml: "rateLimit:\n  default: { windowMs: 1000, max: 1 }\nstore: { driver: redis }\n",
			want: "store.url",
		},
		{
			name: "bad cidr",
			yaml: "rateLimit:\n  default: { windowMs: 1000, max: 1 }\nallowlist: [not-an-ip]\n",
			want: "allowlist",
		},
		{
			name: "bad summary schedule",
			yaml: "rateLimit:\n  default: { windowMs: 1000, max: 1 }\nlogging:\n  summary: every day\n",
			want: "logging.summary",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("error %v is not ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestRateLimitResolve_LongestPrefix(t *testing.T) {
	rl := RateLimitConfig{
		Default: Window{WindowMs: 60000, Max: 100},
		Paths: map[string]Window{
			"/api":         {WindowMs: 60000, Max: 30},
			"/api/contact": {WindowMs: 60000, Max: 5},
		},
	}

	tests := []struct {
		path      string
		wantScope string
		wantMax   int64
	}{
		{"/api/contact/submit", "/api/contact", 5},
		{"/api/contact", "/api/contact", 5},
		{"/api/other", "/api", 30},
		{"/about", GeneralScope, 100},
	}
	for _, tt := range tests {
		scope, rule := rl.Resolve(tt.path)
		if scope != tt.wantScope || rule.Max != tt.wantMax {
			t.Errorf("Resolve(%q) = (%q, %d), want (%q, %d)", tt.path, scope, rule.Max, tt.wantScope, tt.wantMax)
		}
	}
}

func TestAuthFailureResolve(t *testing.T) {
	af := AuthFailureConfig{Paths: map[string]AuthFailureRule{
		"/api/auth": {MaxAttempts: 3, LockoutDuration: 60000},
	}}

	prefix, rule, ok := af.Resolve("/api/auth/login")
	if !ok || prefix != "/api/auth" {
		t.Fatalf("Resolve = (%q, %v), want /api/auth", prefix, ok)
	}
	if rule.Window() != time.Minute {
		t.Errorf("Window() = %v, want lockout duration", rule.Window())
	}
	if !rule.IsFailureStatus(401) || rule.IsFailureStatus(403) {
		t.Error("default failure statuses should be [401]")
	}

	if _, _, ok := af.Resolve("/api/contact"); ok {
		t.Error("unlisted prefix must not resolve")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		EnvMode:         "live",
		EnvUpstashURL:   "rediss://default@eu1.upstash.io:6379",
		EnvUpstashToken: "secret",
		EnvSlackWebhook: "https://hooks.slack.com/services/A/B/C",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if cfg.Mode != ModeLive {
		t.Errorf("Mode = %q, want LIVE", cfg.Mode)
	}
	if cfg.Store.Driver != DriverRedis || cfg.Store.Token != "secret" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Logging.Slack == nil || !cfg.Logging.Slack.Notifies(LevelError) {
		t.Errorf("Slack = %+v", cfg.Logging.Slack)
	}

	env[EnvMode] = "sometimes"
	if err := cfg.ApplyEnv(lookup); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for bad mode, got %v", err)
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
	if !cfg.IsDryRun() {
		t.Error("default config must not enforce")
	}
}

func TestEmbeddedDefault_Parses(t *testing.T) {
	cfg, err := Parse(embedded.DefaultSecurityYAML)
	if err != nil {
		t.Fatalf("embedded default config invalid: %v", err)
	}
	if cfg.Mode != ModeDryRun {
		t.Errorf("mode = %s, want DRY_RUN", cfg.Mode)
	}
	if cfg.Bot == nil || cfg.Bot.BlockSeverity != SeverityHigh {
		t.Errorf("bot = %+v", cfg.Bot)
	}
	if cfg.DDoS == nil || cfg.DDoS.Threshold != 1000 {
		t.Errorf("ddos = %+v", cfg.DDoS)
	}
	if _, rule, ok := cfg.AuthFailure.Resolve("/api/auth/login"); !ok || rule.MaxAttempts != 5 {
		t.Errorf("auth rule = %+v, %v", rule, ok)
	}
	if len(cfg.Allowlist) != 2 || cfg.Allowlist[1] != "::1" {
		t.Errorf("allowlist = %v", cfg.Allowlist)
	}
}
