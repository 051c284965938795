package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// BotConfig configures the bot heuristics. In YAML it is either a bare
// severity token ("HIGH"), meaning "block at or above this tier with default
// heuristics", or an object with sub-detector tuning.
type BotConfig struct {
	BlockSeverity Severity         `yaml:"blockSeverity"`
	Honeypot      *HoneypotConfig  `yaml:"honeypot"`
	UserAgent     *UserAgentConfig `yaml:"userAgent"`
	Timing        *TimingConfig    `yaml:"timing"`
	Headers       *HeadersConfig   `yaml:"headers"`
	Paths         *PathsConfig     `yaml:"paths"`
	Rules         []BotRule        `yaml:"rules"`
}

// HoneypotConfig names hidden form fields that humans never fill.
type HoneypotConfig struct {
	Fields []string `yaml:"fields"`
	// MaxBodyBytes bounds how much of a form body is inspected. Defaults to 64KiB.
	MaxBodyBytes int64 `yaml:"maxBodyBytes"`
}

// UserAgentConfig tunes the user-agent check.
type UserAgentConfig struct {
	// Block lists extra substrings classified HIGH.
	Block []string `yaml:"block"`
	// Allow lists substrings that skip the user-agent check entirely.
	Allow []string `yaml:"allow"`
	// AllowEmpty disables the MEDIUM signal for a missing user agent.
	AllowEmpty bool `yaml:"allowEmpty"`
	// Disabled turns the user-agent check off.
	Disabled bool `yaml:"disabled"`
}

// TimingConfig flags form submissions that arrive faster than a human could type.
type TimingConfig struct {
	// Field is the form field carrying the render timestamp in unix milliseconds.
	Field string `yaml:"field"`
	// Header is an alternative carrier for the same timestamp.
	Header string `yaml:"header"`
	// MinSubmitMs is the minimum plausible time between render and submit.
	MinSubmitMs int64 `yaml:"minSubmitMs"`
}

// MinSubmit returns the minimum plausible submit time.
func (t TimingConfig) MinSubmit() time.Duration {
	return time.Duration(t.MinSubmitMs) * time.Millisecond
}

// HeadersConfig tunes the header-shape check.
type HeadersConfig struct {
	Disabled bool `yaml:"disabled"`
}

// PathsConfig tunes the scanner-probe path check.
type PathsConfig struct {
	// Extra lists additional probe prefixes.
	Extra    []string `yaml:"extra"`
	Disabled bool     `yaml:"disabled"`
}

// BotRule is a custom CEL expression evaluated against the request. When it
// evaluates to true the request gets Severity.
type BotRule struct {
	Name     string   `yaml:"name"`
	Expr     string   `yaml:"expr"`
	Severity Severity `yaml:"severity"`
}

// Default heuristic settings used when a sub-detector block is omitted.
const (
	DefaultHoneypotField     = "website"
	DefaultTimingField       = "_form_ts"
	DefaultTimingHeader      = "X-Form-Rendered-At"
	DefaultMinSubmitMs       = 2000
	DefaultHoneypotBodyBytes = 64 << 10
)

// UnmarshalYAML accepts either a severity token or the expanded object.
func (b *BotConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		sev, err := ParseSeverity(node.Value)
		if err != nil {
			return err
		}
		*b = BotConfig{BlockSeverity: sev}
		return nil
	}
	type plain BotConfig
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*b = BotConfig(p)
	return nil
}

// HoneypotFields returns the configured honeypot fields or the default.
func (b *BotConfig) HoneypotFields() []string {
	if b.Honeypot != nil && len(b.Honeypot.Fields) > 0 {
		return b.Honeypot.Fields
	}
	return []string{DefaultHoneypotField}
}

// HoneypotBodyLimit returns the maximum inspected body size.
func (b *BotConfig) HoneypotBodyLimit() int64 {
	if b.Honeypot != nil && b.Honeypot.MaxBodyBytes > 0 {
		return b.Honeypot.MaxBodyBytes
	}
	return DefaultHoneypotBodyBytes
}

// TimingSettings returns the timing settings with defaults applied.
func (b *BotConfig) TimingSettings() TimingConfig {
	t := TimingConfig{
		Field:       DefaultTimingField,
		Header:      DefaultTimingHeader,
		MinSubmitMs: DefaultMinSubmitMs,
	}
	if b.Timing == nil {
		return t
	}
	if b.Timing.Field != "" {
		t.Field = b.Timing.Field
	}
	if b.Timing.Header != "" {
		t.Header = b.Timing.Header
	}
	if b.Timing.MinSubmitMs > 0 {
		t.MinSubmitMs = b.Timing.MinSubmitMs
	}
	return t
}
