package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Severity is a bot classification tier. Higher is worse.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityNone:     "NONE",
	SeverityLow:      "LOW",
	SeverityMedium:   "MEDIUM",
	SeverityHigh:     "HIGH",
	SeverityCritical: "CRITICAL",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// ParseSeverity parses LOW, MEDIUM, HIGH or CRITICAL.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return SeverityLow, nil
	case "MEDIUM":
		return SeverityMedium, nil
	case "HIGH":
		return SeverityHigh, nil
	case "CRITICAL":
		return SeverityCritical, nil
	default:
		return SeverityNone, fmt.Errorf("%w: unknown severity %q", ErrInvalid, s)
	}
}

// UnmarshalYAML decodes a severity token.
func (s *Severity) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseSeverity(node.Value)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalText renders the severity token.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	parsed, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Level is a security event severity used for persistence and notification filtering.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// ParseLevel parses DEBUG, INFO, WARN or ERROR.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelDebug, fmt.Errorf("%w: unknown log level %q", ErrInvalid, s)
	}
}

// UnmarshalYAML decodes a level token.
func (l *Level) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseLevel(node.Value)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MarshalText renders the level token.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText parses the level token.
func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
