package defense

import (
	"fmt"
	"strings"
	"time"

	"github.com/inercia/edgeguard/internal/config"
)

// ReasonKind identifies the detector behind a Reason. The values double as
// security event types.
type ReasonKind string

const (
	KindNone        ReasonKind = "NONE"
	KindRateLimit   ReasonKind = "RATE_LIMIT"
	KindAuthFailure ReasonKind = "AUTH_FAILURE"
	KindBot         ReasonKind = "BOT_DETECTION"
	KindDDoS        ReasonKind = "DDOS_PROTECTION"
)

// Reason explains why a detector matched. The set of implementations is
// closed: RateLimitReason, AuthFailureReason, BotReason and DDoSReason.
type Reason interface {
	Kind() ReasonKind
	// Message is a one-line human explanation.
	Message() string
	// Details returns structured context for the event log.
	Details() map[string]any

	sealed()
}

// KindOf returns the kind of r, or KindNone for nil.
func KindOf(r Reason) ReasonKind {
	if r == nil {
		return KindNone
	}
	return r.Kind()
}

// RateLimitReason reports a fixed-window rate limit overflow.
type RateLimitReason struct {
	// Prefix is the matched path prefix, or "general" for the default rule.
	Prefix   string
	WindowMs int64
	Max      int64
	Count    int64
}

func (RateLimitReason) Kind() ReasonKind { return KindRateLimit }
func (RateLimitReason) sealed()          {}

func (r RateLimitReason) Message() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d requests in %s (max %d)",
		r.Prefix, r.Count, time.Duration(r.WindowMs)*time.Millisecond, r.Max)
}

func (r RateLimitReason) Details() map[string]any {
	return map[string]any{
		"prefix":   r.Prefix,
		"windowMs": r.WindowMs,
		"max":      r.Max,
		"count":    r.Count,
	}
}

// RetryAfter returns an upper bound for when the window resets.
func (r RateLimitReason) RetryAfter() time.Duration {
	return time.Duration(r.WindowMs) * time.Millisecond
}

// AuthFailureReason reports an active lockout.
type AuthFailureReason struct {
	Prefix      string
	MaxAttempts int64
	Lockout     time.Duration
}

func (AuthFailureReason) Kind() ReasonKind { return KindAuthFailure }
func (AuthFailureReason) sealed()          {}

func (r AuthFailureReason) Message() string {
	return fmt.Sprintf("locked out of %s after %d failed attempts", r.Prefix, r.MaxAttempts)
}

func (r AuthFailureReason) Details() map[string]any {
	return map[string]any{
		"prefix":      r.Prefix,
		"maxAttempts": r.MaxAttempts,
		"lockoutMs":   r.Lockout.Milliseconds(),
	}
}

// Signal is one bot heuristic that fired.
type Signal struct {
	Name     string          `json:"name"`
	Severity config.Severity `json:"severity"`
}

// BotReason reports a bot classification at or above the blocking tier.
type BotReason struct {
	Severity  config.Severity
	Threshold config.Severity
	Signals   []Signal
}

func (BotReason) Kind() ReasonKind { return KindBot }
func (BotReason) sealed()          {}

func (r BotReason) Message() string {
	names := make([]string, len(r.Signals))
	for i, s := range r.Signals {
		names[i] = s.Name
	}
	return fmt.Sprintf("bot detected (%s >= %s): %s", r.Severity, r.Threshold, strings.Join(names, ", "))
}

func (r BotReason) Details() map[string]any {
	return map[string]any{
		"severity":  r.Severity.String(),
		"threshold": r.Threshold.String(),
		"signals":   r.Signals,
	}
}

// DDoSReason reports a volumetric threshold overflow.
type DDoSReason struct {
	// Scope is "global" or the client IP.
	Scope     string
	Threshold int64
	Count     int64
	WindowMs  int64
}

func (DDoSReason) Kind() ReasonKind { return KindDDoS }
func (DDoSReason) sealed()          {}

func (r DDoSReason) Message() string {
	return fmt.Sprintf("traffic threshold exceeded (%s): %d requests in %s (threshold %d)",
		r.Scope, r.Count, time.Duration(r.WindowMs)*time.Millisecond, r.Threshold)
}

func (r DDoSReason) Details() map[string]any {
	return map[string]any{
		"scope":     r.Scope,
		"threshold": r.Threshold,
		"count":     r.Count,
		"windowMs":  r.WindowMs,
	}
}
