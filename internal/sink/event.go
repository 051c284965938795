// Package sink persists security events and forwards the serious ones to a
// webhook. All work is offered to a background scheduler; nothing here ever
// blocks or changes a decision.
package sink

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/edgeguard/internal/config"
	"github.com/inercia/edgeguard/internal/defense"
)

// Event types beyond the detector kinds.
const (
	TypeRequest       = "REQUEST"
	TypeDetectorError = "DETECTOR_ERROR"
)

// Geo is the optional location of the client.
type Geo struct {
	Country string  `json:"country,omitempty"`
	City    string  `json:"city,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
}

// Event is one append-only security event. It is never mutated once written.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Severity  config.Level   `json:"severity"`
	IP        string         `json:"ip"`
	Method    string         `json:"method"`
	Path      string         `json:"path"`
	Reason    string         `json:"reason"`
	Blocked   bool           `json:"blocked"`
	Mode      config.Mode    `json:"mode"`
	Timestamp time.Time      `json:"timestamp"`
	UserAgent string         `json:"userAgent,omitempty"`
	Geo       *Geo           `json:"geo,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// WouldBlock reports whether LIVE mode would have denied the request.
func (e *Event) WouldBlock() bool {
	if e.Details == nil {
		return e.Blocked
	}
	wb, _ := e.Details["wouldBlock"].(bool)
	return e.Blocked || wb
}

func newEvent(typ string, sev config.Level, req *defense.Request, mode config.Mode) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Severity:  sev,
		IP:        req.IP,
		Method:    req.Method,
		Path:      req.Path,
		Mode:      mode,
		Timestamp: req.Received.UTC(),
		UserAgent: req.UserAgent(),
	}
}

// DecisionEvent builds the event for a decision. Allowed requests are DEBUG;
// matches get their detector's severity and carry the would-be reason even
// when nothing was denied.
func DecisionEvent(req *defense.Request, d defense.Decision) *Event {
	if d.Reason == nil {
		ev := newEvent(TypeRequest, config.LevelDebug, req, d.Mode)
		ev.Reason = "allowed"
		return ev
	}

	ev := newEvent(string(d.Reason.Kind()), severityFor(d.Reason), req, d.Mode)
	ev.Blocked = d.Denied
	ev.Reason = d.Reason.Message()
	ev.Details = d.Reason.Details()
	ev.Details["wouldBlock"] = true
	if len(d.Matches) > 1 {
		kinds := make([]string, len(d.Matches))
		for i, m := range d.Matches {
			kinds[i] = string(m.Kind())
		}
		ev.Details["matches"] = kinds
	}
	return ev
}

// AuthFailureEvent builds the event for a recorded authentication failure.
func AuthFailureEvent(req *defense.Request, f defense.AuthFailure, mode config.Mode) *Event {
	sev := config.LevelWarn
	reason := fmt.Sprintf("authentication failed on %s (%d/%d)", f.Prefix, f.Count, f.MaxAttempts)
	if f.Locked {
		sev = config.LevelError
		reason = fmt.Sprintf("locked out of %s for %s after %d failed attempts", f.Prefix, f.Lockout, f.Count)
	}
	ev := newEvent(string(defense.KindAuthFailure), sev, req, mode)
	ev.Reason = reason
	ev.Details = map[string]any{
		"prefix":      f.Prefix,
		"count":       f.Count,
		"maxAttempts": f.MaxAttempts,
		"locked":      f.Locked,
	}
	return ev
}

// DetectorErrorEvent builds the event for a detector that failed open.
func DetectorErrorEvent(req *defense.Request, detector string, err error, mode config.Mode) *Event {
	ev := newEvent(TypeDetectorError, config.LevelWarn, req, mode)
	ev.Reason = fmt.Sprintf("%s detector failed open: %v", detector, err)
	ev.Details = map[string]any{"detector": detector}
	return ev
}

// severityFor maps a match to its event severity.
func severityFor(r defense.Reason) config.Level {
	switch reason := r.(type) {
	case defense.RateLimitReason:
		return config.LevelWarn
	case defense.AuthFailureReason:
		return config.LevelWarn
	case defense.BotReason:
		if reason.Severity >= config.SeverityCritical {
			return config.LevelError
		}
		return config.LevelWarn
	case defense.DDoSReason:
		return config.LevelError
	default:
		return config.LevelWarn
	}
}
