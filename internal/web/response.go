package web

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/inercia/edgeguard/internal/defense"
)

// Denial bodies.
const (
	MsgRateLimited = "Too many requests"
	MsgBot         = "Bot detected"
	MsgAuthFailure = "Authentication failed"
	MsgDDoS        = "DDoS attack detected"
	MsgForbidden   = "Forbidden"
)

// StatusFor maps a denial to its HTTP status and error message.
func StatusFor(d defense.Decision) (int, string) {
	switch defense.KindOf(d.Reason) {
	case defense.KindRateLimit:
		return http.StatusTooManyRequests, MsgRateLimited
	case defense.KindBot:
		return http.StatusForbidden, MsgBot
	case defense.KindAuthFailure:
		return http.StatusUnauthorized, MsgAuthFailure
	case defense.KindDDoS:
		return http.StatusServiceUnavailable, MsgDDoS
	default:
		return http.StatusForbidden, MsgForbidden
	}
}

// RetryAfter returns the Retry-After header value for d, in whole seconds,
// or "" when the denial carries no retry hint.
func RetryAfter(d defense.Decision) string {
	var secs float64
	switch r := d.Reason.(type) {
	case defense.RateLimitReason:
		secs = r.RetryAfter().Seconds()
	case defense.AuthFailureReason:
		secs = r.Lockout.Seconds()
	default:
		return ""
	}
	if secs <= 0 {
		return ""
	}
	return strconv.Itoa(int(math.Ceil(secs)))
}

// WriteDenial writes the JSON error response for a denied decision.
func WriteDenial(w http.ResponseWriter, d defense.Decision) {
	status, msg := StatusFor(d)
	if v := RetryAfter(d); v != "" {
		w.Header().Set("Retry-After", v)
	}
	w.Header().Set("Cache-Control", "no-store")
	writeErrorJSON(w, status, msg)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeErrorJSON writes {"error": message}.
func writeErrorJSON(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
