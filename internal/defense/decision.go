package defense

import "github.com/inercia/edgeguard/internal/config"

// Decision is the outcome of one Protect call. It is never persisted.
type Decision struct {
	// Denied is true only in LIVE mode when a detector matched.
	Denied bool
	// Reason is the first match in precedence order, or nil. In DRY_RUN it
	// carries the would-be reason while Denied stays false.
	Reason Reason
	Mode   config.Mode
	// Matches lists every detector that fired. In LIVE mode evaluation stops
	// at the first match, so it holds at most one entry.
	Matches []Reason
	// Skipped is set for allowlisted clients, which are not evaluated.
	Skipped bool
}

// WouldBlock reports whether LIVE mode would have denied the request.
func (d Decision) WouldBlock() bool {
	return d.Reason != nil
}

func (d Decision) IsRateLimit() bool   { return KindOf(d.Reason) == KindRateLimit }
func (d Decision) IsAuthFailure() bool { return KindOf(d.Reason) == KindAuthFailure }
func (d Decision) IsBot() bool         { return KindOf(d.Reason) == KindBot }
func (d Decision) IsDDoS() bool        { return KindOf(d.Reason) == KindDDoS }
