package defense

import (
	"net/http"
	"strings"
)

// ClientIPResolver derives the client address of a request. Forwarded headers
// are honoured only when the direct peer is a trusted proxy.
type ClientIPResolver struct {
	trusted *NetList
}

// NewClientIPResolver creates a resolver trusting the given proxies.
func NewClientIPResolver(trustedProxies []string) *ClientIPResolver {
	return &ClientIPResolver{trusted: NewNetList(trustedProxies)}
}

// Resolve returns the normalized client IP, or UnknownIP.
func (c *ClientIPResolver) Resolve(r *http.Request) string {
	direct := NormalizeIP(r.RemoteAddr)
	if c == nil || c.trusted.Empty() || !c.trusted.Contains(direct) {
		return direct
	}

	// Walk X-Forwarded-For right to left: the first hop we do not trust is
	// the client. Entries left of it are client-controlled.
	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := NormalizeIP(hops[i])
			if hop == UnknownIP {
				break
			}
			if !c.trusted.Contains(hop) || i == 0 {
				return hop
			}
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := NormalizeIP(xri); ip != UnknownIP {
			return ip
		}
	}
	return direct
}
