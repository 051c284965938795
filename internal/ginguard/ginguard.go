// Package ginguard adapts the edgeguard middleware to gin routers.
package ginguard

import (
	"github.com/gin-gonic/gin"

	"github.com/inercia/edgeguard/internal/defense"
	"github.com/inercia/edgeguard/internal/web"
)

// ContextKey holds the defense.Decision for the request in the gin context.
const ContextKey = "edgeguard.decision"

// Middleware returns a gin handler that evaluates each request with guard.
// Denied requests are aborted with the same status and JSON body as the
// net/http middleware; allowed ones continue and their final status is fed
// back for auth-failure accounting.
func Middleware(guard *web.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		v := guard.Evaluate(c.Request)
		c.Set(ContextKey, v.Decision)

		if v.Decision.Denied {
			status, msg := web.StatusFor(v.Decision)
			if retry := web.RetryAfter(v.Decision); retry != "" {
				c.Header("Retry-After", retry)
			}
			c.Header("Cache-Control", "no-store")
			c.AbortWithStatusJSON(status, gin.H{"error": msg})
			return
		}

		c.Next()
		v.Complete(c.Writer.Status())
	}
}

// Decision returns the decision stored by Middleware.
func Decision(c *gin.Context) (defense.Decision, bool) {
	v, ok := c.Get(ContextKey)
	if !ok {
		return defense.Decision{}, false
	}
	d, ok := v.(defense.Decision)
	return d, ok
}
