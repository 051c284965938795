package web

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/inercia/edgeguard/internal/background"
	"github.com/inercia/edgeguard/internal/defense"
	"github.com/inercia/edgeguard/internal/metrics"
)

// Guard is the HTTP middleware in front of the protected application. It
// resolves the client IP, asks the engine for a decision and either writes
// the denial or passes the request on. The engine can be swapped at runtime
// when the config is reloaded.
type Guard struct {
	state    atomic.Pointer[guardState]
	schedule background.Scheduler
	access   *AccessLogger
	logger   *slog.Logger
}

// guardState is swapped as a unit so a request never sees an engine paired
// with another config's trusted proxies.
type guardState struct {
	engine   *defense.Engine
	resolver *defense.ClientIPResolver
}

// NewGuard creates the middleware. schedule receives all post-decision work
// (event persistence, auth failure accounting) and must not block.
func NewGuard(engine *defense.Engine, schedule background.Scheduler, logger *slog.Logger) *Guard {
	if schedule == nil {
		schedule = background.Discard
	}
	g := &Guard{schedule: schedule, logger: logger}
	g.SetEngine(engine)
	return g
}

// SetEngine replaces the engine used for new requests.
func (g *Guard) SetEngine(e *defense.Engine) {
	g.state.Store(&guardState{
		engine:   e,
		resolver: defense.NewClientIPResolver(e.Config().TrustedProxies),
	})
}

// Engine returns the current engine.
func (g *Guard) Engine() *defense.Engine {
	return g.state.Load().engine
}

// SetAccessLog enables the access log. Call before serving.
func (g *Guard) SetAccessLog(a *AccessLogger) {
	g.access = a
}

// Verdict is the outcome of evaluating one request.
type Verdict struct {
	Request  *defense.Request
	Decision defense.Decision

	engine   *defense.Engine
	schedule background.Scheduler
}

// Complete reports the response status of an allowed request so failed
// authentication attempts are counted.
func (v Verdict) Complete(status int) {
	v.engine.ObserveResponse(v.Request, status, v.schedule)
}

// Evaluate resolves the client and runs the engine for r. A form body, if
// inspected, is restored on r.
func (g *Guard) Evaluate(r *http.Request) Verdict {
	st := g.state.Load()
	req := defense.FromHTTP(r, st.resolver.Resolve(r), st.engine.BodyLimit())
	return Verdict{
		Request:  req,
		Decision: st.engine.Protect(r.Context(), req, g.schedule),
		engine:   st.engine,
		schedule: g.schedule,
	}
}

// Middleware wraps next.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		v := g.Evaluate(r)
		d := v.Decision

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		if d.Denied {
			g.logger.Debug("request_denied",
				"ip", v.Request.IP,
				"path", v.Request.Path,
				"reason", defense.KindOf(d.Reason),
			)
			WriteDenial(rec, d)
		} else {
			next.ServeHTTP(rec, r)
			v.Complete(rec.statusCode)
		}

		g.access.Write(LogEntry{
			Timestamp:    start,
			ClientIP:     v.Request.IP,
			Method:       r.Method,
			Path:         v.Request.Path,
			StatusCode:   rec.statusCode,
			BytesWritten: rec.bytesWritten,
			Duration:     time.Since(start),
			UserAgent:    r.UserAgent(),
			Outcome:      Outcome(d),
			Reason:       string(defense.KindOf(d.Reason)),
		})
	})
}

// Outcome labels a decision for logs and metrics.
func Outcome(d defense.Decision) string {
	switch {
	case d.Skipped:
		return metrics.OutcomeSkipped
	case d.Denied:
		return metrics.OutcomeDenied
	case d.WouldBlock():
		return metrics.OutcomeWouldBlock
	default:
		return metrics.OutcomeAllowed
	}
}

// statusRecorder wraps http.ResponseWriter to capture the status code and
// the number of body bytes written.
type statusRecorder struct {
	http.ResponseWriter
	statusCode    int
	bytesWritten  int64
	headerWritten bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.headerWritten {
		r.statusCode = code
		r.headerWritten = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.headerWritten {
		r.statusCode = http.StatusOK
		r.headerWritten = true
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytesWritten += int64(n)
	return n, err
}

// Hijack implements http.Hijacker for upgraded connections.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := r.ResponseWriter.(http.Hijacker); ok {
		r.statusCode = http.StatusSwitchingProtocols
		r.headerWritten = true
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Flush implements http.Flusher for streaming responses.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
