// Package defense is the request-time security decision engine. It runs a
// fixed pipeline of detectors (rate limit, auth-failure lockout, bot
// heuristics, DDoS threshold) against a shared counter store and returns an
// allow or deny decision with a typed reason.
package defense

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/inercia/edgeguard/internal/background"
	"github.com/inercia/edgeguard/internal/config"
	"github.com/inercia/edgeguard/internal/metrics"
	"github.com/inercia/edgeguard/internal/store"
)

// detector is one stage of the pipeline. A nil Reason means no match.
type detector interface {
	name() string
	check(ctx context.Context, req *Request) (Reason, error)
}

// Observer receives everything the engine decided, for logging and
// notification. Implementations must only schedule work, never block.
type Observer interface {
	ObserveDecision(schedule background.Scheduler, req *Request, d Decision)
	// mode is the engine's mode, which changes when a reload swaps engines.
	ObserveAuthFailure(schedule background.Scheduler, req *Request, f AuthFailure, mode config.Mode)
	ObserveDetectorError(schedule background.Scheduler, req *Request, detector string, err error, mode config.Mode)
}

// Engine evaluates requests against an immutable config.
// It is safe for concurrent use.
type Engine struct {
	cfg       *config.Config
	store     store.CounterStore
	allowlist *NetList
	pipeline  []detector
	lockout   *lockoutTracker
	bot       *botDetector
	observer  Observer
	metrics   *metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithObserver sets the event observer, usually the sink.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithMetrics sets the Prometheus recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an engine. cfg must already be validated; New only fails on
// bot rules that do not compile.
func New(cfg *config.Config, counters store.CounterStore, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:       cfg,
		store:     counters,
		allowlist: NewNetList(cfg.Allowlist),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.lockout = &lockoutTracker{cfg: cfg.AuthFailure, store: counters, logger: e.logger}
	e.pipeline = []detector{
		&rateLimiter{cfg: cfg.RateLimit, store: counters},
		e.lockout,
	}
	if cfg.Bot != nil {
		bot, err := newBotDetector(cfg.Bot, e.logger)
		if err != nil {
			return nil, err
		}
		e.bot = bot
		e.pipeline = append(e.pipeline, bot)
	}
	if cfg.DDoS != nil {
		e.pipeline = append(e.pipeline, &ddosMonitor{cfg: *cfg.DDoS, store: counters})
	}
	return e, nil
}

// Config returns the engine config.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Mode returns the enforcement mode.
func (e *Engine) Mode() config.Mode {
	return e.cfg.Mode
}

// BodyLimit returns how many body bytes FromHTTP should inspect, or 0 when
// no detector needs form fields.
func (e *Engine) BodyLimit() int64 {
	if e.bot == nil {
		return 0
	}
	return e.cfg.Bot.HoneypotBodyLimit()
}

// Protect evaluates req in precedence order: rate limit, auth-failure
// lockout, bot, DDoS. In LIVE mode the first match denies and later detectors
// are skipped. In DRY_RUN mode every detector runs and the decision is always
// an allow carrying the would-be reason. Detector errors, including store
// timeouts and panics, are logged and treated as no match.
//
// The decision is offered to the observer through schedule, which must not
// block. A nil schedule discards events.
func (e *Engine) Protect(ctx context.Context, req *Request, schedule background.Scheduler) Decision {
	start := e.now()
	mode := e.cfg.Mode
	if req.IP == "" {
		req.IP = UnknownIP
	}
	if req.Received.IsZero() {
		req.Received = start
	}
	if schedule == nil {
		schedule = background.Discard
	}

	if e.allowlist.Contains(req.IP) {
		e.metrics.Decision(string(KindNone), string(mode), metrics.OutcomeSkipped, e.now().Sub(start))
		return Decision{Mode: mode, Skipped: true}
	}

	d := Decision{Mode: mode}
	for _, det := range e.pipeline {
		reason, err := e.run(ctx, det, req)
		if err != nil {
			e.logger.Warn("detector_failed",
				"detector", det.name(),
				"ip", req.IP,
				"path", req.Path,
				"error", err,
			)
			e.metrics.DetectorError(det.name())
			if e.observer != nil {
				e.observer.ObserveDetectorError(schedule, req, det.name(), err, e.cfg.Mode)
			}
			continue
		}
		if reason == nil {
			continue
		}
		d.Matches = append(d.Matches, reason)
		if mode == config.ModeLive {
			break
		}
	}

	if len(d.Matches) > 0 {
		d.Reason = d.Matches[0]
		d.Denied = mode == config.ModeLive
	}

	outcome := metrics.OutcomeAllowed
	switch {
	case d.Denied:
		outcome = metrics.OutcomeDenied
	case d.WouldBlock():
		outcome = metrics.OutcomeWouldBlock
	}
	e.metrics.Decision(string(KindOf(d.Reason)), string(mode), outcome, e.now().Sub(start))

	for _, m := range d.Matches {
		if m.Kind() == KindBot {
			e.countBot(schedule, req.IP)
		}
	}

	if d.WouldBlock() {
		e.logger.Debug("request_flagged",
			"ip", req.IP,
			"method", req.Method,
			"path", req.Path,
			"reason", d.Reason.Kind(),
			"denied", d.Denied,
			"mode", mode,
		)
	}

	if e.observer != nil {
		e.observer.ObserveDecision(schedule, req, d)
	}
	return d
}

// run calls one detector, converting a panic into an error.
func (e *Engine) run(ctx context.Context, det detector, req *Request) (reason Reason, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			reason = nil
			err = fmt.Errorf("detector panic: %v", rec)
		}
	}()
	return det.check(ctx, req)
}

// countBot bumps the per-IP bot counter off the decision path.
func (e *Engine) countBot(schedule background.Scheduler, ip string) {
	schedule(func(ctx context.Context) {
		if _, err := e.store.Increment(ctx, BotKey(ip), botCounterWindow); err != nil {
			e.logger.Debug("bot_counter_failed", "ip", ip, "error", err)
		}
	})
}

// Classify returns the bot tier and signals for req without counting
// anything. It reports SeverityNone when bot detection is disabled.
func (e *Engine) Classify(req *Request) (config.Severity, []Signal) {
	if e.bot == nil {
		return config.SeverityNone, nil
	}
	return e.bot.classify(req)
}

// RecordAuthFailure counts an authentication failure for the client on a
// tracked path and locks it out after MaxAttempts. It reports whether a
// lockout was set. Store errors are logged and returned; they never lock a
// client out.
func (e *Engine) RecordAuthFailure(ctx context.Context, req *Request, schedule background.Scheduler) (bool, error) {
	if schedule == nil {
		schedule = background.Discard
	}
	f, ok, err := e.lockout.recordFailure(ctx, req.Path, req.IP)
	if err != nil {
		e.logger.Warn("auth_failure_record_failed",
			"ip", req.IP,
			"path", req.Path,
			"error", err,
		)
		e.metrics.DetectorError(e.lockout.name())
	}
	if !ok {
		return false, err
	}

	if f.Locked {
		e.logger.Warn("client_locked_out",
			"ip", req.IP,
			"prefix", f.Prefix,
			"attempts", f.Count,
			"lockout", f.Lockout,
		)
	}
	if e.observer != nil {
		e.observer.ObserveAuthFailure(schedule, req, f, e.cfg.Mode)
	}
	return f.Locked, err
}

// RecordAuthSuccess clears the failure counter for the client.
func (e *Engine) RecordAuthSuccess(ctx context.Context, req *Request) error {
	if err := e.lockout.recordSuccess(ctx, req.Path, req.IP); err != nil {
		e.logger.Debug("auth_success_record_failed",
			"ip", req.IP,
			"path", req.Path,
			"error", err,
		)
		return err
	}
	return nil
}

// ObserveResponse feeds the upstream response status into the lockout
// tracker. Failure statuses on tracked paths count as failures; 2xx clears
// the counter. The store calls run on schedule, after the response.
func (e *Engine) ObserveResponse(req *Request, status int, schedule background.Scheduler) {
	_, rule, ok := e.cfg.AuthFailure.Resolve(req.Path)
	if !ok || schedule == nil {
		return
	}
	switch {
	case rule.IsFailureStatus(status):
		schedule(func(ctx context.Context) {
			e.RecordAuthFailure(ctx, req, schedule)
		})
	case status >= 200 && status < 300:
		schedule(func(ctx context.Context) {
			e.RecordAuthSuccess(ctx, req)
		})
	}
}
