package sink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/inercia/edgeguard/internal/background"
	"github.com/inercia/edgeguard/internal/config"
	"github.com/inercia/edgeguard/internal/defense"
	"github.com/inercia/edgeguard/internal/metrics"
	"github.com/inercia/edgeguard/internal/store"
)

// Metrics hash fields.
const (
	FieldTotal      = "total"
	FieldBlocked    = "blocked"
	FieldWouldBlock = "would_block"
	FieldTypePrefix = "type:"
)

// Sink filters, persists and forwards security events. It implements
// defense.Observer.
type Sink struct {
	cfg      config.LoggingConfig
	events   store.EventStore
	notifier *Notifier
	locator  Locator
	metrics  *metrics.Recorder
	logger   *slog.Logger
}

// Option configures a Sink.
type Option func(*Sink)

// WithNotifier enables webhook notifications.
func WithNotifier(n *Notifier) Option {
	return func(s *Sink) { s.notifier = n }
}

// WithLocator enables geo enrichment.
func WithLocator(l Locator) Option {
	return func(s *Sink) { s.locator = l }
}

// WithMetrics sets the Prometheus recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Sink) { s.metrics = m }
}

// New creates a sink writing to events. A notifier is created from the
// logging config when Slack is configured, unless one is supplied.
func New(cfg config.LoggingConfig, events store.EventStore, logger *slog.Logger, opts ...Option) *Sink {
	s := &Sink{
		cfg:    cfg,
		events: events,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil && cfg.Slack != nil {
		s.notifier = NewNotifier(*cfg.Slack, nil)
	}
	return s
}

func (s *Sink) ObserveDecision(schedule background.Scheduler, req *defense.Request, d defense.Decision) {
	if d.Skipped {
		return
	}
	s.Offer(schedule, DecisionEvent(req, d))
}

func (s *Sink) ObserveAuthFailure(schedule background.Scheduler, req *defense.Request, f defense.AuthFailure, mode config.Mode) {
	s.Offer(schedule, AuthFailureEvent(req, f, mode))
}

func (s *Sink) ObserveDetectorError(schedule background.Scheduler, req *defense.Request, detector string, err error, mode config.Mode) {
	s.Offer(schedule, DetectorErrorEvent(req, detector, err, mode))
}

// Offer schedules persistence of ev if its severity meets the configured
// level. It returns immediately; failures are logged by the task.
func (s *Sink) Offer(schedule background.Scheduler, ev *Event) {
	if ev.Severity < s.cfg.Level {
		return
	}
	schedule(func(ctx context.Context) {
		s.write(ctx, ev)
	})
}

func (s *Sink) write(ctx context.Context, ev *Event) {
	if s.locator != nil && ev.Geo == nil {
		ev.Geo = s.locator.Locate(ev.IP)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("event_marshal_failed", "event_id", ev.ID, "error", err)
		return
	}

	if err := s.events.AppendEvent(ctx, ev.ID, data, s.cfg.MaxEvents, s.cfg.EventRetention()); err != nil {
		s.metrics.SinkFailure("store")
		s.logger.Warn("event_store_failed",
			"event_id", ev.ID,
			"type", ev.Type,
			"error", err,
		)
	} else {
		s.metrics.Event(ev.Type)
	}

	deltas := map[string]int64{
		FieldTotal:                1,
		FieldTypePrefix + ev.Type: 1,
	}
	if ev.Blocked {
		deltas[FieldBlocked] = 1
	} else if ev.WouldBlock() {
		deltas[FieldWouldBlock] = 1
	}
	if err := s.events.IncrMetrics(ctx, deltas); err != nil {
		s.metrics.SinkFailure("metrics")
		s.logger.Debug("event_metrics_failed", "event_id", ev.ID, "error", err)
	}

	s.notify(ctx, ev)
}

// notify forwards ev to the webhook when it was produced in LIVE mode and
// its level is listed.
func (s *Sink) notify(ctx context.Context, ev *Event) {
	if s.notifier == nil || s.cfg.Slack == nil || ev.Mode != config.ModeLive {
		return
	}
	if !s.cfg.Slack.Notifies(ev.Severity) {
		return
	}

	err := s.notifier.Notify(ctx, ev)
	switch {
	case err == nil:
		s.metrics.Notification("sent")
	case errors.Is(err, ErrThrottled):
		s.metrics.Notification("throttled")
		s.logger.Debug("notification_throttled", "event_id", ev.ID)
	default:
		s.metrics.Notification("failed")
		s.metrics.SinkFailure("notify")
		s.logger.Warn("notification_failed", "event_id", ev.ID, "error", err)
	}
}

// Recent returns up to limit stored events, newest first. Payloads that no
// longer decode are skipped.
func Recent(ctx context.Context, events store.EventStore, limit int64) ([]*Event, error) {
	raw, err := events.RecentEvents(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Event, 0, len(raw))
	for _, data := range raw {
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		out = append(out, &ev)
	}
	return out, nil
}
