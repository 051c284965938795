package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/inercia/edgeguard/internal/config"
	"github.com/inercia/edgeguard/internal/store"
)

// summaryTimeout bounds one summary run.
const summaryTimeout = 10 * time.Second

// Summarizer periodically reports the metrics hash: to the log always, and
// to the webhook in LIVE mode.
type Summarizer struct {
	cron     *cron.Cron
	events   store.EventStore
	notifier *Notifier
	mode     config.Mode
	logger   *slog.Logger

	last map[string]int64
}

// NewSummarizer schedules a summary on spec, a standard five-field cron
// expression or descriptor such as "@hourly". notifier may be nil.
func NewSummarizer(spec string, events store.EventStore, notifier *Notifier, mode config.Mode, logger *slog.Logger) (*Summarizer, error) {
	s := &Summarizer{
		cron:     cron.New(),
		events:   events,
		notifier: notifier,
		mode:     mode,
		logger:   logger,
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("invalid summary schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins the schedule.
func (s *Summarizer) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running summary.
func (s *Summarizer) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Summarizer) run() {
	ctx, cancel := context.WithTimeout(context.Background(), summaryTimeout)
	defer cancel()

	text, err := s.Summarize(ctx)
	if err != nil {
		s.logger.Warn("security_summary_failed", "error", err)
		return
	}
	if s.notifier == nil || s.mode != config.ModeLive {
		return
	}
	if err := s.notifier.Post(ctx, text); err != nil {
		s.logger.Warn("security_summary_notify_failed", "error", err)
	}
}

// Summarize reads the metrics hash, logs it with the change since the
// previous run, and returns a message.
func (s *Summarizer) Summarize(ctx context.Context) (string, error) {
	m, err := s.events.Metrics(ctx)
	if err != nil {
		return "", err
	}

	delta := func(field string) int64 {
		return m[field] - s.last[field]
	}
	s.logger.Info("security_summary",
		"total", m[FieldTotal],
		"blocked", m[FieldBlocked],
		"would_block", m[FieldWouldBlock],
		"new_total", delta(FieldTotal),
		"new_blocked", delta(FieldBlocked),
	)

	var b strings.Builder
	fmt.Fprintf(&b, ":bar_chart: *Security summary* (%s)\n", s.mode)
	fmt.Fprintf(&b, "events: %d (+%d) · blocked: %d (+%d) · would block: %d (+%d)\n",
		m[FieldTotal], delta(FieldTotal),
		m[FieldBlocked], delta(FieldBlocked),
		m[FieldWouldBlock], delta(FieldWouldBlock))
	for _, field := range TypeFields(m) {
		fmt.Fprintf(&b, "• %s: %d\n", strings.TrimPrefix(field, FieldTypePrefix), m[field])
	}

	s.last = m
	return strings.TrimRight(b.String(), "\n"), nil
}

// TypeFields returns the per-type fields of a metrics hash, sorted.
func TypeFields(m map[string]int64) []string {
	var out []string
	for field := range m {
		if strings.HasPrefix(field, FieldTypePrefix) {
			out = append(out, field)
		}
	}
	sort.Strings(out)
	return out
}
