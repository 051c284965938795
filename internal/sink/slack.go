package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/time/rate"

	"github.com/inercia/edgeguard/internal/config"
)

// ErrThrottled is returned when the notification budget is exhausted.
var ErrThrottled = errors.New("notification throttled")

// maxFieldLen caps each client-controlled field in a message.
const maxFieldLen = 200

// Notifier posts messages to a Slack incoming webhook.
type Notifier struct {
	webhook string
	client  *http.Client
	limiter *rate.Limiter
	policy  *bluemonday.Policy
}

// NewNotifier creates a notifier allowing perMinute messages per minute.
func NewNotifier(cfg config.SlackConfig, client *http.Client) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	perMinute := cfg.PerMinute
	if perMinute <= 0 {
		perMinute = config.DefaultSlackPerMinute
	}
	return &Notifier{
		webhook: cfg.Webhook,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		policy:  bluemonday.StrictPolicy(),
	}
}

// Notify posts an event.
func (n *Notifier) Notify(ctx context.Context, ev *Event) error {
	return n.Post(ctx, n.format(ev))
}

// Post sends raw text, subject to the rate limit.
func (n *Notifier) Post(ctx context.Context, text string) error {
	if !n.limiter.Allow() {
		return ErrThrottled
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhook, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// format renders an event as Slack mrkdwn. Client-controlled fields are
// stripped of markup; the strict policy also escapes &, < and >, which is
// exactly the escaping Slack expects.
func (n *Notifier) format(ev *Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":rotating_light: *%s* %s\n", ev.Severity, ev.Type)
	fmt.Fprintf(&b, "*Reason:* %s\n", n.clean(ev.Reason))
	fmt.Fprintf(&b, "*Client:* `%s`", n.clean(ev.IP))
	if ev.Geo != nil && ev.Geo.Country != "" {
		fmt.Fprintf(&b, " (%s)", n.clean(ev.Geo.Country))
	}
	fmt.Fprintf(&b, "\n*Request:* `%s %s`\n", n.clean(ev.Method), n.clean(ev.Path))
	if ev.UserAgent != "" {
		fmt.Fprintf(&b, "*User-Agent:* %s\n", n.clean(ev.UserAgent))
	}
	action := "blocked"
	if !ev.Blocked {
		action = "observed"
	}
	fmt.Fprintf(&b, "*Action:* %s · %s", action, ev.Timestamp.Format(time.RFC3339))
	return b.String()
}

func (n *Notifier) clean(s string) string {
	s = strings.NewReplacer("`", "'", "\n", " ", "\r", " ").Replace(s)
	if r := []rune(s); len(r) > maxFieldLen {
		s = string(r[:maxFieldLen]) + "…"
	}
	return n.policy.Sanitize(s)
}
