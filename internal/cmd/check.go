package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/edgeguard/internal/background"
	"github.com/inercia/edgeguard/internal/config"
	"github.com/inercia/edgeguard/internal/defense"
	"github.com/inercia/edgeguard/internal/logging"
	"github.com/inercia/edgeguard/internal/store"
	"github.com/inercia/edgeguard/internal/web"
)

// checkOptions describes the synthetic request sent by "edgeguard check".
type checkOptions struct {
	Method    string
	Path      string
	IP        string
	UserAgent string
	Headers   []string
	Form      []string
	Count     int
	Mode      string
	JSON      bool
}

var checkOpts checkOptions

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate synthetic requests against the config",
	Long: `Send one or more synthetic requests through the decision engine and
print each decision. Counters live in a throwaway in-memory store, so the
command never touches production state.

Examples:
  edgeguard check --path /api/contact --count 6
  edgeguard check --user-agent "sqlmap/1.7" --path /wp-admin
  edgeguard check --method POST --path /api/contact --form website=spam --mode LIVE`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck(cmd.OutOrStdout(), cfg, checkOpts)
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)

	f := checkCmd.Flags()
	f.StringVarP(&checkOpts.Method, "method", "X", http.MethodGet, "HTTP method")
	f.StringVarP(&checkOpts.Path, "path", "p", "/", "Request path")
	f.StringVar(&checkOpts.IP, "ip", "203.0.113.10", "Client IP")
	f.StringVarP(&checkOpts.UserAgent, "user-agent", "A", defaultCheckUA, "User-Agent header (empty to omit)")
	f.StringArrayVarP(&checkOpts.Headers, "header", "H", nil, "Extra header as 'Name: value' (repeatable)")
	f.StringArrayVarP(&checkOpts.Form, "form", "F", nil, "Form field as name=value (repeatable)")
	f.IntVarP(&checkOpts.Count, "count", "n", 1, "Number of identical requests")
	f.StringVar(&checkOpts.Mode, "mode", "", "Override the mode (LIVE or DRY_RUN)")
	f.BoolVar(&checkOpts.JSON, "json", false, "Print decisions as JSON lines")
}

const defaultCheckUA = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"

// checkResult is one printed decision.
type checkResult struct {
	N        int                  `json:"n"`
	Outcome  string               `json:"outcome"`
	Status   int                  `json:"status"`
	Reason   defense.ReasonKind   `json:"reason"`
	Message  string               `json:"message,omitempty"`
	Matches  []defense.ReasonKind `json:"matches,omitempty"`
	Severity string               `json:"botSeverity,omitempty"`
	Signals  []defense.Signal     `json:"botSignals,omitempty"`
	Details  map[string]any       `json:"details,omitempty"`
}

func runCheck(w io.Writer, base *config.Config, opts checkOptions) error {
	c := *base
	// A throwaway store must not be snapshotted over the real one.
	c.Store = config.StoreConfig{Driver: config.DriverMemory}
	if opts.Mode != "" {
		mode, err := config.ParseMode(opts.Mode)
		if err != nil {
			return err
		}
		c.Mode = mode
	}
	if opts.Count < 1 {
		opts.Count = 1
	}

	engine, err := defense.New(&c, store.NewMemory("", logging.Store()), defense.WithLogger(logging.Engine()))
	if err != nil {
		return err
	}

	form := url.Values{}
	for _, kv := range opts.Form {
		name, value, _ := strings.Cut(kv, "=")
		form.Add(name, value)
	}
	header := http.Header{}
	header.Set("Accept", "text/html,application/xhtml+xml")
	header.Set("Accept-Language", "en-US,en;q=0.9")
	if opts.UserAgent != "" {
		header.Set("User-Agent", opts.UserAgent)
	}
	for _, h := range opts.Headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("invalid header %q, want 'Name: value'", h)
		}
		header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	ctx := context.Background()
	schedule := background.Inline(ctx)
	if !opts.JSON {
		fmt.Fprintf(w, "mode %s, %s %s from %s\n", c.Mode, opts.Method, opts.Path, defense.NormalizeIP(opts.IP))
	}

	for i := 1; i <= opts.Count; i++ {
		req := &defense.Request{
			Method:   strings.ToUpper(opts.Method),
			Path:     opts.Path,
			Header:   header.Clone(),
			IP:       defense.NormalizeIP(opts.IP),
			Received: time.Now(),
		}
		if len(form) > 0 {
			req.Form = form
		}

		d := engine.Protect(ctx, req, schedule)
		res := checkResult{
			N:       i,
			Outcome: web.Outcome(d),
			Status:  http.StatusOK,
			Reason:  defense.KindOf(d.Reason),
		}
		if d.Denied {
			res.Status, _ = web.StatusFor(d)
		}
		if d.Reason != nil {
			res.Message = d.Reason.Message()
			res.Details = d.Reason.Details()
		}
		for _, m := range d.Matches {
			res.Matches = append(res.Matches, m.Kind())
		}
		if c.Bot != nil {
			sev, signals := engine.Classify(req)
			res.Severity = sev.String()
			res.Signals = signals
		}

		if err := printCheck(w, res, opts.JSON); err != nil {
			return err
		}
	}
	return nil
}

func printCheck(w io.Writer, res checkResult, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(res)
	}
	line := fmt.Sprintf("#%-3d %-11s %d", res.N, res.Outcome, res.Status)
	if res.Reason != defense.KindNone {
		line += fmt.Sprintf("  %s: %s", res.Reason, res.Message)
	}
	if len(res.Matches) > 1 {
		kinds := make([]string, len(res.Matches))
		for i, k := range res.Matches {
			kinds[i] = string(k)
		}
		line += fmt.Sprintf("  (also: %s)", strings.Join(kinds[1:], ", "))
	}
	if len(res.Signals) > 0 {
		names := make([]string, len(res.Signals))
		for i, s := range res.Signals {
			names[i] = fmt.Sprintf("%s=%s", s.Name, s.Severity)
		}
		line += fmt.Sprintf("  bot %s [%s]", res.Severity, strings.Join(names, " "))
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
