package defense

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/inercia/edgeguard/internal/config"
	"github.com/inercia/edgeguard/internal/store"
)

// BotKey returns the bot hit counter key. It is kept for operators only.
func BotKey(ip string) string {
	return store.KeyPrefix + "bot:" + ip
}

// botCounterWindow is the lifetime of a bot hit counter.
const botCounterWindow = 24 * time.Hour

// ScannerPaths are prefixes commonly probed by vulnerability scanners.
var ScannerPaths = []string{
	"/.env",
	"/.git/",
	"/.aws/",
	"/.htpasswd",
	"/.htaccess",
	"/.ds_store",
	"/wp-admin",
	"/wp-login",
	"/wp-content",
	"/wp-includes",
	"/xmlrpc.php",
	"/phpmyadmin",
	"/phpinfo",
	"/config.json",
	"/secrets.json",
	"/api/.env",
	"/api/v1/.env",
	"/api/v2/.env",
	"/api/.git",
	"/composer.json",
	"/web.config",
	"/server-status",
	"/cgi-bin/",
	"/vendor/phpunit",
	"/actuator",
	"/boaform",
}

// scannerUserAgents are signatures of attack tooling and bare HTTP libraries.
var scannerUserAgents = []string{
	"sqlmap",
	"nikto",
	"nmap",
	"masscan",
	"zgrab",
	"gobuster",
	"dirbuster",
	"wfuzz",
	"ffuf",
	"nuclei",
	"httpx",
	"curl/",
	"wget/",
	"python-requests",
	"python-urllib",
	"go-http-client",
	"libwww-perl",
	"java/",
	"headlesschrome",
	"phantomjs",
	"scanner",
	"exploit",
}

// crawlerKeywords mark self-declared crawlers. Many are legitimate, so they
// only contribute a low signal.
var crawlerKeywords = []string{
	"bot",
	"crawler",
	"spider",
	"slurp",
	"fetcher",
}

// formMethods are the methods that can carry a form submission.
var formMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// botDetector classifies a request into a severity tier from independent
// heuristics. It is pure: it never calls the store.
type botDetector struct {
	cfg      *config.BotConfig
	timing   config.TimingConfig
	honeypot []string
	probes   []string
	uaBlock  []string
	uaAllow  []string
	rules    []*botRule
	logger   *slog.Logger
}

func newBotDetector(cfg *config.BotConfig, logger *slog.Logger) (*botDetector, error) {
	d := &botDetector{
		cfg:      cfg,
		timing:   cfg.TimingSettings(),
		honeypot: cfg.HoneypotFields(),
		probes:   ScannerPaths,
		logger:   logger,
	}
	if cfg.Paths != nil {
		for _, p := range cfg.Paths.Extra {
			d.probes = append(d.probes, strings.ToLower(p))
		}
	}
	if cfg.UserAgent != nil {
		d.uaBlock = lowerAll(cfg.UserAgent.Block)
		d.uaAllow = lowerAll(cfg.UserAgent.Allow)
	}

	rules, err := compileBotRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	d.rules = rules
	return d, nil
}

func (*botDetector) name() string { return "bot" }

func (d *botDetector) check(_ context.Context, req *Request) (Reason, error) {
	sev, signals := d.classify(req)
	if sev == config.SeverityNone || sev < d.cfg.BlockSeverity {
		return nil, nil
	}
	return BotReason{
		Severity:  sev,
		Threshold: d.cfg.BlockSeverity,
		Signals:   signals,
	}, nil
}

// classify runs every sub-check and combines them. The result is the highest
// tier observed, raised one tier when two or more signals share it.
func (d *botDetector) classify(req *Request) (config.Severity, []Signal) {
	var signals []Signal
	add := func(name string, sev config.Severity) {
		signals = append(signals, Signal{Name: name, Severity: sev})
	}

	for _, field := range d.honeypot {
		if strings.TrimSpace(req.Form.Get(field)) != "" {
			add("honeypot:"+field, config.SeverityCritical)
		}
	}

	ua := strings.ToLower(strings.TrimSpace(req.UserAgent()))
	if d.cfg.UserAgent == nil || !d.cfg.UserAgent.Disabled {
		d.checkUserAgent(ua, add)
	}

	if d.cfg.Headers == nil || !d.cfg.Headers.Disabled {
		missing := config.SeverityLow
		if strings.HasPrefix(ua, "mozilla/") {
			// Real browsers always send both.
			missing = config.SeverityMedium
		}
		if req.Header.Get("Accept") == "" {
			add("header_missing:accept", missing)
		}
		if req.Header.Get("Accept-Language") == "" {
			add("header_missing:accept-language", missing)
		}
	}

	if d.cfg.Paths == nil || !d.cfg.Paths.Disabled {
		if probe, ok := matchProbe(req.Path, d.probes); ok {
			add("path_probe:"+probe, config.SeverityHigh)
		}
	}

	if formMethods[req.Method] {
		d.checkTiming(req, add)
	}

	for _, rule := range d.rules {
		matched, err := rule.eval(req)
		if err != nil {
			d.logger.Debug("bot_rule_eval_error", "rule", rule.name, "error", err)
			continue
		}
		if matched {
			add("rule:"+rule.name, rule.severity)
		}
	}

	return combine(signals), signals
}

func (d *botDetector) checkUserAgent(ua string, add func(string, config.Severity)) {
	if ua == "" {
		if d.cfg.UserAgent == nil || !d.cfg.UserAgent.AllowEmpty {
			add("ua_empty", config.SeverityMedium)
		}
		return
	}
	if containsAny(ua, d.uaAllow) != "" {
		return
	}
	if sig := containsAny(ua, d.uaBlock); sig != "" {
		add("ua_blocked:"+sig, config.SeverityHigh)
		return
	}
	if sig := containsAny(ua, scannerUserAgents); sig != "" {
		add("ua_scanner:"+strings.TrimSuffix(sig, "/"), config.SeverityHigh)
		return
	}
	if sig := containsAny(ua, crawlerKeywords); sig != "" {
		add("ua_crawler", config.SeverityLow)
	}
}

// checkTiming flags submissions faster than a human could fill the form.
// Requests without a render timestamp carry no timing signal.
func (d *botDetector) checkTiming(req *Request, add func(string, config.Severity)) {
	raw := req.Form.Get(d.timing.Field)
	if raw == "" && req.Header != nil {
		raw = req.Header.Get(d.timing.Header)
	}
	if raw == "" {
		return
	}
	renderedMs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		add("timing_invalid", config.SeverityLow)
		return
	}
	elapsed := req.Received.Sub(time.UnixMilli(renderedMs))
	if elapsed < d.timing.MinSubmit() {
		add("timing_fast", config.SeverityHigh)
	}
}

func combine(signals []Signal) config.Severity {
	top := config.SeverityNone
	atTop := 0
	for _, s := range signals {
		switch {
		case s.Severity > top:
			top = s.Severity
			atTop = 1
		case s.Severity == top:
			atTop++
		}
	}
	if atTop >= 2 && top < config.SeverityCritical {
		top++
	}
	return top
}

// matchProbe reports whether path starts with a probe prefix on a segment
// boundary, so "/wp-admin/x" matches "/wp-admin" but "/wp-adminer" does not.
func matchProbe(path string, probes []string) (string, bool) {
	lower := strings.ToLower(path)
	for _, p := range probes {
		if !strings.HasPrefix(lower, p) {
			continue
		}
		if len(lower) == len(p) || strings.HasSuffix(p, "/") {
			return p, true
		}
		switch lower[len(p)] {
		case '/', '.', '?':
			return p, true
		}
	}
	return "", false
}

// containsAny returns the first needle found in s.
func containsAny(s string, needles []string) string {
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return n
		}
	}
	return ""
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
