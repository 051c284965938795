package defense

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/inercia/edgeguard/internal/config"
)

// ruleCostLimit bounds the evaluation cost of a single bot rule.
const ruleCostLimit = 10000

// botRule is a compiled custom bot rule.
//
// Rules see these variables:
//
//	method     string
//	path       string
//	ip         string
//	user_agent string
//	headers    map(string, string)   lower-cased names, first value
//	form       map(string, string)   first value of each submitted field
//
// Example: `path.startsWith("/api/contact") && !("referer" in headers)`
type botRule struct {
	name     string
	severity config.Severity
	program  cel.Program
}

func ruleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("method", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("user_agent", cel.StringType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("form", cel.MapType(cel.StringType, cel.StringType)),
	)
}

// compileBotRules compiles every rule. Any invalid rule is a config error.
func compileBotRules(rules []config.BotRule) ([]*botRule, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	env, err := ruleEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create rule environment: %w", err)
	}

	out := make([]*botRule, 0, len(rules))
	for i, r := range rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule%d", i)
		}
		ast, iss := env.Compile(r.Expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("%w: bot.rules[%d] (%s): %v", config.ErrInvalid, i, name, iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("%w: bot.rules[%d] (%s): must evaluate to bool, got %s",
				config.ErrInvalid, i, name, ast.OutputType())
		}
		prg, err := env.Program(ast, cel.CostLimit(ruleCostLimit))
		if err != nil {
			return nil, fmt.Errorf("%w: bot.rules[%d] (%s): %v", config.ErrInvalid, i, name, err)
		}
		out = append(out, &botRule{name: name, severity: r.Severity, program: prg})
	}
	return out, nil
}

func (r *botRule) eval(req *Request) (bool, error) {
	out, _, err := r.program.Eval(map[string]any{
		"method":     req.Method,
		"path":       req.Path,
		"ip":         req.IP,
		"user_agent": req.UserAgent(),
		"headers":    flattenHeaders(req.Header),
		"form":       flattenValues(req.Form),
	})
	if err != nil {
		return false, err
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %s returned %T", r.name, out.Value())
	}
	return matched, nil
}

func flattenHeaders(h map[string][]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}

func flattenValues(v url.Values) map[string]string {
	out := make(map[string]string, len(v))
	for k, vals := range v {
		if len(vals) > 0 {
			out[k] = vals[0]
		}
	}
	return out
}
