// Package doctor cross-checks a loaded configuration against the discovered
// pipeline plugins. config.Load already rejects structurally invalid files;
// doctor reports what only shows up once plugins are known, plus warnings.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mattjoyce/hl7gw/internal/auth"
	"github.com/mattjoyce/hl7gw/internal/config"
	"github.com/mattjoyce/hl7gw/internal/plugin"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against discovered plugins.
type Doctor struct {
	cfg      *config.Config
	registry *plugin.Registry
}

// New creates a Doctor. registry may be nil when every endpoint uses a
// builtin pipeline.
func New(cfg *config.Config, registry *plugin.Registry) *Doctor {
	if registry == nil {
		registry = plugin.NewRegistry()
	}
	return &Doctor{cfg: cfg, registry: registry}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validatePipelineRefs(r)
	d.validateTokenScopes(r)
	d.warnDeadlines(r)
	d.warnUnsignedIntake(r)
	d.warnUnusedPlugins(r)
	d.warnExposedAPI(r)
	d.warnRetention(r)
	d.warnLegacyAPIKey(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func isBuiltin(name string) bool {
	return strings.HasPrefix(name, "builtin:")
}

// validatePipelineRefs checks that every plugin pipeline was discovered.
func (d *Doctor) validatePipelineRefs(r *Result) {
	for i, ep := range d.cfg.Endpoints {
		if isBuiltin(ep.Pipeline) {
			continue
		}
		if _, ok := d.registry.Get(ep.Pipeline); !ok {
			d.addError(r, "pipelines", fmt.Sprintf("endpoints[%d].pipeline", i),
				fmt.Sprintf("endpoint %q uses pipeline %q which was not found in %s", ep.Name, ep.Pipeline, d.cfg.PipelinesDir))
		}
	}
}

func (d *Doctor) validateTokenScopes(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			if !auth.KnownScope(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected exchanges:ro, exchanges:rw, stats:ro, events:ro or *)", scope))
			}
		}
	}
}

// warnDeadlines flags timing settings that cannot take effect.
func (d *Doctor) warnDeadlines(r *Result) {
	for i, ep := range d.cfg.Endpoints {
		field := fmt.Sprintf("endpoints[%d]", i)

		if ep.IsAutoAck() {
			if ep.Timeout > 0 {
				d.addWarning(r, "timing", field+".timeout",
					fmt.Sprintf("endpoint %q: timeout is ignored in auto-ack mode", ep.Name))
			}
			continue
		}

		limit := d.pipelineLimit(ep)
		if limit > 0 && limit >= ep.Timeout {
			d.addWarning(r, "timing", field+".timeout",
				fmt.Sprintf("endpoint %q: pipeline may run %s but the response deadline is %s; slow messages will be NACKed with a timeout",
					ep.Name, limit, ep.Timeout))
		}
	}
}

// pipelineLimit is the effective execution limit of a plugin pipeline, or
// zero for builtins and unknown plugins.
func (d *Doctor) pipelineLimit(ep config.EndpointConfig) time.Duration {
	if isBuiltin(ep.Pipeline) {
		return 0
	}
	if ep.PipelineTimeout > 0 {
		return ep.PipelineTimeout
	}
	if p, ok := d.registry.Get(ep.Pipeline); ok {
		return p.Timeout
	}
	return 0
}

func (d *Doctor) warnUnsignedIntake(r *Result) {
	for i, ep := range d.cfg.Endpoints {
		if ep.HTTPPath != "" && ep.Secret == "" {
			d.addWarning(r, "http_intake", fmt.Sprintf("endpoints[%d].secret", i),
				fmt.Sprintf("endpoint %q accepts HTTP posts on %s without signature verification", ep.Name, ep.HTTPPath))
		}
	}
}

// warnUnusedPlugins warns about discovered plugins no endpoint references.
func (d *Doctor) warnUnusedPlugins(r *Result) {
	used := make(map[string]bool)
	for _, ep := range d.cfg.Endpoints {
		used[ep.Pipeline] = true
	}
	for _, name := range d.registry.Names() {
		if !used[name] {
			d.addWarning(r, "unused", "",
				fmt.Sprintf("pipeline plugin %q discovered but not referenced by any endpoint", name))
		}
	}
}

func (d *Doctor) warnExposedAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		return
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("API listens on all interfaces (%s); message contents are readable by any token holder", d.cfg.API.Listen))
	}
	if d.cfg.API.RateLimit.RPS == 0 {
		d.addWarning(r, "api", "api.rate_limit", "API rate limiting is disabled")
	}
}

func (d *Doctor) warnRetention(r *Result) {
	if d.cfg.State.Retention == 0 {
		d.addWarning(r, "state", "state.retention", "journal retention is unlimited; the database grows without bound")
	}
}

func (d *Doctor) warnLegacyAPIKey(r *Result) {
	if d.cfg.API.Enabled && d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth.api_key",
			"api_key grants full access; prefer scoped tokens for monitors and tooling")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
