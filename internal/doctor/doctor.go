// Package doctor reviews a loaded courier configuration for policy problems
// that parse cleanly but are likely mistakes.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/courier/internal/auth"
	"github.com/mattjoyce/courier/internal/config"
	"github.com/mattjoyce/courier/internal/message"
	"github.com/mattjoyce/courier/internal/storage"
)

// minTokenLength is the shortest bearer token accepted without a warning.
const minTokenLength = 16

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

// Doctor validates configuration policy.
type Doctor struct {
	cfg *config.Config
	// fsCheck reports whether the journal path is on local disk.
	fsCheck func(path string) error
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, fsCheck: storage.CheckLocalFilesystem}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateState(r)
	d.validateTransport(r)
	d.validateDispatch(r)
	d.validatePriorities(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.warnDeprecatedSyntax(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateState(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "state", "state.path", "state.path is required")
		return
	}
	if err := d.fsCheck(d.cfg.State.Path); err != nil {
		d.addError(r, "state", "state.path", err.Error())
	}
	if d.cfg.Service.JournalRetention == 0 {
		d.addWarning(r, "state", "service.journal_retention", "journal is never pruned")
	}
}

func (d *Doctor) validateTransport(r *Result) {
	t := d.cfg.Transport
	switch t.Kind {
	case "loopback":
		d.addWarning(r, "transport", "transport.kind",
			fmt.Sprintf("loopback transport: requests to %q never leave this process", d.cfg.Peer))
	case "websocket":
		u, err := url.Parse(t.URL)
		if err != nil {
			d.addError(r, "transport", "transport.url", err.Error())
			return
		}
		if u.Scheme == "ws" && t.Token != "" && !isLoopbackHost(u.Hostname()) {
			d.addWarning(r, "transport", "transport.url",
				fmt.Sprintf("bridge token is sent unencrypted to %s; use wss://", u.Host))
		}
	}
}

func (d *Doctor) validateDispatch(r *Result) {
	dc := d.cfg.Dispatch
	if dc.QueueCapacity == 0 {
		d.addWarning(r, "dispatch", "dispatch.queue_capacity", "queue is unbounded")
	}
	if dc.ResponseTimeout > 0 && dc.ResponseTimeout < time.Second {
		d.addWarning(r, "dispatch", "dispatch.response_timeout",
			fmt.Sprintf("response timeout %s is shorter than most peers take to reply", dc.ResponseTimeout))
	}
	if dc.RateLimit == 0 && dc.RateBurst > 1 {
		d.addWarning(r, "dispatch", "dispatch.rate_burst", "rate_burst has no effect without rate_limit")
	}
	if dc.CircuitBreaker.Threshold == 0 {
		d.addWarning(r, "dispatch", "dispatch.circuit_breaker.threshold",
			"circuit breaker disabled; a failing transport is retried on every request")
	}
}

func (d *Doctor) validatePriorities(r *Result) {
	defaults := message.DefaultTiers()
	names := make([]string, 0, len(d.cfg.Dispatch.Priorities))
	for name := range d.cfg.Dispatch.Priorities {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v := message.Priority(d.cfg.Dispatch.Priorities[name])
		lower := strings.ToLower(name)
		if def, ok := defaults[lower]; ok && def != v {
			d.addWarning(r, "priorities", "dispatch.priorities."+name,
				fmt.Sprintf("tier %q renumbered from %d to %d", lower, def, v))
		}
	}

	byValue := make(map[message.Priority][]string)
	tiers := d.cfg.Tiers()
	for _, name := range tiers.Names() {
		byValue[tiers[name]] = append(byValue[tiers[name]], name)
	}
	for _, name := range tiers.Names() {
		shared := byValue[tiers[name]]
		if len(shared) > 1 && shared[0] == name {
			d.addWarning(r, "priorities", "dispatch.priorities",
				fmt.Sprintf("tiers %s share priority %d", strings.Join(shared, ", "), tiers[name]))
		}
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	} else if _, _, err := net.SplitHostPort(d.cfg.API.Listen); err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address: %v", err))
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured")
	}
}

func (d *Doctor) validateTokenScopes(r *Result) {
	seen := make(map[string]int)
	if key := d.cfg.API.Auth.APIKey; key != "" {
		seen[key] = -1
		if len(key) < minTokenLength {
			d.addWarning(r, "token_scopes", "api.auth.api_key",
				fmt.Sprintf("api_key is shorter than %d characters", minTokenLength))
		}
	}

	for i, token := range d.cfg.API.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d]", i)
		if prev, dup := seen[token.Token]; dup {
			other := "api.auth.api_key"
			if prev >= 0 {
				other = fmt.Sprintf("api.auth.tokens[%d]", prev)
			}
			d.addError(r, "token_scopes", field+".token", "token duplicates "+other)
		}
		seen[token.Token] = i
		if len(token.Token) < minTokenLength {
			d.addWarning(r, "token_scopes", field+".token",
				fmt.Sprintf("token is shorter than %d characters", minTokenLength))
		}
		for j, scope := range token.Scopes {
			if !auth.Known(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("%s.scopes[%d]", field, j),
					fmt.Sprintf("unknown scope %q", scope))
			}
		}
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"legacy api_key grants full access; migrate to tokens array with scopes")
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
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
