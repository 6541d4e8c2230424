package doctor

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/courier/internal/config"
)

func validConfig() *config.Config {
	cfg := config.Defaults()
	cfg.State.Path = "/tmp/courier-test/courier.db"
	cfg.Transport.Kind = "websocket"
	cfg.Transport.URL = "wss://bridge.example.com/ws"
	cfg.Transport.Token = "bridge-token-0123456789"
	cfg.Dispatch.QueueCapacity = 100
	return cfg
}

func newDoctor(cfg *config.Config) *Doctor {
	d := New(cfg)
	d.fsCheck = func(string) error { return nil }
	return d
}

func assertHasError(t *testing.T, r *Result, category, substr string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && (strings.Contains(e.Message, substr) || strings.Contains(e.Field, substr)) {
			return
		}
	}
	t.Errorf("expected error [%s] containing %q, got: %v", category, substr, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substr string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && (strings.Contains(w.Message, substr) || strings.Contains(w.Field, substr)) {
			return
		}
	}
	t.Errorf("expected warning [%s] containing %q, got: %v", category, substr, r.Warnings)
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := newDoctor(validConfig()).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_MissingStatePath(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.State.Path = ""
	r := newDoctor(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "state", "state.path")
}

func TestValidate_NetworkFilesystem(t *testing.T) {
	t.Parallel()
	d := newDoctor(validConfig())
	d.fsCheck = func(string) error { return errors.New(`journal path is on network filesystem "nfs"`) }
	r := d.Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "state", "nfs")
}

func TestValidate_LoopbackTransportWarns(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Transport.Kind = "loopback"
	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "transport", "never leave")
}

func TestValidate_PlainWebsocketWithToken(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Transport.URL = "ws://bridge.example.com/ws"
	r := newDoctor(cfg).Validate()
	assertHasWarning(t, r, "transport", "unencrypted")

	cfg.Transport.URL = "ws://127.0.0.1:9000/ws"
	r = newDoctor(cfg).Validate()
	if len(r.Warnings) != 0 {
		t.Fatalf("loopback bridge should not warn, got: %v", r.Warnings)
	}
}

func TestValidate_DispatchWarnings(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Dispatch.QueueCapacity = 0
	cfg.Dispatch.ResponseTimeout = 200 * time.Millisecond
	cfg.Dispatch.RateBurst = 5
	cfg.Dispatch.CircuitBreaker.Threshold = 0
	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "dispatch", "unbounded")
	assertHasWarning(t, r, "dispatch", "response_timeout")
	assertHasWarning(t, r, "dispatch", "rate_burst")
	assertHasWarning(t, r, "dispatch", "circuit breaker")
}

func TestValidate_PriorityTiers(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Dispatch.Priorities = map[string]int{
		"High":     25,
		"critical": 30,
	}
	r := newDoctor(cfg).Validate()
	assertHasWarning(t, r, "priorities", `tier "high" renumbered from 20 to 25`)
	assertHasWarning(t, r, "priorities", "tiers critical, urgent share priority 30")
}

func TestValidate_APIWithoutAuth(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.API.Enabled = true
	r := newDoctor(cfg).Validate()
	assertHasWarning(t, r, "api", "no authentication")

	cfg.API.Listen = "not-an-address"
	r = newDoctor(cfg).Validate()
	assertHasError(t, r, "api", "api.listen")
}

func TestValidate_TokenScopes(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.API.Enabled = true
	cfg.API.Auth.Tokens = []config.APIToken{
		{Token: "reader-token-0123456789", Scopes: []string{"requests:ro", "events:ro"}},
		{Token: "short", Scopes: []string{"jobs:rw"}},
		{Token: "reader-token-0123456789", Scopes: []string{"*"}},
	}
	r := newDoctor(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "token_scopes", `unknown scope "jobs:rw"`)
	assertHasError(t, r, "token_scopes", "duplicates api.auth.tokens[0]")
	assertHasWarning(t, r, "token_scopes", "shorter than")
}

func TestValidate_LegacyAPIKey(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.API.Enabled = true
	cfg.API.Auth.APIKey = "admin-key-0123456789"
	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "deprecated", "legacy api_key")

	cfg.API.Auth.Tokens = []config.APIToken{{Token: "admin-key-0123456789", Scopes: []string{"*"}}}
	r = newDoctor(cfg).Validate()
	assertHasError(t, r, "token_scopes", "duplicates api.auth.api_key")
	assertHasWarning(t, r, "deprecated", "prefer tokens")
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()
	if got := FormatHuman(&Result{Valid: true}); got != "Configuration valid.\n" {
		t.Fatalf("unexpected output: %q", got)
	}

	r := &Result{
		Valid:    false,
		Errors:   []Issue{{Category: "state", Field: "state.path", Message: "state.path is required"}},
		Warnings: []Issue{{Category: "dispatch", Message: "queue is unbounded"}},
	}
	got := FormatHuman(r)
	for _, want := range []string{
		"Configuration invalid (1 error(s), 1 warning(s))",
		"ERROR [state] state.path: state.path is required",
		"WARN  [dispatch] queue is unbounded",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	out, err := FormatJSON(&Result{Valid: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"valid": true`) {
		t.Fatalf("unexpected JSON: %s", out)
	}
}
