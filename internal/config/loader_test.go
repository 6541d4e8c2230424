package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/courier/internal/message"
)

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "empty file gets defaults",
			yaml: "{}\n",
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Peer != "GrokAI" {
					t.Errorf("peer = %q, want GrokAI", cfg.Peer)
				}
				if cfg.Dispatch.ResponseTimeout != 30*time.Second {
					t.Errorf("response_timeout = %v, want 30s", cfg.Dispatch.ResponseTimeout)
				}
				if cfg.Transport.Kind != "loopback" {
					t.Errorf("transport.kind = %q, want loopback", cfg.Transport.Kind)
				}
				if cfg.State.Path != "./data/courier.db" {
					t.Errorf("state.path = %q", cfg.State.Path)
				}
				if cfg.API.Listen != "127.0.0.1:8080" {
					t.Errorf("api.listen = %q", cfg.API.Listen)
				}
				if cfg.Dispatch.CircuitBreaker.Threshold != 5 {
					t.Errorf("circuit_breaker.threshold = %d", cfg.Dispatch.CircuitBreaker.Threshold)
				}
				if len(cfg.Files) != 1 {
					t.Errorf("Files = %v, want root only", cfg.Files)
				}
			},
		},
		{
			name: "websocket transport with env interpolation",
			yaml: `
peer: ${BOT_USERNAME}
transport:
  kind: websocket
  url: ws://127.0.0.1:9000/bridge
  token: ${BRIDGE_TOKEN}
dispatch:
  response_timeout: 45s
  max_in_flight: 4
  rate_limit: 2.5
  rate_burst: 3
`,
			env: map[string]string{"BOT_USERNAME": "helper_bot", "BRIDGE_TOKEN": "s3cret"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Peer != "helper_bot" {
					t.Errorf("peer not interpolated: %q", cfg.Peer)
				}
				if cfg.Transport.Token != "s3cret" {
					t.Errorf("token not interpolated: %q", cfg.Transport.Token)
				}
				if cfg.Dispatch.ResponseTimeout != 45*time.Second {
					t.Errorf("response_timeout = %v", cfg.Dispatch.ResponseTimeout)
				}
				if cfg.Dispatch.MaxInFlight != 4 || cfg.Dispatch.RateLimit != 2.5 || cfg.Dispatch.RateBurst != 3 {
					t.Errorf("dispatch pacing not parsed: %+v", cfg.Dispatch)
				}
			},
		},
		{
			name: "missing env var fails validation",
			yaml: `
transport:
  kind: websocket
  url: ws://127.0.0.1:9000
  token: ${COURIER_TEST_MISSING_VAR}
`,
			wantErr: "COURIER_TEST_MISSING_VAR",
		},
		{
			name:    "invalid log level",
			yaml:    "service:\n  log_level: invalid\n",
			wantErr: "service.log_level",
		},
		{
			name:    "invalid log format",
			yaml:    "service:\n  log_format: xml\n",
			wantErr: "service.log_format",
		},
		{
			name:    "unknown transport kind",
			yaml:    "transport:\n  kind: carrier-pigeon\n",
			wantErr: "transport.kind",
		},
		{
			name:    "websocket without url",
			yaml:    "transport:\n  kind: websocket\n",
			wantErr: "transport.url is required",
		},
		{
			name:    "websocket with http url",
			yaml:    "transport:\n  kind: websocket\n  url: http://example.com\n",
			wantErr: "ws:// or wss://",
		},
		{
			name:    "bad loopback responder",
			yaml:    "transport:\n  loopback:\n    responder: shout\n",
			wantErr: "responder",
		},
		{
			name:    "negative queue capacity",
			yaml:    "dispatch:\n  queue_capacity: -1\n",
			wantErr: "queue_capacity",
		},
		{
			name:    "numeric tier name",
			yaml:    "dispatch:\n  priorities:\n    \"7\": 7\n",
			wantErr: "must not be numeric",
		},
		{
			name: "custom priorities overlay defaults",
			yaml: "dispatch:\n  priorities:\n    Critical: 35\n    high: 25\n",
			checkFn: func(t *testing.T, cfg *Config) {
				tiers := cfg.Tiers()
				if tiers["critical"] != 35 {
					t.Errorf("critical = %d, want 35", tiers["critical"])
				}
				if tiers["high"] != 25 {
					t.Errorf("high = %d, want 25", tiers["high"])
				}
				if tiers["low"] != message.PriorityLow {
					t.Errorf("low tier lost")
				}
			},
		},
		{
			name: "api token without scopes",
			yaml: `
api:
  enabled: true
  auth:
    tokens:
      - token: abc
`,
			wantErr: "scopes must be non-empty",
		},
		{
			name:    "malformed yaml",
			yaml:    "service: [unclosed\n",
			wantErr: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")
			writeTestFile(t, configPath, tt.yaml)

			cfg, err := Load(configPath)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Load() succeeded, want error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	writeTestFile(t, filepath.Join(tmpDir, "config.yaml"), "peer: dir-peer\n")

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load(dir) error = %v", err)
	}
	if cfg.Peer != "dir-peer" {
		t.Errorf("peer = %q", cfg.Peer)
	}

	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error for directory without config.yaml")
	}
	if _, err := Load(filepath.Join(tmpDir, "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadIncludes(t *testing.T) {
	tmpDir := t.TempDir()
	writeTestFile(t, filepath.Join(tmpDir, "config.yaml"), `
include:
  - conf.d/dispatch.yaml
  - conf.d/api.yaml
peer: root-peer
dispatch:
  response_timeout: 10s
  priorities:
    bulk: 5
`)
	writeTestFile(t, filepath.Join(tmpDir, "conf.d", "dispatch.yaml"), `
include:
  - tiers.yaml
dispatch:
  response_timeout: 20s
  queue_capacity: 50
`)
	writeTestFile(t, filepath.Join(tmpDir, "conf.d", "tiers.yaml"), `
dispatch:
  priorities:
    critical: 35
`)
	writeTestFile(t, filepath.Join(tmpDir, "conf.d", "api.yaml"), `
api:
  enabled: true
  listen: 127.0.0.1:9999
  auth:
    tokens:
      - token: ro-token
        scopes: ["requests:ro"]
`)

	cfg, err := Load(filepath.Join(tmpDir, "config.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Peer != "root-peer" {
		t.Errorf("peer = %q", cfg.Peer)
	}
	if cfg.Dispatch.ResponseTimeout != 20*time.Second {
		t.Errorf("include should override response_timeout, got %v", cfg.Dispatch.ResponseTimeout)
	}
	if cfg.Dispatch.QueueCapacity != 50 {
		t.Errorf("queue_capacity = %d", cfg.Dispatch.QueueCapacity)
	}
	if cfg.Dispatch.Priorities["bulk"] != 5 || cfg.Dispatch.Priorities["critical"] != 35 {
		t.Errorf("priorities not merged: %v", cfg.Dispatch.Priorities)
	}
	if !cfg.API.Enabled || cfg.API.Listen != "127.0.0.1:9999" || len(cfg.API.Auth.Tokens) != 1 {
		t.Errorf("api not merged: %+v", cfg.API)
	}
	if len(cfg.Files) != 4 {
		t.Errorf("Files = %v, want 4 entries", cfg.Files)
	}

	files, err := DiscoverAllConfigFiles(tmpDir)
	if err != nil {
		t.Fatalf("DiscoverAllConfigFiles() error = %v", err)
	}
	if len(files) != 4 {
		t.Errorf("DiscoverAllConfigFiles() = %v", files)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	tmpDir := t.TempDir()
	writeTestFile(t, filepath.Join(tmpDir, "config.yaml"), "include: [a.yaml]\n")
	writeTestFile(t, filepath.Join(tmpDir, "a.yaml"), "include: [config.yaml]\n")

	_, err := Load(filepath.Join(tmpDir, "config.yaml"))
	if err == nil || !strings.Contains(err.Error(), "circular dependency") {
		t.Fatalf("expected circular dependency error, got %v", err)
	}
}

func TestLoadMissingInclude(t *testing.T) {
	tmpDir := t.TempDir()
	writeTestFile(t, filepath.Join(tmpDir, "config.yaml"), "include: [missing.yaml]\n")

	_, err := Load(filepath.Join(tmpDir, "config.yaml"))
	if err == nil || !strings.Contains(err.Error(), "file not found") {
		t.Fatalf("expected file not found error, got %v", err)
	}
}

func TestGetPath(t *testing.T) {
	cfg := applyConfigDefaults(&Config{})

	v, err := cfg.GetPath("peer")
	if err != nil {
		t.Fatalf("GetPath(peer) error = %v", err)
	}
	if v != "GrokAI" {
		t.Errorf("peer = %v", v)
	}

	v, err = cfg.GetPath("transport.loopback.responder")
	if err != nil {
		t.Fatalf("GetPath error = %v", err)
	}
	if v != "echo" {
		t.Errorf("responder = %v", v)
	}

	if _, err := cfg.GetPath("dispatch.nope"); err == nil {
		t.Error("expected error for unknown key")
	}
	if _, err := cfg.GetPath("peer.deeper"); err == nil {
		t.Error("expected error when traversing a scalar")
	}
}

func TestRedacted(t *testing.T) {
	cfg := Defaults()
	cfg.Transport.Token = "bridge-secret"
	cfg.API.Auth.APIKey = "admin-secret"
	cfg.API.Auth.Tokens = []APIToken{{Token: "scoped", Scopes: []string{"requests:ro"}}}

	r := cfg.Redacted()
	if r.Transport.Token != "[redacted]" || r.API.Auth.APIKey != "[redacted]" || r.API.Auth.Tokens[0].Token != "[redacted]" {
		t.Errorf("secrets not redacted: %+v", r)
	}
	if cfg.API.Auth.Tokens[0].Token != "scoped" {
		t.Error("Redacted must not modify the original")
	}
}
