package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file.
// Supports both single-file mode and multi-file mode (via include array).
// A directory is accepted when it contains config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveRootPath(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	visited := map[string]bool{absPath: true}
	files := []string{absPath}
	if len(cfg.Include) > 0 {
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited, &files); err != nil {
			return nil, err
		}
	}
	cfg.Files = files

	cfg = applyConfigDefaults(cfg)

	// Hash-verify all configuration files (root config + all includes)
	if err := verifyAllConfigHashes(files); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveRootPath(configPath string) (string, error) {
	// Resolve to absolute path for consistent relative path resolution
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// DiscoverAllConfigFiles returns absolute paths to all configuration files in the include tree.
func DiscoverAllConfigFiles(configPath string) ([]string, error) {
	absPath, err := resolveRootPath(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	visited := map[string]bool{absPath: true}
	files := []string{absPath}
	if len(cfg.Include) > 0 {
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited, &files); err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool, files *[]string) error {
	for i, includePath := range includes {
		// Apply env var interpolation to path
		includePath = interpolateEnv(includePath)

		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}

		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}

		// Check if file exists - HARD FAIL with good UX
		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}

		visited[absPath] = true
		*files = append(*files, absPath)

		includedCfg, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}

		deepMergeConfig(cfg, includedCfg)

		if len(includedCfg.Include) > 0 {
			if err := loadIncludes(cfg, includedCfg.Include, filepath.Dir(absPath), visited, files); err != nil {
				return err
			}
		}
	}

	return nil
}

// loadConfigFile loads and parses a single config file without defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &cfg, nil
}

// deepMergeConfig merges src into dst, with src taking precedence for non-zero values.
func deepMergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.LogFormat != "" {
		dst.Service.LogFormat = src.Service.LogFormat
	}
	if src.Service.JournalRetention != 0 {
		dst.Service.JournalRetention = src.Service.JournalRetention
	}

	if src.State.Path != "" {
		dst.State.Path = src.State.Path
	}
	if src.Peer != "" {
		dst.Peer = src.Peer
	}

	// Transport
	if src.Transport.Kind != "" {
		dst.Transport.Kind = src.Transport.Kind
	}
	if src.Transport.URL != "" {
		dst.Transport.URL = src.Transport.URL
	}
	if src.Transport.Token != "" {
		dst.Transport.Token = src.Transport.Token
	}
	if src.Transport.DialTimeout != 0 {
		dst.Transport.DialTimeout = src.Transport.DialTimeout
	}
	if src.Transport.WriteTimeout != 0 {
		dst.Transport.WriteTimeout = src.Transport.WriteTimeout
	}
	if src.Transport.Loopback.ReplyDelay != 0 {
		dst.Transport.Loopback.ReplyDelay = src.Transport.Loopback.ReplyDelay
	}
	if src.Transport.Loopback.Responder != "" {
		dst.Transport.Loopback.Responder = src.Transport.Loopback.Responder
	}

	// Dispatch
	if src.Dispatch.QueueCapacity != 0 {
		dst.Dispatch.QueueCapacity = src.Dispatch.QueueCapacity
	}
	if src.Dispatch.ResponseTimeout != 0 {
		dst.Dispatch.ResponseTimeout = src.Dispatch.ResponseTimeout
	}
	if src.Dispatch.MaxInFlight != 0 {
		dst.Dispatch.MaxInFlight = src.Dispatch.MaxInFlight
	}
	if src.Dispatch.RateLimit != 0 {
		dst.Dispatch.RateLimit = src.Dispatch.RateLimit
	}
	if src.Dispatch.RateBurst != 0 {
		dst.Dispatch.RateBurst = src.Dispatch.RateBurst
	}
	if src.Dispatch.CircuitBreaker.Threshold != 0 {
		dst.Dispatch.CircuitBreaker.Threshold = src.Dispatch.CircuitBreaker.Threshold
	}
	if src.Dispatch.CircuitBreaker.ResetAfter != 0 {
		dst.Dispatch.CircuitBreaker.ResetAfter = src.Dispatch.CircuitBreaker.ResetAfter
	}
	// Priorities are additive; src overrides matching names.
	if len(src.Dispatch.Priorities) > 0 {
		if dst.Dispatch.Priorities == nil {
			dst.Dispatch.Priorities = make(map[string]int)
		}
		for name, v := range src.Dispatch.Priorities {
			dst.Dispatch.Priorities[name] = v
		}
	}

	// API
	if src.API.Enabled {
		dst.API.Enabled = src.API.Enabled
	}
	if src.API.Listen != "" {
		dst.API.Listen = src.API.Listen
	}
	if src.API.Auth.APIKey != "" {
		dst.API.Auth.APIKey = src.API.Auth.APIKey
	}
	if len(src.API.Auth.Tokens) > 0 {
		dst.API.Auth.Tokens = append(dst.API.Auth.Tokens, src.API.Auth.Tokens...)
	}
}

func verifyAllConfigHashes(paths []string) error {
	// Group paths by directory to avoid loading the same checksums file multiple times
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			// If .checksums is missing, we skip verification for this directory.
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}

		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: courier config lock --config %s", basename, dir, dir)
			}

			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"This indicates tampering or unauthorized modification.\n"+
					"If you edited this file intentionally, run: courier config lock --config %s", path, err, dir)
			}
		}
	}

	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.JournalRetention == 0 {
		cfg.Service.JournalRetention = defaults.Service.JournalRetention
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.Peer == "" {
		cfg.Peer = defaults.Peer
	}

	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = defaults.Transport.Kind
	}
	if cfg.Transport.DialTimeout == 0 {
		cfg.Transport.DialTimeout = defaults.Transport.DialTimeout
	}
	if cfg.Transport.WriteTimeout == 0 {
		cfg.Transport.WriteTimeout = defaults.Transport.WriteTimeout
	}
	if cfg.Transport.Loopback.ReplyDelay == 0 {
		cfg.Transport.Loopback.ReplyDelay = defaults.Transport.Loopback.ReplyDelay
	}
	if cfg.Transport.Loopback.Responder == "" {
		cfg.Transport.Loopback.Responder = defaults.Transport.Loopback.Responder
	}

	if cfg.Dispatch.QueueCapacity == 0 {
		cfg.Dispatch.QueueCapacity = defaults.Dispatch.QueueCapacity
	}
	if cfg.Dispatch.ResponseTimeout == 0 {
		cfg.Dispatch.ResponseTimeout = defaults.Dispatch.ResponseTimeout
	}
	if cfg.Dispatch.RateBurst == 0 {
		cfg.Dispatch.RateBurst = defaults.Dispatch.RateBurst
	}
	if cfg.Dispatch.CircuitBreaker.Threshold == 0 {
		cfg.Dispatch.CircuitBreaker.Threshold = defaults.Dispatch.CircuitBreaker.Threshold
	}
	if cfg.Dispatch.CircuitBreaker.ResetAfter == 0 {
		cfg.Dispatch.CircuitBreaker.ResetAfter = defaults.Dispatch.CircuitBreaker.ResetAfter
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}

// checkUnresolved reports a ${VAR} placeholder left in a secret-bearing field.
func checkUnresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := strings.ToLower(cfg.Service.LogFormat); f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Service.JournalRetention < 0 {
		return fmt.Errorf("service.journal_retention must not be negative")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if strings.TrimSpace(cfg.Peer) == "" {
		return fmt.Errorf("peer is required")
	}
	if err := checkUnresolved("peer", cfg.Peer); err != nil {
		return err
	}

	if err := validateTransport(&cfg.Transport); err != nil {
		return err
	}
	if err := validateDispatch(&cfg.Dispatch); err != nil {
		return err
	}

	// API auth validation
	if cfg.API.Enabled {
		if err := checkUnresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := checkUnresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	return nil
}

func validateTransport(t *TransportConfig) error {
	switch t.Kind {
	case "loopback":
		if r := t.Loopback.Responder; r != "echo" && r != "silent" {
			return fmt.Errorf("transport.loopback.responder must be echo or silent (got %q)", r)
		}
		if t.Loopback.ReplyDelay < 0 {
			return fmt.Errorf("transport.loopback.reply_delay must not be negative")
		}
	case "websocket":
		if t.URL == "" {
			return fmt.Errorf("transport.url is required for websocket transport")
		}
		if err := checkUnresolved("transport.url", t.URL); err != nil {
			return err
		}
		u, err := url.Parse(t.URL)
		if err != nil {
			return fmt.Errorf("transport.url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("transport.url must use ws:// or wss:// (got %q)", t.URL)
		}
		if err := checkUnresolved("transport.token", t.Token); err != nil {
			return err
		}
	default:
		return fmt.Errorf("transport.kind must be websocket or loopback (got %q)", t.Kind)
	}
	if t.DialTimeout <= 0 || t.WriteTimeout <= 0 {
		return fmt.Errorf("transport.dial_timeout and transport.write_timeout must be positive")
	}
	return nil
}

func validateDispatch(d *DispatchConfig) error {
	if d.QueueCapacity < 0 {
		return fmt.Errorf("dispatch.queue_capacity must not be negative")
	}
	if d.ResponseTimeout <= 0 {
		return fmt.Errorf("dispatch.response_timeout must be positive")
	}
	if d.MaxInFlight < 0 {
		return fmt.Errorf("dispatch.max_in_flight must not be negative")
	}
	if d.RateLimit < 0 || d.RateBurst < 0 {
		return fmt.Errorf("dispatch.rate_limit and dispatch.rate_burst must not be negative")
	}
	if d.CircuitBreaker.Threshold < 0 {
		return fmt.Errorf("dispatch.circuit_breaker.threshold must not be negative")
	}
	if d.CircuitBreaker.Threshold > 0 && d.CircuitBreaker.ResetAfter <= 0 {
		return fmt.Errorf("dispatch.circuit_breaker.reset_after must be positive")
	}
	for name := range d.Priorities {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("dispatch.priorities: tier name must not be empty")
		}
		if _, err := strconv.Atoi(name); err == nil {
			return fmt.Errorf("dispatch.priorities: tier name %q must not be numeric", name)
		}
	}
	return nil
}
