package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/courier/internal/auth"
	"github.com/mattjoyce/courier/internal/config"
	"github.com/mattjoyce/courier/internal/doctor"
	"github.com/mattjoyce/courier/internal/tui/tokenmgr"
)

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate, seal, and inspect configuration",
	}
	cmd.AddCommand(newConfigCheckCommand(opts))
	cmd.AddCommand(newConfigLockCommand(opts))
	cmd.AddCommand(newConfigShowCommand(opts))
	cmd.AddCommand(newConfigTokenCommand())
	return cmd
}

func newConfigCheckCommand(opts *rootOptions) *cobra.Command {
	var jsonOut, strict bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration syntax, policy, and integrity",
		Long: `Validate configuration syntax, policy, and integrity.

Loading verifies syntax, required fields, and .checksums integrity. The
loaded configuration is then reviewed for likely mistakes, reported as
warnings. With --strict, warnings fail the check too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res := checkConfig(opts.ConfigPath)

			out := cmd.OutOrStdout()
			if jsonOut {
				text, err := doctor.FormatJSON(res)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, text)
			} else {
				fmt.Fprint(out, doctor.FormatHuman(res))
			}

			switch {
			case !res.Valid:
				return fmt.Errorf("configuration invalid: %d error(s)", len(res.Errors))
			case strict && len(res.Warnings) > 0:
				return fmt.Errorf("configuration has %d warning(s) (--strict)", len(res.Warnings))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")
	return cmd
}

// checkConfig loads the configuration and reviews it. A load failure is
// reported as a single error.
func checkConfig(path string) *doctor.Result {
	cfg, _, err := loadConfig(path)
	if err != nil {
		return &doctor.Result{
			Valid:  false,
			Errors: []doctor.Issue{{Category: "load", Message: err.Error()}},
		}
	}
	return doctor.New(cfg).Validate()
}

func newConfigLockCommand(opts *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Authorize the current configuration by regenerating integrity hashes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.ConfigPath
			if path == "" {
				discovered, err := config.Discover()
				if err != nil {
					return fmt.Errorf("discover config: %w", err)
				}
				path = discovered
			}
			reports, err := config.Lock(path, dryRun)
			if err != nil {
				return fmt.Errorf("lock config: %w", err)
			}

			out := cmd.OutOrStdout()
			for _, r := range reports {
				for _, f := range r.Files {
					if f.Exists {
						fmt.Fprintf(out, "%s  %s\n", f.Hash, f.Path)
					}
				}
				if r.Written {
					fmt.Fprintf(out, "Wrote %s\n", r.ChecksumPath)
				} else {
					fmt.Fprintf(out, "Would write %s\n", r.ChecksumPath)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print hashes without writing .checksums")
	return cmd
}

func newConfigShowCommand(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show [path]",
		Short: "Show the resolved configuration, or one dotted path within it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(opts.ConfigPath)
			if err != nil {
				return err
			}
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			v, err := cfg.Redacted().GetPath(path)
			if err != nil {
				return err
			}
			return writeValue(cmd.OutOrStdout(), v, jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}

func writeValue(w io.Writer, v any, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

var tokenNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

func newConfigTokenCommand() *cobra.Command {
	var name, scopesArg string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a scoped API token and print its config entry",
		Long: `Mint a scoped API token and print its config entry.

Without --scopes an interactive picker is shown. The printed snippet
references the token through an environment variable, so the secret never
lands in the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !tokenNamePattern.MatchString(name) {
				return fmt.Errorf("--name must match %s", tokenNamePattern)
			}

			var scopes []string
			if scopesArg != "" {
				scopes = splitScopes(scopesArg)
			} else {
				picked, err := pickScopes()
				if err != nil {
					return err
				}
				scopes = picked
			}
			if len(scopes) == 0 {
				return errors.New("no scopes selected")
			}
			for _, s := range scopes {
				if !auth.Known(s) {
					return fmt.Errorf("unknown scope %q", s)
				}
			}

			key, err := generateSecureToken(32)
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}
			return writeTokenSnippet(cmd.OutOrStdout(), name, key, scopes)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "token name, used for the environment variable")
	cmd.Flags().StringVar(&scopesArg, "scopes", "", "comma-separated scopes (interactive picker when empty)")
	return cmd
}

func splitScopes(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func pickScopes() ([]string, error) {
	final, err := tea.NewProgram(tokenmgr.New()).Run()
	if err != nil {
		return nil, fmt.Errorf("scope picker: %w", err)
	}
	m, ok := final.(tokenmgr.Model)
	if !ok {
		return nil, errors.New("scope picker returned an unexpected model")
	}
	return m.Selected(), nil
}

func tokenEnvVarName(name string) string {
	r := strings.NewReplacer("-", "_")
	return "COURIER_TOKEN_" + strings.ToUpper(r.Replace(name))
}

func writeTokenSnippet(w io.Writer, name, key string, scopes []string) error {
	envVar := tokenEnvVarName(name)
	snippet := map[string]any{
		"api": map[string]any{
			"auth": map[string]any{
				"tokens": []config.APIToken{{Token: "${" + envVar + "}", Scopes: scopes}},
			},
		},
	}

	fmt.Fprintf(w, "Token key: %s\n\n", key)
	fmt.Fprintf(w, "Set environment variable:\n  export %s=\"%s\"\n\n", envVar, key)
	fmt.Fprintln(w, "Add to your configuration:")
	if err := writeValue(w, snippet, false); err != nil {
		return err
	}
	fmt.Fprintln(w, "\nThen run: courier config lock")
	return nil
}

func generateSecureToken(bytesLen int) (string, error) {
	buf := make([]byte, bytesLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
