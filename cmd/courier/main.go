package main

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/courier/internal/config"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

// runCLI executes cliArgs and returns the process exit code.
func runCLI(cliArgs []string) int {
	cmd := newRootCommand()
	cmd.SetArgs(cliArgs)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		return 1
	}
	return 0
}

// --- NOUNS ---
var nouns = []func(*rootOptions) *cobra.Command{
	newSystemCommand,
	newConfigCommand,
	newRequestCommand,
}

// --- ROOT ALIASES (shorthand for common noun/verb pairs) ---
var rootAliases = []struct {
	name  string
	build func(*rootOptions) *cobra.Command
}{
	{"start", newStartCommand},
	{"inspect", newRequestInspectCommand},
	{"doctor", newConfigCheckCommand},
}

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	LogLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "courier",
		Short:         "Priority-ordered message dispatcher with reply correlation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to configuration file or directory")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override service.log_level (debug|info|warn|error)")

	for _, build := range nouns {
		cmd.AddCommand(build(opts))
	}
	for _, alias := range rootAliases {
		sub := alias.build(opts)
		sub.Use = alias.name + strings.TrimPrefix(sub.Use, sub.Name())
		sub.Hidden = true
		cmd.AddCommand(sub)
	}
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// loadConfig loads the configuration at path, discovering it when path is
// empty. It returns the path actually used.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, "", fmt.Errorf("discover config: %w", err)
		}
		path = discovered
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config: %w", err)
	}
	return cfg, path, nil
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func newVersionCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := currentVersionInfo()
			out := cmd.OutOrStdout()
			if jsonOut {
				data, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("render version JSON: %w", err)
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			fmt.Fprintf(out, "courier %s\n", info.Version)
			fmt.Fprintf(out, "commit: %s\n", info.Commit)
			fmt.Fprintf(out, "built_at: %s\n", info.BuildTime)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output version metadata as JSON")
	return cmd
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    strings.TrimSpace(gitCommit),
		BuildTime: strings.TrimSpace(buildDate),
	}

	if info.Commit == "" || info.Commit == "unknown" {
		if rev := readBuildSetting("vcs.revision"); rev != "" {
			info.Commit = rev
		}
	}
	if info.BuildTime == "" || info.BuildTime == "unknown" {
		if t := readBuildSetting("vcs.time"); t != "" {
			info.BuildTime = t
		}
	}
	if len(info.Commit) > 12 {
		info.Commit = info.Commit[:12]
	}
	if ts, err := time.Parse(time.RFC3339, info.BuildTime); err == nil {
		info.BuildTime = ts.UTC().Format(time.RFC3339)
	}
	if info.Version == "" {
		info.Version = "unknown"
	}
	if info.Commit == "" {
		info.Commit = "unknown"
	}
	if info.BuildTime == "" {
		info.BuildTime = "unknown"
	}
	return info
}

func readBuildSetting(key string) string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == key {
			return strings.TrimSpace(s.Value)
		}
	}
	return ""
}
