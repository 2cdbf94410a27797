package main

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	server     string
	timeout    time.Duration
}

func buildRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "imgd",
		Short: "Image backend supervisor and job scheduler",
		Long: `imgd supervises local image-generation backends (long-lived servers and
one-shot CLI binaries), proxies remote OpenAI-compatible image APIs, and runs
queued generate/edit/variation jobs one at a time.

Examples:
  imgd serve --config imgd.yaml
  imgd models
  imgd enqueue --prompt "a lighthouse at dusk" --wait
  imgd jobs list --status failed`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "Settings file (.yaml, .yml, .json, .toml)")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error (defaults IMGD_LOG_LEVEL or info)")
	pf.StringVar(&opts.logFormat, "log-format", "", "Log format: console|json")
	pf.StringVar(&opts.server, "server", envOr("IMGD_SERVER", "http://127.0.0.1:8090"), "Base URL of a running imgd for client commands")
	pf.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Client request timeout")

	root.AddCommand(
		newServeCmd(opts),
		newModelsCmd(opts),
		newEnqueueCmd(opts),
		newJobsCmd(opts),
		newCompletionCmd(root),
	)
	return root
}

func newCompletionCmd(root *cobra.Command) *cobra.Command {
	completionCmd := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	completionCmd.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error {
		return root.GenBashCompletion(cmd.OutOrStdout())
	}})
	completionCmd.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error {
		return root.GenZshCompletion(cmd.OutOrStdout())
	}})
	completionCmd.AddCommand(&cobra.Command{Use: "fish", Short: "Fish completion", RunE: func(cmd *cobra.Command, args []string) error {
		return root.GenFishCompletion(cmd.OutOrStdout(), true)
	}})
	return completionCmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// splitCSV splits a comma separated flag value, dropping blanks.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
