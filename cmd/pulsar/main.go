package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var (
	port       int
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pulsar [flags] MODULE",
		Short: "Pulsar - sandboxed wasm plugin host",
		Long: "Pulsar loads an untrusted wasm module into a pool of sandboxed worker\n" +
			"processes and serves HTTP invocations of its exported functions.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, args[0])
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to JSON config file (optional, flags override)")
	rootCmd.Flags().IntVar(&port, "port", 0, "HTTP listen port (overrides config)")

	rootCmd.AddCommand(
		agentCmd(),
		inspectCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveModule turns the MODULE argument into an absolute file URI. An
// argument that already carries a scheme passes through unchanged.
func resolveModule(arg string) (string, error) {
	if u, err := url.Parse(arg); err == nil && u.Scheme != "" {
		return arg, nil
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", fmt.Errorf("resolve module path: %w", err)
	}
	return "file://" + strings.ReplaceAll(abs, string(os.PathSeparator), "/"), nil
}
