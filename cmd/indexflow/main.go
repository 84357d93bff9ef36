package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	// Build information, set with -ldflags.
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "indexflow",
		Short:         "Index ledger streams into PostgreSQL",
		Long:          "indexflow consumes stream notifications, runs them through the configured plugins and persists the result into per-model tables.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if v, _ := cmd.Flags().GetBool("version"); v {
				printVersionInfo(cmd)
				return nil
			}
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", envOr("INDEXFLOW_CONFIG", "indexflow.yaml"), "Path to the service configuration")
	root.Flags().Bool("version", false, "Show version information and exit")

	root.AddCommand(
		newServeCmd(opts),
		newQueryCmd(opts),
		newTablesCmd(opts),
		newCheckConfigCmd(opts),
	)
	return root
}

func printVersionInfo(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "indexflow %s\n", Version)
	fmt.Fprintf(out, "Built: %s, from commit: %s\n", BuildTime, GitCommit)
	fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
	fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
