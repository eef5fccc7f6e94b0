// Command panll runs the Anti-Crash validation core: constraint validation,
// operator stress tracking and feedback aggregation behind a JSON-RPC host
// surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/panll/ensaid/internal/config"
)

const (
	Version = "0.1.0"
	appName = "panll"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logJSON    bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Anti-Crash validation core",
		Long: `panll gates inference tokens behind constraint profiles, tracks the
operator Vexation Index and relays operator feedback to a shared pool.

Host commands are served as newline-delimited JSON-RPC 2.0 on stdin/stdout
by "panll serve".`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", config.DefaultPath, "config file path")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&flags.logJSON, "log-json", false, "emit JSON logs")

	cmd.AddCommand(
		serveCmd(flags),
		replCmd(flags),
		checkCmd(flags),
		initCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
			},
		},
	)
	return cmd
}
