package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ashureev/funnel-relay/internal/cli"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "funnelctl",
		Short: "funnelctl - operator tooling for the funnel relay",
		Long: `funnelctl manages the funnel relay's media cache, contacts and funnel
definition. It reads the same environment (and .env file) as the server.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log component output to stderr")

	rootCmd.AddCommand(cli.MediaCmd())
	rootCmd.AddCommand(cli.ContactCmd())
	rootCmd.AddCommand(cli.FunnelCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
