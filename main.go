package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var envFile string
	rootCmd := &cobra.Command{
		Use:   "pipeline-board",
		Short: "Live sales pipeline board",
		Long: `pipeline-board keeps a shared sales pipeline board consistent across
every connected viewer. The primary node accepts moves and edits, applies them
in one order and streams the resulting events; stream nodes replicate the
primary through Redis and serve read-only viewers.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the environment")

	rootCmd.AddCommand(serveCmd(&envFile))
	rootCmd.AddCommand(streamCmd(&envFile))
	rootCmd.AddCommand(migrateCmd(&envFile))
	rootCmd.AddCommand(initStorageCmd(&envFile))

	// Developer tools
	rootCmd.AddCommand(tokenCmd(&envFile))
	rootCmd.AddCommand(loadCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
