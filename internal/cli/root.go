package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	jsonOutput bool
	rootPath   string
	verbose    bool
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:           "forgepoolctl",
	Short:         "Prefork worker pool with heartbeat supervision",
	Long:          `forgepoolctl starts, inspects, and tears down a prefork worker pool whose children are supervised over a heartbeat protocol.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command. Callers are expected to invoke
// piper.Bootstrap() before Execute, since a re-exec'd worker child never
// reaches this CLI layer at all.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&rootPath, "root", ".", "Root directory for operations")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Silence non-essential output")
}
