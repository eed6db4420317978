// Command graylink mirrors mounted cloud storage into a symlink tree
// for a media server, keeping the two in sync as the remote changes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "graylink",
	Short: "Symlink mirror for mounted cloud media libraries",
	Long: `graylink watches mounted remote storage and maintains a mirror tree of
symlinks for a media server to index. Changes are detected three ways:
filesystem events, periodic scans, and the remote change feed. Every
sighting is reconciled against a local SQLite store before the mirror
is touched, so a flaky mount can never wipe the library.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the configuration file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
