package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/graysui/graylink/internal/engine"
	"github.com/graysui/graylink/internal/ui"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one full scan and exit",
	Long: `Walk every healthy mount root, reconcile the findings against the
store, and bring the symlink mirror up to date. Files the scan no
longer finds are removed from the store and the mirror.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		sink := mustOpenSink(cfg)
		defer sink.Close()

		eng, err := engine.New(cfg, sink)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer eng.Close()

		fmt.Printf("%s Scanning %d root(s)...\n", ui.RenderAccent("🔄"), len(cfg.MountRoots))
		start := time.Now()

		if err := eng.ScanOnce(cmd.Context(), sink); err != nil {
			fmt.Fprintf(os.Stderr, "Error during scan: %v\n", err)
			os.Exit(1)
		}

		stats, err := eng.Store().Stats(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading stats: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Scan complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Files: %d\n", stats.Files)
		fmt.Printf("   Directories: %d\n", stats.Dirs)
		fmt.Printf("   Links: %d\n", stats.Linked)
		if stats.Conflicts > 0 {
			fmt.Printf("   %s Conflicts: %d\n", ui.RenderWarn("⚠"), stats.Conflicts)
		}
	},
}
