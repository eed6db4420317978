package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/graysui/graylink/internal/engine"
	"github.com/graysui/graylink/internal/mount"
	"github.com/graysui/graylink/internal/source"
	"github.com/graysui/graylink/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store and mount status",
	Long: `Display the state of the service's data: mount health for every
configured root, store row counts, and the resume checkpoints of the
scan and feed adapters.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		sink := mustOpenSink(cfg)
		defer sink.Close()

		fmt.Printf("\n%s Mounts\n", ui.RenderAccent("📁"))
		for _, root := range cfg.MountRoots {
			if err := mount.Probe(root); err != nil {
				fmt.Printf("   %s %s: %v\n", ui.RenderFail("✗"), root, err)
			} else {
				fmt.Printf("   %s %s\n", ui.RenderPass("✓"), root)
			}
		}

		if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
			fmt.Printf("\n%s Store not initialized at %s\n", ui.RenderWarn("⚠"), cfg.DBPath)
			fmt.Printf("   Run 'graylink scan' to create it\n\n")
			return
		}

		eng, err := engine.New(cfg, sink)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer eng.Close()

		stats, err := eng.Store().Stats(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading stats: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s Store (%s)\n", ui.RenderAccent("📊"), cfg.DBPath)
		if fi, err := os.Stat(cfg.DBPath); err == nil {
			fmt.Printf("   Size: %.1f MB\n", float64(fi.Size())/(1024*1024))
		}
		fmt.Printf("   Files: %d\n", stats.Files)
		fmt.Printf("   Directories: %d\n", stats.Dirs)
		fmt.Printf("   Links: %d\n", stats.Linked)
		if stats.Conflicts > 0 {
			fmt.Printf("   %s Conflicts: %d\n", ui.RenderWarn("⚠"), stats.Conflicts)
		}

		fmt.Printf("\n%s Checkpoints\n", ui.RenderAccent("🕐"))
		for _, name := range []string{source.NamePoll, source.NameFeed} {
			t, ok, err := eng.Store().Checkpoint(cmd.Context(), name)
			switch {
			case err != nil:
				fmt.Printf("   %s: error: %v\n", name, err)
			case !ok:
				fmt.Printf("   %s: %s\n", name, ui.RenderDim("never"))
			default:
				fmt.Printf("   %s: %s\n", name, t.Local().Format("2006-01-02 15:04:05"))
			}
		}
		fmt.Println()
	},
}
