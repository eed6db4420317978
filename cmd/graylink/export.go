package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/graysui/graylink/internal/engine"
	"github.com/graysui/graylink/internal/snapshot"
	"github.com/graysui/graylink/internal/ui"
)

var (
	exportFormat string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a snapshot of the file tree",
	Long: `Serialize the canonical file tree to disk. The compact format is a
dense positional encoding meant for very large libraries; the tree
format is nested JSON for anything that wants to read the snapshot
structurally. The file is written atomically.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		sink := mustOpenSink(cfg)
		defer sink.Close()

		format := snapshot.Format(exportFormat)
		if format != snapshot.FormatCompact && format != snapshot.FormatTree {
			fmt.Fprintf(os.Stderr, "Error: unknown format %q (use compact or tree)\n", exportFormat)
			os.Exit(1)
		}

		out := exportOut
		if out == "" {
			name := "snapshot-" + time.Now().UTC().Format("20060102-150405") + ".json"
			out = filepath.Join(cfg.SnapshotDir, name)
		}

		eng, err := engine.New(cfg, sink)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer eng.Close()

		if err := eng.Snapshot().Write(cmd.Context(), out, format); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing snapshot: %v\n", err)
			os.Exit(1)
		}

		info, _ := os.Stat(out)
		fmt.Printf("%s Snapshot written\n", ui.RenderPass("✓"))
		fmt.Printf("   Path: %s\n", out)
		fmt.Printf("   Format: %s\n", format)
		if info != nil {
			fmt.Printf("   Size: %d bytes\n", info.Size())
		}
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", string(snapshot.FormatCompact), "snapshot format: compact or tree")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output path (default: snapshot dir with a timestamped name)")
}
