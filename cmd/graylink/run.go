package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/graysui/graylink/internal/config"
	"github.com/graysui/graylink/internal/engine"
	"github.com/graysui/graylink/internal/logging"
	"github.com/graysui/graylink/internal/ui"
)

var (
	runSkipScan bool
	runVerbose  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync service",
	Long: `Start the full pipeline: mount monitoring, the three change sources,
the reconciler, the symlink materializer, and the media server
notifier. An initial full scan brings the mirror up to date before
live events are consumed. Stops cleanly on SIGINT/SIGTERM.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		sink := mustOpenSink(cfg)
		defer sink.Close()
		if runVerbose {
			sink.SetVerbose(true)
		}

		eng, err := engine.New(cfg, sink)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error starting engine: %v\n", err)
			os.Exit(1)
		}
		defer eng.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if !runSkipScan {
			fmt.Printf("%s Running initial scan...\n", ui.RenderAccent("🔄"))
			if err := eng.ScanOnce(ctx, sink); err != nil {
				fmt.Fprintf(os.Stderr, "Error during initial scan: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s Initial scan complete\n", ui.RenderPass("✓"))
		}

		fmt.Printf("%s Service running, press Ctrl-C to stop\n", ui.RenderAccent("🚀"))
		if err := eng.Run(ctx, sink); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Stopped\n", ui.RenderPass("✓"))
	},
}

func init() {
	runCmd.Flags().BoolVar(&runSkipScan, "skip-scan", false, "skip the initial full scan")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "log per-batch and per-scan debug lines")
}

// mustLoadConfig loads and validates the configuration file, exiting
// on failure.
func mustLoadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		fmt.Fprintf(os.Stderr, "Run 'graylink config init' to create one\n")
		os.Exit(1)
	}
	return cfg
}

// mustOpenSink opens the log sink, exiting on failure.
func mustOpenSink(cfg *config.Config) *logging.Sink {
	sink, err := logging.New(logging.Options{
		Dir:       cfg.LogDir,
		MaxSizeMB: cfg.LogMaxSize,
		Backups:   cfg.LogBackups,
		Verbose:   cfg.LogVerbose,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening logs: %v\n", err)
		os.Exit(1)
	}
	return sink
}
