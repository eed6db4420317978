package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/graysui/graylink/internal/config"
	"github.com/graysui/graylink/internal/ui"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a configuration file interactively",
	Long: `Walk through the essential settings and write a configuration file.
Everything not asked for gets a sensible default; edit the file
afterwards for the full set of options.`,
	Run: func(cmd *cobra.Command, args []string) {
		if _, err := os.Stat(configPath); err == nil && !configForce {
			fmt.Fprintf(os.Stderr, "Error: %s already exists (use --force to overwrite)\n", configPath)
			os.Exit(1)
		}

		cfg := config.Default()
		var mountRoots string
		var embyHost, embyKey string

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Mount roots").
					Description("Comma-separated mounted directories to mirror").
					Placeholder("/mnt/gdrive").
					Value(&mountRoots).
					Validate(func(s string) error {
						if strings.TrimSpace(s) == "" {
							return fmt.Errorf("at least one mount root is required")
						}
						return nil
					}),
				huh.NewInput().
					Title("Symlink root").
					Description("Where the mirror tree is created").
					Value(&cfg.SymlinkRoot),
				huh.NewInput().
					Title("Database path").
					Value(&cfg.DBPath),
			),
			huh.NewGroup(
				huh.NewInput().
					Title("Emby/Jellyfin host").
					Description("Base URL, empty to disable notifications").
					Placeholder("http://localhost:8096").
					Value(&embyHost),
				huh.NewInput().
					Title("Emby API key").
					EchoMode(huh.EchoModePassword).
					Value(&embyKey),
			),
		)
		if err := form.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		for _, root := range strings.Split(mountRoots, ",") {
			if root = strings.TrimSpace(root); root != "" {
				cfg.MountRoots = append(cfg.MountRoots, root)
			}
		}
		cfg.EmbyHost = strings.TrimSpace(embyHost)
		cfg.EmbyAPIKey = strings.TrimSpace(embyKey)
		cfg.NotifyDisabled = cfg.EmbyHost == ""

		if err := config.WriteTemplate(configPath, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), configPath)
		fmt.Printf("   Next: 'graylink scan' for the initial sync, then 'graylink run'\n")
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Load the configuration file, apply environment overrides and
defaults, and print the result the service would actually run with.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()

		shown := *cfg
		if shown.EmbyAPIKey != "" {
			shown.EmbyAPIKey = "********"
		}
		if shown.FeedToken != "" {
			shown.FeedToken = "********"
		}

		data, err := yaml.Marshal(&shown)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s %s\n\n%s", ui.RenderAccent("⚙"), configPath, data)
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
