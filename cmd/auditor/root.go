package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gosight/gosight/auditor/internal/config"
)

func newRoot() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "auditor",
		Short:         "auditor: detect tracking calls in the browser and relay them to the portal",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}

	cmd.Version = config.Version
	cmd.SetVersionTemplate("auditor {{.Version}}\n")
	cmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("CONFIG_PATH", "config/auditor.yaml"), "path to the yaml config file")

	cmd.AddCommand(newRunCmd(&configPath))
	cmd.AddCommand(newClassifyCmd())
	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newStatusCmd(&configPath))
	cmd.AddCommand(newArchiveCmd(&configPath))

	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
