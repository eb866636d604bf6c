package cmd

import (
	"github.com/spf13/cobra"

	"github.com/ventrelay/ventrelay/internal/output"
)

var configFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration ventrelay would run with after applying defaults,
the config file, the .env file, and environment variables. Secrets are
shown only as set or not set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(configFormat)
		if err != nil {
			return err
		}

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}

		return output.RenderSettings(cmd.OutOrStdout(), format, output.Flatten(cfg.Redacted()))
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.Flags().StringVar(&configFormat, "format", "table", "output format: table, json, yaml")
}
