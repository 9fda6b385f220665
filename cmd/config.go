package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/swserver/internal/config"
)

var configShowCmd = &cobra.Command{
	Use:   "config:show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadedConfig(); err != nil {
			return err
		}
		out, err := yaml.Marshal(viper.AllSettings())
		if err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		if path := viper.ConfigFileUsed(); path != "" {
			fmt.Fprintf(os.Stdout, "# %s\n", path)
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

var configSetCmd = &cobra.Command{
	Use:   "config:set <key> <value>",
	Short: "Set a value in the config file",
	Long: `Set a dotted key in the config file, keeping comments intact.
A running daemon picks up log.level and watchdog.* changes immediately.

Examples:
  swserver config:set log.level debug
  swserver config:set watchdog.fetch_timeout 30s`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := viper.ConfigFileUsed()
		if path == "" {
			path = ".swserver/config.yaml"
		}
		if err := config.SetValue(path, args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s = %s (%s)\n", args[0], args[1], path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configSetCmd)
}
