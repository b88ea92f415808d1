// Package config implements the "downstairs config" commands.
package config

import "github.com/spf13/cobra"

// Cmd is the parent of the configuration subcommands.
var Cmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
	Long: `Create, validate, edit and describe the downstairs configuration file.

The file is read from --config or $XDG_CONFIG_HOME/downstairs/config.yaml.`,
}

func init() {
	Cmd.AddCommand(initCmd)
	Cmd.AddCommand(validateCmd)
	Cmd.AddCommand(schemaCmd)
	Cmd.AddCommand(editCmd)
}

// configPath returns the --config flag inherited from the root command.
func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}
