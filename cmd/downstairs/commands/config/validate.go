package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/downstairs/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the downstairs configuration file.

Checks for syntax errors, missing required fields, invalid values and an
invalid region geometry in the create section.

Examples:
  downstairs config validate
  downstairs config validate --config /etc/downstairs/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path := configPath(cmd)

	cfg, err := config.MustLoad(path)
	if err != nil {
		return err
	}
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	var warnings []string
	if _, err := os.Stat(cfg.Region.Path); err != nil {
		warnings = append(warnings, fmt.Sprintf("region path %s does not exist yet", cfg.Region.Path))
	}
	if cfg.Dispatcher.Lossy || cfg.Dispatcher.ReturnErrors {
		warnings = append(warnings, "fault injection is enabled")
	}

	w := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(w, "Configuration file: %s\n", path)
	_, _ = fmt.Fprintln(w, "Validation: OK")

	if len(warnings) > 0 {
		_, _ = fmt.Fprintln(w, "\nWarnings:")
		for _, warning := range warnings {
			_, _ = fmt.Fprintf(w, "  - %s\n", warning)
		}
	}

	_, _ = fmt.Fprintf(w, "\nConfiguration summary:\n")
	_, _ = fmt.Fprintf(w, "  Region:          %s (%s)\n", cfg.Region.Path, cfg.Region.Mode)
	_, _ = fmt.Fprintf(w, "  Listen:          %s:%d\n", cfg.Server.Address, cfg.Server.Port)
	_, _ = fmt.Fprintf(w, "  Repair API:      %v (%s)\n", cfg.Repair.Enabled, cfg.Repair.BindAddr)
	_, _ = fmt.Fprintf(w, "  Log level:       %s\n", cfg.Logging.Level)
	return nil
}
