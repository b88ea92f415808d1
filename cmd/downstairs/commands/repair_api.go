package commands

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/downstairs/internal/cli/output"
	"github.com/marmos91/downstairs/pkg/repair"
)

var repairAPIOutput string

var repairAPICmd = &cobra.Command{
	Use:   "repair-api",
	Short: "Describe the repair HTTP API",
	Long: `Print the endpoints served by the repair API of a running downstairs.

The listing comes from the router itself, so it always matches what
"downstairs run" serves.

Examples:
  downstairs repair-api
  downstairs repair-api -o json`,
	Args: cobra.NoArgs,
	RunE: runRepairAPI,
}

func init() {
	repairAPICmd.Flags().StringVarP(&repairAPIOutput, "output", "o", "table", "output format: table, json, yaml")
}

func runRepairAPI(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(repairAPIOutput)
	if err != nil {
		return err
	}
	routes, err := repair.Routes()
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if format != output.FormatTable {
		return output.Print(w, format, routes)
	}
	t := output.NewTable("Method", "Route", "Description")
	for _, r := range routes {
		t.AddRow(r.Method, r.Pattern, r.Description)
	}
	output.PrintTable(w, t)
	return nil
}
