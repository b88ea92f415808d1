package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/downstairs/internal/bytesize"
	"github.com/marmos91/downstairs/internal/cli/output"
	"github.com/marmos91/downstairs/pkg/export"
	"github.com/marmos91/downstairs/pkg/region"
)

var (
	exportData  string
	exportTo    string
	exportSkip  uint64
	exportCount uint64
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a region as a raw image",
	Long: `Write the blocks of a region, in order, to a file or an S3 object.

The region is opened read-only and its data file sizes are verified
before anything is written. S3 settings come from the export.s3 section
of the configuration and the standard AWS environment.

Examples:
  downstairs export -d ./region --to disk.raw
  downstairs export -d ./region --to s3://backups/vol1.raw
  downstairs export -d ./region --to part.raw --skip 100 --count 50`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportData, "data", "d", "", "region directory (default: region.path)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "destination file or s3://bucket/key")
	exportCmd.Flags().Uint64Var(&exportSkip, "skip", 0, "first block to export")
	exportCmd.Flags().Uint64Var(&exportCount, "count", 0, "number of blocks to export (0 = to the end)")
	_ = exportCmd.MarkFlagRequired("to")
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := cfg.Region.Path
	if exportData != "" {
		dir = exportData
	}
	dest, err := export.ParseDestination(exportTo)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	r, err := region.Open(ctx, dir, region.Options{ReadOnly: true, Verify: true})
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	s3cfg := cfg.Export.S3
	exporter := &export.Exporter{
		S3: export.S3Config{
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			ForcePathStyle:  s3cfg.ForcePathStyle,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
			PartSize:        s3cfg.PartSize,
		},
	}

	n, err := exporter.Export(ctx, r, dest, export.Options{Skip: exportSkip, Count: exportCount})
	if err != nil {
		return fmt.Errorf("export to %s: %w", dest, err)
	}

	output.PrintPairs(cmd.OutOrStdout(), [][2]string{
		{"Destination", dest.String()},
		{"Blocks", fmt.Sprint(n / r.Def().BlockSize)},
		{"Bytes", fmt.Sprintf("%d (%s)", n, bytesize.ByteSize(n))},
	})
	return nil
}
