package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/downstairs/internal/logger"
	"github.com/marmos91/downstairs/pkg/region"
	"github.com/marmos91/downstairs/pkg/repair"
)

var (
	serveData     string
	serveBindAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the repair API of a region",
	Long: `Open a region read-only and serve only its repair API.

Peer downstairs use this API to fetch the files of an extent during live
repair. No upstairs listener is started.

Examples:
  downstairs serve -d ./region
  downstairs serve -d ./region --bind-addr 0.0.0.0:4567`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveData, "data", "d", "", "region directory (default: region.path)")
	serveCmd.Flags().StringVar(&serveBindAddr, "bind-addr", "", "repair API address (default: repair.bind_addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := cfg.Region.Path
	if serveData != "" {
		dir = serveData
	}
	addr := cfg.Repair.BindAddr
	if serveBindAddr != "" {
		addr = serveBindAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := region.Open(ctx, dir, region.Options{ReadOnly: true, DirectIO: cfg.Region.DirectIO})
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	logger.Info("serving repair API",
		logger.KeyPath, r.Dir(),
		logger.KeyRegionUUID, r.Def().UUID.String(),
		logger.KeyAddress, addr)

	srv := repair.NewServer(r, repair.ServerConfig{
		BindAddr:       addr,
		RequestTimeout: cfg.Repair.RequestTimeout,
	})
	return srv.Start(ctx)
}
