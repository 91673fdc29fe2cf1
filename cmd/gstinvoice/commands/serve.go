package commands

import (
	"context"
	"gstinvoice-backend/internal/components/telemetry"
	"gstinvoice-backend/pkg/serviceutil"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
)

var serveGrace *time.Duration

func init() {
	serveGrace = serveCmd.Flags().Duration("grace", 2*time.Minute, "How long in-flight runs may take to finish on shutdown.")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve [--grace <duration>]",
	Short: "Serves invoice retrieval over HTTP.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		cfg, err := readConfig(*configPath)
		if err != nil {
			serviceutil.Fatal("failed to read config", err)
		}
		a, err := newApp(ctx, cfg)
		if err != nil {
			serviceutil.Fatal("failed to initialize", err)
		}
		defer a.Close(context.Background())

		if cfg.Server.AccessToken == "" {
			slog.Warn("no access token configured, the api is unauthenticated")
		}
		telemetry.InstrumentPerfStats(ctx, 30*time.Second)

		slog.Info("serving vendors", "vendors", a.service.Vendors())
		err = serviceutil.StartHttpServer(ctx, cfg.Server.Addr, a.service.Handler(cfg.Server.AccessToken), *serveGrace)
		if err != nil {
			serviceutil.Fatal("http server", err)
		}
	},
}
