package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"gstinvoice-backend/internal/components/captcha"
	"gstinvoice-backend/internal/components/chrono"
	"gstinvoice-backend/internal/components/notify"
	"gstinvoice-backend/internal/components/storage"
	"gstinvoice-backend/internal/components/telemetry"
	"gstinvoice-backend/internal/db"
	"gstinvoice-backend/internal/scrapers/alliance"
	"gstinvoice-backend/internal/scrapers/indigo"
	"gstinvoice-backend/internal/scrapers/spicejet"
	"gstinvoice-backend/internal/service"
	"gstinvoice-backend/pkg/configutil"
	"log/slog"
	"os"
	"time"
)

type VendorsConfig struct {
	Indigo   *indigo.Config   `json:"indigo"`
	Spicejet *spicejet.Config `json:"spicejet"`
	Alliance *alliance.Config `json:"alliance"`
}

type ServerConfig struct {
	Addr        string `json:"addr"`
	AccessToken string `json:"access_token"`
}

type Config struct {
	Vendors  VendorsConfig      `json:"vendors"`
	Captcha  captcha.Config     `json:"captcha"`
	Database configutil.Libsql  `json:"database"`
	Storage  string             `json:"storage"`
	Smtp     *notify.SmtpConfig `json:"smtp"`
	Server   ServerConfig       `json:"server"`

	IdentityCooldownSec *int `json:"identity_cooldown_sec"`
	ContinueOnBlock     bool `json:"continue_on_block"`
}

func readConfig(path string) (Config, error) {
	cfg, err := configutil.ReadConfig[Config](path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if cfg.Storage == "" {
		cfg.Storage = "invoices"
	}
	if cfg.Database.File == "" && cfg.Database.Url == "" {
		cfg.Database.File = "gstinvoice.db"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "0.0.0.0:8000"
	}
	return cfg, nil
}

// app is everything a command needs to run retrievals.
type app struct {
	service  service.Service
	database *sql.DB
	otel     telemetry.Telemetry
}

func (a app) Close(ctx context.Context) {
	err := a.otel.Shutdown(ctx)
	if err != nil {
		slog.Warn("shutdown telemetry", "err", err)
	}
	err = a.database.Close()
	if err != nil {
		slog.Warn("close database", "err", err)
	}
}

func newApp(ctx context.Context, cfg Config) (app, error) {
	otel, err := telemetry.SetupFromEnv(ctx, "gstinvoice")
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("telemetry.json5 not found, not exporting telemetry")
	} else if err != nil {
		return app{}, fmt.Errorf("setup telemetry: %w", err)
	}
	tel := telemetry.SlogAPI{}

	database, err := cfg.Database.OpenDB()
	if err != nil {
		return app{}, fmt.Errorf("open database: %w", err)
	}
	err = db.Migrate(ctx, database)
	if err != nil {
		database.Close()
		return app{}, fmt.Errorf("migrate database: %w", err)
	}

	files, err := storage.NewFilesystem(cfg.Storage, tel)
	if err != nil {
		database.Close()
		return app{}, fmt.Errorf("init storage: %w", err)
	}
	clock, err := chrono.NewStandardImpl()
	if err != nil {
		database.Close()
		return app{}, err
	}

	options := []service.Option{
		service.WithClock(clock),
		service.WithCustomTelemetryAPI(tel),
		service.WithContinueOnBlock(cfg.ContinueOnBlock),
	}
	if cfg.IdentityCooldownSec != nil {
		options = append(options, service.WithIdentityCooldown(time.Duration(*cfg.IdentityCooldownSec)*time.Second))
	}
	if cfg.Smtp != nil {
		options = append(options, service.WithNotifier(notify.NewSmtp(*cfg.Smtp)))
	}
	// every vendor is enabled unless configured otherwise
	if cfg.Vendors.Indigo == nil && cfg.Vendors.Spicejet == nil && cfg.Vendors.Alliance == nil {
		cfg.Vendors = VendorsConfig{
			Indigo:   &indigo.Config{},
			Spicejet: &spicejet.Config{},
		}
		if cfg.Captcha.ApiKey != "" {
			cfg.Vendors.Alliance = &alliance.Config{}
		}
	}
	if cfg.Vendors.Indigo != nil {
		options = append(options, service.WithVendor(indigo.NewVendor(*cfg.Vendors.Indigo, tel)))
	}
	if cfg.Vendors.Spicejet != nil {
		options = append(options, service.WithVendor(spicejet.NewVendor(*cfg.Vendors.Spicejet, clock, tel)))
	}
	if cfg.Vendors.Alliance != nil {
		if cfg.Captcha.ApiKey == "" {
			database.Close()
			return app{}, fmt.Errorf("vendor %s needs a captcha api key", alliance.Name)
		}
		solver := captcha.NewSolver(cfg.Captcha, tel)
		options = append(options, service.WithVendor(alliance.NewVendor(*cfg.Vendors.Alliance, solver, tel)))
	}

	svc, err := service.NewService(files, db.New(database), db.NewMakeTx(database), options...)
	if err != nil {
		database.Close()
		return app{}, err
	}
	return app{service: svc, database: database, otel: otel}, nil
}
