package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"apisurface/internal/api"
	"apisurface/internal/apiconfig"
	"apisurface/internal/config"
	"apisurface/internal/logging"
	"apisurface/internal/metrics"
	"apisurface/internal/pg"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: logging.ParseFormat(cfg.LogFormat),
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 1. DSL и конфигурация API
	surface, err := api.LoadSurface(cfg.DSLDir, cfg.APIConfigDir, m, logger)
	if err != nil {
		return fmt.Errorf("load surface: %w", err)
	}
	issues := api.SchemaLint(surface.Entities, surface.Registry)
	for _, is := range issues {
		logger.Warn("schema issue",
			slog.String("entity", is.Entity),
			slog.String("field", is.Field),
			slog.String("code", is.Code),
			slog.String("level", is.Level),
			slog.String("message", is.Message))
	}
	if api.Blocking(issues) {
		return fmt.Errorf("schema has blocking issues")
	}
	logger.Info("surface loaded", slog.Int("entities", len(surface.Entities)))

	// 2. хранилище и источник заголовков
	storage := api.NewStorage(surface.Entities)
	opts := api.Options{
		Metrics:      m,
		Gatherer:     reg,
		Logger:       logger,
		TitleTimeout: cfg.TitleLookupTimeout.Std(),
		APIVersion:   cfg.APIVersion,
		RequestType:  apiconfig.RequestType(cfg.RequestType),
		DSLDir:       cfg.DSLDir,
		APIConfigDir: cfg.APIConfigDir,
	}

	if cfg.DBURL != "" {
		ctx := context.Background()
		db, err := pg.Open(ctx, cfg.DBURL)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer db.Close()

		if cfg.AutoMigrate {
			ddl, err := pg.GenerateDDL(surface.Entities)
			if err != nil {
				return fmt.Errorf("ddl: %w", err)
			}
			if err := pg.ApplyDDL(ctx, db, ddl, logger); err != nil {
				return err
			}
			logger.Info("schema migrated", slog.Int("steps", len(ddl)))
		}
		opts.Titles = pg.NewTitleStore(db, surface.Entities)
	}

	// 3. REST API
	srv := api.NewServer(storage, surface, opts)
	logger.Info("starting server", slog.String("addr", cfg.Addr()))
	return api.RunServer(cfg.Addr(), srv)
}
