package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/prometheus/client_golang/prometheus"

	"github.com/murmurgrid/murmurgrid/internal/api"
	"github.com/murmurgrid/murmurgrid/internal/blob"
	"github.com/murmurgrid/murmurgrid/internal/config"
	"github.com/murmurgrid/murmurgrid/internal/hub"
	"github.com/murmurgrid/murmurgrid/internal/hub/store"
	"github.com/murmurgrid/murmurgrid/internal/metrics"
)

func main() {
	configPath := flag.String("config", "hub.yaml", "path to the hub configuration file")
	flag.Parse()

	godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "hub")
	slog.SetDefault(log)

	if err := run(log, *configPath); err != nil {
		log.Error("hub exited", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(cfg, log)
	if err != nil {
		return err
	}

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		return err
	}

	svc, err := hub.NewService(cfg, db, blobs, log)
	if err != nil {
		return err
	}
	svc.Registry().SetMetrics(metrics.New(prometheus.DefaultRegisterer))
	go svc.Run(ctx)

	web := api.New(svc, prometheus.DefaultGatherer, log)
	web.Handle("/cluster", svc.HandleEdge)

	log.Info("hub starting", "name", cfg.Name, "controlPort", cfg.ControlPort)
	if err := web.Run(ctx, cfg.ControlPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("hub stopped")
	return nil
}

func openStore(cfg *config.Config, log *slog.Logger) (store.Store, error) {
	if cfg.Database.URL != "" {
		log.Info("using postgres store")
		return store.OpenPostgres(cfg.Database.URL)
	}
	log.Info("using in-memory store; state will not survive restarts")
	return store.NewMemory(), nil
}

func openBlobs(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	if !cfg.Blob.Enabled {
		return nil, nil
	}
	switch cfg.Blob.Backend {
	case "redis":
		return blob.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	case "fs":
		return blob.NewFS(cfg.Blob.Path)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Blob.Backend)
	}
}
