package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/murmurgrid/murmurgrid/internal/api"
	"github.com/murmurgrid/murmurgrid/internal/config"
	"github.com/murmurgrid/murmurgrid/internal/edge"
)

func main() {
	configPath := flag.String("config", "edge.yaml", "path to the edge configuration file")
	flag.Parse()

	godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "edge")
	slog.SetDefault(log)

	if err := run(log, *configPath); err != nil {
		log.Error("edge exited", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if url := os.Getenv("HUB_URL"); url != "" {
		cfg.Edge.HubURL = url
	}
	if id := os.Getenv("EDGE_ID"); id != "" {
		cfg.Edge.EdgeID = id
	}
	if cfg.Edge.EdgeID == "" {
		cfg.Edge.EdgeID = "edge-" + uuid.NewString()[:8]
		log.Warn("edge.edgeId not set, generated one for this run", "edge", cfg.Edge.EdgeID)
	}
	if err := cfg.ValidateEdge(); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	srv, err := edge.NewServer(cfg, log, reg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.WebAPI.Enabled {
		web := api.New(srv, reg, log)
		go func() {
			if err := web.Run(ctx, cfg.WebAPI.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http surface failed", "error", err)
			}
		}()
	}

	log.Info("edge starting",
		"edge", cfg.Edge.EdgeID, "port", cfg.Port, "hub", cfg.Edge.HubURL)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Info("edge stopped")
	return nil
}
