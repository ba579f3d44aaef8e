package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"edgecache/internal/app"
	"edgecache/internal/config"
	"edgecache/internal/logging"
	"edgecache/internal/seed"
)

func main() {
	var (
		configPath  string
		dir         string
		window      int
		concurrency int
	)
	flag.StringVar(&configPath, "config", getenvDefault("EDGECACHE_CONFIG", "/edgecache.yaml"), "path to edgecache.yaml")
	flag.StringVar(&dir, "dir", ".next/server/pages", "prerendered build output directory")
	flag.IntVar(&window, "revalidate", 0, "default revalidate window in seconds for pages without a .meta file (0 uses revalidate.defaultWindow)")
	flag.IntVar(&concurrency, "concurrency", 8, "concurrent page uploads")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if window == 0 {
		window = cfg.Revalidate.DefaultWindow
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failed, err := run(ctx, cfg, logger, dir, window, concurrency)
	if err != nil {
		logger.Error("seed failed", zap.Error(err))
	}
	if err != nil || failed > 0 {
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, dir string, window, concurrency int) (int, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return 0, err
	}
	defer a.Close()

	res, err := seed.NewUploader(a.Store, cfg.Table.Variance, window, concurrency, logger).Upload(ctx, dir)
	if err != nil {
		return 0, err
	}
	if res.Failed > 0 {
		logger.Error("some pages failed to upload", zap.Int("failed", res.Failed))
	}
	return res.Failed, nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
