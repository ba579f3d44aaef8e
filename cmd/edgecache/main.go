package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"edgecache/internal/app"
	"edgecache/internal/config"
	"edgecache/internal/logging"
	"edgecache/internal/revalidate"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("EDGECACHE_CONFIG", "/edgecache.yaml"), "path to edgecache.yaml")
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init components", zap.Error(err))
	}
	defer a.Close()

	svc := a.NewService()
	defer svc.Close()

	// pollers must stop before the deferred Close releases the stores
	var pollers sync.WaitGroup
	if a.SQS != nil && cfg.Queue.Poll {
		poller := revalidate.NewPoller(a.SQS, revalidate.PollerConfig{
			QueueURL:          cfg.Queue.URL,
			VisibilityTimeout: cfg.VisibilityTimeout(),
		}, a.Coordinator, logger)
		pollers.Add(1)
		go func() {
			defer pollers.Done()
			if err := poller.Run(ctx); err != nil {
				logger.Error("poller stopped", zap.Error(err))
			}
		}()
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("listen", zap.String("addr", addr), zap.Error(err))
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("edgecache listening",
			zap.String("addr", addr),
			zap.String("origin", cfg.Server.Origin),
			zap.String("storage", cfg.Storage.Backend),
			zap.String("index", cfg.Index.Backend),
			zap.String("queue", cfg.Queue.Backend),
		)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	pollers.Wait()
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
