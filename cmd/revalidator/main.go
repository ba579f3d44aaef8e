package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"edgecache/internal/app"
	"edgecache/internal/config"
	"edgecache/internal/logging"
	"edgecache/internal/revalidate"
)

func main() {
	path := os.Getenv("EDGECACHE_CONFIG")
	if path == "" {
		path = "/var/task/edgecache.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("init components", zap.Error(err))
	}
	defer a.Close()

	h := &revalidate.LambdaHandler{Processor: a.Coordinator, Logger: logger}
	lambda.Start(h.HandleSQSEvent)
}
