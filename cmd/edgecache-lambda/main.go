package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	chiadapter "github.com/awslabs/aws-lambda-go-api-proxy/chi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"edgecache/internal/app"
	"edgecache/internal/config"
	"edgecache/internal/logging"
)

var (
	chiLambda *chiadapter.ChiLambdaV2
	logger    *zap.Logger
)

// init builds the router once per cold start.
func init() {
	start := time.Now()

	path := os.Getenv("EDGECACHE_CONFIG")
	if path == "" {
		path = "/var/task/edgecache.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("init components", zap.Error(err))
	}

	mux, ok := a.NewService().Handler().(*chi.Mux)
	if !ok {
		logger.Fatal("edge handler is not a chi router")
	}
	chiLambda = chiadapter.NewV2(mux)
	logger.Info("cold start completed", zap.Duration("took", time.Since(start)))
}

func Handler(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	resp, err := chiLambda.ProxyWithContextV2(ctx, req)
	if err != nil {
		logger.Error("proxy failed",
			zap.String("path", req.RequestContext.HTTP.Path),
			zap.String("requestId", req.RequestContext.RequestID),
			zap.Error(err),
		)
	}
	return resp, err
}

func main() {
	lambda.Start(Handler)
}
