// Package app assembles the configured backends into the components the
// binaries run. Every binary builds one App from the same configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"edgecache/internal/artifact"
	"edgecache/internal/config"
	"edgecache/internal/metrics"
	"edgecache/internal/origin"
	"edgecache/internal/revalidate"
	"edgecache/internal/routing"
	"edgecache/internal/server"
	"edgecache/internal/tagindex"
)

type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Collector

	Objects     artifact.ObjectStore
	Index       tagindex.Index
	Store       *artifact.Store
	Origin      *origin.Client
	Engine      *routing.Engine
	Coordinator *revalidate.Coordinator
	Queue       revalidate.Queue
	// SQS is set when the queue backend is sqs.
	SQS *sqs.Client

	closers []func() error
}

// New builds every component cfg selects. The caller owns logger.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewCollector("edgecache"),
	}

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.Storage.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Storage.Region))
		}
		c, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return aws.Config{}, fmt.Errorf("load aws config: %w", err)
		}
		awsCfg = &c
		return c, nil
	}

	if err := a.buildObjects(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildIndex(loadAWS); err != nil {
		a.Close()
		return nil, err
	}
	a.Store = artifact.NewStore(a.Objects, a.Index, logger, a.Metrics)

	oc, err := origin.New(origin.Config{
		BaseURL: cfg.Server.Origin,
		Host:    cfg.Server.OriginHost,
		Timeout: cfg.OriginTimeout(),
	}, logger, a.Metrics)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Origin = oc

	a.Engine, err = routing.NewEngine(cfg.Table, a.Store, routing.EngineConfig{
		Origin:        cfg.Server.Origin,
		OriginHost:    cfg.Server.OriginHost,
		ExistsTimeout: cfg.ExistsTimeout(),
	}, logger, a.Metrics)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Coordinator = revalidate.NewCoordinator(a.Index, a.Store, a.Origin, cfg.Revalidate.WarmConcurrency, logger, a.Metrics)

	switch cfg.Queue.Backend {
	case config.BackendSQS:
		c, err := loadAWS()
		if err != nil {
			a.Close()
			return nil, err
		}
		a.SQS = sqs.NewFromConfig(c)
		a.Queue = revalidate.NewSQSQueue(a.SQS, cfg.Queue.URL, cfg.Queue.GroupID)
	default:
		a.Queue = revalidate.Direct{Processor: a.Coordinator}
	}
	return a, nil
}

func (a *App) buildObjects() error {
	cfg := a.Config
	switch cfg.Storage.Backend {
	case config.BackendS3:
		s3, err := artifact.NewS3(artifact.S3Config{
			Endpoint:  cfg.Storage.Endpoint,
			Region:    cfg.Storage.Region,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
			Bucket:    cfg.Storage.Bucket,
			Prefix:    cfg.Storage.Prefix,
		})
		if err != nil {
			return err
		}
		a.Objects = s3
	case config.BackendLevelDB:
		db, err := artifact.OpenLevelDB(cfg.Storage.Path, cfg.StorageMax(), a.Logger)
		if err != nil {
			return fmt.Errorf("open object store: %w", err)
		}
		a.Objects = db
		a.closers = append(a.closers, db.Close)
	default:
		a.Objects = artifact.NewMemory(cfg.StorageMax())
	}
	return nil
}

func (a *App) buildIndex(loadAWS func() (aws.Config, error)) error {
	cfg := a.Config
	switch cfg.Index.Backend {
	case config.BackendDynamoDB:
		c, err := loadAWS()
		if err != nil {
			return err
		}
		a.Index = tagindex.NewDynamo(dynamodb.NewFromConfig(c), tagindex.DynamoConfig{
			Table:     cfg.Index.Table,
			PageIndex: cfg.Index.PageIndex,
		}, a.Logger)
	case config.BackendLevelDB:
		db, err := tagindex.OpenLevelDB(cfg.Index.Path)
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		a.Index = db
		a.closers = append(a.closers, db.Close)
	default:
		a.Index = tagindex.NewMemory()
	}
	return nil
}

// ServerOptions derives the edge server options from the configuration.
func (a *App) ServerOptions() server.Options {
	cfg := a.Config
	opts := server.Options{
		CaptureMaxBody: cfg.CaptureMaxBody(),
		// in-process revalidation already warms through the coordinator
		WarmOnAccept: cfg.Queue.Backend == config.BackendSQS,
		JWTSecret:    cfg.Revalidate.JWTSecret,
		JWTIssuer:    cfg.Revalidate.JWTIssuer,
		StatsEvery:   cfg.StatsEvery(),
	}
	if u, ok := a.Objects.(server.Usage); ok {
		opts.Usage = u
	}
	return opts
}

// NewService builds the edge server over the App's components.
func (a *App) NewService() *server.Service {
	return server.NewService(a.ServerOptions(), a.Engine, a.Store, a.Origin, a.Queue, a.Logger, a.Metrics)
}

// Close releases local stores.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
