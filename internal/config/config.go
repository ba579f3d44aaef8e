// Package config loads the edge configuration from YAML, applies
// environment overrides and compiles the route table once at startup.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"edgecache/internal/artifact"
	"edgecache/internal/routing"
)

const (
	BackendMemory   = "memory"
	BackendLevelDB  = "leveldb"
	BackendS3       = "s3"
	BackendDynamoDB = "dynamodb"
	BackendSQS      = "sqs"
	BackendNone     = "none"
)

type Config struct {
	Server struct {
		Port           int    `yaml:"port"`
		Origin         string `yaml:"origin"`
		OriginHost     string `yaml:"originHost"`
		ExistsTimeout  string `yaml:"existsTimeout"`
		OriginTimeout  string `yaml:"originTimeout"`
		CaptureMaxBody string `yaml:"captureMaxBody"`
	} `yaml:"server"`

	Storage struct {
		Backend   string `yaml:"backend"`
		Bucket    string `yaml:"bucket"`
		Endpoint  string `yaml:"endpoint"`
		Region    string `yaml:"region"`
		AccessKey string `yaml:"accessKey"`
		SecretKey string `yaml:"secretKey"`
		UseSSL    bool   `yaml:"useSSL"`
		Prefix    string `yaml:"prefix"`
		Path      string `yaml:"path"`
		Max       string `yaml:"max"`
	} `yaml:"storage"`

	Index struct {
		Backend   string `yaml:"backend"`
		Table     string `yaml:"table"`
		PageIndex string `yaml:"pageIndex"`
		Path      string `yaml:"path"`
	} `yaml:"index"`

	Queue struct {
		Backend           string `yaml:"backend"`
		URL               string `yaml:"url"`
		GroupID           string `yaml:"groupId"`
		Poll              bool   `yaml:"poll"`
		VisibilityTimeout string `yaml:"visibilityTimeout"`
	} `yaml:"queue"`

	Revalidate struct {
		JWTSecret       string `yaml:"jwtSecret"`
		JWTIssuer       string `yaml:"jwtIssuer"`
		WarmConcurrency int    `yaml:"warmConcurrency"`
		// DefaultWindow is the seed window for pages without a .meta file.
		// Unset means static: fresh for the whole year ceiling.
		DefaultWindow int `yaml:"defaultWindow"`
	} `yaml:"revalidate"`

	Routes routing.TableSpec `yaml:"routes"`

	Logging struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
		StatsEvery  string `yaml:"statsEvery"`
	} `yaml:"logging"`

	// compiled
	Table             *routing.Table `yaml:"-"`
	existsTimeout     time.Duration
	originTimeout     time.Duration
	visibilityTimeout time.Duration
	statsEvery        time.Duration
	captureMaxBody    int64
	storageMax        int64
}

func (c *Config) ExistsTimeout() time.Duration     { return c.existsTimeout }
func (c *Config) OriginTimeout() time.Duration     { return c.originTimeout }
func (c *Config) VisibilityTimeout() time.Duration { return c.visibilityTimeout }
func (c *Config) StatsEvery() time.Duration        { return c.statsEvery }
func (c *Config) CaptureMaxBody() int64            { return c.captureMaxBody }
func (c *Config) StorageMax() int64                { return c.storageMax }

// Load reads path, applies environment overrides and compiles the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b, os.Getenv)
}

// Parse decodes b and compiles it; getenv supplies overrides.
func Parse(b []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv(getenv)
	if err := cfg.compile(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Server.Origin, "EDGECACHE_ORIGIN")
	set(&c.Storage.Region, "AWS_REGION")
	set(&c.Storage.Bucket, "EDGECACHE_BUCKET")
	set(&c.Index.Table, "EDGECACHE_TABLE")
	set(&c.Queue.URL, "EDGECACHE_QUEUE_URL")
	set(&c.Revalidate.JWTSecret, "EDGECACHE_JWT_SECRET")
	set(&c.Logging.Level, "EDGECACHE_LOG_LEVEL")
}

func (c *Config) compile() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	if c.Routes.APIPrefix == "" {
		c.Routes.APIPrefix = "/api"
	}
	if c.Server.CaptureMaxBody == "" {
		c.Server.CaptureMaxBody = "10mb"
	}
	if c.Revalidate.WarmConcurrency <= 0 {
		c.Revalidate.WarmConcurrency = 8
	}
	if c.Revalidate.DefaultWindow <= 0 {
		c.Revalidate.DefaultWindow = artifact.Ceiling
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	var err error
	if c.existsTimeout, err = duration("server.existsTimeout", c.Server.ExistsTimeout, 500*time.Millisecond); err != nil {
		return err
	}
	if c.originTimeout, err = duration("server.originTimeout", c.Server.OriginTimeout, 30*time.Second); err != nil {
		return err
	}
	if c.visibilityTimeout, err = duration("queue.visibilityTimeout", c.Queue.VisibilityTimeout, 0); err != nil {
		return err
	}
	if c.statsEvery, err = duration("logging.statsEvery", c.Logging.StatsEvery, 0); err != nil {
		return err
	}
	if c.captureMaxBody, err = ParseBytes(c.Server.CaptureMaxBody); err != nil {
		return fmt.Errorf("server.captureMaxBody: %w", err)
	}
	if c.storageMax, err = ParseBytes(c.Storage.Max); err != nil {
		return fmt.Errorf("storage.max: %w", err)
	}

	if err := c.compileBackends(); err != nil {
		return err
	}

	if c.Table, err = routing.NewTable(c.Routes); err != nil {
		return err
	}
	return nil
}

func (c *Config) compileBackends() error {
	c.Storage.Backend = orDefault(c.Storage.Backend, BackendMemory)
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLevelDB:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the leveldb backend")
		}
	case BackendS3:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the s3 backend")
		}
		if c.Storage.Endpoint == "" {
			c.Storage.Endpoint = "s3.amazonaws.com"
			c.Storage.UseSSL = true
		}
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}

	c.Index.Backend = orDefault(c.Index.Backend, BackendMemory)
	switch c.Index.Backend {
	case BackendMemory:
	case BackendLevelDB:
		if c.Index.Path == "" {
			return fmt.Errorf("index.path is required for the leveldb backend")
		}
	case BackendDynamoDB:
		if c.Index.Table == "" {
			return fmt.Errorf("index.table is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("index.backend: unknown backend %q", c.Index.Backend)
	}

	c.Queue.Backend = orDefault(c.Queue.Backend, BackendNone)
	switch c.Queue.Backend {
	case BackendNone:
	case BackendSQS:
		if c.Queue.URL == "" {
			return fmt.Errorf("queue.url is required for the sqs backend")
		}
	default:
		return fmt.Errorf("queue.backend: unknown backend %q", c.Queue.Backend)
	}
	return nil
}

func duration(field, s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration", field)
	}
	return d, nil
}

func orDefault(s, def string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return def
	}
	return s
}
