package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"edgecache/internal/apperr"
)

// MinioAPI is the subset of *minio.Client the S3 backend calls.
type MinioAPI interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (*minio.Object, error)
	RemoveObjects(ctx context.Context, bucket string, objects <-chan minio.ObjectInfo, opts minio.RemoveObjectsOptions) <-chan minio.RemoveObjectError
}

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	// Prefix is prepended to every object key.
	Prefix string
	// Client overrides the client built from the fields above.
	Client MinioAPI
}

// S3 is an ObjectStore on any S3-compatible bucket.
type S3 struct {
	client MinioAPI
	bucket string
	prefix string
}

func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, apperr.Invalid("s3.new", errors.New("bucket is required"))
	}
	client := cfg.Client
	if client == nil {
		var creds *credentials.Credentials
		if cfg.AccessKey != "" {
			creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
		} else {
			creds = credentials.NewIAM("")
		}
		c, err := minio.New(cfg.Endpoint, &minio.Options{
			Creds:  creds,
			Secure: cfg.UseSSL,
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 client: %w", err)
		}
		client = c
	}
	return &S3{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (s *S3) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3) PutObject(ctx context.Context, key string, body []byte, opts PutOptions) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.objectKey(key), bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		CacheControl: opts.CacheControl,
		UserMetadata: opts.Metadata,
	})
	if err != nil {
		return translate("s3.put", key, err)
	}
	return nil
}

func (s *S3) StatObject(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, s.objectKey(key), minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, translate("s3.stat", key, err)
	}
	return objectInfo(key, info), nil
}

func (s *S3) GetObject(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	info, err := s.StatObject(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, translate("s3.get", key, err)
	}
	return obj, info, nil
}

// DeleteObjects issues one multi-object delete. S3 reports absent keys as
// deleted, so only real failures come back on the error channel.
func (s *S3) DeleteObjects(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	objects := make(chan minio.ObjectInfo, len(keys))
	for _, k := range keys {
		objects <- minio.ObjectInfo{Key: s.objectKey(k)}
	}
	close(objects)

	var errs []error
	for rerr := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil && minio.ToErrorResponse(rerr.Err).Code != "NoSuchKey" {
			errs = append(errs, fmt.Errorf("%s: %w", rerr.ObjectName, rerr.Err))
		}
	}
	if len(errs) > 0 {
		return apperr.Unavailable("s3.delete", errors.Join(errs...))
	}
	return nil
}

func objectInfo(key string, info minio.ObjectInfo) ObjectInfo {
	meta := make(map[string]string, len(info.UserMetadata))
	for k, v := range info.UserMetadata {
		meta[strings.ToLower(k)] = v
	}
	return ObjectInfo{
		Key:          key,
		Size:         info.Size,
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
		CacheControl: info.Metadata.Get("Cache-Control"),
		Metadata:     meta,
	}
}

func translate(op, key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return apperr.NotFound(op, errNoSuchKey(key))
	}
	return apperr.Unavailable(op, err)
}
