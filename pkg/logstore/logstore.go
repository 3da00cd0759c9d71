// Package logstore persists the stdout/stderr captured for a job run
// at the paths query.StdoutPath/StderrPath synthesize. Log
// I/O itself is explicitly peripheral to the core (out of
// scope); this package is the local backend's optional sink for it,
// adapted from the teacher's pkg/storage.LogStore.
package logstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// LogStore writes and reads log bytes keyed by the exact synthesized
// path (not an opaque reference) so that `jobtk report` can point a
// user at the same path the spec's naming rule promises.
type LogStore interface {
	Write(ctx context.Context, path string, data []byte) error
	Read(ctx context.Context, path string) ([]byte, error)
}

// LocalLogStore writes logs to the local filesystem at exactly the
// path it is given, creating parent directories as needed.
type LocalLogStore struct{}

func NewLocalLogStore() *LocalLogStore { return &LocalLogStore{} }

func (l *LocalLogStore) Write(ctx context.Context, path string, data []byte) error {
	if path == "" {
		return nil // log_dir unset: spec says behavior is unspecified; no-op here
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write log file %s: %w", path, err)
	}
	return nil
}

func (l *LocalLogStore) Read(ctx context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// S3LogStoreConfig configures the S3-backed log sink.
type S3LogStoreConfig struct {
	Bucket          string
	Region          string
	Endpoint        string // for MinIO / S3-compatible endpoints
	AccessKeyID     string
	SecretAccessKey string
}

// S3LogStore stores logs in S3-compatible object storage, keyed by the
// synthesized path with its leading separator stripped.
type S3LogStore struct {
	client *s3.Client
	bucket string
}

func NewS3LogStore(ctx context.Context, cfg S3LogStoreConfig) (*S3LogStore, error) {
	optFns := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return &S3LogStore{client: s3.NewFromConfig(awsCfg, clientOpts...), bucket: cfg.Bucket}, nil
}

func (s *S3LogStore) Write(ctx context.Context, path string, data []byte) error {
	if path == "" {
		return nil
	}
	key := s.key(path)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("upload log %s: %w", path, err)
	}
	return nil
}

func (s *S3LogStore) Read(ctx context.Context, path string) ([]byte, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		return nil, fmt.Errorf("get log %s: %w", path, err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("read log body: %w", err)
	}
	return data, nil
}

func (s *S3LogStore) key(path string) string {
	clean := filepath.ToSlash(filepath.Clean(path))
	return strings.TrimPrefix(clean, "/")
}
