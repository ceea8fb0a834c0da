// Package s3 copies finished output files to S3-compatible object storage.
package s3

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/couchcryptid/heatwave-etl/internal/domain"
)

// ObjectPutter is the subset of the S3 API the uploader needs. *s3.Client
// implements it.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config holds the connection settings for an S3-compatible endpoint.
type Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewClient creates an S3 client. A custom endpoint switches to path-style
// addressing for MinIO, Garage and similar servers. Without static keys the
// default AWS credential chain is used.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Uploader mirrors an output directory into a bucket under
// <prefix>/<run id>/. Each file is uploaded once; partially written files
// are skipped until they are complete. It implements pipeline.BatchLoader
// and pipeline.Finisher so uploads follow the local writes.
type Uploader struct {
	client   ObjectPutter
	bucket   string
	prefix   string
	dir      string
	logger   *slog.Logger
	uploaded map[string]bool
}

// NewUploader creates an uploader for files in dir.
func NewUploader(client ObjectPutter, bucket, prefix, runID, dir string, logger *slog.Logger) *Uploader {
	return &Uploader{
		client:   client,
		bucket:   bucket,
		prefix:   path.Join(strings.Trim(prefix, "/"), runID),
		dir:      dir,
		logger:   logger,
		uploaded: make(map[string]bool),
	}
}

// LoadBatch uploads chunk files written since the last call.
func (u *Uploader) LoadBatch(ctx context.Context, _ []domain.ChunkResult) error {
	return u.sync(ctx)
}

// Finish uploads the remaining files, including the counts file and manifest.
func (u *Uploader) Finish(ctx context.Context, report domain.RunReport) error {
	if err := u.sync(ctx); err != nil {
		return err
	}
	u.logger.Info("outputs uploaded", "bucket", u.bucket, "prefix", u.prefix, "files", len(u.uploaded), "run_id", report.RunID)
	return nil
}

func (u *Uploader) sync(ctx context.Context) error {
	entries, err := os.ReadDir(u.dir)
	if err != nil {
		return fmt.Errorf("list outputs: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".partial") || u.uploaded[e.Name()] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if err := u.put(ctx, name); err != nil {
			return err
		}
		u.uploaded[name] = true
	}
	return nil
}

func (u *Uploader) put(ctx context.Context, name string) error {
	f, err := os.Open(filepath.Join(u.dir, name))
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	key := path.Join(u.prefix, name)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(name)),
	})
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", u.bucket, key, err)
	}
	u.logger.Debug("output uploaded", "key", key)
	return nil
}

func contentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".nc.zst"):
		return "application/zstd"
	case strings.HasSuffix(name, ".nc"):
		return "application/x-netcdf"
	case strings.HasSuffix(name, ".yaml"):
		return "application/yaml"
	default:
		return "application/octet-stream"
	}
}
