// Package storage archives decided requests to S3 as JSON lines so the
// decision record survives outside the local SQLite file.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/panelbroker/gamebroker/pkg/db"
	"github.com/panelbroker/gamebroker/pkg/errors"
)

// Options configures the S3 client.
type Options struct {
	Bucket string
	Region string
	Prefix string

	// Endpoint targets an S3-compatible service instead of AWS.
	Endpoint string
	// Anonymous skips request signing.
	Anonymous bool
}

// Client provides S3 storage operations
type Client struct {
	s3Client *s3.Client
	bucket   string
	prefix   string
	now      func() time.Time
}

// NewClient creates a new S3 client using the default credential chain.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket cannot be empty", errors.ErrInvalidInput)
	}

	slog.Info("s3_client_init", "bucket", opts.Bucket, "region", opts.Region, "prefix", opts.Prefix)

	loaders := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.Anonymous {
		loaders = append(loaders, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	slog.Info("s3_client_created", "bucket", opts.Bucket)

	return &Client{
		s3Client: s3Client,
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
		now:      time.Now,
	}, nil
}

// ArchiveResult describes one uploaded archive object.
type ArchiveResult struct {
	Key    string
	SHA256 string
	Count  int
	Size   int64
}

// ArchiveKey names the object for an archive written at t.
func (c *Client) ArchiveKey(t time.Time) string {
	t = t.UTC()
	return path.Join(c.prefix, "decisions", t.Format("2006/01/02"),
		fmt.Sprintf("decisions-%d.jsonl", t.UnixNano()))
}

// Archive uploads the given decided requests as one JSON lines object.
// An empty batch uploads nothing and returns a nil result.
func (c *Client) Archive(ctx context.Context, requests []*db.Request) (*ArchiveResult, error) {
	if len(requests) == 0 {
		slog.Info("s3_archive_skipped", "reason", "no_records")
		return nil, nil
	}

	var buf bytes.Buffer
	if err := EncodeRecords(&buf, requests); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(buf.Bytes())
	checksum := hex.EncodeToString(sum[:])
	key := c.ArchiveKey(c.now())

	slog.Info("s3_archive_start", "bucket", c.bucket, "s3_key", key, "record_count", len(requests))

	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"sha256":       checksum,
			"record-count": fmt.Sprintf("%d", len(requests)),
		},
	})
	if err != nil {
		slog.Error("s3_put_object_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to upload archive")
	}

	slog.Info("s3_archive_complete", "s3_key", key, "size_bytes", buf.Len(), "sha256", checksum[:16]+"...")

	return &ArchiveResult{
		Key:    key,
		SHA256: checksum,
		Count:  len(requests),
		Size:   int64(buf.Len()),
	}, nil
}

// DownloadResult contains download metadata
type DownloadResult struct {
	LocalPath string
	SHA256    string
	Size      int64
}

// Download downloads an archive object from S3 and computes SHA256
func (c *Client) Download(ctx context.Context, s3Key, localPath string) (*DownloadResult, error) {
	slog.Info("s3_download_start", "bucket", c.bucket, "s3_key", s3Key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(s3Key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", s3Key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		slog.Error("local_file_creation_failed", "path", localPath, "error", err)
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), result.Body)
	if err != nil {
		slog.Error("s3_download_failed", "s3_key", s3Key, "error", err)
		return nil, errors.Wrap(err, "failed to download file")
	}
	checksum := hex.EncodeToString(hash.Sum(nil))

	if expected := result.Metadata["sha256"]; expected != "" && expected != checksum {
		slog.Error("s3_checksum_mismatch", "s3_key", s3Key, "expected", expected, "actual", checksum)
		return nil, fmt.Errorf("checksum mismatch for %s", s3Key)
	}

	slog.Info("s3_download_complete", "s3_key", s3Key, "size_bytes", size, "local_path", localPath)

	return &DownloadResult{
		LocalPath: localPath,
		SHA256:    checksum,
		Size:      size,
	}, nil
}

// ListObjects lists all archive objects under the client prefix plus sub.
func (c *Client) ListObjects(ctx context.Context, sub string) ([]string, error) {
	prefix := path.Join(c.prefix, "decisions", sub)
	slog.Info("s3_list_start", "bucket", c.bucket, "prefix", prefix)

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, input)

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("s3_list_failed", "prefix", prefix, "error", err)
			return nil, errors.Wrap(err, "failed to list objects")
		}

		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}

	slog.Info("s3_list_complete", "prefix", prefix, "object_count", len(keys))

	return keys, nil
}
