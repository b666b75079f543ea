// Package archive mirrors published files to S3. It is optional; when
// no bucket is configured the server keeps files on local disk only.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Maahir-AI-Robo/bagferry/internal/metrics"
)

// uploadPartSize is the S3 multipart part size (S3 minimum is 5MB).
const uploadPartSize = 5 * 1024 * 1024

// Archiver copies published files into an S3 bucket.
type Archiver struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// New creates an archiver against the given bucket. Credentials come
// from the default AWS chain. Bucket access is verified up front so a
// misconfiguration fails at startup, not on the first finalize.
func New(ctx context.Context, bucket, region, prefix string) (*Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket name is required")
	}

	var optFuncs []func(*awsconfig.LoadOptions) error
	if region != "" {
		optFuncs = append(optFuncs, awsconfig.WithRegion(region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFuncs...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	}); err != nil {
		return nil, fmt.Errorf("failed to access S3 bucket %q: %w", bucket, err)
	}

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = uploadPartSize
	})

	slog.Info("S3 archive initialized", "bucket", bucket, "region", region, "prefix", prefix)

	return &Archiver{
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
	}, nil
}

// Archive streams a published file to the bucket under prefix/filename.
// Failures are surfaced to the caller but do not unpublish the local
// file; the transfer already succeeded.
func (a *Archiver) Archive(ctx context.Context, localPath, filename, mimeType string) error {
	file, err := os.Open(localPath)
	if err != nil {
		metrics.ArchiveTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to open file for archive: %w", err)
	}
	defer file.Close()

	key := path.Join(a.prefix, filename)
	input := &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   file,
	}
	if mimeType != "" {
		input.ContentType = aws.String(mimeType)
	}

	if _, err := a.uploader.Upload(ctx, input); err != nil {
		metrics.ArchiveTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to archive to S3: %w", err)
	}

	metrics.ArchiveTotal.WithLabelValues("success").Inc()
	slog.Info("file archived", "bucket", a.bucket, "key", key)
	return nil
}
