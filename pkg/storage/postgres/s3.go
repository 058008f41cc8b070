package postgres

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/storage"
)

var s3Tracer = observability.Tracer("storage/s3")

// objectAPI is the subset of the S3 client used by the archive
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// PayloadArchive stores the verbatim body of verified webhooks in S3. The
// archived blob is audit data only; business logic reads typed payloads.
type PayloadArchive struct {
	client objectAPI
	bucket string
	prefix string
}

// NewPayloadArchive creates an S3-backed archive and ensures the bucket exists
func NewPayloadArchive(ctx context.Context, cfg storage.Config) (*PayloadArchive, error) {
	var awsConfig aws.Config
	var err error

	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		// static credentials (MinIO or explicit keys)
		awsConfig, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.S3Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.S3AccessKey,
				cfg.S3SecretKey,
				"",
			)),
		)
	} else {
		awsConfig, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.S3Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		if cfg.S3UsePathStyle {
			o.UsePathStyle = true
		}
	})

	archive := newPayloadArchive(client, cfg.S3Bucket, cfg.S3Prefix)
	if err := archive.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}
	return archive, nil
}

func newPayloadArchive(client objectAPI, bucket, prefix string) *PayloadArchive {
	return &PayloadArchive{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

// KeyFor returns the object key for an event received at receivedAt
func (a *PayloadArchive) KeyFor(eventID string, receivedAt time.Time) string {
	return path.Join(a.prefix, receivedAt.UTC().Format("2006/01/02"), eventID+".json")
}

// Archive uploads the raw payload for eventID and returns its key
func (a *PayloadArchive) Archive(ctx context.Context, eventID, eventType string, receivedAt time.Time, payload []byte) (string, error) {
	key := a.KeyFor(eventID, receivedAt)

	ctx, span := s3Tracer.Start(ctx, "S3.ArchivePayload",
		trace.WithAttributes(
			attribute.String("s3.bucket", a.bucket),
			attribute.String("s3.key", key),
			attribute.String("event.type", eventType),
			attribute.Int("content.size", len(payload)),
		),
	)
	defer span.End()

	hash := sha256.Sum256(payload)
	checksum := hex.EncodeToString(hash[:])

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"checksum-sha256": checksum,
			"event-type":      eventType,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload payload")
		return "", fmt.Errorf("failed to upload payload: %w", err)
	}

	span.SetStatus(codes.Ok, "payload archived")
	return key, nil
}

// HealthCheck verifies S3 connectivity
func (a *PayloadArchive) HealthCheck(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.bucket),
	})
	if err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

func (a *PayloadArchive) ensureBucket(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.bucket),
	})
	if err == nil {
		return nil
	}

	_, err = a.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(a.bucket),
	})
	if err != nil && !isBucketAlreadyExistsError(err) {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func isBucketAlreadyExistsError(err error) bool {
	var exists *types.BucketAlreadyExists
	var owned *types.BucketAlreadyOwnedByYou
	return errors.As(err, &exists) || errors.As(err, &owned)
}
