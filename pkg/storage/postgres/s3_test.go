package postgres

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockS3Client struct {
	objects      map[string][]byte
	metadata     map[string]map[string]string
	bucketExists bool
	putErr       error
	createErr    error
	created      bool
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{
		objects:  make(map[string][]byte),
		metadata: make(map[string]map[string]string),
	}
}

func (m *mockS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Key)
	m.objects[key] = body
	m.metadata[key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if !m.bucketExists {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (m *mockS3Client) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.created = true
	m.bucketExists = true
	return &s3.CreateBucketOutput{}, nil
}

func TestPayloadArchive_Archive(t *testing.T) {
	client := newMockS3Client()
	archive := newPayloadArchive(client, "audit", "webhooks")

	received := time.Date(2026, 3, 4, 23, 59, 0, 0, time.UTC)
	key, err := archive.Archive(context.Background(), "evt_123", "invoice.paid", received, []byte(`{"id":"evt_123"}`))
	require.NoError(t, err)

	assert.Equal(t, "webhooks/2026/03/04/evt_123.json", key)
	assert.Equal(t, `{"id":"evt_123"}`, string(client.objects[key]))
	assert.Equal(t, "invoice.paid", client.metadata[key]["event-type"])
	assert.Len(t, client.metadata[key]["checksum-sha256"], 64)
}

func TestPayloadArchive_ArchiveError(t *testing.T) {
	client := newMockS3Client()
	client.putErr = errors.New("access denied")
	archive := newPayloadArchive(client, "audit", "webhooks")

	_, err := archive.Archive(context.Background(), "evt_1", "invoice.paid", time.Now(), []byte("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestPayloadArchive_EnsureBucket(t *testing.T) {
	t.Run("creates missing bucket", func(t *testing.T) {
		client := newMockS3Client()
		archive := newPayloadArchive(client, "audit", "")
		require.NoError(t, archive.ensureBucket(context.Background()))
		assert.True(t, client.created)
		assert.NoError(t, archive.HealthCheck(context.Background()))
	})

	t.Run("tolerates concurrent creation", func(t *testing.T) {
		client := newMockS3Client()
		client.createErr = &types.BucketAlreadyOwnedByYou{}
		archive := newPayloadArchive(client, "audit", "")
		assert.NoError(t, archive.ensureBucket(context.Background()))
	})

	t.Run("surfaces other failures", func(t *testing.T) {
		client := newMockS3Client()
		client.createErr = errors.New("forbidden")
		archive := newPayloadArchive(client, "audit", "")
		assert.Error(t, archive.ensureBucket(context.Background()))
		assert.Error(t, archive.HealthCheck(context.Background()))
	})
}
