package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIO spills oversized queued-envelope ciphertext out of Postgres. The
// pending_messages row keeps only an object key; the ciphertext itself lives
// here until the recipient drains it.
type MinIO struct {
	client     *minio.Client
	bucketName string
}

// NewMinIO creates a new MinIO client and ensures the envelope bucket exists.
// The bucket is never made public: envelopes are opaque ciphertext, but
// listable/guessable public objects are still a needless exposure.
func NewMinIO(endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*MinIO, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	m := &MinIO{
		client:     client,
		bucketName: bucketName,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return m, nil
}

// envelopeKey namespaces spilled objects by recipient so a sweep can enumerate
// one user's leftovers without scanning the whole bucket.
func envelopeKey(recipientID, envelopeID string) string {
	return fmt.Sprintf("pending/%s/%s", recipientID, envelopeID)
}

// PutEnvelope stores ciphertext too large to keep inline in pending_messages.
func (m *MinIO) PutEnvelope(ctx context.Context, recipientID, envelopeID string, ciphertext []byte) error {
	key := envelopeKey(recipientID, envelopeID)
	_, err := m.client.PutObject(ctx, m.bucketName, key, bytes.NewReader(ciphertext), int64(len(ciphertext)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("failed to spill envelope: %w", err)
	}
	return nil
}

// GetEnvelope retrieves a previously spilled envelope's ciphertext.
func (m *MinIO) GetEnvelope(ctx context.Context, recipientID, envelopeID string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucketName, envelopeKey(recipientID, envelopeID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch spilled envelope: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read spilled envelope: %w", err)
	}
	return data, nil
}

// DeleteEnvelope removes a spilled envelope once it has been delivered.
func (m *MinIO) DeleteEnvelope(ctx context.Context, recipientID, envelopeID string) error {
	return m.client.RemoveObject(ctx, m.bucketName, envelopeKey(recipientID, envelopeID), minio.RemoveObjectOptions{})
}

// HealthCheck verifies MinIO connection
func (m *MinIO) HealthCheck(ctx context.Context) error {
	_, err := m.client.BucketExists(ctx, m.bucketName)
	return err
}
