package backup

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/internal/updater/core/model"
	"github.com/autopeer-io/updater/pkg/log"
	"github.com/autopeer-io/updater/pkg/options"
)

const mirrorPrefix = "snapshots/"

var _ core.SnapshotMirror = (*Mirror)(nil)

// Mirror copies snapshots to an S3-compatible bucket.
type Mirror struct {
	client     *minio.Client
	bucketName string
	log        log.Logger
}

// NewMirror creates a Mirror from S3 options.
func NewMirror(opts *options.S3Options) (*Mirror, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Mirror{
		client:     client,
		bucketName: opts.BucketName,
		log:        log.WithName("mirror"),
	}, nil
}

// CheckBucket creates the bucket when it does not exist.
func (m *Mirror) CheckBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		m.log.Info("Bucket does not exist, creating...", "bucket", m.bucketName)
		if err := m.client.MakeBucket(ctx, m.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// ObjectKey returns the object name of a snapshot.
func ObjectKey(snap *model.Snapshot) string {
	return mirrorPrefix + snap.ID + archiveExt
}

// Upload implements core.SnapshotMirror.
func (m *Mirror) Upload(ctx context.Context, snap *model.Snapshot) error {
	info, err := m.client.FPutObject(ctx, m.bucketName, ObjectKey(snap), snap.Path, minio.PutObjectOptions{
		ContentType: "application/zstd",
		UserMetadata: map[string]string{
			"version":    snap.Version,
			"created-at": snap.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload snapshot %s: %w", snap.ID, err)
	}

	m.log.Info("Snapshot mirrored", "id", snap.ID, "bucket", m.bucketName, "etag", info.ETag)
	return nil
}
