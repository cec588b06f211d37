package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// S3Backup stores and retrieves store snapshots in an S3 bucket.
type S3Backup struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Backup creates an S3 backup target using the ambient AWS
// credential chain.
func NewS3Backup(ctx context.Context, region, bucket, prefix string) (*S3Backup, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("storage: loading AWS config: %w", err)
	}
	return &S3Backup{
		client: s3.NewFromConfig(awsCfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Upload serializes a snapshot and writes it to the bucket. Snapshots
// are keyed by rollback counter so older uploads are never clobbered.
func (b *S3Backup) Upload(ctx context.Context, backup *BackupData) (string, error) {
	data, err := json.Marshal(backup)
	if err != nil {
		return "", fmt.Errorf("storage: marshaling backup: %w", err)
	}

	key := fmt.Sprintf("%s/backup-%016d.json", b.prefix, backup.RollbackCounter)
	log.Debug().
		Str("bucket", b.bucket).
		Str("key", key).
		Int("size", len(data)).
		Msg("S3 PUT")

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("storage: S3 PutObject failed: %w", err)
	}

	log.Info().
		Str("key", key).
		Int64("rollback_counter", backup.RollbackCounter).
		Msg("Backup uploaded")
	return key, nil
}

// Download fetches a snapshot by key. The caller restores it through
// Store.RestoreBackup, which enforces the HMAC and rollback checks.
func (b *S3Backup) Download(ctx context.Context, key string) (*BackupData, error) {
	log.Debug().
		Str("bucket", b.bucket).
		Str("key", key).
		Msg("S3 GET")

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: S3 GetObject failed: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: reading S3 object: %w", err)
	}

	var backup BackupData
	if err := json.Unmarshal(data, &backup); err != nil {
		return nil, fmt.Errorf("storage: unmarshaling backup: %w", err)
	}
	return &backup, nil
}

// Latest returns the key of the newest snapshot under the prefix, or
// "" when none exist.
func (b *S3Backup) Latest(ctx context.Context) (string, error) {
	prefix := b.prefix + "/backup-"
	var latest string

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: &b.bucket,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", fmt.Errorf("storage: S3 ListObjects failed: %w", err)
		}
		for _, obj := range page.Contents {
			// zero-padded counter keys sort lexicographically
			if *obj.Key > latest {
				latest = *obj.Key
			}
		}
	}
	return latest, nil
}
