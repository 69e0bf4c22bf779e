package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver persists sealed snapshots outside the pipeline state.
type Archiver interface {
	Archive(ctx context.Context, s Snapshot) (location string, err error)
}

func encode(s Snapshot) ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %s: %w", s.ID, err)
	}
	return data, nil
}

// FileArchiver writes one JSON file per snapshot into a directory.
type FileArchiver struct {
	Dir string
}

func (a FileArchiver) Archive(_ context.Context, s Snapshot) (string, error) {
	data, err := encode(s)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	path := filepath.Join(a.Dir, s.ID+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write snapshot %s: %w", s.ID, err)
	}
	return path, nil
}

// S3Config selects the bucket for S3Archiver.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO, LocalStack
	Prefix   string
}

// S3Archiver uploads snapshots to an S3 bucket.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver loads the default AWS credential chain.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, s Snapshot) (string, error) {
	data, err := encode(s)
	if err != nil {
		return "", err
	}
	key := a.prefix + s.ID + ".json"
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

// GCSArchiver uploads snapshots to a Cloud Storage bucket.
type GCSArchiver struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSArchiver uses application default credentials.
func NewGCSArchiver(ctx context.Context, bucket, prefix string) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: bucket, prefix: prefix}, nil
}

func (a *GCSArchiver) Archive(ctx context.Context, s Snapshot) (string, error) {
	data, err := encode(s)
	if err != nil {
		return "", err
	}
	name := a.prefix + s.ID + ".json"
	w := a.client.Bucket(a.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close %s: %w", name, err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, name), nil
}

// Close releases the GCS client.
func (a *GCSArchiver) Close() error {
	return a.client.Close()
}
