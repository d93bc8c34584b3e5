package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config describes an S3-compatible bucket (AWS or MinIO).
type S3Config struct {
	// "http://127.0.0.1:9000"; empty uses the AWS default endpoint.
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	// PublicURL prefixes object keys in returned references. Defaults to
	// "<Endpoint>/<Bucket>".
	PublicURL string
	KeyPrefix string
}

// Uploader is the subset of manager.Uploader the store uses.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Store uploads blobs to a bucket.
type S3Store struct {
	uploader  Uploader
	bucket    string
	keyPrefix string
	publicURL string
}

// Connect builds an S3 client for cfg.
func Connect(cfg S3Config) *s3.Client {
	return s3.NewFromConfig(aws.Config{Region: cfg.Region}, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.AccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		}
	})
}

// NewS3Store returns a store backed by a manager.Uploader over client.
func NewS3Store(client *s3.Client, cfg S3Config) (*S3Store, error) {
	if client == nil {
		return nil, errors.New("blobstore: s3 client can't be nil")
	}
	return NewS3StoreWithUploader(manager.NewUploader(client), cfg)
}

// NewS3StoreWithUploader is NewS3Store with an explicit uploader.
func NewS3StoreWithUploader(uploader Uploader, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("blobstore: bucket name is required")
	}
	publicURL := cfg.PublicURL
	if publicURL == "" {
		publicURL = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	}
	return &S3Store{
		uploader:  uploader,
		bucket:    cfg.Bucket,
		keyPrefix: strings.Trim(cfg.KeyPrefix, "/"),
		publicURL: strings.TrimRight(publicURL, "/"),
	}, nil
}

// Save implements Store.
func (s *S3Store) Save(ctx context.Context, data []byte, filename string) (string, error) {
	key := ObjectName(filename, data)
	if s.keyPrefix != "" {
		key = s.keyPrefix + "/" + key
	}

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(ContentType(data)),
	})
	if err != nil {
		return "", fmt.Errorf("blobstore: upload %s to bucket %s: %w", key, s.bucket, err)
	}
	return s.publicURL + "/" + key, nil
}
