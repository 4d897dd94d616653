package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultS3Endpoint = "s3.amazonaws.com"

type s3Backend struct {
	client *minio.Client
	bucket string
	prefix string
}

func newS3Backend(bucket, prefix, region string) (*s3Backend, error) {
	endpoint := defaultS3Endpoint
	if ep := os.Getenv("RAYCTL_S3_ENDPOINT"); ep != "" {
		endpoint = ep
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		}),
		Secure: true,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: s3 client: %w", err)
	}
	return &s3Backend{client: client, bucket: bucket, prefix: prefix}, nil
}

func (b *s3Backend) URI() string {
	if b.prefix == "" {
		return "s3://" + b.bucket
	}
	return "s3://" + b.bucket + "/" + b.prefix
}

func (b *s3Backend) objectName(key string) string {
	if b.prefix == "" {
		return key
	}
	return path.Join(b.prefix, key)
}

func (b *s3Backend) Get(ctx context.Context, reqs []GetRequest) error {
	for _, req := range reqs {
		err := b.client.FGetObject(ctx, b.bucket, b.objectName(req.Key),
			req.FilePath, minio.GetObjectOptions{})
		if err != nil {
			if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
				return fmt.Errorf("%w: %s", ErrNotFound, req.Key)
			}
			return fmt.Errorf("storage: get %s: %w", req.Key, err)
		}
	}
	return nil
}

func (b *s3Backend) Put(ctx context.Context, reqs []PutRequest) error {
	for _, req := range reqs {
		_, err := b.client.FPutObject(ctx, b.bucket, b.objectName(req.Key),
			req.FilePath, minio.PutObjectOptions{})
		if err != nil {
			return fmt.Errorf("storage: put %s: %w", req.Key, err)
		}
	}
	return nil
}

func (b *s3Backend) Read(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, b.objectName(key),
		minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, obj); err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return buf.Bytes(), nil
}
