//go:build integration

package testutil

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/testcontainers/testcontainers-go/modules/localstack"

	"github.com/electric-coding-llc/s3store/config"
	"github.com/electric-coding-llc/s3store/storage"
)

const localstackImage = "localstack/localstack:4.0"

// LocalStack runs an S3 service in a container for end-to-end tests.
type LocalStack struct {
	Container *localstack.LocalStackContainer
	Config    config.S3Config
}

// StartLocalStack starts the container and creates bucket in it. The
// returned config points an S3Client at the container.
func StartLocalStack(ctx context.Context, bucket string) (*LocalStack, error) {
	container, err := localstack.Run(ctx, localstackImage)
	if err != nil {
		return nil, fmt.Errorf("start localstack: %w", err)
	}

	endpoint, err := container.PortEndpoint(ctx, "4566/tcp", "http")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("resolve localstack endpoint: %w", err)
	}

	cfg := config.S3Config{
		Endpoint:        endpoint,
		Region:          "us-east-1",
		Bucket:          bucket,
		UsePathStyle:    true,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	}
	if err := createBucket(ctx, cfg); err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	return &LocalStack{Container: container, Config: cfg}, nil
}

func (l *LocalStack) Close(ctx context.Context) error {
	if l == nil || l.Container == nil {
		return nil
	}
	return l.Container.Terminate(ctx)
}

func createBucket(ctx context.Context, cfg config.S3Config) error {
	client, err := storage.NewAWSClient(ctx, cfg)
	if err != nil {
		return err
	}
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
	}
	return nil
}
