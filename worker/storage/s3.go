// Package storage publishes finished renders to S3-compatible object storage.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // custom endpoint for MinIO and other S3-compatible services
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// Publisher uploads a rendered file for a task and returns its object key.
type Publisher interface {
	Publish(ctx context.Context, taskID, filePath string) (string, error)
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Publisher struct {
	client objectPutter
	bucket string
	prefix string
	logger *zap.Logger
}

func NewS3Publisher(ctx context.Context, cfg Config, logger *zap.Logger) (*S3Publisher, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return newS3Publisher(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func newS3Publisher(client objectPutter, bucket, prefix string, logger *zap.Logger) *S3Publisher {
	if prefix == "" {
		prefix = "renders"
	}
	return &S3Publisher{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// Key returns the object key used for a task's render.
func (p *S3Publisher) Key(taskID string) string {
	return path.Join(p.prefix, taskID+".mp4")
}

func (p *S3Publisher) Publish(ctx context.Context, taskID, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("open render: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat render: %w", err)
	}

	key := p.Key(taskID)
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("video/mp4"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	p.logger.Info("Render published",
		zap.String("task_id", taskID),
		zap.String("bucket", p.bucket),
		zap.String("key", key),
		zap.Int64("bytes", info.Size()),
	)
	return key, nil
}
