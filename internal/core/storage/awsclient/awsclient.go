// Package awsclient builds the AWS SDK clients shared by the queue, object
// store and index adapters.
package awsclient

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Options selects region, credentials and an optional endpoint override
// (LocalStack, MinIO).
type Options struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// Clients holds one SDK client per service.
type Clients struct {
	SQS      *sqs.Client
	S3       *s3.Client
	DynamoDB *dynamodb.Client
}

// Load resolves the AWS configuration. Static credentials are used when both
// keys are set, otherwise the default credential chain.
func Load(ctx context.Context, opts Options) (aws.Config, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

// New builds the service clients, applying the endpoint override to each.
func New(ctx context.Context, opts Options) (*Clients, error) {
	cfg, err := Load(ctx, opts)
	if err != nil {
		return nil, err
	}

	var endpoint *string
	if opts.Endpoint != "" {
		endpoint = aws.String(opts.Endpoint)
	}

	clients := &Clients{
		SQS: sqs.NewFromConfig(cfg, func(o *sqs.Options) {
			o.BaseEndpoint = endpoint
		}),
		S3: s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = endpoint
			o.UsePathStyle = opts.ForcePathStyle
		}),
		DynamoDB: dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			o.BaseEndpoint = endpoint
		}),
	}

	slog.Info("[AWS] Clients initialized",
		"region", opts.Region,
		"endpoint", opts.Endpoint,
		"path_style", opts.ForcePathStyle,
	)
	return clients, nil
}
