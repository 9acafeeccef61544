// Package s3 builds AWS clients for S3-compatible backends.
package s3

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig holds configuration for creating an S3 client.
type ClientConfig struct {
	// Region is the AWS region (required).
	Region string

	// Endpoint is an optional custom endpoint URL.
	// Used for S3-compatible services (MinIO, LocalStack).
	// Example: "http://localhost:4566" for LocalStack.
	Endpoint string

	// UsePathStyle enables path-style addressing instead of virtual-hosted style.
	// Required for some S3-compatible services (e.g., LocalStack, MinIO with default config).
	UsePathStyle bool

	// Credentials are the AWS credentials to use.
	// If nil, uses the default credential chain.
	Credentials aws.CredentialsProvider
}

// LoadAWSConfig resolves the shared AWS configuration for cfg. Clients for
// other services (Lambda) are built from the same configuration.
func LoadAWSConfig(ctx context.Context, cfg ClientConfig) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if cfg.Credentials != nil {
		opts = append(opts, config.WithCredentialsProvider(cfg.Credentials))
	}

	return config.LoadDefaultConfig(ctx, opts...)
}

// NewClient creates a new S3 client with the given configuration.
//
// For AWS S3:
//
//	client, err := s3client.NewClient(ctx, s3client.ClientConfig{
//	    Region: "us-east-1",
//	})
//
// For LocalStack:
//
//	client, err := s3client.NewClient(ctx, s3client.ClientConfig{
//	    Region:       "us-east-1",
//	    Endpoint:     "http://localhost:4566",
//	    UsePathStyle: true,
//	    Credentials:  credentials.NewStaticCredentialsProvider("test", "test", ""),
//	})
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewClientFromConfig(awsCfg, cfg), nil
}

// NewClientFromConfig creates an S3 client from an already loaded AWS
// configuration, applying cfg's endpoint and addressing overrides.
func NewClientFromConfig(awsCfg aws.Config, cfg ClientConfig) *s3.Client {
	s3Opts := []func(*s3.Options){}

	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return s3.NewFromConfig(awsCfg, s3Opts...)
}

// LocalStack returns the client configuration for a local LocalStack.
// Defaults: endpoint=http://localhost:4566, region=us-east-1, credentials=test/test.
func LocalStack() ClientConfig {
	return ClientConfig{
		Region:       "us-east-1",
		Endpoint:     "http://localhost:4566",
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("test", "test", ""),
	}
}

// MinIO returns the client configuration for a local MinIO.
// Defaults: endpoint=http://localhost:9000, region=us-east-1, credentials=minioadmin/minioadmin.
func MinIO() ClientConfig {
	return ClientConfig{
		Region:       "us-east-1",
		Endpoint:     "http://localhost:9000",
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("minioadmin", "minioadmin", ""),
	}
}

// NewLocalStackClient creates an S3 client configured for LocalStack.
func NewLocalStackClient(ctx context.Context) (*s3.Client, error) {
	return NewClient(ctx, LocalStack())
}

// NewMinIOClient creates an S3 client configured for MinIO.
func NewMinIOClient(ctx context.Context) (*s3.Client, error) {
	return NewClient(ctx, MinIO())
}
