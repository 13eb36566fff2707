package s3

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Options configures New.
type Options struct {
	Region string
	// Endpoint overrides the S3 endpoint (S3-compatible services, tests).
	Endpoint string
	// AccessKeyID and SecretAccessKey select static credentials. When empty
	// the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// UsePathStyle forces path-style addressing.
	UsePathStyle bool
	// CommitTable enables the DynamoDB commit store when non-empty.
	CommitTable string
	Upload      UploadConfig
}

// Backend bundles the blob store and an optional DynamoDB commit store.
type Backend struct {
	Store  *Store
	Commit *DDBCommitStore // nil unless Options.CommitTable is set
}

// AWSConfig loads an aws.Config honoring the region and static credentials
// in opts.
func AWSConfig(ctx context.Context, opts Options) (aws.Config, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		))
	}
	return config.LoadDefaultConfig(ctx, loadOpts...)
}

// New builds an S3 backend for bucket/prefix.
func New(ctx context.Context, bucket, prefix string, opts Options) (*Backend, error) {
	cfg, err := AWSConfig(ctx, opts)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	upload := opts.Upload
	if upload.PartSize == 0 {
		upload = DefaultUploadConfig()
	}
	store := NewStore(client, bucket, prefix, func(c *UploadConfig) { *c = upload })

	b := &Backend{Store: store}
	if opts.CommitTable != "" {
		b.Commit = NewDDBCommitStore(dynamodb.NewFromConfig(cfg), opts.CommitTable, store.URI())
	}
	return b, nil
}
