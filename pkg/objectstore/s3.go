package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Store is the production object-store backend (spec §6, SPEC_FULL
// §4.14): an S3-compatible bucket reached through the AWS SDK v2, with
// uploads going through the SDK's multipart manager so large artifact
// zips never need to fit in one PUT.
type S3Store struct {
	bucket    string
	client    *s3.Client
	uploader  *manager.Uploader
	presigner *s3.PresignClient
}

// NewS3Store builds an S3Store for bucket. When accessKey and secretKey are
// both non-empty (resolved by config.ObjectStoreCredentials, possibly from
// the encrypted secrets file) they're used as static credentials; otherwise
// credentials and region resolve the standard AWS SDK way (env vars, shared
// config, instance role). endpoint overrides an S3-compatible (e.g. MinIO)
// endpoint when non-empty.
func NewS3Store(ctx context.Context, bucket, endpoint, accessKey, secretKey string) (*S3Store, error) {
	optFns := []func(*awsconfig.LoadOptions) error{}
	if accessKey != "" && secretKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		bucket:    bucket,
		client:    client,
		uploader:  manager.NewUploader(client),
		presigner: s3.NewPresignClient(client),
	}, nil
}

// Upload streams data to key via the SDK's multipart uploader (spec §4.8
// step 4).
func (s *S3Store) Upload(ctx context.Context, key string, data []byte, opts UploadOpts) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}
	_, err := s.uploader.Upload(ctx, input)
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// Delete removes key. A missing key is not an error (spec's Delete is
// unconditional).
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// GetSignedURL presigns a GET for key, valid for ttl.
func (s *S3Store) GetSignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) {
		o.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

// Exists reports whether key is present via HEAD.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	info, err := s.GetInfo(ctx, key)
	if err != nil {
		return false, err
	}
	return info != nil, nil
}

// GetInfo returns key's stored attributes, or nil if it does not exist.
func (s *S3Store) GetInfo(ctx context.Context, key string) (*Info, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
			return nil, nil
		}
		return nil, fmt.Errorf("head %s: %w", key, err)
	}
	info := &Info{Key: key}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}
