package s3orm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// maxDeleteObjects is the S3 DeleteObjects per-request limit
const maxDeleteObjects = 1000

// S3Backend implements Backend using AWS S3 (or S3-compatible storage)
type S3Backend struct {
	client *s3.Client
	bucket string
}

// NewS3Backend creates a new S3 backend
func NewS3Backend(client *s3.Client, bucket string) *S3Backend {
	return &S3Backend{
		client: client,
		bucket: bucket,
	}
}

// NewS3BackendFromConfig loads AWS configuration from the environment,
// overridden by the region, endpoint and static credentials in cfg.
func NewS3BackendFromConfig(ctx context.Context, cfg BackendConfig) (*S3Backend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewS3Backend(client, cfg.Bucket), nil
}

// mapS3Error translates SDK errors into s3orm sentinels
func mapS3Error(err error, key string) error {
	if err == nil {
		return nil
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return WithContext(ErrNotFound, map[string]interface{}{"key": key})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return WithContext(ErrNotFound, map[string]interface{}{"key": key})
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return fmt.Errorf("%w: %w", ErrUnauthorized, err)
		case "RequestTimeout", "RequestTimeTooSkewed":
			return fmt.Errorf("%w: %w", ErrTimeout, err)
		}
	}

	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// Get retrieves data for the given key from S3
func (b *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapS3Error(err, key)
	}
	defer func() { _ = result.Body.Close() }() //nolint:errcheck // Deferred close

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, mapS3Error(err, key)
	}
	return data, nil
}

// Put stores data for the given key to S3
func (b *S3Backend) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return mapS3Error(err, key)
}

// Delete removes the object at the given key. S3 already treats missing
// keys as success.
func (b *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err = mapS3Error(err, key); err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

// DeleteBatch issues one DeleteObjects request per 1000 keys
func (b *S3Backend) DeleteBatch(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += maxDeleteObjects {
		end := start + maxDeleteObjects
		if end > len(keys) {
			end = len(keys)
		}

		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(key)})
		}

		out, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return mapS3Error(err, keys[start])
		}
		for _, e := range out.Errors {
			if aws.ToString(e.Code) == "NoSuchKey" {
				continue
			}
			return WithContext(ErrStoreUnavailable, map[string]interface{}{
				"key":     aws.ToString(e.Key),
				"code":    aws.ToString(e.Code),
				"message": aws.ToString(e.Message),
			})
		}
	}
	return nil
}

// Exists checks if an object exists at the given key in S3
func (b *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = mapS3Error(err, key)
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns the objects directly under prefix. Common prefixes
// (sub-"directories") are skipped.
func (b *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}

	paginator := s3.NewListObjectsV2Paginator(b.client, input)
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error(err, prefix)
		}

		for _, obj := range output.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	// S3 returns UTF-8 binary order already; MinIO and other
	// S3-compatible stores are not all as strict.
	sort.Strings(keys)
	return keys, nil
}

// Ping checks if the bucket is reachable
func (b *S3Backend) Ping(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	return mapS3Error(err, "")
}

// Close releases any resources held by the S3 backend
func (b *S3Backend) Close() error {
	// S3 client doesn't need explicit closing
	return nil
}
