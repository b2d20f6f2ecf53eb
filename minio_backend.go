package s3orm

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MinIOConfig contains MinIO-specific configuration
type MinIOConfig struct {
	Endpoint        string // "localhost:9000", or a full http(s) URL
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
}

// NewMinIOClient returns an S3 client in path-style mode for a MinIO server
func NewMinIOClient(cfg MinIOConfig) *s3.Client {
	endpoint := cfg.Endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	return s3.New(s3.Options{
		BaseEndpoint: aws.String(endpoint),
		Region:       "us-east-1", // MinIO ignores regions, the SDK requires one
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		UsePathStyle: true,
	})
}

// NewMinIOBackend creates an S3Backend talking to MinIO
func NewMinIOBackend(cfg MinIOConfig) (*S3Backend, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"endpoint": cfg.Endpoint,
			"bucket":   cfg.Bucket,
			"reason":   "MinIO requires endpoint and bucket",
		})
	}
	return NewS3Backend(NewMinIOClient(cfg), cfg.Bucket), nil
}
