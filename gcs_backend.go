package s3orm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// gcsDeleteConcurrency bounds parallel deletes; GCS has no multi-object delete
const gcsDeleteConcurrency = 16

// GCSBackend implements Backend using Google Cloud Storage
type GCSBackend struct {
	client *storage.Client
	bucket string
}

// GCSConfig contains GCS-specific configuration
type GCSConfig struct {
	Bucket          string
	CredentialsFile string // service account JSON, Application Default Credentials when empty
}

// NewGCSBackend creates a new GCS backend
func NewGCSBackend(ctx context.Context, cfg GCSConfig) (*GCSBackend, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return NewGCSBackendWithClient(client, cfg.Bucket), nil
}

// NewGCSBackendWithClient wraps an existing client
func NewGCSBackendWithClient(client *storage.Client, bucket string) *GCSBackend {
	return &GCSBackend{
		client: client,
		bucket: bucket,
	}
}

func mapGCSError(err error, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return WithContext(ErrNotFound, map[string]interface{}{"key": key})
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return WithContext(ErrNotFound, map[string]interface{}{"key": key})
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrUnauthorized, err)
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return fmt.Errorf("%w: %w", ErrTimeout, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func (b *GCSBackend) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, mapGCSError(err, key)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, mapGCSError(err, key)
	}
	return data, nil
}

func (b *GCSBackend) Put(ctx context.Context, key string, data []byte) error {
	writer := b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return mapGCSError(err, key)
	}

	return mapGCSError(writer.Close(), key)
}

func (b *GCSBackend) Delete(ctx context.Context, key string) error {
	err := mapGCSError(b.client.Bucket(b.bucket).Object(key).Delete(ctx), key)
	if err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

func (b *GCSBackend) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(gcsDeleteConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			return b.Delete(ctx, key)
		})
	}
	return g.Wait()
}

func (b *GCSBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.Bucket(b.bucket).Object(key).Attrs(ctx)
	if err != nil {
		err = mapGCSError(err, key)
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns objects directly under prefix. With a delimiter set GCS
// reports sub-"directories" as attrs with only Prefix populated; those are
// skipped.
func (b *GCSBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	query := &storage.Query{Prefix: prefix, Delimiter: "/"}
	if err := query.SetAttrSelection([]string{"Name"}); err != nil {
		return nil, err
	}
	it := b.client.Bucket(b.bucket).Objects(ctx, query)

	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, mapGCSError(err, prefix)
		}
		if attrs.Name == "" {
			continue
		}
		keys = append(keys, attrs.Name)
	}

	sort.Strings(keys)
	return keys, nil
}

func (b *GCSBackend) Ping(ctx context.Context) error {
	_, err := b.client.Bucket(b.bucket).Attrs(ctx)
	return mapGCSError(err, "")
}

func (b *GCSBackend) Close() error {
	return b.client.Close()
}
