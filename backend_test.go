package s3orm

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

// TestBackendCompliance runs the same test suite against all Backend implementations
func TestBackendCompliance(t *testing.T) {
	backends := []struct {
		name    string
		backend Backend
	}{
		{"Filesystem", NewFilesystemBackend(t.TempDir())},
		{"Instrumented", NewInstrumentedBackend(NewFilesystemBackend(t.TempDir()), "filesystem", NewInMemoryMetrics())},
	}

	for _, tc := range backends {
		t.Run(tc.name, func(t *testing.T) {
			runBackendCompliance(t, tc.backend)
		})
	}
}

// runBackendCompliance is shared with the S3 integration test
func runBackendCompliance(t *testing.T, backend Backend) {
	ctx := context.Background()

	t.Run("BasicCRUD", func(t *testing.T) {
		testBasicCRUD(t, ctx, backend)
	})
	t.Run("SingleLevelList", func(t *testing.T) {
		testSingleLevelList(t, ctx, backend)
	})
	t.Run("DeleteBatch", func(t *testing.T) {
		testDeleteBatch(t, ctx, backend)
	})
}

func testBasicCRUD(t *testing.T, ctx context.Context, backend Backend) {
	key := "compliance/crud/item"

	if _, err := backend.Get(ctx, key); !IsNotFound(err) {
		t.Fatalf("Get on missing key: expected ErrNotFound, got %v", err)
	}

	if err := backend.Put(ctx, key, []byte("hello")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	data, err := backend.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("Get = %q, want hello", data)
	}

	exists, err := backend.Exists(ctx, key)
	if err != nil || !exists {
		t.Errorf("Exists = %v, %v; want true, nil", exists, err)
	}

	if err := backend.Put(ctx, key, []byte("")); err != nil {
		t.Fatalf("Put empty body failed: %v", err)
	}
	if data, _ := backend.Get(ctx, key); len(data) != 0 {
		t.Errorf("expected empty body, got %q", data)
	}

	if err := backend.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := backend.Delete(ctx, key); err != nil {
		t.Errorf("second Delete should be a no-op, got %v", err)
	}

	exists, err = backend.Exists(ctx, key)
	if err != nil || exists {
		t.Errorf("Exists after delete = %v, %v; want false, nil", exists, err)
	}
}

func testSingleLevelList(t *testing.T, ctx context.Context, backend Backend) {
	keys := []string{
		"compliance/list/b",
		"compliance/list/a",
		"compliance/list/100###x",
		"compliance/list/20###y",
		"compliance/list/nested/deep",
	}
	for _, k := range keys {
		if err := backend.Put(ctx, k, nil); err != nil {
			t.Fatalf("Put %s failed: %v", k, err)
		}
	}

	got, err := backend.List(ctx, "compliance/list/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{
		"compliance/list/100###x",
		"compliance/list/20###y",
		"compliance/list/a",
		"compliance/list/b",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("List = %v, want %v", got, want)
	}

	got, err = backend.List(ctx, "compliance/list/nested/")
	if err != nil {
		t.Fatalf("List nested failed: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"compliance/list/nested/deep"}) {
		t.Errorf("List nested = %v", got)
	}

	got, err = backend.List(ctx, "compliance/missing/")
	if err != nil {
		t.Fatalf("List on missing prefix failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("List on missing prefix = %v, want empty", got)
	}
}

func testDeleteBatch(t *testing.T, ctx context.Context, backend Backend) {
	keys := []string{"compliance/batch/1", "compliance/batch/2", "compliance/batch/3"}
	for _, k := range keys {
		if err := backend.Put(ctx, k, []byte(k)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	if err := backend.DeleteBatch(ctx, nil); err != nil {
		t.Fatalf("DeleteBatch(nil) failed: %v", err)
	}
	if err := backend.DeleteBatch(ctx, append(keys, "compliance/batch/never-existed")); err != nil {
		t.Fatalf("DeleteBatch failed: %v", err)
	}

	got, err := backend.List(ctx, "compliance/batch/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected batch to be gone, got %v", got)
	}
}

func TestFilesystemBackend_NamePrefixList(t *testing.T) {
	ctx := context.Background()
	backend := NewFilesystemBackend(t.TempDir())

	for _, k := range []string{"p/abc", "p/abd", "p/x"} {
		if err := backend.Put(ctx, k, nil); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	got, err := backend.List(ctx, "p/ab")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"p/abc", "p/abd"}) {
		t.Errorf("List = %v", got)
	}

	if err := backend.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestInstrumentedBackend_RecordsMetrics(t *testing.T) {
	ctx := context.Background()
	metrics := NewInMemoryMetrics()
	backend := NewInstrumentedBackend(NewFilesystemBackend(t.TempDir()), "filesystem", metrics)

	_ = backend.Put(ctx, "k", []byte("v"))
	_, _ = backend.Get(ctx, "k")
	_, _ = backend.Get(ctx, "missing")

	if metrics.Counter(MetricBackendOps) != 3 {
		t.Errorf("ops = %d, want 3", metrics.Counter(MetricBackendOps))
	}
	if metrics.Counter(MetricBackendErrors) != 0 {
		t.Errorf("not-found should not count as an error, got %d", metrics.Counter(MetricBackendErrors))
	}
}

func TestBackendConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  BackendConfig
		wantErr bool
	}{
		{"filesystem", BackendConfig{Type: BackendFilesystem, Path: "/tmp/x"}, false},
		{"filesystem without path", BackendConfig{Type: BackendFilesystem}, true},
		{"s3 with region", BackendConfig{Type: BackendS3, Bucket: "b", Region: "us-east-1"}, false},
		{"s3 without region or endpoint", BackendConfig{Type: BackendS3, Bucket: "b"}, true},
		{"s3 without bucket", BackendConfig{Type: BackendS3, Region: "us-east-1"}, true},
		{"minio without endpoint", BackendConfig{Type: BackendMinIO, Bucket: "b"}, true},
		{"gcs", BackendConfig{Type: BackendGCS, Bucket: "b"}, false},
		{"missing type", BackendConfig{}, true},
		{"unknown type", BackendConfig{Type: "ftp"}, true},
		{"bad encryption key", BackendConfig{Type: BackendFilesystem, Path: "/tmp/x", EncryptionKey: "c2hvcnQ="}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestNewBackend(t *testing.T) {
	ctx := context.Background()

	backend, err := NewBackend(ctx, BackendConfig{Type: BackendFilesystem, Path: t.TempDir(), Retry: true}, DefaultRetryConfig())
	if err != nil {
		t.Fatalf("NewBackend failed: %v", err)
	}
	if _, ok := backend.(*RetryBackend); !ok {
		t.Errorf("expected *RetryBackend, got %T", backend)
	}

	backend, err = NewBackend(ctx, BackendConfig{Type: BackendMinIO, Endpoint: "localhost:9000", Bucket: "b"}, DefaultRetryConfig())
	if err != nil {
		t.Fatalf("NewBackend minio failed: %v", err)
	}
	if _, ok := backend.(*S3Backend); !ok {
		t.Errorf("expected *S3Backend, got %T", backend)
	}
}
