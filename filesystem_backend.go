package s3orm

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// FilesystemBackend implements Backend on a local directory. Key segments
// become directories, so single-level listing maps to one ReadDir.
type FilesystemBackend struct {
	basePath string
	locks    *StripedLocks // Fine-grained locking per key
}

// NewFilesystemBackend creates a new filesystem backend with 32 lock stripes
func NewFilesystemBackend(basePath string) *FilesystemBackend {
	return NewFilesystemBackendWithStripes(basePath, 32)
}

// NewFilesystemBackendWithStripes creates a filesystem backend with custom stripe count
func NewFilesystemBackendWithStripes(basePath string, stripes int) *FilesystemBackend {
	return &FilesystemBackend{
		basePath: basePath,
		locks:    NewStripedLocks(stripes),
	}
}

func (b *FilesystemBackend) getPath(key string) string {
	return filepath.Join(b.basePath, filepath.FromSlash(key))
}

func mapFSError(err error, key string) error {
	switch {
	case err == nil:
		return nil
	case os.IsNotExist(err):
		return WithContext(ErrNotFound, map[string]interface{}{"key": key})
	case os.IsPermission(err):
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}

func (b *FilesystemBackend) Get(ctx context.Context, key string) ([]byte, error) {
	unlock := b.locks.RLock(key)
	defer unlock()

	data, err := os.ReadFile(b.getPath(key))
	if err != nil {
		return nil, mapFSError(err, key)
	}
	return data, nil
}

// Put writes through a temp file and rename so readers never see a
// partially written object.
func (b *FilesystemBackend) Put(ctx context.Context, key string, data []byte) error {
	p := b.getPath(key)
	if err := os.MkdirAll(filepath.Dir(p), DefaultDirPermissions); err != nil {
		return mapFSError(err, key)
	}

	unlock := b.locks.Lock(key)
	defer unlock()

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return mapFSError(err, key)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return mapFSError(err, key)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return mapFSError(err, key)
	}
	if err := os.Chmod(tmpName, DefaultFilePermissions); err != nil {
		_ = os.Remove(tmpName)
		return mapFSError(err, key)
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return mapFSError(err, key)
	}
	return nil
}

func (b *FilesystemBackend) Delete(ctx context.Context, key string) error {
	unlock := b.locks.Lock(key)
	defer unlock()

	err := os.Remove(b.getPath(key))
	if err != nil && !os.IsNotExist(err) {
		return mapFSError(err, key)
	}
	return nil
}

func (b *FilesystemBackend) DeleteBatch(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (b *FilesystemBackend) Exists(ctx context.Context, key string) (bool, error) {
	info, err := os.Stat(b.getPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, mapFSError(err, key)
	}
	return !info.IsDir(), nil
}

// List reads a single directory. A prefix not ending in "/" filters the
// entries of its parent directory by name.
func (b *FilesystemBackend) List(ctx context.Context, prefix string) ([]string, error) {
	dir, namePrefix := prefix, ""
	if !strings.HasSuffix(prefix, "/") {
		dir, namePrefix = path.Split(prefix)
	}

	entries, err := os.ReadDir(b.getPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, mapFSError(err, prefix)
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasPrefix(name, namePrefix) {
			continue
		}
		keys = append(keys, dir+name)
	}

	// ReadDir sorts by file name already; keep the contract explicit.
	sort.Strings(keys)
	return keys, nil
}

func (b *FilesystemBackend) Ping(ctx context.Context) error {
	if err := os.MkdirAll(b.basePath, DefaultDirPermissions); err != nil {
		return mapFSError(err, "")
	}
	info, err := os.Stat(b.basePath)
	if err != nil {
		return mapFSError(err, "")
	}
	if !info.IsDir() {
		return WithContext(ErrStoreUnavailable, map[string]interface{}{
			"path":   b.basePath,
			"reason": "base path is not a directory",
		})
	}

	testFile := filepath.Join(b.basePath, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), DefaultFilePermissions); err != nil {
		return mapFSError(err, "")
	}
	_ = os.Remove(testFile)

	return nil
}

func (b *FilesystemBackend) Close() error {
	return nil
}
