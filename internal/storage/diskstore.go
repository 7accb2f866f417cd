package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shardvault/shardvault/internal/nodes"
)

// DiskClientFactory returns a factory that gives every node its own directory
// under root. Used for single-machine development and tests.
func DiskClientFactory(root string) ClientFactory {
	return func(index int, node nodes.Node) (ObjectStore, error) {
		dir := filepath.Join(root, strconv.Itoa(index)+"-"+sanitizeHost(node.Endpoint)+"-"+strconv.Itoa(node.Port))
		return NewDiskStore(dir)
	}
}

func sanitizeHost(host string) string {
	return strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(host)
}

// DiskStore is a filesystem-backed node.
// Directory structure:
//
//	{dataDir}/
//	  buckets/
//	    {bucket}/
//	      objects/{key}       # object bytes
//	      meta/{key}.json     # ObjectInfo
type DiskStore struct {
	dataDir string
	mu      sync.RWMutex
}

// NewDiskStore creates a disk store rooted at dataDir. The directory is
// created lazily by MakeBucket, so construction does no I/O beyond Abs.
func NewDiskStore(dataDir string) (*DiskStore, error) {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	return &DiskStore{dataDir: abs}, nil
}

// DataDir returns the root directory of the store.
func (s *DiskStore) DataDir() string {
	return s.dataDir
}

// syncedWriteFile writes data to a temp file, fsyncs it and renames it into
// place so readers never observe a partial file.
// fsync is skipped when SHARDVAULT_TEST is set.
func syncedWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if os.Getenv("SHARDVAULT_TEST") == "" {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// validateName rejects names that could escape the data directory.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidRequest)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: null bytes not allowed", ErrInvalidRequest)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: invalid name", ErrInvalidRequest)
	}
	for _, sep := range []string{"/", "\\"} {
		for _, part := range strings.Split(name, sep) {
			if part == ".." {
				return fmt.Errorf("%w: path traversal not allowed", ErrInvalidRequest)
			}
		}
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return fmt.Errorf("%w: absolute paths not allowed", ErrInvalidRequest)
	}
	if strings.HasSuffix(name, ".tmp") {
		return fmt.Errorf("%w: reserved suffix .tmp", ErrInvalidRequest)
	}
	return nil
}

func validateNames(bucket, key string) error {
	if err := validateName(bucket); err != nil {
		return fmt.Errorf("invalid bucket name: %w", err)
	}
	if err := validateName(key); err != nil {
		return fmt.Errorf("invalid key: %w", err)
	}
	return nil
}

func (s *DiskStore) bucketPath(bucket string) string {
	return filepath.Join(s.dataDir, "buckets", bucket)
}

func (s *DiskStore) objectPath(bucket, key string) string {
	return filepath.Join(s.bucketPath(bucket), "objects", key)
}

func (s *DiskStore) objectMetaPath(bucket, key string) string {
	return filepath.Join(s.bucketPath(bucket), "meta", key+".json")
}

// checkBucket returns ErrBucketNotFound if bucket is missing (caller must hold lock).
func (s *DiskStore) checkBucket(bucket string) error {
	info, err := os.Stat(s.bucketPath(bucket))
	if os.IsNotExist(err) {
		return ErrBucketNotFound
	}
	if err != nil {
		return fmt.Errorf("stat bucket: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: bucket path is not a directory", ErrInvalidRequest)
	}
	return nil
}

// PutObject stores data under key.
func (s *DiskStore) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	if err := validateNames(bucket, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkBucket(bucket); err != nil {
		return err
	}

	objPath := s.objectPath(bucket, key)
	metaPath := s.objectMetaPath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(objPath), 0755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(metaPath), 0755); err != nil {
		return fmt.Errorf("create meta dir: %w", err)
	}

	sum := md5.Sum(data)
	info := ObjectInfo{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  contentType,
		ETag:         hex.EncodeToString(sum[:]),
		LastModified: time.Now().UTC(),
	}
	metaData, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal object meta: %w", err)
	}

	if err := syncedWriteFile(objPath, data, 0644); err != nil {
		return fmt.Errorf("write object: %w", err)
	}
	// Meta is written last: an object without meta is invisible to stat.
	if err := syncedWriteFile(metaPath, metaData, 0644); err != nil {
		return fmt.Errorf("write object meta: %w", err)
	}
	return nil
}

// GetObject opens key for reading.
func (s *DiskStore) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := validateNames(bucket, key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkBucket(bucket); err != nil {
		return nil, err
	}
	if _, err := s.readMeta(bucket, key); err != nil {
		return nil, err
	}

	f, err := os.Open(s.objectPath(bucket, key))
	if os.IsNotExist(err) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	return f, nil
}

// readMeta reads object metadata (caller must hold lock).
func (s *DiskStore) readMeta(bucket, key string) (ObjectInfo, error) {
	data, err := os.ReadFile(s.objectMetaPath(bucket, key))
	if os.IsNotExist(err) {
		return ObjectInfo{}, ErrObjectNotFound
	}
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("read object meta: %w", err)
	}

	var info ObjectInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return ObjectInfo{}, fmt.Errorf("unmarshal object meta: %w", err)
	}
	return info, nil
}

// StatObject returns object info.
func (s *DiskStore) StatObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	if err := validateNames(bucket, key); err != nil {
		return ObjectInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkBucket(bucket); err != nil {
		return ObjectInfo{}, err
	}
	return s.readMeta(bucket, key)
}

// RemoveObject deletes key. Missing keys are not an error.
func (s *DiskStore) RemoveObject(ctx context.Context, bucket, key string) error {
	if err := validateNames(bucket, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkBucket(bucket); err != nil {
		return err
	}
	if err := os.Remove(s.objectMetaPath(bucket, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove object meta: %w", err)
	}
	if err := os.Remove(s.objectPath(bucket, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

// BucketExists reports whether bucket exists.
func (s *DiskStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	if err := validateName(bucket); err != nil {
		return false, fmt.Errorf("invalid bucket name: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	err := s.checkBucket(bucket)
	if err == ErrBucketNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MakeBucket creates bucket. Creating an existing bucket is a no-op.
func (s *DiskStore) MakeBucket(ctx context.Context, bucket string) error {
	if err := validateName(bucket); err != nil {
		return fmt.Errorf("invalid bucket name: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range []string{"objects", "meta"} {
		if err := os.MkdirAll(filepath.Join(s.bucketPath(bucket), sub), 0755); err != nil {
			return fmt.Errorf("create bucket dir: %w", err)
		}
	}
	return nil
}
