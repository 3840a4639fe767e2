// Package objectstore uploads job result files. Harvested files live under
// <job id>/<name> in the results bucket; committed grid and vector copies
// live under <repository>/<name> in the published bucket.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"mime"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// Object describes one upload.
type Object struct {
	Bucket      string
	Key         string
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// Store abstracts S3-compatible object storage.
type Store interface {
	Put(ctx context.Context, obj Object, body io.Reader) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

var ErrObjectNotFound = errors.New("object not found")

// Content types of the result formats a job produces.
var resultContentTypes = map[string]string{
	".nc":  "application/x-netcdf",
	".csv": "text/csv; charset=utf-8",
	".kml": "application/vnd.google-earth.kml+xml",
	".kmz": "application/vnd.google-earth.kmz",
	".m":   "text/x-matlab; charset=utf-8",
	".txt": "text/plain; charset=utf-8",
	".log": "text/plain; charset=utf-8",
	".png": "image/png",
}

// ContentType returns the content type stored for a result file name.
func ContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := resultContentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// ResultKey is the key of a harvested file in the results bucket.
func ResultKey(jobID, name string) string {
	return path.Join(jobID, path.Base(name))
}

// PublishedKey is the key of a committed copy in the published bucket.
// dir must already be a clean relative path.
func PublishedKey(dir, name string) string {
	return path.Join(dir, path.Base(name))
}

// PutFile uploads the local file at src. metadata may be nil.
func PutFile(ctx context.Context, store Store, bucket, key, src string, metadata map[string]string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	obj := Object{
		Bucket:      bucket,
		Key:         key,
		Size:        info.Size(),
		ContentType: ContentType(src),
		Metadata:    metadata,
	}
	if err := store.Put(ctx, obj, f); err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

type memoryObject struct {
	data []byte
	info Object
}

// MemoryStore keeps objects in memory.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]memoryObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string]memoryObject{}}
}

func (s *MemoryStore) Put(_ context.Context, obj Object, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	obj.Size = int64(len(data))
	obj.Metadata = maps.Clone(obj.Metadata)
	s.mu.Lock()
	s.objects[obj.Bucket+"/"+obj.Key] = memoryObject{data: data, info: obj}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	obj, ok := s.objects[bucket+"/"+key]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Stat returns what was recorded for an object.
func (s *MemoryStore) Stat(bucket, key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[bucket+"/"+key]
	return obj.info, ok
}

// Keys lists stored objects as "bucket/key", sorted.
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.objects))
}

var (
	_ Store = (*MinioStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
