// Package cache provides an in-memory LRU for hot blobs and blob
// properties, plus a Backend wrapper that keeps it coherent with writes.
package cache

import (
	"bytes"
	"container/list"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/meshxdata/blobvault/internal/storage"
)

const minCacheMemory = 1024 * 1024

// BlobCache caches small blob bodies and blob properties with a TTL and a
// memory ceiling. Eviction is LRU.
type BlobCache struct {
	maxMemory   int64
	maxBlobSize int64
	ttl         time.Duration

	mu      sync.Mutex
	memory  int64
	entries map[string]*list.Element
	lru     *list.List
	infos   map[string]*infoEntry

	hits   uint64
	misses uint64
}

type blobEntry struct {
	key     string
	data    []byte
	info    *storage.BlobInfo
	expires time.Time
}

type infoEntry struct {
	info    *storage.BlobInfo
	expires time.Time
}

// NewBlobCache creates a cache bounded by maxMemory bytes, caching only
// blobs up to maxBlobSize. Entries expire after ttl.
func NewBlobCache(maxMemory, maxBlobSize int64, ttl time.Duration) (*BlobCache, error) {
	if maxMemory < minCacheMemory {
		maxMemory = minCacheMemory
	}
	if maxBlobSize <= 0 {
		return nil, fmt.Errorf("max blob size must be positive")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be positive")
	}
	return &BlobCache{
		maxMemory:   maxMemory,
		maxBlobSize: maxBlobSize,
		ttl:         ttl,
		entries:     make(map[string]*list.Element),
		lru:         list.New(),
		infos:       make(map[string]*infoEntry),
	}, nil
}

func cacheKey(container, name string) string {
	return container + "/" + name
}

// PutBlob caches a blob body. Oversized blobs are silently ignored.
func (c *BlobCache) PutBlob(ctx context.Context, container, name string, data []byte, info *storage.BlobInfo) {
	if int64(len(data)) > c.maxBlobSize {
		return
	}

	key := cacheKey(container, name)
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}

	entry := &blobEntry{
		key:     key,
		data:    data,
		info:    info,
		expires: time.Now().Add(c.ttl),
	}
	c.entries[key] = c.lru.PushFront(entry)
	c.memory += int64(len(data))

	for c.memory > c.maxMemory {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
}

// GetBlob returns a cached blob, or found=false on miss or expiry.
func (c *BlobCache) GetBlob(ctx context.Context, container, name string) (*storage.Blob, bool) {
	key := cacheKey(container, name)
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := elem.Value.(*blobEntry)
	if time.Now().After(entry.expires) {
		c.removeLocked(elem)
		c.misses++
		return nil, false
	}

	c.lru.MoveToFront(elem)
	c.hits++

	blob := &storage.Blob{
		Body: io.NopCloser(newBytesReader(entry.data)),
		Size: int64(len(entry.data)),
	}
	if entry.info != nil {
		blob.ContentType = entry.info.ContentType
		blob.ETag = entry.info.ETag
		blob.LastModified = entry.info.LastModified
		blob.Metadata = entry.info.Metadata
	}
	return blob, true
}

// PutInfo caches blob properties for HEAD requests.
func (c *BlobCache) PutInfo(ctx context.Context, container, name string, info *storage.BlobInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.infos[cacheKey(container, name)] = &infoEntry{
		info:    info,
		expires: time.Now().Add(c.ttl),
	}
}

// GetInfo returns cached blob properties, or found=false.
func (c *BlobCache) GetInfo(ctx context.Context, container, name string) (*storage.BlobInfo, bool) {
	key := cacheKey(container, name)
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.infos[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expires) {
		delete(c.infos, key)
		return nil, false
	}
	return entry.info, true
}

// Invalidate drops a single blob and its properties.
func (c *BlobCache) Invalidate(container, name string) {
	key := cacheKey(container, name)
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
	delete(c.infos, key)
}

// InvalidateContainer drops everything cached for one container.
func (c *BlobCache) InvalidateContainer(container string) {
	prefix := container + "/"
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, elem := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(elem)
		}
	}
	for key := range c.infos {
		if strings.HasPrefix(key, prefix) {
			delete(c.infos, key)
		}
	}
}

// Stats reports hits, misses, and the hit rate.
func (c *BlobCache) Stats() (hits, misses uint64, hitRate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return c.hits, c.misses, hitRate
}

// removeLocked unlinks an entry; the caller holds the mutex.
func (c *BlobCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*blobEntry)
	c.lru.Remove(elem)
	delete(c.entries, entry.key)
	c.memory -= int64(len(entry.data))
}

// bytesReader is a minimal non-seeking reader over a cached byte slice.
type bytesReader struct {
	data []byte
	pos  int
}

func newBytesReader(data []byte) *bytesReader {
	return &bytesReader{data: data}
}

func (r *bytesReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// CachingBackend wraps a storage backend with the blob cache. Reads are
// served from memory when possible; writes invalidate.
type CachingBackend struct {
	storage.Backend
	cache *BlobCache
}

func NewCachingBackend(backend storage.Backend, cache *BlobCache) *CachingBackend {
	return &CachingBackend{Backend: backend, cache: cache}
}

func (cb *CachingBackend) GetBlob(ctx context.Context, container, name string) (*storage.Blob, error) {
	if blob, found := cb.cache.GetBlob(ctx, container, name); found {
		return blob, nil
	}

	blob, err := cb.Backend.GetBlob(ctx, container, name)
	if err != nil {
		return nil, err
	}

	// Small blobs are pulled into memory so the next read skips the backend.
	if blob.Size <= cb.cache.maxBlobSize {
		data, readErr := io.ReadAll(blob.Body)
		_ = blob.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("failed to read blob for caching: %w", readErr)
		}
		cb.cache.PutBlob(ctx, container, name, data, &storage.BlobInfo{
			Name:         name,
			Size:         blob.Size,
			ETag:         blob.ETag,
			LastModified: blob.LastModified,
			ContentType:  blob.ContentType,
			Metadata:     blob.Metadata,
		})
		blob.Body = io.NopCloser(bytes.NewReader(data))
	}
	return blob, nil
}

func (cb *CachingBackend) HeadBlob(ctx context.Context, container, name string) (*storage.BlobInfo, error) {
	if info, found := cb.cache.GetInfo(ctx, container, name); found {
		return info, nil
	}

	info, err := cb.Backend.HeadBlob(ctx, container, name)
	if err != nil {
		return nil, err
	}
	cb.cache.PutInfo(ctx, container, name, info)
	return info, nil
}

func (cb *CachingBackend) PutBlob(ctx context.Context, container, name string, reader io.Reader, size int64, metadata map[string]string) error {
	cb.cache.Invalidate(container, name)
	return cb.Backend.PutBlob(ctx, container, name, reader, size, metadata)
}

func (cb *CachingBackend) DeleteBlob(ctx context.Context, container, name string) error {
	cb.cache.Invalidate(container, name)
	return cb.Backend.DeleteBlob(ctx, container, name)
}

func (cb *CachingBackend) DeleteContainer(ctx context.Context, container string) error {
	cb.cache.InvalidateContainer(container)
	return cb.Backend.DeleteContainer(ctx, container)
}

func (cb *CachingBackend) CopyBlob(ctx context.Context, srcContainer, srcName, dstContainer, dstName string) error {
	cb.cache.Invalidate(dstContainer, dstName)
	return cb.Backend.CopyBlob(ctx, srcContainer, srcName, dstContainer, dstName)
}

func (cb *CachingBackend) CompleteMultipartUpload(ctx context.Context, container, name, uploadID string, parts []storage.CompletedPart) error {
	cb.cache.Invalidate(container, name)
	return cb.Backend.CompleteMultipartUpload(ctx, container, name, uploadID, parts)
}

var _ storage.Backend = (*CachingBackend)(nil)
