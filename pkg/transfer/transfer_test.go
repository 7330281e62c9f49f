package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshxdata/blobvault/internal/config"
	"github.com/meshxdata/blobvault/internal/storage"
)

func newTestBackend(t *testing.T) storage.Backend {
	t.Helper()
	backend, err := storage.NewFileSystemBackend(&config.FileSystemConfig{BaseDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, backend.CreateContainer(context.Background(), "data"))
	return backend
}

func randomData(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func readBack(t *testing.T, backend storage.Backend, container, name string) []byte {
	t.Helper()
	blob, err := backend.GetBlob(context.Background(), container, name)
	require.NoError(t, err)
	defer blob.Body.Close()
	data, err := io.ReadAll(blob.Body)
	require.NoError(t, err)
	return data
}

// memWriterAt is an in-memory io.WriterAt for download tests.
type memWriterAt struct {
	mu  sync.Mutex
	buf []byte
}

func (m *memWriterAt) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := off + int64(len(p))
	if int64(len(m.buf)) < end {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

func TestUploadSingleShot(t *testing.T) {
	backend := newTestBackend(t)
	data := randomData(t, 32*1024)

	var lastTransferred, lastTotal int64
	up := NewUploader(backend, Options{
		Progress: func(transferred, total int64) {
			lastTransferred, lastTotal = transferred, total
		},
	})

	err := up.Upload(context.Background(), "data", "small.bin", bytes.NewReader(data), int64(len(data)), nil)
	require.NoError(t, err)

	assert.Equal(t, data, readBack(t, backend, "data", "small.bin"))
	assert.Equal(t, int64(len(data)), lastTransferred)
	assert.Equal(t, int64(len(data)), lastTotal)
}

func TestUploadParallelChunks(t *testing.T) {
	backend := newTestBackend(t)
	data := randomData(t, 300*1024)

	var mu sync.Mutex
	var finalTransferred int64
	up := NewUploader(backend, Options{
		ChunkSize:      64 * 1024,
		MaxConcurrency: 4,
		MaxSingleShot:  1, // force the chunked path
		Progress: func(transferred, total int64) {
			mu.Lock()
			finalTransferred = transferred
			mu.Unlock()
			assert.Equal(t, int64(len(data)), total)
		},
	})

	err := up.Upload(context.Background(), "data", "large.bin", bytes.NewReader(data), int64(len(data)), map[string]string{"source": "test"})
	require.NoError(t, err)

	assert.Equal(t, data, readBack(t, backend, "data", "large.bin"))
	assert.Equal(t, int64(len(data)), finalTransferred)

	info, err := backend.HeadBlob(context.Background(), "data", "large.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), info.Size)
	assert.Equal(t, "test", info.Metadata["source"])
}

func TestUploadProgressCallbacksSerialized(t *testing.T) {
	backend := newTestBackend(t)
	data := randomData(t, 300*1024)

	// The callback mutates unsynchronized state; the tracker's lock is the
	// only thing keeping this safe under concurrent chunk workers.
	seen := make(map[int64]struct{})
	var prev int64
	up := NewUploader(backend, Options{
		ChunkSize:      32 * 1024,
		MaxConcurrency: 8,
		MaxSingleShot:  1,
		Progress: func(transferred, total int64) {
			seen[transferred] = struct{}{}
			assert.Greater(t, transferred, prev)
			prev = transferred
		},
	})

	err := up.Upload(context.Background(), "data", "racy.bin", bytes.NewReader(data), int64(len(data)), nil)
	require.NoError(t, err)

	assert.Contains(t, seen, int64(len(data)))
	assert.Equal(t, int64(len(data)), prev)
}

func TestUploadSequentialFallback(t *testing.T) {
	backend := newTestBackend(t)
	data := randomData(t, 200*1024)

	up := NewUploader(backend, Options{
		ChunkSize:     64 * 1024,
		MaxSingleShot: 1,
	})

	// Hide ReaderAt so the uploader cannot slice the source.
	stream := struct{ io.Reader }{bytes.NewReader(data)}
	err := up.Upload(context.Background(), "data", "stream.bin", stream, int64(len(data)), nil)
	require.NoError(t, err)

	assert.Equal(t, data, readBack(t, backend, "data", "stream.bin"))
}

func TestUploadUnknownSize(t *testing.T) {
	backend := newTestBackend(t)
	data := randomData(t, 150*1024)

	up := NewUploader(backend, Options{
		ChunkSize: 64 * 1024,
	})

	stream := struct{ io.Reader }{bytes.NewReader(data)}
	err := up.Upload(context.Background(), "data", "unknown.bin", stream, -1, nil)
	require.NoError(t, err)

	assert.Equal(t, data, readBack(t, backend, "data", "unknown.bin"))
}

// failingBackend fails every part upload and records the abort.
type failingBackend struct {
	storage.Backend
	mu      sync.Mutex
	aborted bool
}

func (f *failingBackend) UploadPart(ctx context.Context, container, name, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	return "", errors.New("part store unavailable")
}

func (f *failingBackend) AbortMultipartUpload(ctx context.Context, container, name, uploadID string) error {
	f.mu.Lock()
	f.aborted = true
	f.mu.Unlock()
	return f.Backend.AbortMultipartUpload(ctx, container, name, uploadID)
}

func TestUploadAbortsOnFailure(t *testing.T) {
	inner := newTestBackend(t)
	backend := &failingBackend{Backend: inner}
	data := randomData(t, 200*1024)

	up := NewUploader(backend, Options{
		ChunkSize:     64 * 1024,
		MaxSingleShot: 1,
	})

	err := up.Upload(context.Background(), "data", "doomed.bin", bytes.NewReader(data), int64(len(data)), nil)
	require.Error(t, err)

	backend.mu.Lock()
	aborted := backend.aborted
	backend.mu.Unlock()
	assert.True(t, aborted, "failed upload should be aborted")

	_, err = inner.HeadBlob(context.Background(), "data", "doomed.bin")
	assert.ErrorIs(t, err, storage.ErrBlobNotFound)
}

func TestDownloadParallelChunks(t *testing.T) {
	backend := newTestBackend(t)
	data := randomData(t, 300*1024)
	require.NoError(t, backend.PutBlob(context.Background(), "data", "big.bin", bytes.NewReader(data), int64(len(data)), nil))

	var mu sync.Mutex
	var finalTransferred int64
	down := NewDownloader(backend, Options{
		ChunkSize:      64 * 1024,
		MaxConcurrency: 4,
		Progress: func(transferred, total int64) {
			mu.Lock()
			finalTransferred = transferred
			mu.Unlock()
		},
	})

	dst := &memWriterAt{}
	size, err := down.Download(context.Background(), "data", "big.bin", dst)
	require.NoError(t, err)

	assert.Equal(t, int64(len(data)), size)
	assert.Equal(t, data, dst.buf)
	assert.Equal(t, int64(len(data)), finalTransferred)
}

func TestDownloadSmallBlob(t *testing.T) {
	backend := newTestBackend(t)
	data := []byte("hello transfer")
	require.NoError(t, backend.PutBlob(context.Background(), "data", "tiny.bin", bytes.NewReader(data), int64(len(data)), nil))

	down := NewDownloader(backend, Options{})

	dst := &memWriterAt{}
	size, err := down.Download(context.Background(), "data", "tiny.bin", dst)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)
	assert.Equal(t, data, dst.buf)
}

func TestDownloadMissingBlob(t *testing.T) {
	backend := newTestBackend(t)

	down := NewDownloader(backend, Options{})
	_, err := down.Download(context.Background(), "data", "nope.bin", &memWriterAt{})
	assert.ErrorIs(t, err, storage.ErrBlobNotFound)
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.TransferConfig{
		ChunkSize:      8 * 1024 * 1024,
		MaxConcurrency: 8,
		MaxSingleShot:  128 * 1024 * 1024,
	})
	assert.Equal(t, int64(8*1024*1024), opts.ChunkSize)
	assert.Equal(t, 8, opts.MaxConcurrency)
	assert.Equal(t, int64(128*1024*1024), opts.MaxSingleShot)
}
