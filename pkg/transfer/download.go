package transfer

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/meshxdata/blobvault/internal/retry"
	"github.com/meshxdata/blobvault/internal/storage"
)

// Downloader pulls blobs out of a backend using ranged parallel reads.
type Downloader struct {
	backend storage.Backend
	opts    Options
}

func NewDownloader(backend storage.Backend, opts Options) *Downloader {
	return &Downloader{backend: backend, opts: opts.withDefaults()}
}

// Download fetches the blob into dst. Each chunk is a ranged read written at
// its byte offset, so chunks complete in any order. Returns the blob size.
func (d *Downloader) Download(ctx context.Context, container, name string, dst io.WriterAt) (int64, error) {
	info, err := d.backend.HeadBlob(ctx, container, name)
	if err != nil {
		return 0, err
	}
	size := info.Size

	if size == 0 {
		d.reportDone(size)
		return 0, nil
	}

	if size <= d.opts.ChunkSize {
		if err := d.downloadChunk(ctx, container, name, dst, 0, size-1); err != nil {
			return 0, err
		}
		d.reportDone(size)
		return size, nil
	}

	numChunks := int((size + d.opts.ChunkSize - 1) / d.opts.ChunkSize)
	logrus.WithFields(logrus.Fields{
		"container": container,
		"blob":      name,
		"chunks":    numChunks,
		"size":      size,
	}).Debug("Starting parallel download")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	progress := newProgressTracker(size, d.opts.Progress)
	sem := make(chan struct{}, d.opts.MaxConcurrency)
	errOnce := sync.Once{}
	var firstErr error
	var wg sync.WaitGroup

	for i := 0; i < numChunks; i++ {
		start := int64(i) * d.opts.ChunkSize
		end := start + d.opts.ChunkSize - 1
		if end >= size {
			end = size - 1
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			if firstErr != nil {
				return 0, firstErr
			}
			return 0, ctx.Err()
		}

		wg.Add(1)
		go func(start, end int64) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := d.downloadChunk(ctx, container, name, dst, start, end); err != nil {
				errOnce.Do(func() {
					firstErr = fmt.Errorf("range %d-%d: %w", start, end, err)
					cancel()
				})
				return
			}
			progress.add(end - start + 1)
		}(start, end)
	}

	wg.Wait()

	if firstErr != nil {
		return 0, firstErr
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return size, nil
}

// downloadChunk fetches one byte range with retries. Each attempt restarts
// the write at the chunk's base offset, so a torn copy is simply rewritten.
func (d *Downloader) downloadChunk(ctx context.Context, container, name string, dst io.WriterAt, start, end int64) error {
	return retry.Do(ctx, d.opts.Policy, "download chunk", func(ctx context.Context) error {
		blob, err := d.backend.GetBlobRange(ctx, container, name, start, end)
		if err != nil {
			return err
		}
		defer blob.Body.Close()

		_, err = io.Copy(&sectionWriter{w: dst, off: start}, blob.Body)
		return err
	})
}

// sectionWriter adapts an io.WriterAt to io.Writer starting at a fixed offset.
type sectionWriter struct {
	w   io.WriterAt
	off int64
}

func (sw *sectionWriter) Write(p []byte) (int, error) {
	n, err := sw.w.WriteAt(p, sw.off)
	sw.off += int64(n)
	return n, err
}

func (d *Downloader) reportDone(size int64) {
	if d.opts.Progress != nil {
		d.opts.Progress(size, size)
	}
}
