package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/meshxdata/blobvault/internal/retry"
	"github.com/meshxdata/blobvault/internal/storage"
)

// Uploader moves blobs into a backend using chunked parallel uploads.
type Uploader struct {
	backend storage.Backend
	opts    Options
}

func NewUploader(backend storage.Backend, opts Options) *Uploader {
	return &Uploader{backend: backend, opts: opts.withDefaults()}
}

// Upload stores the blob. Sources at or below MaxSingleShot go up in a
// single request. Larger sources that implement io.ReaderAt are sliced into
// section readers and uploaded by a worker pool; anything else is read
// sequentially into per-part buffers. size may be -1 when unknown, which
// forces the sequential path.
func (u *Uploader) Upload(ctx context.Context, container, name string, body io.Reader, size int64, metadata map[string]string) error {
	if size >= 0 && size <= u.opts.MaxSingleShot {
		return u.singleShot(ctx, container, name, body, size, metadata)
	}

	if ra, ok := body.(io.ReaderAt); ok && size > 0 {
		return u.parallelUpload(ctx, container, name, ra, size, metadata)
	}

	return u.sequentialUpload(ctx, container, name, body, size, metadata)
}

func (u *Uploader) singleShot(ctx context.Context, container, name string, body io.Reader, size int64, metadata map[string]string) error {
	seeker, seekable := body.(io.ReadSeeker)
	if !seekable {
		// A consumed stream cannot be replayed, so a failed attempt is final.
		if err := u.backend.PutBlob(ctx, container, name, body, size, metadata); err != nil {
			return err
		}
		u.report(size, size)
		return nil
	}

	err := retry.Do(ctx, u.opts.Policy, "upload", func(ctx context.Context) error {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return u.backend.PutBlob(ctx, container, name, seeker, size, metadata)
	})
	if err != nil {
		return err
	}
	u.report(size, size)
	return nil
}

func (u *Uploader) parallelUpload(ctx context.Context, container, name string, src io.ReaderAt, size int64, metadata map[string]string) error {
	uploadID, err := u.backend.InitiateMultipartUpload(ctx, container, name, metadata)
	if err != nil {
		return fmt.Errorf("failed to initiate chunked upload: %w", err)
	}

	numChunks := int((size + u.opts.ChunkSize - 1) / u.opts.ChunkSize)
	logrus.WithFields(logrus.Fields{
		"container": container,
		"blob":      name,
		"uploadId":  uploadID,
		"chunks":    numChunks,
		"size":      size,
	}).Debug("Starting parallel upload")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	progress := newProgressTracker(size, u.opts.Progress)
	parts := make([]storage.CompletedPart, numChunks)
	sem := make(chan struct{}, u.opts.MaxConcurrency)
	errOnce := sync.Once{}
	var firstErr error
	var wg sync.WaitGroup

	for i := 0; i < numChunks; i++ {
		offset := int64(i) * u.opts.ChunkSize
		length := u.opts.ChunkSize
		if offset+length > size {
			length = size - offset
		}
		partNumber := i + 1

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			u.abort(container, name, uploadID)
			if firstErr != nil {
				return firstErr
			}
			return ctx.Err()
		}

		wg.Add(1)
		go func(idx, partNumber int, offset, length int64) {
			defer wg.Done()
			defer func() { <-sem }()

			section := io.NewSectionReader(src, offset, length)
			var etag string
			err := retry.Do(ctx, u.opts.Policy, "upload part", func(ctx context.Context) error {
				if _, err := section.Seek(0, io.SeekStart); err != nil {
					return err
				}
				var err error
				etag, err = u.backend.UploadPart(ctx, container, name, uploadID, partNumber, section, length)
				return err
			})
			if err != nil {
				errOnce.Do(func() {
					firstErr = fmt.Errorf("part %d: %w", partNumber, err)
					cancel()
				})
				return
			}

			parts[idx] = storage.CompletedPart{PartNumber: partNumber, ETag: etag}
			progress.add(length)
		}(i, partNumber, offset, length)
	}

	wg.Wait()

	if firstErr != nil {
		u.abort(container, name, uploadID)
		return firstErr
	}
	if err := ctx.Err(); err != nil {
		u.abort(container, name, uploadID)
		return err
	}

	if err := u.backend.CompleteMultipartUpload(ctx, container, name, uploadID, parts); err != nil {
		u.abort(container, name, uploadID)
		return fmt.Errorf("failed to complete chunked upload: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"container": container,
		"blob":      name,
		"parts":     numChunks,
		"size":      size,
	}).Info("Parallel upload completed")

	return nil
}

func (u *Uploader) sequentialUpload(ctx context.Context, container, name string, body io.Reader, size int64, metadata map[string]string) error {
	uploadID, err := u.backend.InitiateMultipartUpload(ctx, container, name, metadata)
	if err != nil {
		return fmt.Errorf("failed to initiate chunked upload: %w", err)
	}

	progress := newProgressTracker(size, u.opts.Progress)
	var parts []storage.CompletedPart
	partNumber := 1
	buffer := make([]byte, u.opts.ChunkSize)

	for {
		n, readErr := io.ReadFull(body, buffer)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			u.abort(container, name, uploadID)
			return fmt.Errorf("failed to read data: %w", readErr)
		}
		if n > 0 {
			var etag string
			err := retry.Do(ctx, u.opts.Policy, "upload part", func(ctx context.Context) error {
				var err error
				etag, err = u.backend.UploadPart(ctx, container, name, uploadID, partNumber, bytes.NewReader(buffer[:n]), int64(n))
				return err
			})
			if err != nil {
				u.abort(container, name, uploadID)
				return fmt.Errorf("part %d: %w", partNumber, err)
			}

			parts = append(parts, storage.CompletedPart{PartNumber: partNumber, ETag: etag})
			partNumber++
			progress.add(int64(n))
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	if err := u.backend.CompleteMultipartUpload(ctx, container, name, uploadID, parts); err != nil {
		u.abort(container, name, uploadID)
		return fmt.Errorf("failed to complete chunked upload: %w", err)
	}

	return nil
}

func (u *Uploader) abort(container, name, uploadID string) {
	if err := u.backend.AbortMultipartUpload(context.Background(), container, name, uploadID); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"container": container,
			"blob":      name,
			"uploadId":  uploadID,
		}).Warn("Failed to abort chunked upload")
	}
}

func (u *Uploader) report(transferred, total int64) {
	if u.opts.Progress != nil {
		u.opts.Progress(transferred, total)
	}
}
