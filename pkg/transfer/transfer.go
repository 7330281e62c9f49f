// Package transfer implements chunked parallel uploads and downloads on top
// of a storage backend. Large seekable sources are sliced into section
// readers and moved by a bounded worker pool; unseekable streams fall back
// to sequential part uploads.
package transfer

import (
	"sync"

	"github.com/meshxdata/blobvault/internal/config"
	"github.com/meshxdata/blobvault/internal/retry"
)

const (
	defaultChunkSize      = 4 * 1024 * 1024
	defaultMaxConcurrency = 4
	defaultMaxSingleShot  = 64 * 1024 * 1024
)

// Progress receives transfer progress. total is -1 when the source size is
// unknown. Callbacks are serialized; implementations need not lock.
type Progress func(transferred, total int64)

// Options tunes the transfer engine.
type Options struct {
	// ChunkSize is the size of each uploaded or downloaded part.
	ChunkSize int64
	// MaxConcurrency caps in-flight part transfers.
	MaxConcurrency int
	// MaxSingleShot is the largest blob uploaded in a single request
	// instead of a chunked upload.
	MaxSingleShot int64
	// Policy is applied per chunk. Defaults to exponential backoff.
	Policy   retry.Policy
	Progress Progress
}

// OptionsFromConfig maps the transfer config section onto engine options.
func OptionsFromConfig(cfg config.TransferConfig) Options {
	return Options{
		ChunkSize:      cfg.ChunkSize,
		MaxConcurrency: cfg.MaxConcurrency,
		MaxSingleShot:  cfg.MaxSingleShot,
	}
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = defaultChunkSize
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = defaultMaxConcurrency
	}
	if o.MaxSingleShot <= 0 {
		o.MaxSingleShot = defaultMaxSingleShot
	}
	if o.Policy == nil {
		o.Policy = retry.DefaultExponential()
	}
	return o
}

// progressTracker serializes progress callbacks from concurrent workers.
type progressTracker struct {
	mu          sync.Mutex
	transferred int64
	total       int64
	fn          Progress
}

func newProgressTracker(total int64, fn Progress) *progressTracker {
	return &progressTracker{total: total, fn: fn}
}

func (p *progressTracker) add(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.transferred += n
	if p.fn != nil {
		p.fn(p.transferred, p.total)
	}
}
