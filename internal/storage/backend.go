// Package storage defines the blob backend contract and its implementations:
// local filesystem, Azure Blob Storage, and S3-compatible stores, plus an
// envelope-encrypting wrapper that composes over any of them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/meshxdata/blobvault/internal/config"
)

// Sentinel errors backends translate provider failures into. Handlers map
// these onto wire error codes.
var (
	ErrContainerNotFound = errors.New("container not found")
	ErrContainerExists   = errors.New("container already exists")
	ErrBlobNotFound      = errors.New("blob not found")
	ErrInvalidRange      = errors.New("requested range not satisfiable")
	ErrUploadNotFound    = errors.New("upload not found")
)

// ContainerInfo describes a container in a listing.
type ContainerInfo struct {
	Name         string
	CreationDate time.Time
}

// Blob is a retrieved blob. Body must be closed by the caller.
type Blob struct {
	Body         io.ReadCloser
	ContentType  string
	Size         int64
	ETag         string
	LastModified time.Time
	Metadata     map[string]string
}

// BlobInfo describes a blob without its content.
type BlobInfo struct {
	Name         string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
}

// ListBlobsResult is one page of a blob listing.
type ListBlobsResult struct {
	Blobs          []BlobInfo
	CommonPrefixes []string
	IsTruncated    bool
	NextMarker     string
}

// CompletedPart identifies a finished part when completing a chunked upload.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// Part describes a staged part of an in-progress chunked upload.
type Part struct {
	PartNumber   int
	ETag         string
	Size         int64
	LastModified time.Time
}

// ListPartsResult lists the staged parts of a chunked upload.
type ListPartsResult struct {
	Container   string
	Blob        string
	UploadID    string
	Parts       []Part
	IsTruncated bool
}

// Backend is the storage contract every provider implements.
type Backend interface {
	ListContainers(ctx context.Context) ([]ContainerInfo, error)
	CreateContainer(ctx context.Context, container string) error
	DeleteContainer(ctx context.Context, container string) error
	ContainerExists(ctx context.Context, container string) (bool, error)

	ListBlobs(ctx context.Context, container, prefix, marker, delimiter string, maxResults int) (*ListBlobsResult, error)
	GetBlob(ctx context.Context, container, name string) (*Blob, error)
	// GetBlobRange reads the byte range [start, end]. A negative end means
	// through the end of the blob.
	GetBlobRange(ctx context.Context, container, name string, start, end int64) (*Blob, error)
	PutBlob(ctx context.Context, container, name string, reader io.Reader, size int64, metadata map[string]string) error
	DeleteBlob(ctx context.Context, container, name string) error
	HeadBlob(ctx context.Context, container, name string) (*BlobInfo, error)
	CopyBlob(ctx context.Context, srcContainer, srcName, dstContainer, dstName string) error
	SnapshotBlob(ctx context.Context, container, name string) (string, error)

	InitiateMultipartUpload(ctx context.Context, container, name string, metadata map[string]string) (string, error)
	UploadPart(ctx context.Context, container, name, uploadID string, partNumber int, reader io.Reader, size int64) (string, error)
	CompleteMultipartUpload(ctx context.Context, container, name, uploadID string, parts []CompletedPart) error
	AbortMultipartUpload(ctx context.Context, container, name, uploadID string) error
	ListParts(ctx context.Context, container, name, uploadID string, maxParts, partNumberMarker int) (*ListPartsResult, error)
}

// NewBackend builds the backend selected by configuration.
func NewBackend(cfg *config.StorageConfig) (Backend, error) {
	switch cfg.Provider {
	case "filesystem":
		return NewFileSystemBackend(cfg.FileSystem)
	case "azure":
		return NewAzureBackend(cfg.Azure)
	case "s3":
		return NewS3Backend(cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Provider)
	}
}
