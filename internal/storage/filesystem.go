package storage

import (
	"context"
	"crypto/md5" //nolint:gosec // MD5 is only used for ETags
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/meshxdata/blobvault/internal/config"
	"github.com/meshxdata/blobvault/internal/security"
)

const (
	metaSuffix   = ".meta"
	uploadsDir   = ".uploads"
	snapshotsDir = ".snapshots"
)

// FileSystemBackend stores blobs as files under a base directory. Metadata
// lives in JSON sidecars, chunked uploads are staged under .uploads, and
// snapshots under .snapshots.
type FileSystemBackend struct {
	baseDir    string
	bufferPool sync.Pool
	now        func() time.Time
}

// NewFileSystemBackend creates the base directory if needed and initializes
// a buffer pool for file copies.
func NewFileSystemBackend(cfg *config.FileSystemConfig) (*FileSystemBackend, error) {
	if cfg == nil || cfg.BaseDir == "" {
		return nil, fmt.Errorf("base directory is required for filesystem backend")
	}

	if err := os.MkdirAll(cfg.BaseDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileSystemBackend{
		baseDir: cfg.BaseDir,
		bufferPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 1024*1024)
				return &buf
			},
		},
		now: time.Now,
	}, nil
}

// generateETag derives a stable ETag from file identity.
func generateETag(info os.FileInfo) string {
	data := fmt.Sprintf("file_%s_%d_%d", info.Name(), info.Size(), info.ModTime().UnixNano())
	hash := md5.Sum([]byte(data)) //nolint:gosec // MD5 is only used for ETags
	return hex.EncodeToString(hash[:])
}

func (fs *FileSystemBackend) containerPath(container string) (string, error) {
	if err := security.ValidateContainerName(container); err != nil {
		return "", fmt.Errorf("invalid container name: %w", err)
	}
	return security.SecurePath(fs.baseDir, container)
}

func (fs *FileSystemBackend) blobPath(container, name string) (string, error) {
	if err := security.ValidateContainerName(container); err != nil {
		return "", fmt.Errorf("invalid container name: %w", err)
	}
	if err := security.ValidateBlobName(name); err != nil {
		return "", fmt.Errorf("invalid blob name: %w", err)
	}
	return security.SecurePath(fs.baseDir, filepath.Join(container, name))
}

func (fs *FileSystemBackend) uploadPath(container, uploadID string) (string, error) {
	if err := security.ValidateContainerName(container); err != nil {
		return "", fmt.Errorf("invalid container name: %w", err)
	}
	if err := security.ValidateContainerName(uploadID); err != nil {
		return "", fmt.Errorf("invalid upload id: %w", err)
	}
	return security.SecurePath(fs.baseDir, filepath.Join(container, uploadsDir, uploadID))
}

func readMetadata(path string) map[string]string {
	metadata := make(map[string]string)
	if raw, err := os.ReadFile(path + metaSuffix); err == nil { //nolint:gosec // sidecar path is derived from a validated blob path
		_ = json.Unmarshal(raw, &metadata)
	}
	return metadata
}

func writeMetadata(path string, metadata map[string]string) error {
	if len(metadata) == 0 {
		return nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+metaSuffix, raw, 0600); err != nil {
		return fmt.Errorf("failed to write metadata sidecar: %w", err)
	}
	return nil
}

func contentTypeOf(metadata map[string]string) string {
	if ct := metadata["Content-Type"]; ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (fs *FileSystemBackend) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	entries, err := os.ReadDir(fs.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}

	var containers []ContainerInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		containers = append(containers, ContainerInfo{
			Name:         entry.Name(),
			CreationDate: info.ModTime(),
		})
	}

	return containers, nil
}

func (fs *FileSystemBackend) CreateContainer(ctx context.Context, container string) error {
	path, err := fs.containerPath(container)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(path); statErr == nil {
		return ErrContainerExists
	}
	return os.MkdirAll(path, 0750)
}

func (fs *FileSystemBackend) DeleteContainer(ctx context.Context, container string) error {
	path, err := fs.containerPath(container)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return ErrContainerNotFound
	}
	return os.RemoveAll(path)
}

func (fs *FileSystemBackend) ContainerExists(ctx context.Context, container string) (bool, error) {
	path, err := fs.containerPath(container)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func (fs *FileSystemBackend) ListBlobs(ctx context.Context, container, prefix, marker, delimiter string, maxResults int) (*ListBlobsResult, error) {
	containerPath, err := fs.containerPath(container)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(containerPath); os.IsNotExist(statErr) {
		return nil, ErrContainerNotFound
	}
	if maxResults <= 0 {
		maxResults = 1000
	}

	result := &ListBlobsResult{
		Blobs:          make([]BlobInfo, 0),
		CommonPrefixes: make([]string, 0),
	}

	prefixSet := make(map[string]bool)
	count := 0
	lastKey := ""

	err = filepath.Walk(containerPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if count >= maxResults {
			return filepath.SkipAll
		}

		relPath, err := filepath.Rel(containerPath, path)
		if err != nil {
			return nil
		}
		name := filepath.ToSlash(relPath)
		if name == "." {
			return nil
		}

		// Internal bookkeeping stays out of listings.
		if info.IsDir() && (name == uploadsDir || name == snapshotsDir) {
			return filepath.SkipDir
		}
		if info.IsDir() || strings.HasSuffix(name, metaSuffix) {
			return nil
		}

		if prefix != "" && !strings.HasPrefix(name, prefix) {
			return nil
		}
		if marker != "" && name <= marker {
			return nil
		}

		if delimiter != "" {
			afterPrefix := strings.TrimPrefix(name, prefix)
			if idx := strings.Index(afterPrefix, delimiter); idx >= 0 {
				commonPrefix := prefix + afterPrefix[:idx+len(delimiter)]
				if !prefixSet[commonPrefix] {
					prefixSet[commonPrefix] = true
					result.CommonPrefixes = append(result.CommonPrefixes, commonPrefix)
					count++
					lastKey = commonPrefix
				}
				return nil
			}
		}

		metadata := readMetadata(filepath.Join(containerPath, name))
		result.Blobs = append(result.Blobs, BlobInfo{
			Name:         name,
			Size:         info.Size(),
			ETag:         fmt.Sprintf("%q", generateETag(info)),
			LastModified: info.ModTime(),
			ContentType:  contentTypeOf(metadata),
			Metadata:     metadata,
		})
		count++
		lastKey = name
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk container directory: %w", err)
	}

	if count >= maxResults {
		result.IsTruncated = true
		result.NextMarker = lastKey
	}
	return result, nil
}

func (fs *FileSystemBackend) GetBlob(ctx context.Context, container, name string) (*Blob, error) {
	path, err := fs.blobPath(container, name)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat blob: %w", err)
	}
	if info.IsDir() {
		return nil, ErrBlobNotFound
	}

	file, err := os.Open(path) //nolint:gosec // path is validated
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}

	metadata := readMetadata(path)
	return &Blob{
		Body:         file,
		ContentType:  contentTypeOf(metadata),
		Size:         info.Size(),
		ETag:         fmt.Sprintf("%q", generateETag(info)),
		LastModified: info.ModTime(),
		Metadata:     metadata,
	}, nil
}

func (fs *FileSystemBackend) GetBlobRange(ctx context.Context, container, name string, start, end int64) (*Blob, error) {
	path, err := fs.blobPath(container, name)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat blob: %w", err)
	}
	if start < 0 || (end >= 0 && end < start) || start >= info.Size() {
		return nil, ErrInvalidRange
	}
	if end < 0 || end >= info.Size() {
		end = info.Size() - 1
	}

	file, err := os.Open(path) //nolint:gosec // path is validated
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	if _, err := file.Seek(start, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to seek: %w", err)
	}

	rangeSize := end - start + 1
	metadata := readMetadata(path)
	return &Blob{
		Body:         &fileRangeCloser{file: file, reader: io.LimitReader(file, rangeSize)},
		ContentType:  contentTypeOf(metadata),
		Size:         rangeSize,
		ETag:         fmt.Sprintf("%q", generateETag(info)),
		LastModified: info.ModTime(),
		Metadata:     metadata,
	}, nil
}

// fileRangeCloser wraps a limited reader with file closing capability.
type fileRangeCloser struct {
	file   *os.File
	reader io.Reader
}

func (f *fileRangeCloser) Read(p []byte) (int, error) { return f.reader.Read(p) }
func (f *fileRangeCloser) Close() error               { return f.file.Close() }

func (fs *FileSystemBackend) PutBlob(ctx context.Context, container, name string, reader io.Reader, size int64, metadata map[string]string) error {
	containerPath, err := fs.containerPath(container)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(containerPath); os.IsNotExist(statErr) {
		return ErrContainerNotFound
	}

	path, err := fs.blobPath(container, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	file, err := os.Create(path) //nolint:gosec // path is validated
	if err != nil {
		return fmt.Errorf("failed to create blob file: %w", err)
	}
	defer func() { _ = file.Close() }()

	bufPtr := fs.bufferPool.Get().(*[]byte)
	defer fs.bufferPool.Put(bufPtr)

	if _, err := io.CopyBuffer(file, reader, *bufPtr); err != nil {
		return fmt.Errorf("failed to write blob data: %w", err)
	}

	return writeMetadata(path, metadata)
}

func (fs *FileSystemBackend) DeleteBlob(ctx context.Context, container, name string) error {
	path, err := fs.blobPath(container, name)
	if err != nil {
		return err
	}

	err = os.Remove(path)
	if os.IsNotExist(err) {
		// Deleting a missing blob succeeds.
		return nil
	}
	if err != nil {
		return err
	}

	_ = os.Remove(path + metaSuffix)
	fs.cleanupEmptyDirectories(container, filepath.Dir(name))
	return nil
}

// cleanupEmptyDirectories removes empty directories left behind by deletes,
// walking up toward the container root.
func (fs *FileSystemBackend) cleanupEmptyDirectories(container, dirPath string) {
	if dirPath == "" || dirPath == "." || dirPath == "/" {
		return
	}

	fullDirPath, err := fs.blobPath(container, dirPath)
	if err != nil {
		return
	}

	entries, err := os.ReadDir(fullDirPath)
	if err != nil || len(entries) > 0 {
		return
	}

	if err := os.Remove(fullDirPath); err == nil {
		parent := filepath.Dir(dirPath)
		if parent != dirPath {
			fs.cleanupEmptyDirectories(container, parent)
		}
	}
}

func (fs *FileSystemBackend) HeadBlob(ctx context.Context, container, name string) (*BlobInfo, error) {
	path, err := fs.blobPath(container, name)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat blob: %w", err)
	}
	if info.IsDir() {
		return nil, ErrBlobNotFound
	}

	metadata := readMetadata(path)
	return &BlobInfo{
		Name:         name,
		Size:         info.Size(),
		ETag:         fmt.Sprintf("%q", generateETag(info)),
		LastModified: info.ModTime(),
		ContentType:  contentTypeOf(metadata),
		Metadata:     metadata,
	}, nil
}

func (fs *FileSystemBackend) CopyBlob(ctx context.Context, srcContainer, srcName, dstContainer, dstName string) error {
	src, err := fs.GetBlob(ctx, srcContainer, srcName)
	if err != nil {
		return err
	}
	defer func() { _ = src.Body.Close() }()

	return fs.PutBlob(ctx, dstContainer, dstName, src.Body, src.Size, src.Metadata)
}

// SnapshotBlob copies the blob's current content and metadata under
// .snapshots, keyed by a timestamp that doubles as the snapshot ID.
func (fs *FileSystemBackend) SnapshotBlob(ctx context.Context, container, name string) (string, error) {
	src, err := fs.GetBlob(ctx, container, name)
	if err != nil {
		return "", err
	}
	defer func() { _ = src.Body.Close() }()

	snapshotID := fs.now().UTC().Format("2006-01-02T15:04:05.0000000Z")
	snapPath, err := fs.blobPath(container, filepath.Join(snapshotsDir, name, snapshotID))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(snapPath), 0750); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	file, err := os.Create(snapPath) //nolint:gosec // path is validated
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := io.Copy(file, src.Body); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := writeMetadata(snapPath, src.Metadata); err != nil {
		return "", err
	}

	return snapshotID, nil
}

func (fs *FileSystemBackend) InitiateMultipartUpload(ctx context.Context, container, name string, metadata map[string]string) (string, error) {
	containerPath, err := fs.containerPath(container)
	if err != nil {
		return "", err
	}
	if _, statErr := os.Stat(containerPath); os.IsNotExist(statErr) {
		return "", ErrContainerNotFound
	}

	uploadID := fmt.Sprintf("upload-%d", fs.now().UnixNano())
	uploadDir, err := fs.uploadPath(container, uploadID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(uploadDir, 0750); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}

	// The target name and metadata are recorded with the staged parts so
	// completion does not have to trust the caller to repeat them.
	manifest := map[string]string{"blob-name": name}
	for k, v := range metadata {
		manifest["meta-"+k] = v
	}
	if err := writeMetadata(filepath.Join(uploadDir, "manifest"), manifest); err != nil {
		return "", err
	}

	return uploadID, nil
}

func (fs *FileSystemBackend) UploadPart(ctx context.Context, container, name, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	uploadDir, err := fs.uploadPath(container, uploadID)
	if err != nil {
		return "", err
	}
	if _, statErr := os.Stat(uploadDir); os.IsNotExist(statErr) {
		return "", ErrUploadNotFound
	}

	partPath := filepath.Join(uploadDir, fmt.Sprintf("part-%d", partNumber))
	file, err := os.Create(partPath) //nolint:gosec // path is validated
	if err != nil {
		return "", fmt.Errorf("failed to create part file: %w", err)
	}
	defer func() { _ = file.Close() }()

	bufPtr := fs.bufferPool.Get().(*[]byte)
	defer fs.bufferPool.Put(bufPtr)

	hasher := md5.New() //nolint:gosec // MD5 is only used for ETags
	if _, err := io.CopyBuffer(io.MultiWriter(file, hasher), reader, *bufPtr); err != nil {
		return "", fmt.Errorf("failed to write part data: %w", err)
	}

	return fmt.Sprintf("%q", hex.EncodeToString(hasher.Sum(nil))), nil
}

func (fs *FileSystemBackend) CompleteMultipartUpload(ctx context.Context, container, name, uploadID string, parts []CompletedPart) error {
	uploadDir, err := fs.uploadPath(container, uploadID)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(uploadDir); os.IsNotExist(statErr) {
		return ErrUploadNotFound
	}

	path, err := fs.blobPath(container, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	file, err := os.Create(path) //nolint:gosec // path is validated
	if err != nil {
		return fmt.Errorf("failed to create blob file: %w", err)
	}
	defer func() { _ = file.Close() }()

	for _, part := range parts {
		partPath := filepath.Join(uploadDir, fmt.Sprintf("part-%d", part.PartNumber))
		partFile, err := os.Open(partPath) //nolint:gosec // path is validated
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("part %d: %w", part.PartNumber, ErrUploadNotFound)
			}
			return fmt.Errorf("failed to open part %d: %w", part.PartNumber, err)
		}

		bufPtr := fs.bufferPool.Get().(*[]byte)
		_, err = io.CopyBuffer(file, partFile, *bufPtr)
		_ = partFile.Close()
		fs.bufferPool.Put(bufPtr)
		if err != nil {
			return fmt.Errorf("failed to copy part %d: %w", part.PartNumber, err)
		}
	}

	// Restore the metadata recorded at initiation.
	manifest := readMetadata(filepath.Join(uploadDir, "manifest"))
	metadata := make(map[string]string)
	for k, v := range manifest {
		if strings.HasPrefix(k, "meta-") {
			metadata[strings.TrimPrefix(k, "meta-")] = v
		}
	}
	if err := writeMetadata(path, metadata); err != nil {
		return err
	}

	return os.RemoveAll(uploadDir)
}

func (fs *FileSystemBackend) AbortMultipartUpload(ctx context.Context, container, name, uploadID string) error {
	uploadDir, err := fs.uploadPath(container, uploadID)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(uploadDir); os.IsNotExist(statErr) {
		return ErrUploadNotFound
	}
	return os.RemoveAll(uploadDir)
}

func (fs *FileSystemBackend) ListParts(ctx context.Context, container, name, uploadID string, maxParts, partNumberMarker int) (*ListPartsResult, error) {
	uploadDir, err := fs.uploadPath(container, uploadID)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(uploadDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrUploadNotFound
		}
		return nil, fmt.Errorf("failed to read upload directory: %w", err)
	}
	if maxParts <= 0 {
		maxParts = 1000
	}

	result := &ListPartsResult{
		Container: container,
		Blob:      name,
		UploadID:  uploadID,
		Parts:     make([]Part, 0),
	}

	count := 0
	for _, entry := range entries {
		if count >= maxParts {
			break
		}
		var partNumber int
		if _, err := fmt.Sscanf(entry.Name(), "part-%d", &partNumber); err != nil {
			continue
		}
		if partNumber <= partNumberMarker {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		etag, err := fs.partETag(filepath.Join(uploadDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		result.Parts = append(result.Parts, Part{
			PartNumber:   partNumber,
			ETag:         etag,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		count++
	}

	result.IsTruncated = count >= maxParts
	return result, nil
}

// partETag recomputes the ETag handed out by UploadPart from the staged file.
func (fs *FileSystemBackend) partETag(path string) (string, error) {
	file, err := os.Open(path) //nolint:gosec // path is validated
	if err != nil {
		return "", fmt.Errorf("failed to open part file: %w", err)
	}
	defer func() { _ = file.Close() }()

	bufPtr := fs.bufferPool.Get().(*[]byte)
	defer fs.bufferPool.Put(bufPtr)

	hasher := md5.New() //nolint:gosec // MD5 is only used for ETags
	if _, err := io.CopyBuffer(hasher, file, *bufPtr); err != nil {
		return "", fmt.Errorf("failed to hash part file: %w", err)
	}
	return fmt.Sprintf("%q", hex.EncodeToString(hasher.Sum(nil))), nil
}

var _ Backend = (*FileSystemBackend)(nil)
