package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/meshxdata/blobvault/internal/config"
)

// S3Backend stores blobs in any S3-compatible store. Containers map onto
// buckets and chunked uploads onto native multipart uploads.
type S3Backend struct {
	client *s3.S3
	now    func() time.Time
}

func NewS3Backend(cfg *config.S3StorageConfig) (*S3Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("s3 configuration is required")
	}

	awsCfg := aws.NewConfig().
		WithRegion(cfg.Region).
		WithS3ForcePathStyle(cfg.UsePathStyle).
		WithDisableSSL(cfg.DisableSSL)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""))
	}

	opts := session.Options{Config: *awsCfg}
	if cfg.Profile != "" {
		opts.Profile = cfg.Profile
		opts.SharedConfigState = session.SharedConfigEnable
	}
	sess, err := session.NewSessionWithOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"endpoint": cfg.Endpoint,
		"region":   cfg.Region,
	}).Info("S3 backend initialized")

	return &S3Backend{client: s3.New(sess), now: time.Now}, nil
}

func translateS3Error(err error) error {
	if err == nil {
		return nil
	}
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return err
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchBucket:
		return ErrContainerNotFound
	case s3.ErrCodeNoSuchKey, "NotFound":
		return ErrBlobNotFound
	case s3.ErrCodeBucketAlreadyExists, s3.ErrCodeBucketAlreadyOwnedByYou:
		return ErrContainerExists
	case s3.ErrCodeNoSuchUpload:
		return ErrUploadNotFound
	case "InvalidRange":
		return ErrInvalidRange
	default:
		return err
	}
}

func (b *S3Backend) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	out, err := b.client.ListBucketsWithContext(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}

	containers := make([]ContainerInfo, 0, len(out.Buckets))
	for _, bucket := range out.Buckets {
		containers = append(containers, ContainerInfo{
			Name:         aws.StringValue(bucket.Name),
			CreationDate: aws.TimeValue(bucket.CreationDate),
		})
	}
	return containers, nil
}

func (b *S3Backend) CreateContainer(ctx context.Context, container string) error {
	_, err := b.client.CreateBucketWithContext(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(container),
	})
	return translateS3Error(err)
}

func (b *S3Backend) DeleteContainer(ctx context.Context, container string) error {
	_, err := b.client.DeleteBucketWithContext(ctx, &s3.DeleteBucketInput{
		Bucket: aws.String(container),
	})
	return translateS3Error(err)
}

func (b *S3Backend) ContainerExists(ctx context.Context, container string) (bool, error) {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(container),
	})
	if err != nil {
		if translated := translateS3Error(err); errors.Is(translated, ErrContainerNotFound) || errors.Is(translated, ErrBlobNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *S3Backend) ListBlobs(ctx context.Context, container, prefix, marker, delimiter string, maxResults int) (*ListBlobsResult, error) {
	input := &s3.ListObjectsInput{
		Bucket: aws.String(container),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}
	if marker != "" {
		input.Marker = aws.String(marker)
	}
	if delimiter != "" {
		input.Delimiter = aws.String(delimiter)
	}
	if maxResults > 0 {
		input.MaxKeys = aws.Int64(int64(maxResults))
	}

	out, err := b.client.ListObjectsWithContext(ctx, input)
	if err != nil {
		return nil, translateS3Error(err)
	}

	result := &ListBlobsResult{
		Blobs:          make([]BlobInfo, 0, len(out.Contents)),
		CommonPrefixes: make([]string, 0, len(out.CommonPrefixes)),
		IsTruncated:    aws.BoolValue(out.IsTruncated),
		NextMarker:     aws.StringValue(out.NextMarker),
	}
	for _, obj := range out.Contents {
		result.Blobs = append(result.Blobs, BlobInfo{
			Name:         aws.StringValue(obj.Key),
			Size:         aws.Int64Value(obj.Size),
			ETag:         aws.StringValue(obj.ETag),
			LastModified: aws.TimeValue(obj.LastModified),
		})
	}
	for _, p := range out.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, aws.StringValue(p.Prefix))
	}
	if result.IsTruncated && result.NextMarker == "" && len(result.Blobs) > 0 {
		result.NextMarker = result.Blobs[len(result.Blobs)-1].Name
	}
	return result, nil
}

func s3Metadata(metadata map[string]*string) map[string]string {
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[strings.ToLower(k)] = aws.StringValue(v)
	}
	return out
}

func (b *S3Backend) GetBlob(ctx context.Context, container, name string) (*Blob, error) {
	return b.get(ctx, container, name, "")
}

func (b *S3Backend) GetBlobRange(ctx context.Context, container, name string, start, end int64) (*Blob, error) {
	if start < 0 || (end >= 0 && end < start) {
		return nil, ErrInvalidRange
	}
	byteRange := fmt.Sprintf("bytes=%d-", start)
	if end >= 0 {
		byteRange = fmt.Sprintf("bytes=%d-%d", start, end)
	}
	return b.get(ctx, container, name, byteRange)
}

func (b *S3Backend) get(ctx context.Context, container, name, byteRange string) (*Blob, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(name),
	}
	if byteRange != "" {
		input.Range = aws.String(byteRange)
	}

	out, err := b.client.GetObjectWithContext(ctx, input)
	if err != nil {
		return nil, translateS3Error(err)
	}

	return &Blob{
		Body:         out.Body,
		ContentType:  aws.StringValue(out.ContentType),
		Size:         aws.Int64Value(out.ContentLength),
		ETag:         aws.StringValue(out.ETag),
		LastModified: aws.TimeValue(out.LastModified),
		Metadata:     s3Metadata(out.Metadata),
	}, nil
}

func (b *S3Backend) PutBlob(ctx context.Context, container, name string, reader io.Reader, size int64, metadata map[string]string) error {
	// PutObject needs a seekable body for signing; buffer when it is not.
	body, ok := reader.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(reader)
		if err != nil {
			return fmt.Errorf("failed to read blob data: %w", err)
		}
		body = bytes.NewReader(data)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(name),
		Body:   body,
	}
	if len(metadata) > 0 {
		input.Metadata = make(map[string]*string, len(metadata))
		for k, v := range metadata {
			input.Metadata[k] = aws.String(v)
		}
	}
	if ct := metadata["Content-Type"]; ct != "" {
		input.ContentType = aws.String(ct)
	}

	_, err := b.client.PutObjectWithContext(ctx, input)
	return translateS3Error(err)
}

func (b *S3Backend) DeleteBlob(ctx context.Context, container, name string) error {
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(name),
	})
	return translateS3Error(err)
}

func (b *S3Backend) HeadBlob(ctx context.Context, container, name string) (*BlobInfo, error) {
	out, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(name),
	})
	if err != nil {
		return nil, translateS3Error(err)
	}

	return &BlobInfo{
		Name:         name,
		Size:         aws.Int64Value(out.ContentLength),
		ETag:         aws.StringValue(out.ETag),
		LastModified: aws.TimeValue(out.LastModified),
		ContentType:  aws.StringValue(out.ContentType),
		Metadata:     s3Metadata(out.Metadata),
	}, nil
}

func (b *S3Backend) CopyBlob(ctx context.Context, srcContainer, srcName, dstContainer, dstName string) error {
	_, err := b.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstContainer),
		Key:        aws.String(dstName),
		CopySource: aws.String(url.PathEscape(srcContainer + "/" + srcName)),
	})
	return translateS3Error(err)
}

// SnapshotBlob emulates snapshots with a server-side copy under a reserved
// prefix, since S3 has no native snapshot operation.
func (b *S3Backend) SnapshotBlob(ctx context.Context, container, name string) (string, error) {
	snapshotID := b.now().UTC().Format("2006-01-02T15:04:05.0000000Z")
	snapKey := path.Join(snapshotsDir, name, snapshotID)
	if err := b.CopyBlob(ctx, container, name, container, snapKey); err != nil {
		return "", err
	}
	return snapshotID, nil
}

func (b *S3Backend) InitiateMultipartUpload(ctx context.Context, container, name string, metadata map[string]string) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(container),
		Key:    aws.String(name),
	}
	if len(metadata) > 0 {
		input.Metadata = make(map[string]*string, len(metadata))
		for k, v := range metadata {
			input.Metadata[k] = aws.String(v)
		}
	}
	if ct := metadata["Content-Type"]; ct != "" {
		input.ContentType = aws.String(ct)
	}

	out, err := b.client.CreateMultipartUploadWithContext(ctx, input)
	if err != nil {
		return "", translateS3Error(err)
	}
	return aws.StringValue(out.UploadId), nil
}

func (b *S3Backend) UploadPart(ctx context.Context, container, name, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	body, ok := reader.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(reader)
		if err != nil {
			return "", fmt.Errorf("failed to read part data: %w", err)
		}
		body = bytes.NewReader(data)
	}

	out, err := b.client.UploadPartWithContext(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(container),
		Key:        aws.String(name),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int64(int64(partNumber)),
		Body:       body,
	})
	if err != nil {
		return "", translateS3Error(err)
	}
	return aws.StringValue(out.ETag), nil
}

func (b *S3Backend) CompleteMultipartUpload(ctx context.Context, container, name, uploadID string, parts []CompletedPart) error {
	completed := make([]*s3.CompletedPart, 0, len(parts))
	for _, part := range parts {
		completed = append(completed, &s3.CompletedPart{
			PartNumber: aws.Int64(int64(part.PartNumber)),
			ETag:       aws.String(part.ETag),
		})
	}

	_, err := b.client.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(container),
		Key:             aws.String(name),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: completed},
	})
	return translateS3Error(err)
}

func (b *S3Backend) AbortMultipartUpload(ctx context.Context, container, name, uploadID string) error {
	_, err := b.client.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(container),
		Key:      aws.String(name),
		UploadId: aws.String(uploadID),
	})
	return translateS3Error(err)
}

func (b *S3Backend) ListParts(ctx context.Context, container, name, uploadID string, maxParts, partNumberMarker int) (*ListPartsResult, error) {
	input := &s3.ListPartsInput{
		Bucket:   aws.String(container),
		Key:      aws.String(name),
		UploadId: aws.String(uploadID),
	}
	if maxParts > 0 {
		input.MaxParts = aws.Int64(int64(maxParts))
	}
	if partNumberMarker > 0 {
		input.PartNumberMarker = aws.Int64(int64(partNumberMarker))
	}

	out, err := b.client.ListPartsWithContext(ctx, input)
	if err != nil {
		return nil, translateS3Error(err)
	}

	result := &ListPartsResult{
		Container:   container,
		Blob:        name,
		UploadID:    uploadID,
		Parts:       make([]Part, 0, len(out.Parts)),
		IsTruncated: aws.BoolValue(out.IsTruncated),
	}
	for _, part := range out.Parts {
		result.Parts = append(result.Parts, Part{
			PartNumber:   int(aws.Int64Value(part.PartNumber)),
			ETag:         aws.StringValue(part.ETag),
			Size:         aws.Int64Value(part.Size),
			LastModified: aws.TimeValue(part.LastModified),
		})
	}
	return result, nil
}

var _ Backend = (*S3Backend)(nil)
