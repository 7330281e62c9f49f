package blobapi

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

func (h *Handler) getBlob(w http.ResponseWriter, r *http.Request, container, name string) {
	ctx := r.Context()

	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" {
		h.getBlobRange(w, r, container, name, rangeHeader)
		return
	}

	blob, err := h.backend.GetBlob(ctx, container, name)
	if err != nil {
		sendBackendError(w, err)
		return
	}
	defer blob.Body.Close()

	h.writeBlobHeaders(w, container, name, blob.ContentType, blob.Size, blob.ETag, blob.LastModified, blob.Metadata)
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, blob.Body); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"container": container,
			"blob":      name,
		}).Warn("Blob download interrupted")
	}
}

func (h *Handler) getBlobRange(w http.ResponseWriter, r *http.Request, container, name, rangeHeader string) {
	start, end, err := parseRange(rangeHeader)
	if err != nil {
		sendError(w, CodeInvalidRange, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}

	blob, err := h.backend.GetBlobRange(r.Context(), container, name, start, end)
	if err != nil {
		sendBackendError(w, err)
		return
	}
	defer blob.Body.Close()

	h.writeBlobHeaders(w, container, name, blob.ContentType, blob.Size, blob.ETag, blob.LastModified, blob.Metadata)
	if end < 0 || end >= start+blob.Size {
		end = start + blob.Size - 1
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", start, end))
	w.WriteHeader(http.StatusPartialContent)

	if _, err := io.Copy(w, blob.Body); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"container": container,
			"blob":      name,
		}).Warn("Ranged download interrupted")
	}
}

// parseRange handles "bytes=start-end", "bytes=start-" and "bytes=-suffix".
// A suffix range is returned as (-suffix, -1) for the backend to resolve
// against the blob size; we reject it here since backends take absolute
// offsets.
func parseRange(header string) (start, end int64, err error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("unsupported range unit")
	}
	if strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("multiple ranges not supported")
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed range")
	}
	if startStr == "" {
		return 0, 0, fmt.Errorf("suffix ranges not supported")
	}

	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("malformed range start")
	}

	if endStr == "" {
		return start, -1, nil
	}
	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return 0, 0, fmt.Errorf("malformed range end")
	}
	return start, end, nil
}

func (h *Handler) headBlob(w http.ResponseWriter, r *http.Request, container, name string) {
	info, err := h.backend.HeadBlob(r.Context(), container, name)
	if err != nil {
		sendBackendError(w, err)
		return
	}

	h.writeBlobHeaders(w, container, name, info.ContentType, info.Size, info.ETag, info.LastModified, info.Metadata)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeBlobHeaders(w http.ResponseWriter, container, name, contentType string, size int64, etag string, lastModified time.Time, metadata map[string]string) {
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	if etag != "" {
		w.Header().Set("ETag", etag)
	}
	if !lastModified.IsZero() {
		w.Header().Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	}
	for k, v := range metadata {
		if k == "Content-Type" {
			continue
		}
		w.Header().Set(HeaderMetaPrefix+k, v)
	}
	w.Header().Set(HeaderLeaseState, string(h.leases.Status(leaseResource(container, name))))
}

// metadataFromHeaders collects x-bv-meta-* headers into blob metadata.
func metadataFromHeaders(header http.Header) map[string]string {
	var metadata map[string]string
	for k, v := range header {
		if len(v) == 0 {
			continue
		}
		if key, ok := strings.CutPrefix(http.CanonicalHeaderKey(k), HeaderMetaPrefix); ok {
			if metadata == nil {
				metadata = make(map[string]string)
			}
			metadata[strings.ToLower(key)] = v[0]
		}
	}
	return metadata
}

func (h *Handler) putBlob(w http.ResponseWriter, r *http.Request, container, name string) {
	leaseID := r.Header.Get(HeaderLeaseID)
	if err := h.leases.CheckWrite(leaseResource(container, name), leaseID); err != nil {
		sendLeaseGuardError(w, err, leaseID)
		return
	}

	metadata := metadataFromHeaders(r.Header)
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if metadata == nil {
			metadata = make(map[string]string)
		}
		metadata["Content-Type"] = ct
	}

	if err := h.backend.PutBlob(r.Context(), container, name, r.Body, r.ContentLength, metadata); err != nil {
		sendBackendError(w, err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"container": container,
		"blob":      name,
		"size":      r.ContentLength,
	}).Debug("Blob stored")
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) deleteBlob(w http.ResponseWriter, r *http.Request, container, name string) {
	leaseID := r.Header.Get(HeaderLeaseID)
	if err := h.leases.CheckWrite(leaseResource(container, name), leaseID); err != nil {
		sendLeaseGuardError(w, err, leaseID)
		return
	}

	if err := h.backend.DeleteBlob(r.Context(), container, name); err != nil {
		sendBackendError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) copyBlob(w http.ResponseWriter, r *http.Request, container, name string) {
	srcContainer, srcName := splitResource(r.Header.Get(HeaderCopySource))
	if srcContainer == "" || srcName == "" {
		sendError(w, CodeInvalidInput, http.StatusBadRequest, "malformed copy source")
		return
	}

	leaseID := r.Header.Get(HeaderLeaseID)
	if err := h.leases.CheckWrite(leaseResource(container, name), leaseID); err != nil {
		sendLeaseGuardError(w, err, leaseID)
		return
	}

	if err := h.backend.CopyBlob(r.Context(), srcContainer, srcName, container, name); err != nil {
		sendBackendError(w, err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"source": srcContainer + "/" + srcName,
		"target": container + "/" + name,
	}).Info("Blob copied")
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) snapshotBlob(w http.ResponseWriter, r *http.Request, container, name string) {
	leaseID := r.Header.Get(HeaderLeaseID)
	if err := h.leases.CheckWrite(leaseResource(container, name), leaseID); err != nil {
		sendLeaseGuardError(w, err, leaseID)
		return
	}

	snapshot, err := h.backend.SnapshotBlob(r.Context(), container, name)
	if err != nil {
		sendBackendError(w, err)
		return
	}

	w.Header().Set(HeaderSnapshot, snapshot)
	w.WriteHeader(http.StatusCreated)
}
