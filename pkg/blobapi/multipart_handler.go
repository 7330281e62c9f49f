package blobapi

import (
	"encoding/xml"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshxdata/blobvault/internal/storage"
)

type initiateUploadResult struct {
	XMLName   xml.Name `xml:"InitiateUploadResult"`
	Container string   `xml:"Container"`
	Blob      string   `xml:"Blob"`
	UploadID  string   `xml:"UploadId"`
}

func (h *Handler) initiateUpload(w http.ResponseWriter, r *http.Request, container, name string) {
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

	uploadID, err := h.backend.InitiateMultipartUpload(r.Context(), container, name, metadata)
	if err != nil {
		sendBackendError(w, err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"container": container,
		"blob":      name,
		"uploadId":  uploadID,
	}).Debug("Chunked upload initiated")

	writeXML(w, http.StatusOK, initiateUploadResult{
		Container: container,
		Blob:      name,
		UploadID:  uploadID,
	})
}

func (h *Handler) uploadPart(w http.ResponseWriter, r *http.Request, container, name string) {
	uploadID := r.URL.Query().Get("uploadId")
	partNumber, err := strconv.Atoi(r.URL.Query().Get("partNumber"))
	if err != nil || partNumber < 1 {
		sendError(w, CodeInvalidInput, http.StatusBadRequest, "invalid part number")
		return
	}

	etag, err := h.backend.UploadPart(r.Context(), container, name, uploadID, partNumber, r.Body, r.ContentLength)
	if err != nil {
		sendBackendError(w, err)
		return
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

type completeUploadRequest struct {
	XMLName xml.Name           `xml:"CompleteUpload"`
	Parts   []completeUploadIn `xml:"Part"`
}

type completeUploadIn struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

type completeUploadResult struct {
	XMLName   xml.Name `xml:"CompleteUploadResult"`
	Container string   `xml:"Container"`
	Blob      string   `xml:"Blob"`
}

func (h *Handler) completeUpload(w http.ResponseWriter, r *http.Request, container, name string) {
	uploadID := r.URL.Query().Get("uploadId")

	leaseID := r.Header.Get(HeaderLeaseID)
	if err := h.leases.CheckWrite(leaseResource(container, name), leaseID); err != nil {
		sendLeaseGuardError(w, err, leaseID)
		return
	}

	var req completeUploadRequest
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, CodeInvalidInput, http.StatusBadRequest, "malformed part list")
		return
	}
	if len(req.Parts) == 0 {
		sendError(w, CodeInvalidInput, http.StatusBadRequest, "empty part list")
		return
	}

	parts := make([]storage.CompletedPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, storage.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	if err := h.backend.CompleteMultipartUpload(r.Context(), container, name, uploadID, parts); err != nil {
		sendBackendError(w, err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"container": container,
		"blob":      name,
		"uploadId":  uploadID,
		"parts":     len(parts),
	}).Info("Chunked upload completed")

	writeXML(w, http.StatusOK, completeUploadResult{Container: container, Blob: name})
}

func (h *Handler) abortUpload(w http.ResponseWriter, r *http.Request, container, name string) {
	uploadID := r.URL.Query().Get("uploadId")

	if err := h.backend.AbortMultipartUpload(r.Context(), container, name, uploadID); err != nil {
		sendBackendError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type listPartsResult struct {
	XMLName     xml.Name   `xml:"ListPartsResult"`
	Container   string     `xml:"Container"`
	Blob        string     `xml:"Blob"`
	UploadID    string     `xml:"UploadId"`
	IsTruncated bool       `xml:"IsTruncated"`
	Parts       []partItem `xml:"Part"`
}

type partItem struct {
	PartNumber   int    `xml:"PartNumber"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	LastModified string `xml:"LastModified,omitempty"`
}

func (h *Handler) listParts(w http.ResponseWriter, r *http.Request, container, name string) {
	query := r.URL.Query()
	uploadID := query.Get("uploadId")

	maxParts := maxListResults
	if s := query.Get("max-parts"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			sendError(w, CodeInvalidInput, http.StatusBadRequest, "invalid max-parts")
			return
		}
		maxParts = n
	}
	marker := 0
	if s := query.Get("part-number-marker"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			sendError(w, CodeInvalidInput, http.StatusBadRequest, "invalid part-number-marker")
			return
		}
		marker = n
	}

	listing, err := h.backend.ListParts(r.Context(), container, name, uploadID, maxParts, marker)
	if err != nil {
		sendBackendError(w, err)
		return
	}

	result := listPartsResult{
		Container:   container,
		Blob:        name,
		UploadID:    uploadID,
		IsTruncated: listing.IsTruncated,
	}
	for _, p := range listing.Parts {
		item := partItem{
			PartNumber: p.PartNumber,
			ETag:       p.ETag,
			Size:       p.Size,
		}
		if !p.LastModified.IsZero() {
			item.LastModified = p.LastModified.UTC().Format(time.RFC3339)
		}
		result.Parts = append(result.Parts, item)
	}

	writeXML(w, http.StatusOK, result)
}
