package blobapi

import (
	"encoding/xml"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

const maxListResults = 1000

type listContainersResult struct {
	XMLName    xml.Name        `xml:"ListContainersResult"`
	Containers []containerItem `xml:"Containers>Container"`
}

type containerItem struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

func (h *Handler) listContainers(w http.ResponseWriter, r *http.Request) {
	containers, err := h.backend.ListContainers(r.Context())
	if err != nil {
		sendBackendError(w, err)
		return
	}

	result := listContainersResult{}
	for _, c := range containers {
		result.Containers = append(result.Containers, containerItem{
			Name:         c.Name,
			CreationDate: c.CreationDate.UTC().Format(time.RFC3339),
		})
	}

	writeXML(w, http.StatusOK, result)
}

func (h *Handler) createContainer(w http.ResponseWriter, r *http.Request, container string) {
	if err := h.backend.CreateContainer(r.Context(), container); err != nil {
		sendBackendError(w, err)
		return
	}

	logrus.WithField("container", container).Info("Container created")
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) deleteContainer(w http.ResponseWriter, r *http.Request, container string) {
	leaseID := r.Header.Get(HeaderLeaseID)
	if err := h.leases.CheckWrite(container, leaseID); err != nil {
		sendLeaseGuardError(w, err, leaseID)
		return
	}

	if err := h.backend.DeleteContainer(r.Context(), container); err != nil {
		sendBackendError(w, err)
		return
	}

	logrus.WithField("container", container).Info("Container deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) headContainer(w http.ResponseWriter, r *http.Request, container string) {
	exists, err := h.backend.ContainerExists(r.Context(), container)
	if err != nil {
		sendBackendError(w, err)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type listBlobsResult struct {
	XMLName        xml.Name       `xml:"ListBlobsResult"`
	Container      string         `xml:"Container"`
	Prefix         string         `xml:"Prefix,omitempty"`
	Marker         string         `xml:"Marker,omitempty"`
	Delimiter      string         `xml:"Delimiter,omitempty"`
	MaxResults     int            `xml:"MaxResults"`
	IsTruncated    bool           `xml:"IsTruncated"`
	NextMarker     string         `xml:"NextMarker,omitempty"`
	Blobs          []blobItem     `xml:"Blobs>Blob"`
	CommonPrefixes []commonPrefix `xml:"CommonPrefixes,omitempty"`
}

type blobItem struct {
	Name         string `xml:"Name"`
	Size         int64  `xml:"Size"`
	ETag         string `xml:"ETag"`
	LastModified string `xml:"LastModified"`
	ContentType  string `xml:"ContentType,omitempty"`
}

type commonPrefix struct {
	Prefix string `xml:"Prefix"`
}

func (h *Handler) listBlobs(w http.ResponseWriter, r *http.Request, container string) {
	query := r.URL.Query()
	prefix := query.Get("prefix")
	marker := query.Get("marker")
	delimiter := query.Get("delimiter")

	maxResults := maxListResults
	if s := query.Get("max-results"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			sendError(w, CodeInvalidInput, http.StatusBadRequest, "invalid max-results")
			return
		}
		if n < maxResults {
			maxResults = n
		}
	}

	listing, err := h.backend.ListBlobs(r.Context(), container, prefix, marker, delimiter, maxResults)
	if err != nil {
		sendBackendError(w, err)
		return
	}

	result := listBlobsResult{
		Container:   container,
		Prefix:      prefix,
		Marker:      marker,
		Delimiter:   delimiter,
		MaxResults:  maxResults,
		IsTruncated: listing.IsTruncated,
		NextMarker:  listing.NextMarker,
	}
	for _, b := range listing.Blobs {
		result.Blobs = append(result.Blobs, blobItem{
			Name:         b.Name,
			Size:         b.Size,
			ETag:         b.ETag,
			LastModified: b.LastModified.UTC().Format(time.RFC3339),
			ContentType:  b.ContentType,
		})
	}
	for _, p := range listing.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, commonPrefix{Prefix: p})
	}

	writeXML(w, http.StatusOK, result)
}

func writeXML(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)

	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(v); err != nil {
		logrus.WithError(err).Error("Failed to encode XML response")
	}
}
