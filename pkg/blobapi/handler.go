// Package blobapi provides the REST API handlers for the blob store:
// container and blob CRUD, leases, chunked uploads, snapshots and signed
// access token issuance.
package blobapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/meshxdata/blobvault/internal/auth"
	"github.com/meshxdata/blobvault/internal/lease"
	"github.com/meshxdata/blobvault/internal/sas"
	"github.com/meshxdata/blobvault/internal/security"
	"github.com/meshxdata/blobvault/internal/storage"
)

// Request and response headers of the wire contract.
const (
	HeaderLeaseID          = "X-Bv-Lease-Id"
	HeaderLeaseAction      = "X-Bv-Lease-Action"
	HeaderLeaseDuration    = "X-Bv-Lease-Duration"
	HeaderProposedLeaseID  = "X-Bv-Proposed-Lease-Id"
	HeaderLeaseBreakPeriod = "X-Bv-Lease-Break-Period"
	HeaderLeaseTime        = "X-Bv-Lease-Time"
	HeaderLeaseState       = "X-Bv-Lease-State"
	HeaderCopySource       = "X-Bv-Copy-Source"
	HeaderSnapshot         = "X-Bv-Snapshot"
	HeaderMetaPrefix       = "X-Bv-Meta-"
)

// Handler serves the blob REST API.
type Handler struct {
	backend storage.Backend
	auth    auth.Provider
	leases  *lease.Manager
	signer  *sas.Signer
	router  *mux.Router
}

// NewHandler wires the API surface. signer may be nil to disable signed
// access tokens.
func NewHandler(backend storage.Backend, authProvider auth.Provider, leases *lease.Manager, signer *sas.Signer) *Handler {
	h := &Handler{
		backend: backend,
		auth:    authProvider,
		leases:  leases,
		signer:  signer,
		router:  mux.NewRouter(),
	}
	// Blob names may contain dot segments; validation rejects traversal, so
	// the paths must reach the handlers uncleaned.
	h.router.SkipClean(true)
	h.setupRoutes()
	return h
}

func (h *Handler) setupRoutes() {
	// Account operations
	h.router.HandleFunc("/", h.listContainers).Methods("GET").MatcherFunc(rootMatcher)
	h.router.HandleFunc("/_sas", h.issueToken).Methods("POST")

	// Container operations
	h.router.HandleFunc("/{container}", h.handleContainer).Methods("GET", "PUT", "DELETE", "HEAD", "POST")
	h.router.HandleFunc("/{container}/", h.handleContainer).Methods("GET", "PUT", "DELETE", "HEAD", "POST")

	// Blob operations
	h.router.HandleFunc("/{container}/{blob:.+}", h.handleBlob).Methods("GET", "PUT", "DELETE", "HEAD", "POST")
}

func rootMatcher(r *http.Request, rm *mux.RouteMatch) bool {
	return r.URL.Path == "/" || r.URL.Path == ""
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

	if err := h.authenticate(r); err != nil {
		logrus.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err,
		}).Warn("Request authentication failed")
		sendAuthError(wrapped, err)
		return
	}

	h.router.ServeHTTP(wrapped, r)

	logrus.WithFields(logrus.Fields{
		"method":   r.Method,
		"path":     r.URL.Path,
		"status":   wrapped.statusCode,
		"duration": time.Since(start),
	}).Debug("Request completed")
}

// authenticate accepts either a signed access token in the query string or
// the configured request auth scheme. Token issuance itself always requires
// account credentials: a signed token must not be able to mint new tokens.
func (h *Handler) authenticate(r *http.Request) error {
	container, blob := splitResource(r.URL.Path)
	if h.signer != nil && container != "_sas" && sas.IsToken(r.URL.Query()) {
		return h.signer.Verify(r.URL.Query(), sas.Request{
			Container:  container,
			Blob:       blob,
			Permission: permissionFor(r),
		})
	}
	return h.auth.Authenticate(r)
}

// permissionFor maps a request to the token permission it requires.
func permissionFor(r *http.Request) byte {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		_, blob := splitResource(r.URL.Path)
		if blob == "" {
			return 'l'
		}
		return 'r'
	case http.MethodDelete:
		return 'd'
	default:
		return 'w'
	}
}

func splitResource(path string) (container, blob string) {
	trimmed := path
	for len(trimmed) > 0 && trimmed[0] == '/' {
		trimmed = trimmed[1:]
	}
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] == '/' {
			return trimmed[:i], trimmed[i+1:]
		}
	}
	return trimmed, ""
}

// leaseResource names the lease scope of a blob.
func leaseResource(container, blob string) string {
	return container + "/" + blob
}

func (h *Handler) handleContainer(w http.ResponseWriter, r *http.Request) {
	container := mux.Vars(r)["container"]
	if err := security.ValidateContainerName(container); err != nil {
		sendError(w, CodeInvalidInput, http.StatusBadRequest, err.Error())
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.listBlobs(w, r, container)
	case http.MethodPut:
		h.createContainer(w, r, container)
	case http.MethodDelete:
		h.deleteContainer(w, r, container)
	case http.MethodHead:
		h.headContainer(w, r, container)
	case http.MethodPost:
		if r.URL.Query().Get("comp") == "lease" {
			h.handleContainerLease(w, r, container)
			return
		}
		sendError(w, CodeInvalidInput, http.StatusBadRequest, "unsupported operation")
	}
}

func (h *Handler) handleBlob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	container, blob := vars["container"], vars["blob"]
	if err := security.ValidateContainerName(container); err != nil {
		sendError(w, CodeInvalidInput, http.StatusBadRequest, err.Error())
		return
	}
	if err := security.ValidateBlobName(blob); err != nil {
		sendError(w, CodeInvalidInput, http.StatusBadRequest, err.Error())
		return
	}

	query := r.URL.Query()

	switch r.Method {
	case http.MethodGet:
		if query.Get("uploadId") != "" {
			h.listParts(w, r, container, blob)
			return
		}
		h.getBlob(w, r, container, blob)
	case http.MethodHead:
		h.headBlob(w, r, container, blob)
	case http.MethodPut:
		if query.Get("uploadId") != "" {
			h.uploadPart(w, r, container, blob)
			return
		}
		if r.Header.Get(HeaderCopySource) != "" {
			h.copyBlob(w, r, container, blob)
			return
		}
		h.putBlob(w, r, container, blob)
	case http.MethodDelete:
		if query.Get("uploadId") != "" {
			h.abortUpload(w, r, container, blob)
			return
		}
		h.deleteBlob(w, r, container, blob)
	case http.MethodPost:
		switch {
		case query.Has("uploads"):
			h.initiateUpload(w, r, container, blob)
		case query.Get("uploadId") != "":
			h.completeUpload(w, r, container, blob)
		case query.Get("comp") == "lease":
			h.handleLease(w, r, container, blob)
		case query.Get("comp") == "snapshot":
			h.snapshotBlob(w, r, container, blob)
		default:
			sendError(w, CodeInvalidInput, http.StatusBadRequest, "unsupported operation")
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
