package blobapi

import (
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/meshxdata/blobvault/internal/lease"
)

// handleLease dispatches a blob lease action named in the request header.
func (h *Handler) handleLease(w http.ResponseWriter, r *http.Request, container, name string) {
	// A lease guards a blob that must exist.
	if _, err := h.backend.HeadBlob(r.Context(), container, name); err != nil {
		sendBackendError(w, err)
		return
	}
	h.dispatchLease(w, r, leaseResource(container, name))
}

// handleContainerLease dispatches a lease action against the container
// itself, guarding container deletion.
func (h *Handler) handleContainerLease(w http.ResponseWriter, r *http.Request, container string) {
	exists, err := h.backend.ContainerExists(r.Context(), container)
	if err != nil {
		sendBackendError(w, err)
		return
	}
	if !exists {
		sendError(w, CodeNoSuchContainer, http.StatusNotFound, "container does not exist")
		return
	}
	h.dispatchLease(w, r, container)
}

func (h *Handler) dispatchLease(w http.ResponseWriter, r *http.Request, resource string) {
	switch r.Header.Get(HeaderLeaseAction) {
	case "acquire":
		h.acquireLease(w, r, resource)
	case "renew":
		h.renewLease(w, r, resource)
	case "change":
		h.changeLease(w, r, resource)
	case "release":
		h.releaseLease(w, r, resource)
	case "break":
		h.breakLease(w, r, resource)
	default:
		sendError(w, CodeInvalidInput, http.StatusBadRequest, "unknown lease action")
	}
}

func (h *Handler) acquireLease(w http.ResponseWriter, r *http.Request, resource string) {
	duration := lease.InfiniteDuration
	if s := r.Header.Get(HeaderLeaseDuration); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			sendError(w, CodeInvalidInput, http.StatusBadRequest, "invalid lease duration")
			return
		}
		duration = n
	}

	id, err := h.leases.Acquire(resource, duration, r.Header.Get(HeaderProposedLeaseID))
	if err != nil {
		sendBackendError(w, err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"resource": resource,
		"duration": duration,
	}).Debug("Lease acquired")

	w.Header().Set(HeaderLeaseID, id)
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) renewLease(w http.ResponseWriter, r *http.Request, resource string) {
	leaseID := r.Header.Get(HeaderLeaseID)
	if leaseID == "" {
		sendError(w, CodeLeaseIdMissing, http.StatusBadRequest, "lease id required")
		return
	}

	if err := h.leases.Renew(resource, leaseID); err != nil {
		sendBackendError(w, err)
		return
	}

	w.Header().Set(HeaderLeaseID, leaseID)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) changeLease(w http.ResponseWriter, r *http.Request, resource string) {
	leaseID := r.Header.Get(HeaderLeaseID)
	proposed := r.Header.Get(HeaderProposedLeaseID)
	if leaseID == "" {
		sendError(w, CodeLeaseIdMissing, http.StatusBadRequest, "lease id required")
		return
	}

	if err := h.leases.Change(resource, leaseID, proposed); err != nil {
		sendBackendError(w, err)
		return
	}

	w.Header().Set(HeaderLeaseID, proposed)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) releaseLease(w http.ResponseWriter, r *http.Request, resource string) {
	leaseID := r.Header.Get(HeaderLeaseID)
	if leaseID == "" {
		sendError(w, CodeLeaseIdMissing, http.StatusBadRequest, "lease id required")
		return
	}

	if err := h.leases.Release(resource, leaseID); err != nil {
		sendBackendError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) breakLease(w http.ResponseWriter, r *http.Request, resource string) {
	breakPeriod := -1
	if s := r.Header.Get(HeaderLeaseBreakPeriod); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			sendError(w, CodeInvalidInput, http.StatusBadRequest, "invalid break period")
			return
		}
		breakPeriod = n
	}

	remaining, err := h.leases.Break(resource, breakPeriod)
	if err != nil {
		sendBackendError(w, err)
		return
	}

	w.Header().Set(HeaderLeaseTime, strconv.Itoa(remaining))
	w.WriteHeader(http.StatusAccepted)
}
