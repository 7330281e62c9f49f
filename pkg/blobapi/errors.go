package blobapi

import (
	"encoding/xml"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/meshxdata/blobvault/internal/lease"
	"github.com/meshxdata/blobvault/internal/storage"
)

// Wire error codes returned in the XML error envelope.
const (
	CodeNoSuchContainer        = "NoSuchContainer"
	CodeNoSuchBlob             = "NoSuchBlob"
	CodeNoSuchUpload           = "NoSuchUpload"
	CodeContainerAlreadyExists = "ContainerAlreadyExists"
	CodeInvalidRange           = "InvalidRange"
	CodeInvalidInput           = "InvalidInput"
	CodeLeaseAlreadyPresent    = "LeaseAlreadyPresent"
	CodeLeaseIdMissing         = "LeaseIdMissing"
	CodeLeaseIdMismatch        = "LeaseIdMismatch"
	CodeLeaseNotPresent        = "LeaseNotPresent"
	CodeLeaseIsBreaking        = "LeaseIsBreaking"
	CodeAuthenticationFailed   = "AuthenticationFailed"
	CodeInternalError          = "InternalError"
)

type errorResponse struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

func sendError(w http.ResponseWriter, code string, status int, message string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)

	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(errorResponse{Code: code, Message: message}); err != nil {
		logrus.WithError(err).Error("Failed to encode error response")
	}
}

// sendBackendError maps storage and lease failures onto wire error codes.
func sendBackendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrContainerNotFound):
		sendError(w, CodeNoSuchContainer, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrBlobNotFound):
		sendError(w, CodeNoSuchBlob, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrUploadNotFound):
		sendError(w, CodeNoSuchUpload, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrContainerExists):
		sendError(w, CodeContainerAlreadyExists, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrInvalidRange):
		sendError(w, CodeInvalidRange, http.StatusRequestedRangeNotSatisfiable, err.Error())
	case errors.Is(err, lease.ErrConflict):
		sendError(w, CodeLeaseAlreadyPresent, http.StatusConflict, err.Error())
	case errors.Is(err, lease.ErrMismatch):
		sendError(w, CodeLeaseIdMismatch, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, lease.ErrNotPresent):
		sendError(w, CodeLeaseNotPresent, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, lease.ErrBreaking):
		sendError(w, CodeLeaseIsBreaking, http.StatusConflict, err.Error())
	case errors.Is(err, lease.ErrInvalidDuration),
		errors.Is(err, lease.ErrInvalidBreakPeriod),
		errors.Is(err, lease.ErrInvalidProposedID):
		sendError(w, CodeInvalidInput, http.StatusBadRequest, err.Error())
	default:
		logrus.WithError(err).Error("Backend operation failed")
		sendError(w, CodeInternalError, http.StatusInternalServerError, "internal error")
	}
}

// sendLeaseGuardError distinguishes a missing lease ID from a mismatched one
// when a write hits a leased blob.
func sendLeaseGuardError(w http.ResponseWriter, err error, leaseID string) {
	if errors.Is(err, lease.ErrMismatch) && leaseID == "" {
		sendError(w, CodeLeaseIdMissing, http.StatusPreconditionFailed, err.Error())
		return
	}
	sendBackendError(w, err)
}

func sendAuthError(w http.ResponseWriter, err error) {
	sendError(w, CodeAuthenticationFailed, http.StatusForbidden, err.Error())
}
