package blobapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshxdata/blobvault/internal/sas"
	"github.com/meshxdata/blobvault/internal/security"
)

type tokenRequest struct {
	Resource    string `json:"resource"` // account, container or blob
	Container   string `json:"container,omitempty"`
	Blob        string `json:"blob,omitempty"`
	Permissions string `json:"permissions"` // subset of rwdl
	Start       string `json:"start,omitempty"`
	Expiry      string `json:"expiry"`
}

type tokenResponse struct {
	Token   string `json:"token"`
	Version string `json:"version"`
	Expiry  string `json:"expiry"`
}

// issueToken signs a delegation token. The endpoint itself always requires
// full request authentication; a token cannot mint another token.
func (h *Handler) issueToken(w http.ResponseWriter, r *http.Request) {
	if h.signer == nil {
		sendError(w, CodeInvalidInput, http.StatusNotFound, "signed access tokens are disabled")
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, CodeInvalidInput, http.StatusBadRequest, "malformed token request")
		return
	}

	scope, err := scopeFor(req)
	if err != nil {
		sendError(w, CodeInvalidInput, http.StatusBadRequest, err.Error())
		return
	}

	perms, err := sas.ParsePermissions(req.Permissions)
	if err != nil {
		sendError(w, CodeInvalidInput, http.StatusBadRequest, err.Error())
		return
	}

	expiry, err := time.Parse(time.RFC3339, req.Expiry)
	if err != nil {
		sendError(w, CodeInvalidInput, http.StatusBadRequest, "malformed expiry")
		return
	}
	var start time.Time
	if req.Start != "" {
		start, err = time.Parse(time.RFC3339, req.Start)
		if err != nil {
			sendError(w, CodeInvalidInput, http.StatusBadRequest, "malformed start")
			return
		}
	}

	values, err := h.signer.Sign(scope, perms, start, expiry)
	if err != nil {
		sendError(w, CodeInvalidInput, http.StatusBadRequest, err.Error())
		return
	}

	logrus.WithFields(logrus.Fields{
		"resource":    req.Resource,
		"container":   req.Container,
		"blob":        req.Blob,
		"permissions": req.Permissions,
		"expiry":      req.Expiry,
	}).Info("Access token issued")

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(tokenResponse{
		Token:   values.Encode(),
		Version: sas.Version,
		Expiry:  expiry.UTC().Format(time.RFC3339),
	}); err != nil {
		logrus.WithError(err).Error("Failed to encode token response")
	}
}

func scopeFor(req tokenRequest) (sas.Scope, error) {
	switch req.Resource {
	case "account":
		return sas.AccountScope(), nil
	case "container":
		if err := security.ValidateContainerName(req.Container); err != nil {
			return sas.Scope{}, err
		}
		return sas.ContainerScope(req.Container), nil
	case "blob":
		if err := security.ValidateContainerName(req.Container); err != nil {
			return sas.Scope{}, err
		}
		if err := security.ValidateBlobName(req.Blob); err != nil {
			return sas.Scope{}, err
		}
		return sas.BlobScope(req.Container, req.Blob), nil
	default:
		return sas.Scope{}, errors.New("resource must be account, container or blob")
	}
}
