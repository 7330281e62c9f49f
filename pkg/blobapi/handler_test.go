package blobapi

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshxdata/blobvault/internal/auth"
	"github.com/meshxdata/blobvault/internal/config"
	"github.com/meshxdata/blobvault/internal/lease"
	"github.com/meshxdata/blobvault/internal/sas"
	"github.com/meshxdata/blobvault/internal/storage"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	backend, err := storage.NewFileSystemBackend(&config.FileSystemConfig{BaseDir: t.TempDir()})
	require.NoError(t, err)

	provider, err := auth.NewProvider(config.AuthConfig{Type: "none"})
	require.NoError(t, err)

	leases := lease.NewManager(15*time.Second, 60*time.Second)
	signer := sas.NewSigner([]byte("test-signing-key"), 7*24*time.Hour, 5*time.Minute)

	return NewHandler(backend, provider, leases, signer)
}

func do(h *Handler, method, target string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Code string `xml:"Code"`
	}
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Code
}

func TestContainerLifecycle(t *testing.T) {
	h := newTestHandler(t)

	rec := do(h, "PUT", "/photos", nil, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = do(h, "PUT", "/photos", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeContainerAlreadyExists, decodeError(t, rec))

	rec = do(h, "HEAD", "/photos", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, "GET", "/", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Name>photos</Name>")

	rec = do(h, "DELETE", "/photos", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(h, "HEAD", "/photos", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContainerNameValidation(t *testing.T) {
	h := newTestHandler(t)

	rec := do(h, "PUT", "/..", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidInput, decodeError(t, rec))
}

func TestBlobRoundTrip(t *testing.T) {
	h := newTestHandler(t)
	require.Equal(t, http.StatusCreated, do(h, "PUT", "/photos", nil, nil).Code)

	rec := do(h, "PUT", "/photos/cat.jpg", strings.NewReader("meow"), map[string]string{
		"Content-Type":       "image/jpeg",
		HeaderMetaPrefix + "Owner": "alice",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = do(h, "GET", "/photos/cat.jpg", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "meow", rec.Body.String())
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "alice", rec.Header().Get(HeaderMetaPrefix+"Owner"))
	assert.Equal(t, "available", rec.Header().Get(HeaderLeaseState))

	rec = do(h, "HEAD", "/photos/cat.jpg", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "4", rec.Header().Get("Content-Length"))

	rec = do(h, "DELETE", "/photos/cat.jpg", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(h, "GET", "/photos/cat.jpg", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNoSuchBlob, decodeError(t, rec))
}

func TestBlobRangeRequests(t *testing.T) {
	h := newTestHandler(t)
	require.Equal(t, http.StatusCreated, do(h, "PUT", "/data", nil, nil).Code)
	require.Equal(t, http.StatusCreated,
		do(h, "PUT", "/data/alpha.txt", strings.NewReader("abcdefghij"), nil).Code)

	rec := do(h, "GET", "/data/alpha.txt", nil, map[string]string{"Range": "bytes=2-5"})
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "cdef", rec.Body.String())
	assert.Equal(t, "bytes 2-5/*", rec.Header().Get("Content-Range"))

	rec = do(h, "GET", "/data/alpha.txt", nil, map[string]string{"Range": "bytes=7-"})
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "hij", rec.Body.String())

	rec = do(h, "GET", "/data/alpha.txt", nil, map[string]string{"Range": "bytes=50-60"})
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, CodeInvalidRange, decodeError(t, rec))

	rec = do(h, "GET", "/data/alpha.txt", nil, map[string]string{"Range": "bytes=5-2"})
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
}

func TestCopyBlob(t *testing.T) {
	h := newTestHandler(t)
	require.Equal(t, http.StatusCreated, do(h, "PUT", "/src", nil, nil).Code)
	require.Equal(t, http.StatusCreated, do(h, "PUT", "/dst", nil, nil).Code)
	require.Equal(t, http.StatusCreated,
		do(h, "PUT", "/src/a.txt", strings.NewReader("payload"), nil).Code)

	rec := do(h, "PUT", "/dst/b.txt", nil, map[string]string{HeaderCopySource: "/src/a.txt"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = do(h, "GET", "/dst/b.txt", nil, nil)
	assert.Equal(t, "payload", rec.Body.String())

	rec = do(h, "PUT", "/dst/c.txt", nil, map[string]string{HeaderCopySource: "/src/missing.txt"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSnapshotBlob(t *testing.T) {
	h := newTestHandler(t)
	require.Equal(t, http.StatusCreated, do(h, "PUT", "/data", nil, nil).Code)
	require.Equal(t, http.StatusCreated,
		do(h, "PUT", "/data/doc.txt", strings.NewReader("v1"), nil).Code)

	rec := do(h, "POST", "/data/doc.txt?comp=snapshot", nil, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderSnapshot))
}

func TestLeaseLifecycle(t *testing.T) {
	h := newTestHandler(t)
	require.Equal(t, http.StatusCreated, do(h, "PUT", "/docs", nil, nil).Code)
	require.Equal(t, http.StatusCreated,
		do(h, "PUT", "/docs/report.txt", strings.NewReader("draft"), nil).Code)

	// Acquire
	rec := do(h, "POST", "/docs/report.txt?comp=lease", nil, map[string]string{
		HeaderLeaseAction:   "acquire",
		HeaderLeaseDuration: "30",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	leaseID := rec.Header().Get(HeaderLeaseID)
	require.NotEmpty(t, leaseID)

	// Writes without the lease ID are blocked.
	rec = do(h, "PUT", "/docs/report.txt", strings.NewReader("v2"), nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, CodeLeaseIdMissing, decodeError(t, rec))

	rec = do(h, "PUT", "/docs/report.txt", strings.NewReader("v2"), map[string]string{
		HeaderLeaseID: "11111111-1111-1111-1111-111111111111",
	})
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, CodeLeaseIdMismatch, decodeError(t, rec))

	rec = do(h, "PUT", "/docs/report.txt", strings.NewReader("v2"), map[string]string{
		HeaderLeaseID: leaseID,
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	// Renew and release
	rec = do(h, "POST", "/docs/report.txt?comp=lease", nil, map[string]string{
		HeaderLeaseAction: "renew",
		HeaderLeaseID:     leaseID,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, "POST", "/docs/report.txt?comp=lease", nil, map[string]string{
		HeaderLeaseAction: "release",
		HeaderLeaseID:     leaseID,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, "PUT", "/docs/report.txt", strings.NewReader("v3"), nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestLeaseConflictAndBreak(t *testing.T) {
	h := newTestHandler(t)
	require.Equal(t, http.StatusCreated, do(h, "PUT", "/docs", nil, nil).Code)
	require.Equal(t, http.StatusCreated,
		do(h, "PUT", "/docs/a.txt", strings.NewReader("x"), nil).Code)

	rec := do(h, "POST", "/docs/a.txt?comp=lease", nil, map[string]string{
		HeaderLeaseAction:   "acquire",
		HeaderLeaseDuration: "30",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(h, "POST", "/docs/a.txt?comp=lease", nil, map[string]string{
		HeaderLeaseAction:   "acquire",
		HeaderLeaseDuration: "30",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeLeaseAlreadyPresent, decodeError(t, rec))

	rec = do(h, "POST", "/docs/a.txt?comp=lease", nil, map[string]string{
		HeaderLeaseAction:      "break",
		HeaderLeaseBreakPeriod: "0",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "0", rec.Header().Get(HeaderLeaseTime))

	rec = do(h, "POST", "/docs/a.txt?comp=lease", nil, map[string]string{
		HeaderLeaseAction:   "acquire",
		HeaderLeaseDuration: "30",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestLeaseOnMissingBlob(t *testing.T) {
	h := newTestHandler(t)
	require.Equal(t, http.StatusCreated, do(h, "PUT", "/docs", nil, nil).Code)

	rec := do(h, "POST", "/docs/ghost.txt?comp=lease", nil, map[string]string{
		HeaderLeaseAction: "acquire",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNoSuchBlob, decodeError(t, rec))
}

func TestContainerLeaseLifecycle(t *testing.T) {
	h := newTestHandler(t)
	require.Equal(t, http.StatusCreated, do(h, "PUT", "/docs", nil, nil).Code)

	rec := do(h, "POST", "/docs?comp=lease", nil, map[string]string{
		HeaderLeaseAction:   "acquire",
		HeaderLeaseDuration: "30",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	leaseID := rec.Header().Get(HeaderLeaseID)
	require.NotEmpty(t, leaseID)

	// Deleting a leased container requires the lease ID.
	rec = do(h, "DELETE", "/docs", nil, nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, CodeLeaseIdMissing, decodeError(t, rec))

	rec = do(h, "DELETE", "/docs", nil, map[string]string{
		HeaderLeaseID: "11111111-1111-1111-1111-111111111111",
	})
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, CodeLeaseIdMismatch, decodeError(t, rec))

	rec = do(h, "POST", "/docs?comp=lease", nil, map[string]string{
		HeaderLeaseAction: "release",
		HeaderLeaseID:     leaseID,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, "DELETE", "/docs", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestContainerLeaseOnMissingContainer(t *testing.T) {
	h := newTestHandler(t)

	rec := do(h, "POST", "/ghost?comp=lease", nil, map[string]string{
		HeaderLeaseAction: "acquire",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNoSuchContainer, decodeError(t, rec))
}

func TestMultipartUploadFlow(t *testing.T) {
	h := newTestHandler(t)
	require.Equal(t, http.StatusCreated, do(h, "PUT", "/data", nil, nil).Code)

	rec := do(h, "POST", "/data/big.bin?uploads", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var initResult struct {
		UploadID string `xml:"UploadId"`
	}
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &initResult))
	require.NotEmpty(t, initResult.UploadID)

	var etags []string
	for i, part := range []string{"hello ", "world"} {
		rec = do(h, "PUT",
			fmt.Sprintf("/data/big.bin?uploadId=%s&partNumber=%d", initResult.UploadID, i+1),
			strings.NewReader(part), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		etags = append(etags, rec.Header().Get("ETag"))
		require.NotEmpty(t, etags[i])
	}

	// Staged parts are listable before completion.
	rec = do(h, "GET", "/data/big.bin?uploadId="+initResult.UploadID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var partsResult struct {
		Parts []struct {
			PartNumber int `xml:"PartNumber"`
		} `xml:"Part"`
	}
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &partsResult))
	assert.Len(t, partsResult.Parts, 2)

	var completeBody bytes.Buffer
	completeBody.WriteString("<CompleteUpload>")
	for i, etag := range etags {
		fmt.Fprintf(&completeBody, "<Part><PartNumber>%d</PartNumber><ETag>%s</ETag></Part>", i+1, etag)
	}
	completeBody.WriteString("</CompleteUpload>")

	rec = do(h, "POST", "/data/big.bin?uploadId="+initResult.UploadID, &completeBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, "GET", "/data/big.bin", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world", rec.Body.String())
}

func TestMultipartAbort(t *testing.T) {
	h := newTestHandler(t)
	require.Equal(t, http.StatusCreated, do(h, "PUT", "/data", nil, nil).Code)

	rec := do(h, "POST", "/data/tmp.bin?uploads", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var initResult struct {
		UploadID string `xml:"UploadId"`
	}
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &initResult))

	rec = do(h, "DELETE", "/data/tmp.bin?uploadId="+initResult.UploadID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(h, "GET", "/data/tmp.bin?uploadId="+initResult.UploadID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNoSuchUpload, decodeError(t, rec))
}

func TestSharedKeyAuthentication(t *testing.T) {
	backend, err := storage.NewFileSystemBackend(&config.FileSystemConfig{BaseDir: t.TempDir()})
	require.NoError(t, err)
	provider, err := auth.NewProvider(config.AuthConfig{
		Type:       "sharedkey",
		Identity:   "ACCOUNT1",
		Credential: "topsecret",
	})
	require.NoError(t, err)

	h := NewHandler(backend, provider,
		lease.NewManager(15*time.Second, 60*time.Second),
		sas.NewSigner([]byte("signing-key"), 7*24*time.Hour, 5*time.Minute))

	// Unsigned request is rejected.
	rec := do(h, "PUT", "/photos", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodeAuthenticationFailed, decodeError(t, rec))

	// Signed request passes.
	req := httptest.NewRequest("PUT", "/photos", nil)
	auth.SignRequest(req, "ACCOUNT1", "topsecret", time.Now())
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusCreated, rec2.Code)
}

func TestSASTokenAccess(t *testing.T) {
	backend, err := storage.NewFileSystemBackend(&config.FileSystemConfig{BaseDir: t.TempDir()})
	require.NoError(t, err)
	provider, err := auth.NewProvider(config.AuthConfig{
		Type:       "sharedkey",
		Identity:   "ACCOUNT1",
		Credential: "topsecret",
	})
	require.NoError(t, err)

	signer := sas.NewSigner([]byte("signing-key"), 7*24*time.Hour, 5*time.Minute)
	h := NewHandler(backend, provider, lease.NewManager(15*time.Second, 60*time.Second), signer)

	// Seed a blob with full auth.
	req := httptest.NewRequest("PUT", "/photos", nil)
	auth.SignRequest(req, "ACCOUNT1", "topsecret", time.Now())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest("PUT", "/photos/cat.jpg", strings.NewReader("meow"))
	auth.SignRequest(req, "ACCOUNT1", "topsecret", time.Now())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Read-only token on the blob.
	token, err := signer.Sign(sas.BlobScope("photos", "cat.jpg"),
		sas.Permissions{Read: true}, time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	rec = do(h, "GET", "/photos/cat.jpg?"+token.Encode(), nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "meow", rec.Body.String())

	// The token does not grant writes.
	rec = do(h, "PUT", "/photos/cat.jpg?"+token.Encode(), strings.NewReader("woof"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodeAuthenticationFailed, decodeError(t, rec))

	// Nor access to other blobs.
	rec = do(h, "GET", "/photos/dog.jpg?"+token.Encode(), nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIssueTokenRequiresAccountCredentials(t *testing.T) {
	backend, err := storage.NewFileSystemBackend(&config.FileSystemConfig{BaseDir: t.TempDir()})
	require.NoError(t, err)
	provider, err := auth.NewProvider(config.AuthConfig{
		Type:       "sharedkey",
		Identity:   "ACCOUNT1",
		Credential: "topsecret",
	})
	require.NoError(t, err)

	signer := sas.NewSigner([]byte("signing-key"), 7*24*time.Hour, 5*time.Minute)
	h := NewHandler(backend, provider, lease.NewManager(15*time.Second, 60*time.Second), signer)

	// Even an account-wide write token must not mint further tokens.
	token, err := signer.Sign(sas.AccountScope(),
		sas.Permissions{Read: true, Write: true, Delete: true, List: true},
		time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	body, err := json.Marshal(tokenRequest{
		Resource:    "account",
		Permissions: "rwdl",
		Expiry:      time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)

	rec := do(h, "POST", "/_sas?"+token.Encode(), bytes.NewReader(body), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodeAuthenticationFailed, decodeError(t, rec))
}

func TestIssueToken(t *testing.T) {
	h := newTestHandler(t)

	body, err := json.Marshal(tokenRequest{
		Resource:    "container",
		Container:   "photos",
		Permissions: "rl",
		Expiry:      time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)

	rec := do(h, "POST", "/_sas", bytes.NewReader(body), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, sas.Version, resp.Version)
}

func TestIssueTokenRejectsBadRequests(t *testing.T) {
	h := newTestHandler(t)

	tests := []struct {
		name string
		req  tokenRequest
	}{
		{
			name: "unknown resource",
			req:  tokenRequest{Resource: "universe", Permissions: "r", Expiry: time.Now().Add(time.Hour).Format(time.RFC3339)},
		},
		{
			name: "bad permissions",
			req:  tokenRequest{Resource: "account", Permissions: "rx", Expiry: time.Now().Add(time.Hour).Format(time.RFC3339)},
		},
		{
			name: "expiry in the past",
			req:  tokenRequest{Resource: "account", Permissions: "r", Expiry: time.Now().Add(-time.Hour).Format(time.RFC3339)},
		},
		{
			name: "expiry beyond max ttl",
			req:  tokenRequest{Resource: "account", Permissions: "r", Expiry: time.Now().Add(30 * 24 * time.Hour).Format(time.RFC3339)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := json.Marshal(tt.req)
			require.NoError(t, err)
			rec := do(h, "POST", "/_sas", bytes.NewReader(body), nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header  string
		start   int64
		end     int64
		wantErr bool
	}{
		{header: "bytes=0-99", start: 0, end: 99},
		{header: "bytes=10-", start: 10, end: -1},
		{header: "bytes=-50", wantErr: true},
		{header: "bytes=5-2", wantErr: true},
		{header: "items=0-10", wantErr: true},
		{header: "bytes=0-10,20-30", wantErr: true},
	}

	for _, tt := range tests {
		start, end, err := parseRange(tt.header)
		if tt.wantErr {
			assert.Error(t, err, tt.header)
			continue
		}
		require.NoError(t, err, tt.header)
		assert.Equal(t, tt.start, start, tt.header)
		assert.Equal(t, tt.end, end, tt.header)
	}
}
