// Package sas implements signed access tokens: time-boxed, scoped query
// string credentials verified with HMAC-SHA256.
package sas

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Version identifies the token format. Bump on any change to the
// string-to-sign layout.
const Version = "2024-01"

// Query parameter names carried by a signed URL.
const (
	ParamVersion     = "sv"
	ParamResource    = "sr"
	ParamPermissions = "sp"
	ParamStart       = "st"
	ParamExpiry      = "se"
	ParamSignature   = "sig"
)

// Resource scopes, from widest to narrowest.
const (
	ResourceAccount   = "a"
	ResourceContainer = "c"
	ResourceBlob      = "b"
)

var (
	ErrMalformed         = errors.New("sas: malformed token")
	ErrSignatureMismatch = errors.New("sas: signature mismatch")
	ErrExpired           = errors.New("sas: token expired")
	ErrNotYetValid       = errors.New("sas: token not yet valid")
	ErrInsufficientScope = errors.New("sas: token scope does not cover resource")
	ErrMissingPermission = errors.New("sas: permission not granted")
	ErrTTLTooLong        = errors.New("sas: expiry exceeds maximum ttl")
)

// Permissions is the set of operations a token grants.
type Permissions struct {
	Read   bool
	Write  bool
	Delete bool
	List   bool
}

// String renders permissions in the fixed order r, w, d, l. The order is
// part of the signed payload, so it must never vary.
func (p Permissions) String() string {
	var b strings.Builder
	if p.Read {
		b.WriteByte('r')
	}
	if p.Write {
		b.WriteByte('w')
	}
	if p.Delete {
		b.WriteByte('d')
	}
	if p.List {
		b.WriteByte('l')
	}
	return b.String()
}

// ParsePermissions parses a permission string, rejecting unknown or
// duplicated flags.
func ParsePermissions(s string) (Permissions, error) {
	var p Permissions
	for _, ch := range s {
		switch ch {
		case 'r':
			if p.Read {
				return Permissions{}, fmt.Errorf("%w: duplicate permission %q", ErrMalformed, ch)
			}
			p.Read = true
		case 'w':
			if p.Write {
				return Permissions{}, fmt.Errorf("%w: duplicate permission %q", ErrMalformed, ch)
			}
			p.Write = true
		case 'd':
			if p.Delete {
				return Permissions{}, fmt.Errorf("%w: duplicate permission %q", ErrMalformed, ch)
			}
			p.Delete = true
		case 'l':
			if p.List {
				return Permissions{}, fmt.Errorf("%w: duplicate permission %q", ErrMalformed, ch)
			}
			p.List = true
		default:
			return Permissions{}, fmt.Errorf("%w: unknown permission %q", ErrMalformed, ch)
		}
	}
	if s == "" {
		return Permissions{}, fmt.Errorf("%w: empty permissions", ErrMalformed)
	}
	return p, nil
}

// Scope names the resource a token is bound to. Container and Blob narrow
// the scope; an account token leaves both empty.
type Scope struct {
	Resource  string
	Container string
	Blob      string
}

// AccountScope covers every container and blob in the account.
func AccountScope() Scope { return Scope{Resource: ResourceAccount} }

// ContainerScope covers one container and all blobs in it.
func ContainerScope(container string) Scope {
	return Scope{Resource: ResourceContainer, Container: container}
}

// BlobScope covers a single blob.
func BlobScope(container, blob string) Scope {
	return Scope{Resource: ResourceBlob, Container: container, Blob: blob}
}

func (s Scope) validate() error {
	switch s.Resource {
	case ResourceAccount:
		if s.Container != "" || s.Blob != "" {
			return fmt.Errorf("%w: account scope must not name a container or blob", ErrMalformed)
		}
	case ResourceContainer:
		if s.Container == "" || s.Blob != "" {
			return fmt.Errorf("%w: container scope requires a container and no blob", ErrMalformed)
		}
	case ResourceBlob:
		if s.Container == "" || s.Blob == "" {
			return fmt.Errorf("%w: blob scope requires container and blob", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown resource %q", ErrMalformed, s.Resource)
	}
	return nil
}

// covers reports whether the token scope includes the requested resource.
func (s Scope) covers(container, blob string) bool {
	switch s.Resource {
	case ResourceAccount:
		return true
	case ResourceContainer:
		return s.Container == container
	case ResourceBlob:
		return s.Container == container && s.Blob == blob
	}
	return false
}

// Signer issues and verifies signed access tokens.
type Signer struct {
	key       []byte
	maxTTL    time.Duration
	clockSkew time.Duration
	now       func() time.Time
}

// NewSigner creates a signer. maxTTL caps how far in the future an expiry
// may be at signing time (zero disables the cap). clockSkew is the
// tolerance applied to the start time during verification.
func NewSigner(key []byte, maxTTL, clockSkew time.Duration) *Signer {
	return &Signer{
		key:       key,
		maxTTL:    maxTTL,
		clockSkew: clockSkew,
		now:       time.Now,
	}
}

// stringToSign builds the canonical signed payload. Field order is fixed
// and versioned.
func stringToSign(scope Scope, perms, start, expiry string) string {
	return strings.Join([]string{
		Version,
		scope.Resource,
		scope.Container,
		scope.Blob,
		perms,
		start,
		expiry,
	}, "\n")
}

func (s *Signer) signature(payload string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(payload))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// Sign issues token query parameters for the given scope and validity
// window. A zero start means "valid immediately".
func (s *Signer) Sign(scope Scope, perms Permissions, start, expiry time.Time) (url.Values, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	if perms.String() == "" {
		return nil, fmt.Errorf("%w: no permissions requested", ErrMalformed)
	}
	if !expiry.After(s.now()) {
		return nil, fmt.Errorf("%w: expiry is in the past", ErrMalformed)
	}
	if s.maxTTL > 0 && expiry.Sub(s.now()) > s.maxTTL {
		return nil, ErrTTLTooLong
	}

	startStr := ""
	if !start.IsZero() {
		startStr = start.UTC().Format(time.RFC3339)
	}
	expiryStr := expiry.UTC().Format(time.RFC3339)

	v := url.Values{}
	v.Set(ParamVersion, Version)
	v.Set(ParamResource, scope.Resource)
	if scope.Container != "" {
		v.Set("sc", scope.Container)
	}
	if scope.Blob != "" {
		v.Set("sb", scope.Blob)
	}
	v.Set(ParamPermissions, perms.String())
	if startStr != "" {
		v.Set(ParamStart, startStr)
	}
	v.Set(ParamExpiry, expiryStr)
	v.Set(ParamSignature, s.signature(stringToSign(scope, perms.String(), startStr, expiryStr)))
	return v, nil
}

// Request describes the access being attempted, checked against a token
// during verification.
type Request struct {
	Container  string
	Blob       string
	Permission byte // one of 'r', 'w', 'd', 'l'
}

// Verify checks a token from query parameters against the requested access.
func (s *Signer) Verify(q url.Values, req Request) error {
	if q.Get(ParamVersion) != Version {
		return fmt.Errorf("%w: unsupported version %q", ErrMalformed, q.Get(ParamVersion))
	}

	scope := Scope{
		Resource:  q.Get(ParamResource),
		Container: q.Get("sc"),
		Blob:      q.Get("sb"),
	}
	if err := scope.validate(); err != nil {
		return err
	}

	permStr := q.Get(ParamPermissions)
	perms, err := ParsePermissions(permStr)
	if err != nil {
		return err
	}

	startStr := q.Get(ParamStart)
	expiryStr := q.Get(ParamExpiry)
	if expiryStr == "" {
		return fmt.Errorf("%w: missing expiry", ErrMalformed)
	}

	expected := s.signature(stringToSign(scope, permStr, startStr, expiryStr))
	if !hmac.Equal([]byte(expected), []byte(q.Get(ParamSignature))) {
		return ErrSignatureMismatch
	}

	now := s.now()
	expiry, err := time.Parse(time.RFC3339, expiryStr)
	if err != nil {
		return fmt.Errorf("%w: bad expiry: %v", ErrMalformed, err)
	}
	if now.After(expiry) {
		return ErrExpired
	}
	if startStr != "" {
		start, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			return fmt.Errorf("%w: bad start: %v", ErrMalformed, err)
		}
		// Clock skew tolerance applies to the start bound only.
		if now.Add(s.clockSkew).Before(start) {
			return ErrNotYetValid
		}
	}

	if !scope.covers(req.Container, req.Blob) {
		return ErrInsufficientScope
	}

	granted := false
	switch req.Permission {
	case 'r':
		granted = perms.Read
	case 'w':
		granted = perms.Write
	case 'd':
		granted = perms.Delete
	case 'l':
		granted = perms.List
	}
	if !granted {
		return ErrMissingPermission
	}

	return nil
}

// IsToken reports whether the query parameters look like a signed token.
func IsToken(q url.Values) bool {
	return q.Get(ParamSignature) != "" && q.Get(ParamVersion) != ""
}
