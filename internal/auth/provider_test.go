package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/meshxdata/blobvault/internal/config"
)

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.AuthConfig
		wantErr bool
	}{
		{
			name: "none provider",
			cfg:  config.AuthConfig{Type: "none"},
		},
		{
			name: "sharedkey provider",
			cfg:  config.AuthConfig{Type: "sharedkey", Identity: "ACCOUNT1", Credential: "secret"},
		},
		{
			name:    "sharedkey without credential",
			cfg:     config.AuthConfig{Type: "sharedkey", Identity: "ACCOUNT1"},
			wantErr: true,
		},
		{
			name:    "database needs explicit constructor",
			cfg:     config.AuthConfig{Type: "database"},
			wantErr: true,
		},
		{
			name:    "unknown type",
			cfg:     config.AuthConfig{Type: "kerberos"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvider(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewProvider() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNoneProviderAcceptsEverything(t *testing.T) {
	p := &NoneProvider{}
	r := httptest.NewRequest("GET", "/container/blob", nil)
	if err := p.Authenticate(r); err != nil {
		t.Errorf("Authenticate() error = %v, want nil", err)
	}
}

func TestSharedKeyRoundTrip(t *testing.T) {
	p := &SharedKeyProvider{identity: "ACCOUNT1", credential: "topsecret"}

	r := httptest.NewRequest("PUT", "/photos/cat.jpg", nil)
	SignRequest(r, "ACCOUNT1", "topsecret", time.Now())

	if err := p.Authenticate(r); err != nil {
		t.Errorf("Authenticate() error = %v, want nil", err)
	}
}

func TestSharedKeyRejectsWrongCredential(t *testing.T) {
	p := &SharedKeyProvider{identity: "ACCOUNT1", credential: "topsecret"}

	r := httptest.NewRequest("PUT", "/photos/cat.jpg", nil)
	SignRequest(r, "ACCOUNT1", "wrongsecret", time.Now())

	if err := p.Authenticate(r); err == nil {
		t.Error("Authenticate() accepted signature made with wrong credential")
	}
}

func TestSharedKeyRejectsWrongIdentity(t *testing.T) {
	p := &SharedKeyProvider{identity: "ACCOUNT1", credential: "topsecret"}

	r := httptest.NewRequest("GET", "/photos/cat.jpg", nil)
	SignRequest(r, "ACCOUNT2", "topsecret", time.Now())

	if err := p.Authenticate(r); err == nil {
		t.Error("Authenticate() accepted unknown identity")
	}
}

func TestSharedKeyRejectsStaleTimestamp(t *testing.T) {
	p := &SharedKeyProvider{identity: "ACCOUNT1", credential: "topsecret"}

	r := httptest.NewRequest("GET", "/photos/cat.jpg", nil)
	SignRequest(r, "ACCOUNT1", "topsecret", time.Now().Add(-30*time.Minute))

	if err := p.Authenticate(r); err == nil {
		t.Error("Authenticate() accepted request signed 30 minutes ago")
	}
}

func TestSharedKeyRejectsTamperedPath(t *testing.T) {
	p := &SharedKeyProvider{identity: "ACCOUNT1", credential: "topsecret"}

	r := httptest.NewRequest("DELETE", "/photos/cat.jpg", nil)
	SignRequest(r, "ACCOUNT1", "topsecret", time.Now())
	r.URL.Path = "/photos/dog.jpg"

	if err := p.Authenticate(r); err == nil {
		t.Error("Authenticate() accepted signature for a different path")
	}
}

func TestSharedKeyMissingHeaders(t *testing.T) {
	p := &SharedKeyProvider{identity: "ACCOUNT1", credential: "topsecret"}

	tests := []struct {
		name string
		auth string
		date string
	}{
		{name: "no authorization"},
		{name: "wrong scheme", auth: "AWS4-HMAC-SHA256 Credential=x, Signature=y"},
		{name: "missing signature", auth: Scheme + " Credential=ACCOUNT1"},
		{name: "missing date", auth: Scheme + " Credential=ACCOUNT1, Signature=deadbeef"},
		{
			name: "malformed date",
			auth: Scheme + " Credential=ACCOUNT1, Signature=deadbeef",
			date: "yesterday",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/c/b", nil)
			if tt.auth != "" {
				r.Header.Set("Authorization", tt.auth)
			}
			if tt.date != "" {
				r.Header.Set(DateHeader, tt.date)
			}
			if err := p.Authenticate(r); err == nil {
				t.Error("Authenticate() error = nil, want error")
			}
		})
	}
}

func TestGetCredential(t *testing.T) {
	p := &SharedKeyProvider{identity: "ACCOUNT1", credential: "topsecret"}

	cred, err := p.GetCredential("ACCOUNT1")
	if err != nil {
		t.Fatalf("GetCredential() error = %v", err)
	}
	if cred != "topsecret" {
		t.Errorf("GetCredential() = %q, want %q", cred, "topsecret")
	}

	if _, err := p.GetCredential("NOBODY"); err == nil {
		t.Error("GetCredential() for unknown identity should fail")
	}
}
