package auth

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/meshxdata/blobvault/internal/database"
)

type fakeAccountStore struct {
	mu       sync.Mutex
	accounts map[string]*database.Account
	lookups  int
	logins   int
}

func newFakeAccountStore() *fakeAccountStore {
	return &fakeAccountStore{accounts: make(map[string]*database.Account)}
}

func (s *fakeAccountStore) GetAccountByIdentity(identity string) (*database.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	return s.accounts[identity], nil
}

func (s *fakeAccountStore) UpdateLastLogin(accountID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logins++
	return nil
}

func (s *fakeAccountStore) GetAccountPermissions(accountID int) ([]database.AccountPermission, error) {
	return nil, nil
}

func (s *fakeAccountStore) CreateAccount(account *database.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.Identity] = account
	return nil
}

func (s *fakeAccountStore) lookupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

func TestDatabaseProviderSharedKey(t *testing.T) {
	store := newFakeAccountStore()
	store.accounts["ACCOUNT1"] = &database.Account{ID: 1, Identity: "ACCOUNT1", Credential: "plainsecret", Active: true}

	p := NewDatabaseProvider(store)

	r := httptest.NewRequest("GET", "/photos/cat.jpg", nil)
	SignRequest(r, "ACCOUNT1", "plainsecret", time.Now())

	if err := p.Authenticate(r); err != nil {
		t.Errorf("Authenticate() error = %v, want nil", err)
	}
}

func TestDatabaseProviderSharedKeyRejectsHashedCredential(t *testing.T) {
	hashed, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	store := newFakeAccountStore()
	store.accounts["ACCOUNT1"] = &database.Account{ID: 1, Identity: "ACCOUNT1", Credential: string(hashed), Active: true}

	p := NewDatabaseProvider(store)

	r := httptest.NewRequest("GET", "/photos/cat.jpg", nil)
	SignRequest(r, "ACCOUNT1", "secret", time.Now())

	if err := p.Authenticate(r); err == nil {
		t.Error("Authenticate() should reject shared-key signing for bcrypt credentials")
	}
}

func TestDatabaseProviderBasicAuth(t *testing.T) {
	hashed, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	store := newFakeAccountStore()
	store.accounts["ACCOUNT1"] = &database.Account{ID: 1, Identity: "ACCOUNT1", Credential: string(hashed), Active: true}

	p := NewDatabaseProvider(store)

	r := httptest.NewRequest("GET", "/photos/cat.jpg", nil)
	r.SetBasicAuth("ACCOUNT1", "secret")
	if err := p.Authenticate(r); err != nil {
		t.Errorf("Authenticate() error = %v, want nil", err)
	}

	r = httptest.NewRequest("GET", "/photos/cat.jpg", nil)
	r.SetBasicAuth("ACCOUNT1", "wrong")
	if err := p.Authenticate(r); err == nil {
		t.Error("Authenticate() accepted wrong basic auth password")
	}
}

func TestDatabaseProviderUnknownIdentity(t *testing.T) {
	p := NewDatabaseProvider(newFakeAccountStore())

	r := httptest.NewRequest("GET", "/photos/cat.jpg", nil)
	SignRequest(r, "GHOST", "secret", time.Now())

	if err := p.Authenticate(r); err == nil {
		t.Error("Authenticate() accepted unknown identity")
	}
}

func TestDatabaseProviderUnsupportedScheme(t *testing.T) {
	p := NewDatabaseProvider(newFakeAccountStore())

	r := httptest.NewRequest("GET", "/photos/cat.jpg", nil)
	r.Header.Set("Authorization", "Bearer sometoken")

	if err := p.Authenticate(r); err == nil {
		t.Error("Authenticate() accepted bearer token")
	}
}

func TestDatabaseProviderCachesLookups(t *testing.T) {
	store := newFakeAccountStore()
	store.accounts["ACCOUNT1"] = &database.Account{ID: 1, Identity: "ACCOUNT1", Credential: "plainsecret", Active: true}

	p := NewDatabaseProvider(store)

	for i := 0; i < 3; i++ {
		r := httptest.NewRequest("GET", "/photos/cat.jpg", nil)
		SignRequest(r, "ACCOUNT1", "plainsecret", time.Now())
		if err := p.Authenticate(r); err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
	}

	if got := store.lookupCount(); got != 1 {
		t.Errorf("store lookups = %d, want 1 (cached)", got)
	}

	p.InvalidateCache("ACCOUNT1")

	r := httptest.NewRequest("GET", "/photos/cat.jpg", nil)
	SignRequest(r, "ACCOUNT1", "plainsecret", time.Now())
	if err := p.Authenticate(r); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if got := store.lookupCount(); got != 2 {
		t.Errorf("store lookups after invalidation = %d, want 2", got)
	}
}

func TestGetCredentialFromDatabase(t *testing.T) {
	store := newFakeAccountStore()
	store.accounts["ACCOUNT1"] = &database.Account{ID: 1, Identity: "ACCOUNT1", Credential: "plainsecret", Active: true}

	p := NewDatabaseProvider(store)

	cred, err := p.GetCredential("ACCOUNT1")
	if err != nil {
		t.Fatalf("GetCredential() error = %v", err)
	}
	if cred != "plainsecret" {
		t.Errorf("GetCredential() = %q, want %q", cred, "plainsecret")
	}
}
