package auth

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/meshxdata/blobvault/internal/database"
)

// credentialCacheTTL bounds how long a looked-up account is reused before
// hitting the database again.
const credentialCacheTTL = 5 * time.Minute

type cacheEntry struct {
	account  *database.Account
	cachedAt time.Time
}

// DatabaseProvider authenticates requests against accounts stored in the
// database. It supports the shared-key scheme for plaintext credentials and
// basic auth for bcrypt-hashed ones.
type DatabaseProvider struct {
	store database.AccountStore

	mu    sync.RWMutex
	cache map[string]*cacheEntry
}

func NewDatabaseProvider(store database.AccountStore) *DatabaseProvider {
	return &DatabaseProvider{
		store: store,
		cache: make(map[string]*cacheEntry),
	}
}

func (p *DatabaseProvider) Authenticate(r *http.Request) error {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return fmt.Errorf("missing authorization header")
	}

	if strings.HasPrefix(authHeader, "Basic ") {
		return p.authenticateBasic(r)
	}
	if strings.HasPrefix(authHeader, Scheme+" ") {
		return p.authenticateSharedKey(r)
	}

	return fmt.Errorf("unsupported authorization scheme")
}

func (p *DatabaseProvider) authenticateBasic(r *http.Request) error {
	identity, credential, ok := r.BasicAuth()
	if !ok {
		return fmt.Errorf("malformed basic auth header")
	}

	account, err := p.lookupAccount(identity)
	if err != nil {
		return err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.Credential), []byte(credential)); err != nil {
		logrus.WithField("identity", identity).Warn("Basic auth credential mismatch")
		return fmt.Errorf("invalid credentials")
	}

	go func() {
		_ = p.store.UpdateLastLogin(account.ID)
	}()

	return nil
}

func (p *DatabaseProvider) authenticateSharedKey(r *http.Request) error {
	identity, _, err := parseAuthorization(r.Header.Get("Authorization"))
	if err != nil {
		return err
	}

	account, err := p.lookupAccount(identity)
	if err != nil {
		return err
	}

	// A bcrypt-hashed credential cannot be used as an HMAC key because the
	// client never holds the hash. Those accounts must use basic auth.
	if strings.HasPrefix(account.Credential, "$2") {
		return fmt.Errorf("account credential does not support shared-key signing")
	}

	sk := &SharedKeyProvider{identity: identity, credential: account.Credential}
	if err := sk.Authenticate(r); err != nil {
		return err
	}

	go func() {
		_ = p.store.UpdateLastLogin(account.ID)
	}()

	return nil
}

func (p *DatabaseProvider) GetCredential(identity string) (string, error) {
	account, err := p.lookupAccount(identity)
	if err != nil {
		return "", err
	}
	return account.Credential, nil
}

func (p *DatabaseProvider) lookupAccount(identity string) (*database.Account, error) {
	p.mu.RLock()
	entry, ok := p.cache[identity]
	p.mu.RUnlock()
	if ok && time.Since(entry.cachedAt) < credentialCacheTTL {
		return entry.account, nil
	}

	account, err := p.store.GetAccountByIdentity(identity)
	if err != nil {
		return nil, fmt.Errorf("account lookup failed: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("unknown identity")
	}

	p.mu.Lock()
	p.cache[identity] = &cacheEntry{account: account, cachedAt: time.Now()}
	p.mu.Unlock()

	return account, nil
}

// InvalidateCache drops a cached account, forcing the next request to hit
// the database. Used after credential rotation.
func (p *DatabaseProvider) InvalidateCache(identity string) {
	p.mu.Lock()
	delete(p.cache, identity)
	p.mu.Unlock()
}
