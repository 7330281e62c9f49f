package database

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AccountManager provides account management functionality
type AccountManager struct {
	db *DB
}

// NewAccountManager creates a new account manager
func NewAccountManager(db *DB) *AccountManager {
	return &AccountManager{db: db}
}

// CreateAccount creates a new account with a generated identity and a
// bcrypt-hashed credential
func (am *AccountManager) CreateAccount(email, credential string) (*Account, error) {
	identity, err := generateIdentity()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash credential: %w", err)
	}

	account := &Account{
		Email:      email,
		Identity:   identity,
		Credential: string(hashed),
		Active:     true,
	}

	if err := am.db.CreateAccount(account); err != nil {
		return nil, err
	}

	return account, nil
}

// CreateAccountWithKeys creates a new account with a specific identity and credential
func (am *AccountManager) CreateAccountWithKeys(email, identity, credential string) (*Account, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash credential: %w", err)
	}

	account := &Account{
		Email:      email,
		Identity:   identity,
		Credential: string(hashed),
		Active:     true,
	}

	if err := am.db.CreateAccount(account); err != nil {
		return nil, err
	}

	return account, nil
}

// AuthenticateAccount verifies account credentials
func (am *AccountManager) AuthenticateAccount(identity, credential string) (*Account, error) {
	account, err := am.db.GetAccountByIdentity(identity)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("invalid credentials")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.Credential), []byte(credential)); err != nil {
		return nil, fmt.Errorf("invalid credentials")
	}

	go func() {
		_ = am.db.UpdateLastLogin(account.ID)
	}()

	return account, nil
}

// DisableAccount disables an account
func (am *AccountManager) DisableAccount(identity string) error {
	query := `UPDATE accounts SET active = false WHERE identity = $1`
	_, err := am.db.Exec(query, identity)
	return err
}

// EnableAccount enables an account
func (am *AccountManager) EnableAccount(identity string) error {
	query := `UPDATE accounts SET active = true WHERE identity = $1`
	_, err := am.db.Exec(query, identity)
	return err
}

// UpdateAccountCredential updates an account's credential
func (am *AccountManager) UpdateAccountCredential(identity, newCredential string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(newCredential), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash credential: %w", err)
	}

	query := `UPDATE accounts SET credential = $1 WHERE identity = $2`
	_, err = am.db.Exec(query, string(hashed), identity)
	return err
}

// GrantContainerPermission grants permissions for a container pattern
func (am *AccountManager) GrantContainerPermission(identity, containerPattern, permissions string) error {
	account, err := am.db.GetAccountByIdentity(identity)
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("account not found")
	}

	query := `INSERT INTO account_permissions (account_id, container_pattern, permissions)
	          VALUES ($1, $2, $3)`
	_, err = am.db.Exec(query, account.ID, containerPattern, permissions)
	return err
}

// RevokeContainerPermission revokes permissions for a container pattern
func (am *AccountManager) RevokeContainerPermission(identity, containerPattern string) error {
	account, err := am.db.GetAccountByIdentity(identity)
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("account not found")
	}

	query := `DELETE FROM account_permissions WHERE account_id = $1 AND container_pattern = $2`
	_, err = am.db.Exec(query, account.ID, containerPattern)
	return err
}

// ListAccounts lists all accounts
func (am *AccountManager) ListAccounts() ([]Account, error) {
	var accounts []Account
	query := `SELECT id, identity, email, created_at, last_login, active FROM accounts ORDER BY created_at DESC`
	err := am.db.Select(&accounts, query)
	return accounts, err
}

// generateIdentity generates a random account identity
func generateIdentity() (string, error) {
	bytes := make([]byte, 20)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}

	key := base64.URLEncoding.EncodeToString(bytes)
	key = strings.ReplaceAll(key, "-", "")
	key = strings.ReplaceAll(key, "_", "")
	key = strings.ToUpper(key)

	if len(key) > 20 {
		key = key[:20]
	}

	return key, nil
}
