package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// DB represents the database connection
type DB struct {
	*sqlx.DB
}

// Ensure DB implements AccountStore interface
var _ AccountStore = (*DB)(nil)

// Config holds database configuration
type Config struct {
	Driver           string
	ConnectionString string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// NewConnection creates a new database connection
func NewConnection(cfg Config) (*DB, error) {
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}

	db, err := sqlx.Connect(cfg.Driver, cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}

	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}

	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	return &DB{db}, nil
}

// GetAccountByIdentity retrieves an active account by its identity
func (db *DB) GetAccountByIdentity(identity string) (*Account, error) {
	var account Account
	query := `SELECT id, identity, credential, email, created_at, last_login, active
	          FROM accounts WHERE identity = $1 AND active = true`

	err := db.Get(&account, query, identity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return &account, nil
}

// UpdateLastLogin updates the last login timestamp for an account
func (db *DB) UpdateLastLogin(accountID int) error {
	query := `UPDATE accounts SET last_login = $1 WHERE id = $2`
	_, err := db.Exec(query, time.Now(), accountID)
	return err
}

// GetAccountPermissions retrieves container permissions for an account
func (db *DB) GetAccountPermissions(accountID int) ([]AccountPermission, error) {
	var permissions []AccountPermission
	query := `SELECT id, account_id, container_pattern, permissions
	          FROM account_permissions WHERE account_id = $1`

	err := db.Select(&permissions, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get account permissions: %w", err)
	}

	return permissions, nil
}

// CreateAccount creates a new account
func (db *DB) CreateAccount(account *Account) error {
	query := `INSERT INTO accounts (identity, credential, email, created_at, active)
	          VALUES ($1, $2, $3, $4, $5) RETURNING id`

	err := db.Get(&account.ID, query, account.Identity, account.Credential, account.Email, time.Now(), true)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
