package database

import (
	"time"
)

// Account represents a storage account in the database
type Account struct {
	ID         int        `db:"id"`
	Identity   string     `db:"identity"`
	Credential string     `db:"credential"`
	Email      string     `db:"email"`
	CreatedAt  time.Time  `db:"created_at"`
	LastLogin  *time.Time `db:"last_login"`
	Active     bool       `db:"active"`
}

// AccountPermission represents container-level permissions for an account
type AccountPermission struct {
	ID               int    `db:"id"`
	AccountID        int    `db:"account_id"`
	ContainerPattern string `db:"container_pattern"`
	Permissions      string `db:"permissions"` // comma-separated: read,write,delete,list
}
