package database

// AccountStore defines the interface for account retrieval operations
type AccountStore interface {
	GetAccountByIdentity(identity string) (*Account, error)
	UpdateLastLogin(accountID int) error
	GetAccountPermissions(accountID int) ([]AccountPermission, error)
	CreateAccount(account *Account) error
}
