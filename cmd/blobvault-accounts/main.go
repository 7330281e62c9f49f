package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meshxdata/blobvault/internal/config"
	"github.com/meshxdata/blobvault/internal/database"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "blobvault-accounts",
		Short: "Account management CLI for blobvault",
	}

	var dbConfig database.Config
	var configFile string

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbConfig.ConnectionString, "db-connection", "", "database connection string")
	rootCmd.PersistentFlags().StringVar(&dbConfig.Driver, "db-driver", "postgres", "database driver")

	var createCmd = &cobra.Command{
		Use:   "create",
		Short: "Create a new account",
		Run: func(cmd *cobra.Command, args []string) {
			db, am := setupDatabase(configFile, dbConfig)
			defer db.Close()

			email, _ := cmd.Flags().GetString("email")
			credential, _ := cmd.Flags().GetString("credential")
			identity, _ := cmd.Flags().GetString("identity")

			if credential == "" {
				log.Fatal("--credential is required")
			}

			var account *database.Account
			var err error
			if identity != "" {
				account, err = am.CreateAccountWithKeys(email, identity, credential)
			} else {
				account, err = am.CreateAccount(email, credential)
			}
			if err != nil {
				log.Fatalf("Failed to create account: %v", err)
			}

			fmt.Printf("Account created:\n")
			fmt.Printf("Email:    %s\n", account.Email)
			fmt.Printf("Identity: %s\n", account.Identity)
			fmt.Printf("Active:   %v\n", account.Active)
		},
	}

	createCmd.Flags().String("email", "", "Account email")
	createCmd.Flags().String("credential", "", "Account credential (will be hashed)")
	createCmd.Flags().String("identity", "", "Custom identity (generated when omitted)")
	createCmd.MarkFlagRequired("email")

	var listCmd = &cobra.Command{
		Use:   "list",
		Short: "List all accounts",
		Run: func(cmd *cobra.Command, args []string) {
			db, am := setupDatabase(configFile, dbConfig)
			defer db.Close()

			accounts, err := am.ListAccounts()
			if err != nil {
				log.Fatalf("Failed to list accounts: %v", err)
			}

			fmt.Printf("%-24s %-30s %-8s %-20s %-20s\n", "Identity", "Email", "Active", "Created", "Last Login")
			fmt.Println(strings.Repeat("-", 104))

			for _, account := range accounts {
				lastLogin := "Never"
				if account.LastLogin != nil {
					lastLogin = account.LastLogin.Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%-24s %-30s %-8v %-20s %-20s\n",
					account.Identity,
					account.Email,
					account.Active,
					account.CreatedAt.Format("2006-01-02 15:04:05"),
					lastLogin,
				)
			}
		},
	}

	var disableCmd = &cobra.Command{
		Use:   "disable",
		Short: "Disable an account",
		Run: func(cmd *cobra.Command, args []string) {
			db, am := setupDatabase(configFile, dbConfig)
			defer db.Close()

			identity, _ := cmd.Flags().GetString("identity")
			if err := am.DisableAccount(identity); err != nil {
				log.Fatalf("Failed to disable account: %v", err)
			}
			fmt.Printf("Account %s disabled\n", identity)
		},
	}

	disableCmd.Flags().String("identity", "", "Account identity")
	disableCmd.MarkFlagRequired("identity")

	var enableCmd = &cobra.Command{
		Use:   "enable",
		Short: "Enable an account",
		Run: func(cmd *cobra.Command, args []string) {
			db, am := setupDatabase(configFile, dbConfig)
			defer db.Close()

			identity, _ := cmd.Flags().GetString("identity")
			if err := am.EnableAccount(identity); err != nil {
				log.Fatalf("Failed to enable account: %v", err)
			}
			fmt.Printf("Account %s enabled\n", identity)
		},
	}

	enableCmd.Flags().String("identity", "", "Account identity")
	enableCmd.MarkFlagRequired("identity")

	var rotateCmd = &cobra.Command{
		Use:   "rotate",
		Short: "Rotate an account credential",
		Run: func(cmd *cobra.Command, args []string) {
			db, am := setupDatabase(configFile, dbConfig)
			defer db.Close()

			identity, _ := cmd.Flags().GetString("identity")
			credential, _ := cmd.Flags().GetString("credential")
			if err := am.UpdateAccountCredential(identity, credential); err != nil {
				log.Fatalf("Failed to rotate credential: %v", err)
			}
			fmt.Printf("Credential for %s rotated\n", identity)
		},
	}

	rotateCmd.Flags().String("identity", "", "Account identity")
	rotateCmd.Flags().String("credential", "", "New credential")
	rotateCmd.MarkFlagRequired("identity")
	rotateCmd.MarkFlagRequired("credential")

	var grantCmd = &cobra.Command{
		Use:   "grant",
		Short: "Grant container permissions to an account",
		Run: func(cmd *cobra.Command, args []string) {
			db, am := setupDatabase(configFile, dbConfig)
			defer db.Close()

			identity, _ := cmd.Flags().GetString("identity")
			container, _ := cmd.Flags().GetString("container")
			permissions, _ := cmd.Flags().GetString("permissions")

			if err := am.GrantContainerPermission(identity, container, permissions); err != nil {
				log.Fatalf("Failed to grant permission: %v", err)
			}
			fmt.Printf("Granted %s on container %s to %s\n", permissions, container, identity)
		},
	}

	grantCmd.Flags().String("identity", "", "Account identity")
	grantCmd.Flags().String("container", "", "Container pattern (e.g. 'photos' or 'team-*')")
	grantCmd.Flags().String("permissions", "read,write", "Permissions (comma-separated: read,write,delete,list)")
	grantCmd.MarkFlagRequired("identity")
	grantCmd.MarkFlagRequired("container")

	var revokeCmd = &cobra.Command{
		Use:   "revoke",
		Short: "Revoke container permissions from an account",
		Run: func(cmd *cobra.Command, args []string) {
			db, am := setupDatabase(configFile, dbConfig)
			defer db.Close()

			identity, _ := cmd.Flags().GetString("identity")
			container, _ := cmd.Flags().GetString("container")

			if err := am.RevokeContainerPermission(identity, container); err != nil {
				log.Fatalf("Failed to revoke permission: %v", err)
			}
			fmt.Printf("Revoked permissions on container %s from %s\n", container, identity)
		},
	}

	revokeCmd.Flags().String("identity", "", "Account identity")
	revokeCmd.Flags().String("container", "", "Container pattern")
	revokeCmd.MarkFlagRequired("identity")
	revokeCmd.MarkFlagRequired("container")

	rootCmd.AddCommand(createCmd, listCmd, disableCmd, enableCmd, rotateCmd, grantCmd, revokeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setupDatabase(configFile string, dbConfig database.Config) (*database.DB, *database.AccountManager) {
	if configFile != "" {
		cfg, err := config.Load(configFile)
		if err == nil && cfg.Database.Enabled {
			dbConfig.ConnectionString = cfg.Database.ConnectionString
			dbConfig.Driver = cfg.Database.Driver
			dbConfig.MaxOpenConns = cfg.Database.MaxOpenConns
			dbConfig.MaxIdleConns = cfg.Database.MaxIdleConns
			dbConfig.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		}
	}

	if dbConfig.ConnectionString == "" {
		log.Fatal("Database connection string is required. Use --db-connection or configure in config file")
	}

	db, err := database.NewConnection(dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	return db, database.NewAccountManager(db)
}
