// Package config provides configuration structures and loading functionality for the blob engine.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// Config represents the main configuration structure for the blob engine
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	SAS        SASConfig        `mapstructure:"sas"`
	Lease      LeaseConfig      `mapstructure:"lease"`
	Transfer   TransferConfig   `mapstructure:"transfer"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Sentry     SentryConfig     `mapstructure:"sentry"`
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Listen       string        `mapstructure:"listen" envconfig:"SERVER_LISTEN" default:":8080"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"SERVER_READ_TIMEOUT" default:"60s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"SERVER_WRITE_TIMEOUT" default:"60s"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" envconfig:"SERVER_IDLE_TIMEOUT" default:"120s"`
	MaxBodySize  int64         `mapstructure:"max_body_size" envconfig:"SERVER_MAX_BODY_SIZE" default:"5368709120"` // 5GB
}

// StorageConfig specifies the storage backend configuration
type StorageConfig struct {
	Provider   string              `mapstructure:"provider" envconfig:"STORAGE_PROVIDER" required:"true"`
	FileSystem *FileSystemConfig   `mapstructure:"filesystem"`
	Azure      *AzureStorageConfig `mapstructure:"azure"`
	S3         *S3StorageConfig    `mapstructure:"s3"`
}

// FileSystemConfig contains filesystem storage backend settings
type FileSystemConfig struct {
	BaseDir string `mapstructure:"base_dir" envconfig:"FS_BASE_DIR" default:"/data"`
}

// AzureStorageConfig contains Azure Blob Storage backend settings
type AzureStorageConfig struct {
	AccountName   string `mapstructure:"account_name" envconfig:"AZURE_ACCOUNT_NAME"`
	AccountKey    string `mapstructure:"account_key" envconfig:"AZURE_ACCOUNT_KEY"`
	ContainerName string `mapstructure:"container_name" envconfig:"AZURE_CONTAINER_NAME"`
	Endpoint      string `mapstructure:"endpoint" envconfig:"AZURE_ENDPOINT"`
	UseSAS        bool   `mapstructure:"use_sas" envconfig:"AZURE_USE_SAS" default:"false"`
	SASToken      string `mapstructure:"sas_token" envconfig:"AZURE_SAS_TOKEN"`
}

// S3StorageConfig contains S3 storage backend settings
type S3StorageConfig struct {
	Endpoint     string `mapstructure:"endpoint" envconfig:"S3_ENDPOINT"`
	Region       string `mapstructure:"region" envconfig:"S3_REGION" default:"us-east-1"`
	AccessKey    string `mapstructure:"access_key" envconfig:"S3_ACCESS_KEY"`
	SecretKey    string `mapstructure:"secret_key" envconfig:"S3_SECRET_KEY"`
	Profile      string `mapstructure:"profile" envconfig:"AWS_PROFILE"`
	UsePathStyle bool   `mapstructure:"use_path_style" envconfig:"S3_USE_PATH_STYLE" default:"true"`
	DisableSSL   bool   `mapstructure:"disable_ssl" envconfig:"S3_DISABLE_SSL" default:"false"`
}

// AuthConfig specifies request authentication configuration
type AuthConfig struct {
	Type       string `mapstructure:"type" envconfig:"AUTH_TYPE" default:"none"` // none, sharedkey, database
	Identity   string `mapstructure:"identity" envconfig:"AUTH_IDENTITY"`
	Credential string `mapstructure:"credential" envconfig:"AUTH_CREDENTIAL"`
}

// DatabaseConfig specifies database configuration for the access-key store
type DatabaseConfig struct {
	Enabled          bool          `mapstructure:"enabled" envconfig:"DB_ENABLED" default:"false"`
	Driver           string        `mapstructure:"driver" envconfig:"DB_DRIVER" default:"postgres"`
	ConnectionString string        `mapstructure:"connection_string" envconfig:"DB_CONNECTION_STRING"`
	MaxOpenConns     int           `mapstructure:"max_open_conns" envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns" envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime" envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
}

// EncryptionConfig specifies client-side envelope encryption settings
type EncryptionConfig struct {
	Enabled     bool            `mapstructure:"enabled" envconfig:"ENCRYPTION_ENABLED" default:"false"`
	KeyProvider string          `mapstructure:"key_provider" envconfig:"ENCRYPTION_KEY_PROVIDER" default:"local"` // local, file, aws-kms
	Local       *LocalKeyConfig `mapstructure:"local"`
	KeyFile     *FileKeyConfig  `mapstructure:"key_file"`
	KMS         *KMSKeyConfig   `mapstructure:"kms"`
}

// LocalKeyConfig contains settings for the local master key provider
type LocalKeyConfig struct {
	MasterKey string `mapstructure:"master_key" envconfig:"ENCRYPTION_LOCAL_MASTER_KEY"`
	KeySalt   string `mapstructure:"key_salt" envconfig:"ENCRYPTION_LOCAL_KEY_SALT"`
}

// FileKeyConfig contains settings for the file-based key provider
type FileKeyConfig struct {
	Path string `mapstructure:"path" envconfig:"ENCRYPTION_KEY_FILE"`
}

// KMSKeyConfig contains settings for AWS KMS key management
type KMSKeyConfig struct {
	KeyID  string `mapstructure:"key_id" envconfig:"KMS_KEY_ID"`
	Region string `mapstructure:"region" envconfig:"KMS_REGION"`
}

// SASConfig contains signed access token settings
type SASConfig struct {
	Enabled    bool          `mapstructure:"enabled" envconfig:"SAS_ENABLED" default:"true"`
	SigningKey string        `mapstructure:"signing_key" envconfig:"SAS_SIGNING_KEY"`
	MaxTTL     time.Duration `mapstructure:"max_ttl" envconfig:"SAS_MAX_TTL" default:"168h"` // 7 days
	ClockSkew  time.Duration `mapstructure:"clock_skew" envconfig:"SAS_CLOCK_SKEW" default:"5m"`
}

// LeaseConfig contains lease manager settings
type LeaseConfig struct {
	MinDuration time.Duration `mapstructure:"min_duration" envconfig:"LEASE_MIN_DURATION" default:"15s"`
	MaxDuration time.Duration `mapstructure:"max_duration" envconfig:"LEASE_MAX_DURATION" default:"60s"`
}

// TransferConfig contains chunked transfer engine settings
type TransferConfig struct {
	ChunkSize      int64 `mapstructure:"chunk_size" envconfig:"TRANSFER_CHUNK_SIZE" default:"4194304"` // 4MB
	MaxConcurrency int   `mapstructure:"max_concurrency" envconfig:"TRANSFER_MAX_CONCURRENCY" default:"4"`
	MaxSingleShot  int64 `mapstructure:"max_single_shot" envconfig:"TRANSFER_MAX_SINGLE_SHOT" default:"67108864"` // 64MB
}

// CacheConfig contains object cache settings
type CacheConfig struct {
	Enabled       bool          `mapstructure:"enabled" envconfig:"CACHE_ENABLED" default:"false"`
	MaxMemory     int64         `mapstructure:"max_memory" envconfig:"CACHE_MAX_MEMORY" default:"1073741824"`         // 1GB
	MaxObjectSize int64         `mapstructure:"max_object_size" envconfig:"CACHE_MAX_OBJECT_SIZE" default:"10485760"` // 10MB
	TTL           time.Duration `mapstructure:"ttl" envconfig:"CACHE_TTL" default:"5m"`
}

// PipelineConfig contains pipeline control-plane client settings
type PipelineConfig struct {
	Endpoint string        `mapstructure:"endpoint" envconfig:"PIPELINE_ENDPOINT"`
	APIKey   string        `mapstructure:"api_key" envconfig:"PIPELINE_API_KEY"`
	Timeout  time.Duration `mapstructure:"timeout" envconfig:"PIPELINE_TIMEOUT" default:"30s"`
}

// MonitoringConfig contains monitoring and profiling configuration
type MonitoringConfig struct {
	MetricsEnabled bool `mapstructure:"metrics_enabled" envconfig:"MONITORING_METRICS_ENABLED" default:"true"`
	PprofEnabled   bool `mapstructure:"pprof_enabled" envconfig:"MONITORING_PPROF_ENABLED" default:"false"`
}

// SentryConfig contains Sentry error tracking configuration
type SentryConfig struct {
	Enabled          bool     `mapstructure:"enabled" envconfig:"SENTRY_ENABLED" default:"false"`
	DSN              string   `mapstructure:"dsn" envconfig:"SENTRY_DSN"`
	Environment      string   `mapstructure:"environment" envconfig:"SENTRY_ENVIRONMENT" default:"production"`
	SampleRate       float64  `mapstructure:"sample_rate" envconfig:"SENTRY_SAMPLE_RATE" default:"1.0"`
	TracesSampleRate float64  `mapstructure:"traces_sample_rate" envconfig:"SENTRY_TRACES_SAMPLE_RATE" default:"0.1"`
	AttachStacktrace bool     `mapstructure:"attach_stacktrace" envconfig:"SENTRY_ATTACH_STACKTRACE" default:"true"`
	Debug            bool     `mapstructure:"debug" envconfig:"SENTRY_DEBUG" default:"false"`
	MaxBreadcrumbs   int      `mapstructure:"max_breadcrumbs" envconfig:"SENTRY_MAX_BREADCRUMBS" default:"30"`
	IgnoreErrors     []string `mapstructure:"ignore_errors"`
	ServerName       string   `mapstructure:"server_name" envconfig:"SENTRY_SERVER_NAME"`
	Release          string   `mapstructure:"release" envconfig:"SENTRY_RELEASE"`
}

// Load reads and validates configuration from a file or environment variables.
// If configFile is empty, only environment variables are processed.
// Returns a validated Config struct or an error if validation fails.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := viper.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate ensures required fields are present for the selected providers.
func validate(cfg *Config) error {
	if cfg.Storage.Provider == "" {
		return fmt.Errorf("storage provider is required")
	}

	switch cfg.Storage.Provider {
	case "filesystem":
		if cfg.Storage.FileSystem == nil {
			cfg.Storage.FileSystem = &FileSystemConfig{BaseDir: "/data"}
		}
		if cfg.Storage.FileSystem.BaseDir == "" {
			return fmt.Errorf("filesystem base_dir is required for provider '%s'", cfg.Storage.Provider)
		}
	case "azure", "azureblob":
		if cfg.Storage.Azure == nil {
			return fmt.Errorf("azure storage config is required for provider '%s'", cfg.Storage.Provider)
		}
		if cfg.Storage.Azure.AccountName == "" || cfg.Storage.Azure.AccountKey == "" {
			if !cfg.Storage.Azure.UseSAS || cfg.Storage.Azure.SASToken == "" {
				return fmt.Errorf("azure account name and key or SAS token are required for provider '%s'", cfg.Storage.Provider)
			}
		}
	case "s3":
		if cfg.Storage.S3 == nil {
			return fmt.Errorf("s3 storage config is required for provider '%s'", cfg.Storage.Provider)
		}
		// Custom endpoints (MinIO and friends) need explicit credentials; real AWS
		// can fall back to the SDK credential chain.
		if cfg.Storage.S3.Endpoint != "" {
			if cfg.Storage.S3.Profile == "" && cfg.Storage.S3.AccessKey == "" && cfg.Storage.S3.SecretKey == "" {
				return fmt.Errorf("s3 credentials are required for custom endpoint '%s': specify profile or access/secret keys", cfg.Storage.S3.Endpoint)
			}
		}
	default:
		return fmt.Errorf("unsupported storage provider: %s", cfg.Storage.Provider)
	}

	switch cfg.Auth.Type {
	case "none":
	case "sharedkey":
		if cfg.Auth.Identity == "" || cfg.Auth.Credential == "" {
			return fmt.Errorf("sharedkey auth requires identity and credential")
		}
	case "database":
		if !cfg.Database.Enabled {
			return fmt.Errorf("database auth requires database.enabled")
		}
		if cfg.Database.ConnectionString == "" {
			return fmt.Errorf("database auth requires a connection string")
		}
	default:
		return fmt.Errorf("unsupported auth type: %s", cfg.Auth.Type)
	}

	if cfg.SAS.Enabled && cfg.SAS.SigningKey == "" && cfg.Auth.Credential == "" {
		return fmt.Errorf("sas requires a signing key when no account credential is configured")
	}

	if cfg.Encryption.Enabled {
		switch cfg.Encryption.KeyProvider {
		case "local":
			if cfg.Encryption.Local == nil || cfg.Encryption.Local.MasterKey == "" {
				return fmt.Errorf("local key provider requires a master key")
			}
		case "file":
			if cfg.Encryption.KeyFile == nil || cfg.Encryption.KeyFile.Path == "" {
				return fmt.Errorf("file key provider requires a key file path")
			}
		case "aws-kms":
			if cfg.Encryption.KMS == nil || cfg.Encryption.KMS.KeyID == "" {
				return fmt.Errorf("aws-kms key provider requires a key id")
			}
		default:
			return fmt.Errorf("unsupported key provider: %s", cfg.Encryption.KeyProvider)
		}
	}

	if cfg.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("transfer chunk size must be positive")
	}
	if cfg.Transfer.MaxConcurrency <= 0 {
		return fmt.Errorf("transfer max concurrency must be positive")
	}

	return nil
}
