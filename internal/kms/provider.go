// Package kms provides key-encryption-key providers for envelope
// encryption: a local PBKDF2-derived key, a key file, and AWS KMS.
package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	awskms "github.com/aws/aws-sdk-go/service/kms"
	"golang.org/x/crypto/pbkdf2"

	"github.com/meshxdata/blobvault/internal/config"
)

// KeyProvider wraps and unwraps content encryption keys.
type KeyProvider interface {
	// KeyID identifies the key-encryption key; stored with the envelope so
	// decryption can verify it is using the right provider.
	KeyID() string
	WrapKey(ctx context.Context, cek []byte) ([]byte, error)
	UnwrapKey(ctx context.Context, wrapped []byte, keyID string) ([]byte, error)
}

// NewProvider builds a key provider from configuration.
func NewProvider(cfg *config.EncryptionConfig) (KeyProvider, error) {
	switch cfg.KeyProvider {
	case "local":
		if cfg.Local == nil || cfg.Local.MasterKey == "" {
			return nil, fmt.Errorf("local key provider requires a master key")
		}
		return NewLocalProvider(cfg.Local.MasterKey, cfg.Local.KeySalt), nil
	case "file":
		if cfg.KeyFile == nil || cfg.KeyFile.Path == "" {
			return nil, fmt.Errorf("file key provider requires a path")
		}
		return NewFileProvider(cfg.KeyFile.Path)
	case "aws-kms":
		if cfg.KMS == nil || cfg.KMS.KeyID == "" {
			return nil, fmt.Errorf("aws-kms key provider requires a key id")
		}
		return NewAWSKMSProvider(cfg.KMS)
	default:
		return nil, fmt.Errorf("unsupported key provider: %s", cfg.KeyProvider)
	}
}

// LocalProvider derives a 256-bit KEK from a master passphrase with PBKDF2
// and wraps CEKs with AES Key Wrap.
type LocalProvider struct {
	kek   []byte
	keyID string
}

const pbkdf2Iterations = 100_000

func NewLocalProvider(masterKey, salt string) *LocalProvider {
	if salt == "" {
		salt = "blobvault-kek-v1"
	}
	kek := pbkdf2.Key([]byte(masterKey), []byte(salt), pbkdf2Iterations, 32, sha256.New)
	sum := sha256.Sum256(kek)
	return &LocalProvider{
		kek:   kek,
		keyID: "local:" + hex.EncodeToString(sum[:4]),
	}
}

func (p *LocalProvider) KeyID() string { return p.keyID }

func (p *LocalProvider) WrapKey(_ context.Context, cek []byte) ([]byte, error) {
	return wrapKey(p.kek, cek)
}

func (p *LocalProvider) UnwrapKey(_ context.Context, wrapped []byte, keyID string) ([]byte, error) {
	if keyID != "" && keyID != p.keyID {
		return nil, fmt.Errorf("kms: envelope key id %q does not match provider %q", keyID, p.keyID)
	}
	return unwrapKey(p.kek, wrapped)
}

// FileProvider reads a raw or hex-encoded 256-bit KEK from disk.
type FileProvider struct {
	kek   []byte
	keyID string
}

func NewFileProvider(path string) (*FileProvider, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	raw := strings.TrimSpace(string(data))
	var kek []byte
	if decoded, decErr := hex.DecodeString(raw); decErr == nil && len(decoded) == 32 {
		kek = decoded
	} else if len(data) == 32 {
		kek = data
	} else {
		return nil, fmt.Errorf("key file must contain 32 raw bytes or 64 hex characters")
	}

	sum := sha256.Sum256(kek)
	return &FileProvider{
		kek:   kek,
		keyID: "file:" + hex.EncodeToString(sum[:4]),
	}, nil
}

func (p *FileProvider) KeyID() string { return p.keyID }

func (p *FileProvider) WrapKey(_ context.Context, cek []byte) ([]byte, error) {
	return wrapKey(p.kek, cek)
}

func (p *FileProvider) UnwrapKey(_ context.Context, wrapped []byte, keyID string) ([]byte, error) {
	if keyID != "" && keyID != p.keyID {
		return nil, fmt.Errorf("kms: envelope key id %q does not match provider %q", keyID, p.keyID)
	}
	return unwrapKey(p.kek, wrapped)
}

// AWSKMSProvider delegates wrapping to AWS KMS. The wrapped blob is the KMS
// ciphertext; KMS resolves the key from it on decrypt.
type AWSKMSProvider struct {
	client *awskms.KMS
	keyID  string
}

func NewAWSKMSProvider(cfg *config.KMSKeyConfig) (*AWSKMSProvider, error) {
	awsCfg := aws.NewConfig()
	if cfg.Region != "" {
		awsCfg = awsCfg.WithRegion(cfg.Region)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &AWSKMSProvider{
		client: awskms.New(sess),
		keyID:  cfg.KeyID,
	}, nil
}

func (p *AWSKMSProvider) KeyID() string { return "aws-kms:" + p.keyID }

func (p *AWSKMSProvider) WrapKey(ctx context.Context, cek []byte) ([]byte, error) {
	out, err := p.client.EncryptWithContext(ctx, &awskms.EncryptInput{
		KeyId:     aws.String(p.keyID),
		Plaintext: cek,
	})
	if err != nil {
		return nil, fmt.Errorf("kms encrypt failed: %w", err)
	}
	return out.CiphertextBlob, nil
}

func (p *AWSKMSProvider) UnwrapKey(ctx context.Context, wrapped []byte, _ string) ([]byte, error) {
	out, err := p.client.DecryptWithContext(ctx, &awskms.DecryptInput{
		CiphertextBlob: wrapped,
	})
	if err != nil {
		return nil, fmt.Errorf("kms decrypt failed: %w", err)
	}
	return out.Plaintext, nil
}
