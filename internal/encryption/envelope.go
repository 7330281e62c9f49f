// Package encryption implements client-side envelope encryption for blob
// content: AES-256-CBC over the payload, with the content key wrapped by a
// kms.KeyProvider and carried in blob metadata.
package encryption

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/meshxdata/blobvault/internal/kms"
)

// Algorithm identifies the envelope content cipher.
const Algorithm = "AES256-CBC-PKCS7"

// Metadata keys the envelope is persisted under.
const (
	MetaAlgorithm  = "encryption-algorithm"
	MetaKeyID      = "encryption-key-id"
	MetaWrappedKey = "encryption-dek"
	MetaIV         = "encryption-iv"
)

var (
	ErrNotEncrypted     = errors.New("encryption: metadata carries no envelope")
	ErrBadPadding       = errors.New("encryption: invalid padding")
	ErrBadCiphertext    = errors.New("encryption: ciphertext length is not a block multiple")
	ErrUnknownAlgorithm = errors.New("encryption: unknown algorithm")
)

// Envelope describes how a blob's content was encrypted.
type Envelope struct {
	Algorithm  string
	KeyID      string
	WrappedKey []byte
	IV         []byte
}

// ToMetadata writes the envelope into a blob metadata map.
func (e *Envelope) ToMetadata(metadata map[string]string) {
	metadata[MetaAlgorithm] = e.Algorithm
	metadata[MetaKeyID] = e.KeyID
	metadata[MetaWrappedKey] = base64.StdEncoding.EncodeToString(e.WrappedKey)
	metadata[MetaIV] = base64.StdEncoding.EncodeToString(e.IV)
}

// FromMetadata reads an envelope back out of blob metadata. Returns
// ErrNotEncrypted when no envelope is present.
func FromMetadata(metadata map[string]string) (*Envelope, error) {
	if metadata[MetaAlgorithm] == "" {
		return nil, ErrNotEncrypted
	}

	wrapped, err := base64.StdEncoding.DecodeString(metadata[MetaWrappedKey])
	if err != nil {
		return nil, fmt.Errorf("encryption: bad wrapped key encoding: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(metadata[MetaIV])
	if err != nil {
		return nil, fmt.Errorf("encryption: bad iv encoding: %w", err)
	}

	return &Envelope{
		Algorithm:  metadata[MetaAlgorithm],
		KeyID:      metadata[MetaKeyID],
		WrappedKey: wrapped,
		IV:         iv,
	}, nil
}

// IsEncrypted reports whether metadata carries an envelope.
func IsEncrypted(metadata map[string]string) bool {
	return metadata[MetaAlgorithm] != ""
}

// Encrypt encrypts plaintext under a fresh content key and returns the
// ciphertext with the envelope needed to decrypt it.
func Encrypt(ctx context.Context, provider kms.KeyProvider, plaintext []byte) ([]byte, *Envelope, error) {
	cek := make([]byte, 32)
	if _, err := rand.Read(cek); err != nil {
		return nil, nil, fmt.Errorf("encryption: failed to generate content key: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("encryption: failed to generate iv: %w", err)
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, nil, err
	}

	padded := pad(plaintext)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	wrapped, err := provider.WrapKey(ctx, cek)
	if err != nil {
		return nil, nil, fmt.Errorf("encryption: failed to wrap content key: %w", err)
	}

	return ciphertext, &Envelope{
		Algorithm:  Algorithm,
		KeyID:      provider.KeyID(),
		WrappedKey: wrapped,
		IV:         iv,
	}, nil
}

// Decrypt reverses Encrypt. It fails closed on unknown algorithms,
// truncated ciphertext, and padding corruption.
func Decrypt(ctx context.Context, provider kms.KeyProvider, ciphertext []byte, env *Envelope) ([]byte, error) {
	if env.Algorithm != Algorithm {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, env.Algorithm)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrBadCiphertext
	}
	if len(env.IV) != aes.BlockSize {
		return nil, fmt.Errorf("encryption: bad iv length %d", len(env.IV))
	}

	cek, err := provider.UnwrapKey(ctx, env.WrappedKey, env.KeyID)
	if err != nil {
		return nil, fmt.Errorf("encryption: failed to unwrap content key: %w", err)
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, env.IV).CryptBlocks(plaintext, ciphertext)

	return unpad(plaintext)
}

// pad applies PKCS#7 padding to a full block boundary.
func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

// unpad strips and validates PKCS#7 padding.
func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrBadPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-n], nil
}
