package kms

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

// RFC 3394 AES Key Wrap. Used to protect content encryption keys under a
// key-encryption key before they are stored alongside the blob.

var errWrapIntegrity = errors.New("kms: key unwrap integrity check failed")

const wrapIV = 0xA6A6A6A6A6A6A6A6

// wrapKey wraps plaintext key material (multiple of 8 bytes, at least 16)
// under kek.
func wrapKey(kek, plaintext []byte) ([]byte, error) {
	if len(plaintext) < 16 || len(plaintext)%8 != 0 {
		return nil, errors.New("kms: key to wrap must be a multiple of 8 bytes, minimum 16")
	}

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(plaintext) / 8
	r := make([][]byte, n)
	for i := range r {
		r[i] = make([]byte, 8)
		copy(r[i], plaintext[i*8:])
	}

	var a uint64 = wrapIV
	buf := make([]byte, 16)
	for j := 0; j < 6; j++ {
		for i := 0; i < n; i++ {
			binary.BigEndian.PutUint64(buf[:8], a)
			copy(buf[8:], r[i])
			block.Encrypt(buf, buf)
			a = binary.BigEndian.Uint64(buf[:8]) ^ uint64(n*j+i+1)
			copy(r[i], buf[8:])
		}
	}

	out := make([]byte, 8+len(plaintext))
	binary.BigEndian.PutUint64(out[:8], a)
	for i := 0; i < n; i++ {
		copy(out[8+i*8:], r[i])
	}
	return out, nil
}

// unwrapKey reverses wrapKey, failing closed on any integrity mismatch.
func unwrapKey(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped) < 24 || len(wrapped)%8 != 0 {
		return nil, errors.New("kms: wrapped key has invalid length")
	}

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(wrapped)/8 - 1
	a := binary.BigEndian.Uint64(wrapped[:8])
	r := make([][]byte, n)
	for i := range r {
		r[i] = make([]byte, 8)
		copy(r[i], wrapped[8+i*8:])
	}

	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n - 1; i >= 0; i-- {
			binary.BigEndian.PutUint64(buf[:8], a^uint64(n*j+i+1))
			copy(buf[8:], r[i])
			block.Decrypt(buf, buf)
			a = binary.BigEndian.Uint64(buf[:8])
			copy(r[i], buf[8:])
		}
	}

	var iv [8]byte
	binary.BigEndian.PutUint64(iv[:], wrapIV)
	var got [8]byte
	binary.BigEndian.PutUint64(got[:], a)
	if subtle.ConstantTimeCompare(iv[:], got[:]) != 1 {
		return nil, errWrapIntegrity
	}

	out := make([]byte, n*8)
	for i := 0; i < n; i++ {
		copy(out[i*8:], r[i])
	}
	return out, nil
}
