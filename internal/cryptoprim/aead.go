/*
AEAD primitives for sealing FROST round-2 shares and recovery payloads in
transit. Adapted from the teacher's sealed-sender symmetric encryption:
AES-256-GCM for the common case, XChaCha20-Poly1305 when a larger random
nonce is preferable to a counter-managed one (e.g. share encryption where
many envelopes may be sealed under the same ephemeral key within a round).
*/
package cryptoprim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const SymmetricKeySize = 32
const AESGCMNonceSize = 12
const XChaCha20NonceSize = 24

// Sealed is an encrypted blob with the metadata needed to open it.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
	Algorithm  string
}

func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// SealAESGCM encrypts plaintext under a 256-bit key with AES-256-GCM.
func SealAESGCM(key, plaintext, additionalData []byte) (*Sealed, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("invalid key size: expected %d, got %d", SymmetricKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	nonce, err := GenerateNonce(gcm.NonceSize())
	if err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, additionalData)
	return &Sealed{Ciphertext: ciphertext, Nonce: nonce, Algorithm: "aes-256-gcm"}, nil
}

// OpenAESGCM reverses SealAESGCM.
func OpenAESGCM(key, ciphertext, nonce, additionalData []byte) ([]byte, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("invalid key size: expected %d, got %d", SymmetricKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce size: expected %d, got %d", gcm.NonceSize(), len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("aead open: %w", err)
	}
	return plaintext, nil
}

// SealXChaCha20 encrypts plaintext with XChaCha20-Poly1305, preferable
// when nonces are generated independently by many callers under one key
// (its 192-bit nonce makes collision negligible without a counter).
func SealXChaCha20(key, plaintext, additionalData []byte) (*Sealed, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("invalid key size: expected %d, got %d", SymmetricKeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("new xchacha20poly1305: %w", err)
	}
	nonce, err := GenerateNonce(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, additionalData)
	return &Sealed{Ciphertext: ciphertext, Nonce: nonce, Algorithm: "xchacha20-poly1305"}, nil
}

// OpenXChaCha20 reverses SealXChaCha20.
func OpenXChaCha20(key, ciphertext, nonce, additionalData []byte) ([]byte, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("invalid key size: expected %d, got %d", SymmetricKeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("new xchacha20poly1305: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce size: expected %d, got %d", aead.NonceSize(), len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("aead open: %w", err)
	}
	return plaintext, nil
}

// Seal dispatches on algorithm name, mirroring Open below.
func Seal(algorithm string, key, plaintext, additionalData []byte) (*Sealed, error) {
	switch algorithm {
	case "aes-256-gcm":
		return SealAESGCM(key, plaintext, additionalData)
	case "xchacha20-poly1305":
		return SealXChaCha20(key, plaintext, additionalData)
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
}

func Open(s *Sealed, key, additionalData []byte) ([]byte, error) {
	switch s.Algorithm {
	case "aes-256-gcm":
		return OpenAESGCM(key, s.Ciphertext, s.Nonce, additionalData)
	case "xchacha20-poly1305":
		return OpenXChaCha20(key, s.Ciphertext, s.Nonce, additionalData)
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", s.Algorithm)
	}
}
