package cryptoprim

import (
	"crypto/ed25519"
	"fmt"
)

// Ed25519PublicKeySize and Ed25519SignatureSize mirror the stdlib constants,
// re-exported so callers outside this package never need to import
// crypto/ed25519 directly.
const (
	Ed25519PublicKeySize  = ed25519.PublicKeySize
	Ed25519SignatureSize  = ed25519.SignatureSize
	Ed25519PrivateKeySize = ed25519.PrivateKeySize
)

// GenerateEd25519Keypair creates a fresh device or guardian signing key.
func GenerateEd25519Keypair(randSource randomReader) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(randSource)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return pub, priv, nil
}

// randomReader is satisfied by crypto/rand.Reader and by the effect
// surface's RandomSource (internal/effects), keeping this package free of
// a hard dependency on either.
type randomReader interface {
	Read(p []byte) (n int, err error)
}

// SignEd25519 signs a message with a raw Ed25519 private key.
func SignEd25519(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

// VerifyEd25519 verifies an Ed25519 signature. It never panics on
// malformed input, unlike the stdlib function when given a wrong-sized key.
func VerifyEd25519(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}
