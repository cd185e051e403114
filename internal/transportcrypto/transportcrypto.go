/*
Package transportcrypto seals every ceremony envelope before it leaves a
device, independent of and in addition to the FROST-internal round-2
share encryption in internal/cryptoprim/frost: where that package
protects one DKG/reshare secret share between dealer and recipient, this
package protects the wire.Envelope carrying it (and every other ceremony
message) against the coordinator relay itself, which only ever sees
opaque ciphertext. Adapted from the teacher's hybrid PQXDH scheme
(X25519 + Kyber1024 via cloudflare/circl), generalized from one-shot
sealed-sender messages to a per-session transport key agreed once at
session open and reused for every envelope in that ceremony run.
*/
package transportcrypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/kyber/kyber1024"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/hxrts/aura/internal/cryptoprim"
)

// HybridKeyPair is a device's long-lived transport identity: an X25519
// key for classical ECDH and a Kyber1024 key for post-quantum KEM.
type HybridKeyPair struct {
	ECPublicKey  []byte
	ECPrivateKey []byte
	PQPublicKey  []byte
	PQPrivateKey []byte
}

// HybridPublicKey is the public half published to peers.
type HybridPublicKey struct {
	ECPublicKey []byte
	PQPublicKey []byte
}

func (kp *HybridKeyPair) Public() HybridPublicKey {
	return HybridPublicKey{ECPublicKey: kp.ECPublicKey, PQPublicKey: kp.PQPublicKey}
}

// GenerateHybridKeyPair creates a fresh X25519+Kyber1024 identity.
func GenerateHybridKeyPair() (*HybridKeyPair, error) {
	var ecPriv [32]byte
	if _, err := rand.Read(ecPriv[:]); err != nil {
		return nil, fmt.Errorf("transportcrypto: generate x25519 private key: %w", err)
	}
	ecPriv[0] &= 248
	ecPriv[31] &= 127
	ecPriv[31] |= 64

	ecPub, err := curve25519.X25519(ecPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("transportcrypto: derive x25519 public key: %w", err)
	}

	pqPub, pqPriv, err := kyber1024.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("transportcrypto: generate kyber key pair: %w", err)
	}
	pqPubBytes := make([]byte, kyber1024.PublicKeySize)
	pqPrivBytes := make([]byte, kyber1024.PrivateKeySize)
	pqPub.Pack(pqPubBytes)
	pqPriv.Pack(pqPrivBytes)

	return &HybridKeyPair{
		ECPublicKey:  ecPub,
		ECPrivateKey: ecPriv[:],
		PQPublicKey:  pqPubBytes,
		PQPrivateKey: pqPrivBytes,
	}, nil
}

// SessionKeyBundle is what a session initiator sends a responder to
// establish a shared transport key: the initiator's ephemeral hybrid
// public key plus the Kyber encapsulation against the responder's
// long-lived public key.
type SessionKeyBundle struct {
	EphemeralECPublicKey []byte
	KEMCiphertext        []byte
}

// EstablishAsInitiator derives a shared transport key by X25519-DHing an
// ephemeral key against responderPub and Kyber-encapsulating to
// responderPub, returning the bundle to send and the derived key.
func EstablishAsInitiator(responderPub HybridPublicKey) (*SessionKeyBundle, []byte, error) {
	ephemeral, err := GenerateHybridKeyPair()
	if err != nil {
		return nil, nil, err
	}

	ecShared, err := curve25519.X25519(ephemeral.ECPrivateKey, responderPub.ECPublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("transportcrypto: x25519 dh: %w", err)
	}

	var pub kyber1024.PublicKey
	pub.Unpack(responderPub.PQPublicKey)
	ciphertext := make([]byte, kyber1024.CiphertextSize)
	pqShared := make([]byte, kyber1024.SharedKeySize)
	pub.EncapsulateTo(ciphertext, pqShared, nil)

	key, err := deriveTransportKey(ecShared, pqShared)
	if err != nil {
		return nil, nil, err
	}

	return &SessionKeyBundle{
		EphemeralECPublicKey: ephemeral.ECPublicKey,
		KEMCiphertext:        ciphertext,
	}, key, nil
}

// EstablishAsResponder derives the same shared transport key from the
// initiator's bundle and the responder's own long-lived private key.
func EstablishAsResponder(bundle SessionKeyBundle, own *HybridKeyPair) ([]byte, error) {
	ecShared, err := curve25519.X25519(own.ECPrivateKey, bundle.EphemeralECPublicKey)
	if err != nil {
		return nil, fmt.Errorf("transportcrypto: x25519 dh: %w", err)
	}

	var priv kyber1024.PrivateKey
	priv.Unpack(own.PQPrivateKey)
	pqShared := make([]byte, kyber1024.SharedKeySize)
	priv.DecapsulateTo(pqShared, bundle.KEMCiphertext)

	return deriveTransportKey(ecShared, pqShared)
}

func deriveTransportKey(ecShared, pqShared []byte) ([]byte, error) {
	ikm := append(append([]byte{}, ecShared...), pqShared...)
	reader := hkdf.New(sha256.New, ikm, nil, []byte("aura-transport-v1"))
	key := make([]byte, cryptoprim.SymmetricKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("transportcrypto: hkdf expand: %w", err)
	}
	return key, nil
}

// SealEnvelope encrypts a wire-framed envelope under the session's
// transport key before handing it to internal/sessiontransport or
// internal/transportbridge.
func SealEnvelope(transportKey, envelope []byte) (*cryptoprim.Sealed, error) {
	return cryptoprim.SealAESGCM(transportKey, envelope, []byte("aura-envelope"))
}

// OpenEnvelope reverses SealEnvelope.
func OpenEnvelope(transportKey []byte, sealed *cryptoprim.Sealed) ([]byte, error) {
	return cryptoprim.Open(sealed, transportKey, []byte("aura-envelope"))
}

// KeyFingerprint returns an HMAC-free SHA-256 fingerprint of a hybrid
// public key, used for out-of-band safety number comparison between devices.
func KeyFingerprint(pub HybridPublicKey) []byte {
	h := sha256.New()
	h.Write(pub.ECPublicKey)
	h.Write(pub.PQPublicKey)
	return h.Sum(nil)
}

// VerifyFingerprint is a constant-time comparison helper for the
// fingerprint a user confirms out of band.
func VerifyFingerprint(pub HybridPublicKey, claimed []byte) bool {
	return hmac.Equal(KeyFingerprint(pub), claimed)
}
