package cryptoprim

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenAESGCMRoundTrips(t *testing.T) {
	key := make([]byte, SymmetricKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	sealed, err := SealAESGCM(key, []byte("plaintext"), []byte("aad"))
	require.NoError(t, err)

	opened, err := OpenAESGCM(key, sealed.Ciphertext, sealed.Nonce, []byte("aad"))
	require.NoError(t, err)
	require.Equal(t, []byte("plaintext"), opened)
}

func TestOpenAESGCMRejectsWrongAdditionalData(t *testing.T) {
	key := make([]byte, SymmetricKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	sealed, err := SealAESGCM(key, []byte("plaintext"), []byte("aad"))
	require.NoError(t, err)

	_, err = OpenAESGCM(key, sealed.Ciphertext, sealed.Nonce, []byte("wrong-aad"))
	require.Error(t, err)
}

func TestSealXChaCha20RoundTrips(t *testing.T) {
	key := make([]byte, SymmetricKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	sealed, err := SealXChaCha20(key, []byte("share bytes"), nil)
	require.NoError(t, err)
	require.Equal(t, "xchacha20-poly1305", sealed.Algorithm)

	opened, err := OpenXChaCha20(key, sealed.Ciphertext, sealed.Nonce, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("share bytes"), opened)
}

func TestSealAndOpenDispatchByAlgorithm(t *testing.T) {
	key := make([]byte, SymmetricKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	sealed, err := Seal("xchacha20-poly1305", key, []byte("payload"), []byte("ctx"))
	require.NoError(t, err)

	opened, err := Open(sealed, key, []byte("ctx"))
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), opened)
}

func TestSealRejectsWrongKeySize(t *testing.T) {
	_, err := SealAESGCM([]byte("too-short"), []byte("x"), nil)
	require.Error(t, err)
}

func TestOpenRejectsUnsupportedAlgorithm(t *testing.T) {
	key := make([]byte, SymmetricKeySize)
	_, err := Open(&Sealed{Algorithm: "rot13"}, key, nil)
	require.Error(t, err)
}

func TestHasherIsDomainSeparated(t *testing.T) {
	a := Sum32("DOMAIN_A", []byte("same bytes"))
	b := Sum32("DOMAIN_B", []byte("same bytes"))
	require.NotEqual(t, a, b, "identical payloads under different domains must not collide")
}

func TestHasherFieldOrderMatters(t *testing.T) {
	h1 := NewHasher("T").WriteU32(1).WriteU32(2).Sum()
	h2 := NewHasher("T").WriteU32(2).WriteU32(1).Sum()
	require.NotEqual(t, h1, h2)
}

func TestHasherIsDeterministic(t *testing.T) {
	build := func() Hash32 {
		return NewHasher("X").WriteBytes([]byte("a")).WriteU16(7).WriteU64(99).Sum()
	}
	require.Equal(t, build(), build())
}

func TestDeriveKeyIsDeterministicAndSaltSeparated(t *testing.T) {
	master := []byte("master-secret-material-32-bytes")
	k1, err := DeriveKey(master, []byte("salt-a"), []byte("info"), 32)
	require.NoError(t, err)
	k2, err := DeriveKey(master, []byte("salt-a"), []byte("info"), 32)
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	k3, err := DeriveKey(master, []byte("salt-b"), []byte("info"), 32)
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}

func TestSignVerifyEd25519RoundTrips(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sig := SignEd25519(priv, []byte("message"))
	require.True(t, VerifyEd25519(pub, []byte("message"), sig))
	require.False(t, VerifyEd25519(pub, []byte("tampered"), sig))
}

func TestVerifyEd25519RejectsMalformedKeyOrSignatureWithoutPanicking(t *testing.T) {
	require.False(t, VerifyEd25519([]byte("too-short"), []byte("m"), []byte("sig")))

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	require.False(t, VerifyEd25519(pub, []byte("m"), []byte("too-short-sig")))
}
