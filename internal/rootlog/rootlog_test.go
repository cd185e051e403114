package rootlog

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura/internal/cryptoprim"
	"github.com/hxrts/aura/internal/ids"
)

func sign(t *testing.T, priv ed25519.PrivateKey, account ids.AccountID, epoch ids.Epoch, root cryptoprim.Hash32, prevSig []byte) SignedRoot {
	t.Helper()
	msg := signable(account, epoch, root, prevSig)
	return SignedRoot{
		AccountID: account,
		Epoch:     epoch,
		Root:      root,
		PrevSig:   prevSig,
		Signature: ed25519.Sign(priv, msg),
	}
}

func TestVerifyChainAcceptsValidChain(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	account := ids.NewAccountID()

	var root1, root2 cryptoprim.Hash32
	root1[0] = 1
	root2[0] = 2

	entry1 := sign(t, priv, account, 1, root1, nil)
	entry2 := sign(t, priv, account, 2, root2, entry1.Signature)

	require.NoError(t, VerifyChain(pub, []SignedRoot{entry1, entry2}, nil))
}

func TestVerifyChainRejectsBrokenLink(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	account := ids.NewAccountID()

	var root1, root2 cryptoprim.Hash32
	root1[0] = 1
	root2[0] = 2

	entry1 := sign(t, priv, account, 1, root1, nil)
	// entry2 signed as if it followed a different (unrelated) predecessor
	// signature, simulating a reordering/substitution attack on the chain.
	entry2 := sign(t, priv, account, 2, root2, []byte("not-entry1-signature"))

	err = VerifyChain(pub, []SignedRoot{entry1, entry2}, nil)
	require.Error(t, err)
}

func TestVerifyChainRejectsTamperedRoot(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	account := ids.NewAccountID()

	var root1 cryptoprim.Hash32
	root1[0] = 1
	entry1 := sign(t, priv, account, 1, root1, nil)

	entry1.Root[0] = 0xFF // tamper after signing

	err = VerifyChain(pub, []SignedRoot{entry1}, nil)
	require.Error(t, err)
}

func TestVerifyChainRejectsWrongSigner(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	account := ids.NewAccountID()

	var root1 cryptoprim.Hash32
	root1[0] = 1
	entry1 := sign(t, priv, account, 1, root1, nil)

	err = VerifyChain(otherPub, []SignedRoot{entry1}, nil)
	require.Error(t, err)
}

func TestNewSignerExposesMatchingPublicKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer := NewSigner(priv)
	require.Equal(t, pub, signer.PublicKey())
}
