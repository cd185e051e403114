package frost

import (
	"fmt"
	"sort"

	"filippo.io/edwards25519"
	"github.com/hxrts/aura/internal/ids"
)

type SignPhase string

const (
	SignIdle      SignPhase = "idle"
	SignCommit    SignPhase = "commit"
	SignShare     SignPhase = "share"
	SignAggregate SignPhase = "aggregate"
	SignComplete  SignPhase = "complete"
	SignFailed    SignPhase = "failed"
)

type SignError struct {
	Kind string // InsufficientCommitments | InsufficientShares | SignerNotAuthorized | SignatureVerificationFailed | Internal | Timeout
	Msg  string
}

func (e *SignError) Error() string { return fmt.Sprintf("frost sign %s: %s", e.Kind, e.Msg) }

// NonceCommitment is a signer's round-1 broadcast: two Pedersen-style
// nonce commitments, "hiding" (d) and "binding" (e), never reused across
// sessions. The corresponding secret scalars live only in SignerNonces
// and must never be persisted to storage.
type NonceCommitment struct {
	Participant ids.ParticipantID
	Hiding      *edwards25519.Point
	Binding     *edwards25519.Point
}

// SignerNonces holds the secret halves of a NonceCommitment. Memory-only,
// destroyed by Zero once consumed — a signer must never regenerate a
// signature share from a reloaded nonce.
type SignerNonces struct {
	Hiding  *edwards25519.Scalar
	Binding *edwards25519.Scalar
	used    bool
}

// Zero destroys the nonce scalars in place.
func (n *SignerNonces) Zero() {
	n.Hiding = nil
	n.Binding = nil
}

// SigningPackage is what the coordinator assembles from collected
// commitments and broadcasts to the chosen signer subset before share
// generation.
type SigningPackage struct {
	Message     []byte
	Commitments []*NonceCommitment // sorted by Participant, defines the signer set
}

// SignatureShare is one signer's contribution to the aggregate signature.
type SignatureShare struct {
	Participant ids.ParticipantID
	Share       *edwards25519.Scalar
}

// GenerateNonces samples a fresh (hiding, binding) nonce pair for one
// signing session. Must be called exactly once per session per signer.
func GenerateNonces(self ids.ParticipantID, rng interface{ Read([]byte) (int, error) }) (*SignerNonces, *NonceCommitment, error) {
	hiding, err := RandomScalar(rng)
	if err != nil {
		return nil, nil, err
	}
	binding, err := RandomScalar(rng)
	if err != nil {
		return nil, nil, err
	}
	commitment := &NonceCommitment{
		Participant: self,
		Hiding:      edwards25519.NewIdentityPoint().ScalarBaseMult(hiding),
		Binding:     edwards25519.NewIdentityPoint().ScalarBaseMult(binding),
	}
	return &SignerNonces{Hiding: hiding, Binding: binding}, commitment, nil
}

// encodeCommitments serializes the sorted commitment set for binding-factor
// derivation, so every signer hashes the identical byte string.
func encodeCommitments(commitments []*NonceCommitment) []byte {
	sorted := append([]*NonceCommitment(nil), commitments...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Participant < sorted[j].Participant })
	var buf []byte
	for _, c := range sorted {
		var p [2]byte
		p[0] = byte(c.Participant)
		p[1] = byte(c.Participant >> 8)
		buf = append(buf, p[:]...)
		buf = append(buf, c.Hiding.Bytes()...)
		buf = append(buf, c.Binding.Bytes()...)
	}
	return buf
}

// groupCommitment computes R = sum_l (D_l + rho_l * E_l) over the signer
// set described by pkg, along with each signer's binding factor.
func groupCommitment(pkg *SigningPackage) (*edwards25519.Point, map[ids.ParticipantID]*edwards25519.Scalar, error) {
	encoded := encodeCommitments(pkg.Commitments)
	r := edwards25519.NewIdentityPoint()
	rhos := make(map[ids.ParticipantID]*edwards25519.Scalar, len(pkg.Commitments))
	for _, c := range pkg.Commitments {
		rho, err := BindingFactor(c.Participant, pkg.Message, encoded)
		if err != nil {
			return nil, nil, err
		}
		rhos[c.Participant] = rho
		term := edwards25519.NewIdentityPoint().ScalarMult(rho, c.Binding)
		r = edwards25519.NewIdentityPoint().Add(r, c.Hiding)
		r = edwards25519.NewIdentityPoint().Add(r, term)
	}
	return r, rhos, nil
}

// Sign computes this signer's signature share. keyPkg is the real
// KeyPackage produced by DKG or resharing — the specification forbids
// ever substituting a dealer-generated package here.
func Sign(self ids.ParticipantID, nonces *SignerNonces, keyPkg *KeyPackage, pkg *SigningPackage, signerSet []ids.ParticipantID) (*SignatureShare, error) {
	if nonces.used {
		return nil, &SignError{Kind: "Internal", Msg: "nonce already consumed"}
	}
	r, rhos, err := groupCommitment(pkg)
	if err != nil {
		return nil, err
	}
	c := ChallengeScalar(r, keyPkg.GroupPublic, pkg.Message)
	lambda, err := LagrangeCoefficient(self, signerSet)
	if err != nil {
		return nil, err
	}
	rho := rhos[self]
	// z = d + e*rho + lambda*c*signing_share
	term := edwards25519.NewScalar().Multiply(rho, nonces.Binding)
	z := edwards25519.NewScalar().Add(nonces.Hiding, term)
	lambdaC := edwards25519.NewScalar().Multiply(lambda, c)
	z = edwards25519.NewScalar().MultiplyAdd(lambdaC, keyPkg.SigningShare, z)
	nonces.used = true
	nonces.Zero()
	return &SignatureShare{Participant: self, Share: z}, nil
}

// Aggregate combines signature shares from >= threshold signers into a
// standard 64-byte Ed25519 signature and verifies it locally against the
// group's verifying key before returning it, per spec.md §4.3.2.
func Aggregate(pkg *SigningPackage, shares []*SignatureShare, pubKeyPkg *PublicKeyPackage, threshold int) ([]byte, error) {
	if len(shares) < threshold {
		return nil, &SignError{Kind: "InsufficientShares", Msg: fmt.Sprintf("need %d, got %d", threshold, len(shares))}
	}
	r, _, err := groupCommitment(pkg)
	if err != nil {
		return nil, err
	}
	z := edwards25519.NewScalar()
	for _, s := range shares {
		z = edwards25519.NewScalar().Add(z, s.Share)
	}
	sig := make([]byte, 64)
	copy(sig[:32], r.Bytes())
	copy(sig[32:], z.Bytes())

	if !VerifyStandardEd25519(pubKeyPkg.GroupPublicKey, pkg.Message, sig) {
		return nil, &SignError{Kind: "SignatureVerificationFailed", Msg: "aggregate signature failed local verification"}
	}
	return sig, nil
}

// VerifyStandardEd25519 checks the aggregate FROST signature against the
// verification equation zB = R + cA, identical to crypto/ed25519.Verify.
func VerifyStandardEd25519(groupPublicKey *edwards25519.Point, message, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	r, err := edwards25519.NewIdentityPoint().SetBytes(sig[:32])
	if err != nil {
		return false
	}
	z, err := edwards25519.NewScalar().SetCanonicalBytes(sig[32:])
	if err != nil {
		return false
	}
	c := ChallengeScalar(r, groupPublicKey, message)
	lhs := edwards25519.NewIdentityPoint().ScalarBaseMult(z)
	rhs := edwards25519.NewIdentityPoint().Add(r, edwards25519.NewIdentityPoint().ScalarMult(c, groupPublicKey))
	return lhs.Equal(rhs) == 1
}

// NonceCommitmentBytes serializes a commitment for the wire (DkgRound1-style envelopes reuse this for SignRound1).
func NonceCommitmentBytes(c *NonceCommitment) []byte {
	out := make([]byte, 0, 64)
	out = append(out, c.Hiding.Bytes()...)
	out = append(out, c.Binding.Bytes()...)
	return out
}

func ParseNonceCommitment(participant ids.ParticipantID, raw []byte) (*NonceCommitment, error) {
	if len(raw) != 64 {
		return nil, fmt.Errorf("invalid commitment length %d", len(raw))
	}
	hiding, err := edwards25519.NewIdentityPoint().SetBytes(raw[:32])
	if err != nil {
		return nil, fmt.Errorf("invalid hiding commitment: %w", err)
	}
	binding, err := edwards25519.NewIdentityPoint().SetBytes(raw[32:])
	if err != nil {
		return nil, fmt.Errorf("invalid binding commitment: %w", err)
	}
	return &NonceCommitment{Participant: participant, Hiding: hiding, Binding: binding}, nil
}
