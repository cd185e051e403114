/*
Package frost implements FROST (Flexible Round-Optimized Schnorr Threshold
signatures) over Ed25519, following Komlo & Goldberg's construction as
specialized to Ed25519 in RFC 9591: the three ceremonies (DKG, threshold
signing, resharing) are each expressed as a pure state machine over
session state and an incoming wire message, so a test driver can step
every phase deterministically without a network.

The aggregated signature produced by Aggregate is a standard 64-byte Ed25519
signature — it verifies with crypto/ed25519.Verify against the group's
public key, with no FROST-specific verifier required by anyone
downstream.
*/
package frost

import (
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/hxrts/aura/internal/cryptoprim"
	"github.com/hxrts/aura/internal/ids"
)

// Identifier converts a 1..=n FROST ParticipantID into the scalar field
// element used for polynomial evaluation and Lagrange interpolation.
// Participant 0 is never valid: FROST reserves it as the implicit
// evaluation point for the group secret itself.
func Identifier(p ids.ParticipantID) (*edwards25519.Scalar, error) {
	if p == 0 {
		return nil, fmt.Errorf("participant id 0 is reserved for the group secret")
	}
	var buf [32]byte
	buf[0] = byte(p)
	buf[1] = byte(p >> 8)
	s, err := edwards25519.NewScalar().SetCanonicalBytes(buf[:])
	if err != nil {
		return nil, fmt.Errorf("encode participant identifier: %w", err)
	}
	return s, nil
}

func mustIdentifier(p ids.ParticipantID) *edwards25519.Scalar {
	s, err := Identifier(p)
	if err != nil {
		panic(err)
	}
	return s
}

// scalarOne returns the multiplicative identity, used as the starting
// accumulator for Lagrange numerator/denominator products and as the
// initial power in polynomial evaluation (x^0 = 1).
func scalarOne() *edwards25519.Scalar {
	var buf [32]byte
	buf[0] = 1
	s, err := edwards25519.NewScalar().SetCanonicalBytes(buf[:])
	if err != nil {
		panic(err)
	}
	return s
}

// ScalarFromWide reduces a 64-byte digest into a scalar, used for
// deriving nonces, binding factors and the Ed25519 challenge scalar.
func ScalarFromWide(wide []byte) (*edwards25519.Scalar, error) {
	return edwards25519.NewScalar().SetUniformBytes(wide)
}

// RandomScalar draws a fresh uniformly-random scalar from r, which must
// yield cryptographically secure randomness (the effect surface's
// RandomSource, or crypto/rand.Reader in tests).
func RandomScalar(r interface{ Read([]byte) (int, error) }) (*edwards25519.Scalar, error) {
	var buf [64]byte
	if _, err := r.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("read randomness: %w", err)
	}
	return ScalarFromWide(buf[:])
}

// LagrangeCoefficient computes lambda_self for interpolating the
// polynomial at x=0 given the full signer/participant set `set`.
func LagrangeCoefficient(self ids.ParticipantID, set []ids.ParticipantID) (*edwards25519.Scalar, error) {
	selfID, err := Identifier(self)
	if err != nil {
		return nil, err
	}
	num := scalarOne()
	den := scalarOne()
	for _, other := range set {
		if other == self {
			continue
		}
		otherID, err := Identifier(other)
		if err != nil {
			return nil, err
		}
		num = edwards25519.NewScalar().Multiply(num, otherID)
		diff := edwards25519.NewScalar().Subtract(otherID, selfID)
		den = edwards25519.NewScalar().Multiply(den, diff)
	}
	denInv := edwards25519.NewScalar().Invert(den)
	return edwards25519.NewScalar().Multiply(num, denInv), nil
}

// EvaluatePolynomial evaluates a polynomial given by its coefficients
// (lowest degree first) at point x.
func EvaluatePolynomial(coeffs []*edwards25519.Scalar, x *edwards25519.Scalar) *edwards25519.Scalar {
	result := edwards25519.NewScalar()
	power := scalarOne()
	for _, c := range coeffs {
		term := edwards25519.NewScalar().Multiply(c, power)
		result = edwards25519.NewScalar().Add(result, term)
		power = edwards25519.NewScalar().Multiply(power, x)
	}
	return result
}

// EvaluateCommitment evaluates a Feldman commitment polynomial (points,
// lowest degree first) at point x without requiring the secret
// coefficients — used by every participant to independently derive the
// verifying share of every other participant.
func EvaluateCommitment(commitment []*edwards25519.Point, x *edwards25519.Scalar) *edwards25519.Point {
	result := edwards25519.NewIdentityPoint()
	power := scalarOne()
	for _, c := range commitment {
		term := edwards25519.NewIdentityPoint().ScalarMult(power, c)
		result = edwards25519.NewIdentityPoint().Add(result, term)
		power = edwards25519.NewScalar().Multiply(power, x)
	}
	return result
}

// ChallengeScalar computes the Ed25519 verification challenge
// c = SHA512(R || A || M) mod L, matching crypto/ed25519's own verify
// routine exactly so the signatures FROST produces here verify with the
// standard library's Verify function.
func ChallengeScalar(r, groupPublicKey *edwards25519.Point, message []byte) *edwards25519.Scalar {
	h := sha512.New()
	h.Write(r.Bytes())
	h.Write(groupPublicKey.Bytes())
	h.Write(message)
	digest := h.Sum(nil)
	s, err := edwards25519.NewScalar().SetUniformBytes(digest)
	if err != nil {
		// sha512 always yields exactly 64 bytes; SetUniformBytes cannot fail.
		panic(err)
	}
	return s
}

// BindingFactor computes the per-signer binding factor rho_l used to
// combine each signer's hiding and binding nonce commitments into the
// aggregate nonce R. Domain separated from the Ed25519 challenge itself
// so the two hashes can never be confused for one another.
func BindingFactor(participant ids.ParticipantID, message []byte, commitments []byte) (*edwards25519.Scalar, error) {
	h := cryptoprim.NewHasher("FROST_BINDING_FACTOR")
	h.WriteU16(uint16(participant))
	h.WriteBytes(message)
	h.WriteBytes(commitments)
	digest := h.Sum()
	// Stretch the 32-byte domain-separated digest into the 64 bytes
	// SetUniformBytes requires, keeping this hash distinct from any
	// BLAKE3 hash used directly as a Hash32 elsewhere in the system.
	var wide [64]byte
	copy(wide[:32], digest[:])
	copy(wide[32:], digest[:])
	return ScalarFromWide(wide[:])
}
