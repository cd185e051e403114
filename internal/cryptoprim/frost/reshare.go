package frost

import (
	"fmt"

	"filippo.io/edwards25519"
	"github.com/hxrts/aura/internal/cryptoprim"
	"github.com/hxrts/aura/internal/ids"
)

// ReshareStatus names where a resharing ceremony currently stands. Old
// participants deal sub-shares of their existing signing share; new
// participants sum what they receive into a fresh signing share, with the
// group's public key held fixed throughout.
type ReshareStatus string

const (
	ReshareInit      ReshareStatus = "init"
	ReshareOldRound1 ReshareStatus = "old_round1"
	ReshareNewRound1 ReshareStatus = "new_round1"
	ReshareCommit    ReshareStatus = "commit"
	ReshareComplete  ReshareStatus = "complete"
	ReshareFailed    ReshareStatus = "failed"
)

// ReshareError is the error taxonomy for resharing (spec.md §4.3.3).
// GroupKeyDrift is the fatal case: the new PublicKeyPackage's group key
// must be bit-equal to the old one, or the ceremony must fail rather than
// silently mint a new identity.
type ReshareError struct {
	Kind string // InsufficientOldSigners | InsufficientNewParticipants | InvalidSubShare | GroupKeyDrift | Timeout
	From ids.ParticipantID
	Msg  string
}

func (e *ReshareError) Error() string {
	if e.From != 0 {
		return fmt.Sprintf("reshare %s (from participant %d): %s", e.Kind, e.From, e.Msg)
	}
	return fmt.Sprintf("reshare %s: %s", e.Kind, e.Msg)
}

// ReshareRound1Message is an old signer's sub-sharing broadcast: a Feldman
// commitment to a fresh degree-(newThreshold-1) polynomial whose constant
// term is that signer's Lagrange-weighted contribution to the group secret.
type ReshareRound1Message struct {
	From       ids.ParticipantID // identity within the OLD participant set
	Commitment []*edwards25519.Point
	DHPublic   *edwards25519.Point
}

// ReshareRound2Message carries one encrypted sub-share from an old signer
// to one new participant.
type ReshareRound2Message struct {
	From           ids.ParticipantID // old participant
	To             ids.ParticipantID // new participant
	EncryptedShare *cryptoprim.Sealed
}

// ReshareSession drives one new participant's view of a resharing ceremony.
// A node acting purely as an outgoing old signer (not continuing into the
// new set) only ever calls DealRound1/DealRound2 below; NewReshareSession
// is for a node that will hold a share afterward.
type ReshareSession struct {
	Self             ids.ParticipantID
	OldThreshold     uint16
	NewThreshold     uint16
	OldParticipants  []ids.ParticipantID
	NewParticipants  []ids.ParticipantID
	ExpectedGroupKey *edwards25519.Point

	Status ReshareStatus

	dhSecret     *edwards25519.Scalar
	dhPublic     *edwards25519.Point
	dealers      map[ids.ParticipantID]*ReshareRound1Message
	subShares    map[ids.ParticipantID]*edwards25519.Scalar

	Output *DKGOutput
}

func NewReshareSession(self ids.ParticipantID, oldThreshold, newThreshold uint16, oldParticipants, newParticipants []ids.ParticipantID, expectedGroupKey *edwards25519.Point) *ReshareSession {
	return &ReshareSession{
		Self:             self,
		OldThreshold:     oldThreshold,
		NewThreshold:     newThreshold,
		OldParticipants:  oldParticipants,
		NewParticipants:  newParticipants,
		ExpectedGroupKey: expectedGroupKey,
		Status:           ReshareInit,
		dealers:          make(map[ids.ParticipantID]*ReshareRound1Message),
		subShares:        make(map[ids.ParticipantID]*edwards25519.Scalar),
	}
}

// DealRound1 is called by an OLD signer (identified by oldSelf within
// OldParticipants, holding oldShare from the prior KeyPackage) to produce
// its sub-sharing commitment. The constant term of the fresh polynomial is
// oldShare weighted by oldSelf's Lagrange coefficient over the old signer
// subset actually participating in this ceremony, so that summing every
// dealer's constant term reconstructs the original group secret exactly.
func DealRound1(oldSelf ids.ParticipantID, oldShare *edwards25519.Scalar, oldSignerSubset []ids.ParticipantID, newThreshold uint16, rng interface{ Read([]byte) (int, error) }) (*ReshareRound1Message, *edwards25519.Scalar, []*edwards25519.Scalar, error) {
	lambda, err := LagrangeCoefficient(oldSelf, oldSignerSubset)
	if err != nil {
		return nil, nil, nil, err
	}
	weighted := edwards25519.NewScalar().Multiply(lambda, oldShare)

	coeffs := make([]*edwards25519.Scalar, newThreshold)
	coeffs[0] = weighted
	for i := 1; i < int(newThreshold); i++ {
		s, err := RandomScalar(rng)
		if err != nil {
			return nil, nil, nil, err
		}
		coeffs[i] = s
	}
	commitment := make([]*edwards25519.Point, newThreshold)
	for i, c := range coeffs {
		commitment[i] = edwards25519.NewIdentityPoint().ScalarBaseMult(c)
	}
	dhSecret, err := RandomScalar(rng)
	if err != nil {
		return nil, nil, nil, err
	}
	dhPublic := edwards25519.NewIdentityPoint().ScalarBaseMult(dhSecret)
	msg := &ReshareRound1Message{From: oldSelf, Commitment: commitment, DHPublic: dhPublic}
	return msg, dhSecret, coeffs, nil
}

// DealRound2 encrypts, for each new participant, the dealer's sub-share of
// that participant's evaluation point, under a per-pair ECDH key exactly
// as in DKG round 2.
func DealRound2(oldSelf ids.ParticipantID, dhSecret *edwards25519.Scalar, coeffs []*edwards25519.Scalar, newParticipants []ids.ParticipantID, newDHPublics map[ids.ParticipantID]*edwards25519.Point) ([]*ReshareRound2Message, error) {
	var out []*ReshareRound2Message
	for _, to := range newParticipants {
		toID, err := Identifier(to)
		if err != nil {
			return nil, err
		}
		subShare := EvaluatePolynomial(coeffs, toID)
		peerDH, ok := newDHPublics[to]
		if !ok {
			return nil, &ReshareError{Kind: "InvalidSubShare", From: oldSelf, Msg: "missing dh public for new participant"}
		}
		shared := edwards25519.NewIdentityPoint().ScalarMult(dhSecret, peerDH)
		key, err := cryptoprim.DeriveKey(shared.Bytes(), nil, []byte(fmt.Sprintf("reshare-subshare:%d:%d", oldSelf, to)), cryptoprim.SymmetricKeySize)
		if err != nil {
			return nil, err
		}
		sealed, err := cryptoprim.SealXChaCha20(key, subShare.Bytes(), nil)
		if err != nil {
			return nil, err
		}
		out = append(out, &ReshareRound2Message{From: oldSelf, To: to, EncryptedShare: sealed})
	}
	return out, nil
}

// BeginNewRound1 is called by a node that will hold a share in the new
// configuration, generating the ephemeral DH key it publishes so dealers
// can address sub-shares to it.
func (r *ReshareSession) BeginNewRound1(rng interface{ Read([]byte) (int, error) }) (*edwards25519.Point, error) {
	if r.Status != ReshareInit {
		return nil, &ReshareError{Kind: "InvalidSubShare", Msg: "BeginNewRound1 called outside Init"}
	}
	dhSecret, err := RandomScalar(rng)
	if err != nil {
		return nil, err
	}
	r.dhSecret = dhSecret
	r.dhPublic = edwards25519.NewIdentityPoint().ScalarBaseMult(dhSecret)
	r.Status = ReshareNewRound1
	return r.dhPublic, nil
}

// ReceiveDealerCommitment records one old signer's sub-sharing commitment.
func (r *ReshareSession) ReceiveDealerCommitment(msg *ReshareRound1Message) error {
	if !containsParticipant(r.OldParticipants, msg.From) {
		return &ReshareError{Kind: "InvalidSubShare", From: msg.From, Msg: "dealer not in old participant set"}
	}
	if len(msg.Commitment) != int(r.NewThreshold) {
		return &ReshareError{Kind: "InvalidSubShare", From: msg.From, Msg: "wrong sub-commitment degree"}
	}
	r.dealers[msg.From] = msg
	return nil
}

// ReadyForCommit reports whether sub-sharing commitments from at least
// OldThreshold distinct old signers have arrived.
func (r *ReshareSession) ReadyForCommit() bool {
	return len(r.dealers) >= int(r.OldThreshold)
}

// ReceiveSubShare decrypts and verifies one dealer's sub-share against
// their published commitment.
func (r *ReshareSession) ReceiveSubShare(msg *ReshareRound2Message) error {
	if msg.To != r.Self {
		return &ReshareError{Kind: "InvalidSubShare", From: msg.From, Msg: "misdirected sub-share"}
	}
	dealer, ok := r.dealers[msg.From]
	if !ok {
		return &ReshareError{Kind: "InvalidSubShare", From: msg.From, Msg: "no commitment on file for dealer"}
	}
	shared := edwards25519.NewIdentityPoint().ScalarMult(r.dhSecret, dealer.DHPublic)
	key, err := cryptoprim.DeriveKey(shared.Bytes(), nil, []byte(fmt.Sprintf("reshare-subshare:%d:%d", msg.From, r.Self)), cryptoprim.SymmetricKeySize)
	if err != nil {
		return err
	}
	plain, err := cryptoprim.Open(msg.EncryptedShare, key, nil)
	if err != nil {
		return &ReshareError{Kind: "InvalidSubShare", From: msg.From, Msg: "decryption failed"}
	}
	subShare, err := edwards25519.NewScalar().SetCanonicalBytes(plain)
	if err != nil {
		return &ReshareError{Kind: "InvalidSubShare", From: msg.From, Msg: "malformed sub-share scalar"}
	}
	selfID, err := Identifier(r.Self)
	if err != nil {
		return err
	}
	expected := EvaluateCommitment(dealer.Commitment, selfID)
	got := edwards25519.NewIdentityPoint().ScalarBaseMult(subShare)
	if got.Equal(expected) != 1 {
		return &ReshareError{Kind: "InvalidSubShare", From: msg.From, Msg: "sub-share does not match commitment"}
	}
	r.subShares[msg.From] = subShare
	return nil
}

// ReadyToFinalize reports whether a new signing share can be derived:
// sub-shares from at least OldThreshold distinct dealers are on hand.
func (r *ReshareSession) ReadyToFinalize() bool {
	return len(r.subShares) >= int(r.OldThreshold)
}

// Finalize sums the received sub-shares into this participant's new
// signing share and reconstructs the group PublicKeyPackage, refusing to
// complete if the reconstructed group key has drifted from the one the
// ceremony was initiated to preserve.
func (r *ReshareSession) Finalize() (*DKGOutput, error) {
	if !r.ReadyToFinalize() {
		return nil, &ReshareError{Kind: "InsufficientOldSigners", Msg: "fewer than old threshold dealer sub-shares received"}
	}
	r.Status = ReshareCommit

	signingShare := edwards25519.NewScalar()
	for _, s := range r.subShares {
		signingShare = edwards25519.NewScalar().Add(signingShare, s)
	}

	groupPublic := edwards25519.NewIdentityPoint()
	verifyingShares := make(map[ids.ParticipantID]*edwards25519.Point)
	for _, p := range r.NewParticipants {
		pID, err := Identifier(p)
		if err != nil {
			return nil, err
		}
		var acc *edwards25519.Point
		for _, dealer := range r.dealers {
			contribution := EvaluateCommitment(dealer.Commitment, pID)
			if acc == nil {
				acc = contribution
			} else {
				acc = edwards25519.NewIdentityPoint().Add(acc, contribution)
			}
		}
		verifyingShares[p] = acc
	}
	for _, dealer := range r.dealers {
		groupPublic = edwards25519.NewIdentityPoint().Add(groupPublic, dealer.Commitment[0])
	}

	if r.ExpectedGroupKey != nil && groupPublic.Equal(r.ExpectedGroupKey) != 1 {
		r.Status = ReshareFailed
		return nil, &ReshareError{Kind: "GroupKeyDrift", Msg: "reconstructed group public key does not match the pre-reshare key"}
	}

	out := &DKGOutput{
		KeyPackage: &KeyPackage{
			Participant:  r.Self,
			SigningShare: signingShare,
			VerifyingKey: verifyingShares[r.Self],
			GroupPublic:  groupPublic,
		},
		PublicKeyPackage: &PublicKeyPackage{
			GroupPublicKey:  groupPublic,
			VerifyingShares: verifyingShares,
		},
	}
	r.Output = out
	r.Status = ReshareComplete
	return out, nil
}
