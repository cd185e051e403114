package frost

import (
	"encoding/binary"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/hxrts/aura/internal/cryptoprim"
	"github.com/hxrts/aura/internal/ids"
)

// DKGPhase names where a DKG session currently stands.
type DKGPhase string

const (
	DKGInit        DKGPhase = "init"
	DKGRound1      DKGPhase = "round1_commit"
	DKGRound2      DKGPhase = "round2_share"
	DKGKeyDerive   DKGPhase = "key_derive"
	DKGComplete    DKGPhase = "complete"
	DKGFailed      DKGPhase = "failed"
)

// DKGError is the error taxonomy for the DKG ceremony (spec.md §4.3.1).
type DKGError struct {
	Kind string // InsufficientParticipants | InvalidCommitment | InvalidShare | InvalidState | Timeout
	From ids.ParticipantID
	Msg  string
}

func (e *DKGError) Error() string {
	if e.From != 0 {
		return fmt.Sprintf("dkg %s (from participant %d): %s", e.Kind, e.From, e.Msg)
	}
	return fmt.Sprintf("dkg %s: %s", e.Kind, e.Msg)
}

// Round1Message is what each participant broadcasts in DKG round 1.
type Round1Message struct {
	From       ids.ParticipantID
	Commitment []*edwards25519.Point // Feldman commitments, degree 0..t-1
	DHPublic   *edwards25519.Point   // ephemeral key for round-2 share encryption
	PoKR       *edwards25519.Point   // Schnorr proof-of-knowledge nonce commitment
	PoKMu      *edwards25519.Scalar  // Schnorr proof-of-knowledge response
}

// Round2Message is a single encrypted share sent from one participant to another.
type Round2Message struct {
	From           ids.ParticipantID
	To             ids.ParticipantID
	EncryptedShare *cryptoprim.Sealed
}

// KeyPackage is a single participant's output of a completed DKG or reshare.
type KeyPackage struct {
	Participant   ids.ParticipantID
	SigningShare  *edwards25519.Scalar
	VerifyingKey  *edwards25519.Point // this participant's own verification point
	GroupPublic   *edwards25519.Point
}

// PublicKeyPackage is the public output shared by everyone after DKG/reshare:
// the group's verifying key and every participant's individual verification share.
type PublicKeyPackage struct {
	GroupPublicKey  *edwards25519.Point
	VerifyingShares map[ids.ParticipantID]*edwards25519.Point
}

// DKGSession drives one participant's view of a DKG ceremony through
// BeginRound1, ReceiveRound1, BeginRound2, ReceiveRound2 and Finalize,
// called as the ceremony's messages arrive; none of them touches I/O.
type DKGSession struct {
	Self        ids.ParticipantID
	Threshold   uint16
	Participants []ids.ParticipantID

	Phase DKGPhase

	coeffs       []*edwards25519.Scalar // this participant's secret polynomial
	dhSecret     *edwards25519.Scalar
	dhPublic     *edwards25519.Point

	round1       map[ids.ParticipantID]*Round1Message
	round2Shares map[ids.ParticipantID]*edwards25519.Scalar // decrypted shares received from others, keyed by sender

	Output *DKGOutput
}

// DKGOutput bundles the final key material for the account journal/tree to consume.
type DKGOutput struct {
	KeyPackage       *KeyPackage
	PublicKeyPackage *PublicKeyPackage
}

// NewDKGSession allocates participant state. self must be a member of participants.
func NewDKGSession(self ids.ParticipantID, threshold uint16, participants []ids.ParticipantID) *DKGSession {
	return &DKGSession{
		Self:         self,
		Threshold:    threshold,
		Participants: participants,
		Phase:        DKGInit,
		round1:       make(map[ids.ParticipantID]*Round1Message),
		round2Shares: make(map[ids.ParticipantID]*edwards25519.Scalar),
	}
}

// BeginRound1 samples this participant's polynomial and returns the
// message to broadcast. rng must be a cryptographically secure source
// (the effect surface's RandomSource in production).
func (d *DKGSession) BeginRound1(rng interface{ Read([]byte) (int, error) }) (*Round1Message, error) {
	if d.Phase != DKGInit {
		return nil, &DKGError{Kind: "InvalidState", Msg: "BeginRound1 called outside Init phase"}
	}
	coeffs := make([]*edwards25519.Scalar, d.Threshold)
	commitment := make([]*edwards25519.Point, d.Threshold)
	for i := range coeffs {
		s, err := RandomScalar(rng)
		if err != nil {
			return nil, err
		}
		coeffs[i] = s
		commitment[i] = edwards25519.NewIdentityPoint().ScalarBaseMult(s)
	}
	d.coeffs = coeffs

	dhSecret, err := RandomScalar(rng)
	if err != nil {
		return nil, err
	}
	d.dhSecret = dhSecret
	d.dhPublic = edwards25519.NewIdentityPoint().ScalarBaseMult(dhSecret)

	// Schnorr proof of knowledge of coeffs[0], the participant's contribution
	// to the group secret, binding the proof to this participant's id so it
	// cannot be replayed by another participant presenting the same commitment.
	k, err := RandomScalar(rng)
	if err != nil {
		return nil, err
	}
	rPoint := edwards25519.NewIdentityPoint().ScalarBaseMult(k)
	c := pokChallenge(d.Self, commitment[0], rPoint)
	mu := edwards25519.NewScalar().MultiplyAdd(c, coeffs[0], k)

	msg := &Round1Message{
		From:       d.Self,
		Commitment: commitment,
		DHPublic:   d.dhPublic,
		PoKR:       rPoint,
		PoKMu:      mu,
	}
	d.round1[d.Self] = msg
	d.Phase = DKGRound1
	return msg, nil
}

func pokChallenge(from ids.ParticipantID, commitment0, r *edwards25519.Point) *edwards25519.Scalar {
	h := cryptoprim.NewHasher("FROST_DKG_POK")
	h.WriteU16(uint16(from))
	h.WriteBytes(commitment0.Bytes())
	h.WriteBytes(r.Bytes())
	digest := h.Sum()
	var wide [64]byte
	copy(wide[:32], digest[:])
	copy(wide[32:], digest[:])
	s, _ := ScalarFromWide(wide[:])
	return s
}

// ReceiveRound1 ingests a peer's round-1 broadcast, verifying its proof of
// knowledge. Once n-1 distinct valid commitments have arrived the session
// is ready for round 2.
func (d *DKGSession) ReceiveRound1(msg *Round1Message) error {
	if d.Phase != DKGRound1 {
		return &DKGError{Kind: "InvalidState", From: msg.From, Msg: "round1 message received outside round1 phase"}
	}
	if int(msg.From) == 0 || !containsParticipant(d.Participants, msg.From) {
		return &DKGError{Kind: "InvalidCommitment", From: msg.From, Msg: "unknown participant"}
	}
	if len(msg.Commitment) != int(d.Threshold) {
		return &DKGError{Kind: "InvalidCommitment", From: msg.From, Msg: "wrong commitment degree"}
	}
	c := pokChallenge(msg.From, msg.Commitment[0], msg.PoKR)
	lhs := edwards25519.NewIdentityPoint().ScalarBaseMult(msg.PoKMu)
	rhs := edwards25519.NewIdentityPoint().Add(msg.PoKR, edwards25519.NewIdentityPoint().ScalarMult(c, msg.Commitment[0]))
	if lhs.Equal(rhs) != 1 {
		return &DKGError{Kind: "InvalidCommitment", From: msg.From, Msg: "proof of knowledge failed"}
	}
	d.round1[msg.From] = msg
	return nil
}

// ReadyForRound2 reports whether commitments from every other participant
// have arrived.
func (d *DKGSession) ReadyForRound2() bool {
	return len(d.round1) >= len(d.Participants)
}

// BeginRound2 computes, for every other participant, this participant's
// share of their evaluation and encrypts it under a per-pair key derived
// from an ECDH exchange over the round-1 ephemeral DH keys.
func (d *DKGSession) BeginRound2() ([]*Round2Message, error) {
	if !d.ReadyForRound2() {
		return nil, &DKGError{Kind: "InsufficientParticipants", Msg: "round1 incomplete"}
	}
	d.Phase = DKGRound2
	var out []*Round2Message
	for _, to := range d.Participants {
		if to == d.Self {
			continue
		}
		toID, err := Identifier(to)
		if err != nil {
			return nil, err
		}
		share := EvaluatePolynomial(d.coeffs, toID)

		peer := d.round1[to]
		shared := edwards25519.NewIdentityPoint().ScalarMult(d.dhSecret, peer.DHPublic)
		key, err := cryptoprim.DeriveKey(shared.Bytes(), nil, []byte(fmt.Sprintf("dkg-round2-share:%d:%d", d.Self, to)), cryptoprim.SymmetricKeySize)
		if err != nil {
			return nil, err
		}
		sealed, err := cryptoprim.SealXChaCha20(key, share.Bytes(), nil)
		if err != nil {
			return nil, err
		}
		out = append(out, &Round2Message{From: d.Self, To: to, EncryptedShare: sealed})
	}
	return out, nil
}

// ReceiveRound2 decrypts and verifies an incoming share against the
// sender's Feldman commitment.
func (d *DKGSession) ReceiveRound2(msg *Round2Message) error {
	if d.Phase != DKGRound2 {
		return &DKGError{Kind: "InvalidState", From: msg.From, Msg: "round2 message received outside round2 phase"}
	}
	if msg.To != d.Self {
		return &DKGError{Kind: "InvalidShare", From: msg.From, Msg: "misdirected share"}
	}
	sender, ok := d.round1[msg.From]
	if !ok {
		return &DKGError{Kind: "InvalidShare", From: msg.From, Msg: "no round1 commitment on file"}
	}
	shared := edwards25519.NewIdentityPoint().ScalarMult(d.dhSecret, sender.DHPublic)
	key, err := cryptoprim.DeriveKey(shared.Bytes(), nil, []byte(fmt.Sprintf("dkg-round2-share:%d:%d", msg.From, d.Self)), cryptoprim.SymmetricKeySize)
	if err != nil {
		return err
	}
	plain, err := cryptoprim.Open(msg.EncryptedShare, key, nil)
	if err != nil {
		return &DKGError{Kind: "InvalidShare", From: msg.From, Msg: "decryption failed"}
	}
	share, err := edwards25519.NewScalar().SetCanonicalBytes(plain)
	if err != nil {
		return &DKGError{Kind: "InvalidShare", From: msg.From, Msg: "malformed share scalar"}
	}
	selfID, err := Identifier(d.Self)
	if err != nil {
		return err
	}
	expected := EvaluateCommitment(sender.Commitment, selfID)
	got := edwards25519.NewIdentityPoint().ScalarBaseMult(share)
	if got.Equal(expected) != 1 {
		return &DKGError{Kind: "InvalidShare", From: msg.From, Msg: "share does not match commitment"}
	}
	d.round2Shares[msg.From] = share
	return nil
}

// ReadyForKeyDerive reports whether shares from every other participant have
// been received and verified.
func (d *DKGSession) ReadyForKeyDerive() bool {
	return len(d.round2Shares) >= len(d.Participants)-1
}

// Finalize combines received shares into this participant's KeyPackage and
// computes the group's PublicKeyPackage, which is identical across all
// participants because it is derived purely from public commitments.
func (d *DKGSession) Finalize() (*DKGOutput, error) {
	if !d.ReadyForKeyDerive() {
		return nil, &DKGError{Kind: "InsufficientParticipants", Msg: "round2 incomplete"}
	}
	d.Phase = DKGKeyDerive

	selfID, err := Identifier(d.Self)
	if err != nil {
		return nil, err
	}

	signingShare := EvaluatePolynomial(d.coeffs, selfID) // own contribution to own share
	for from, share := range d.round2Shares {
		_ = from
		signingShare = edwards25519.NewScalar().Add(signingShare, share)
	}

	groupPublic := edwards25519.NewIdentityPoint()
	verifyingShares := make(map[ids.ParticipantID]*edwards25519.Point)
	for _, p := range d.Participants {
		pID, err := Identifier(p)
		if err != nil {
			return nil, err
		}
		var acc *edwards25519.Point
		for _, r1 := range d.round1 {
			contribution := EvaluateCommitment(r1.Commitment, pID)
			if acc == nil {
				acc = contribution
			} else {
				acc = edwards25519.NewIdentityPoint().Add(acc, contribution)
			}
		}
		verifyingShares[p] = acc
	}
	for _, r1 := range d.round1 {
		groupPublic = edwards25519.NewIdentityPoint().Add(groupPublic, r1.Commitment[0])
	}

	out := &DKGOutput{
		KeyPackage: &KeyPackage{
			Participant:  d.Self,
			SigningShare: signingShare,
			VerifyingKey: verifyingShares[d.Self],
			GroupPublic:  groupPublic,
		},
		PublicKeyPackage: &PublicKeyPackage{
			GroupPublicKey:  groupPublic,
			VerifyingShares: verifyingShares,
		},
	}
	d.Output = out
	d.Phase = DKGComplete
	return out, nil
}

func containsParticipant(set []ids.ParticipantID, p ids.ParticipantID) bool {
	for _, s := range set {
		if s == p {
			return true
		}
	}
	return false
}

// MarshalBinary encodes a Round1Message as
// [from u16][count u16][commitment points, 32B each][dh_public 32B]
// [pok_r 32B][pok_mu 32B], using filippo.io/edwards25519's own
// Point.Bytes()/Scalar.Bytes() for every curve element; the caller puts
// the result in the body of a wire envelope (internal/wire, DkgRound1).
func (m *Round1Message) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 4+len(m.Commitment)*32+96)
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(m.From))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(m.Commitment)))
	out = append(out, hdr[:]...)
	for _, c := range m.Commitment {
		out = append(out, c.Bytes()...)
	}
	out = append(out, m.DHPublic.Bytes()...)
	out = append(out, m.PoKR.Bytes()...)
	out = append(out, m.PoKMu.Bytes()...)
	return out, nil
}

// UnmarshalBinary reverses MarshalBinary.
func (m *Round1Message) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("frost: round1 message too short")
	}
	from := ids.ParticipantID(binary.BigEndian.Uint16(data[0:2]))
	count := int(binary.BigEndian.Uint16(data[2:4]))
	want := 4 + count*32 + 96
	if len(data) != want {
		return fmt.Errorf("frost: round1 message length mismatch: want %d, got %d", want, len(data))
	}
	off := 4
	commitment := make([]*edwards25519.Point, count)
	for i := 0; i < count; i++ {
		p, err := edwards25519.NewIdentityPoint().SetBytes(data[off : off+32])
		if err != nil {
			return fmt.Errorf("frost: round1 commitment %d: %w", i, err)
		}
		commitment[i] = p
		off += 32
	}
	dhPublic, err := edwards25519.NewIdentityPoint().SetBytes(data[off : off+32])
	if err != nil {
		return fmt.Errorf("frost: round1 dh_public: %w", err)
	}
	off += 32
	pokR, err := edwards25519.NewIdentityPoint().SetBytes(data[off : off+32])
	if err != nil {
		return fmt.Errorf("frost: round1 pok_r: %w", err)
	}
	off += 32
	pokMu, err := edwards25519.NewScalar().SetCanonicalBytes(data[off : off+32])
	if err != nil {
		return fmt.Errorf("frost: round1 pok_mu: %w", err)
	}
	m.From = from
	m.Commitment = commitment
	m.DHPublic = dhPublic
	m.PoKR = pokR
	m.PoKMu = pokMu
	return nil
}

// MarshalBinary encodes a Round2Message as
// [from u16][to u16][algorithm len u16][algorithm][nonce len u16][nonce]
// [ciphertext len u32][ciphertext].
func (m *Round2Message) MarshalBinary() ([]byte, error) {
	alg := []byte(m.EncryptedShare.Algorithm)
	out := make([]byte, 0, 4+2+len(alg)+2+len(m.EncryptedShare.Nonce)+4+len(m.EncryptedShare.Ciphertext))
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(m.From))
	out = append(out, u16[:]...)
	binary.BigEndian.PutUint16(u16[:], uint16(m.To))
	out = append(out, u16[:]...)

	binary.BigEndian.PutUint16(u16[:], uint16(len(alg)))
	out = append(out, u16[:]...)
	out = append(out, alg...)

	binary.BigEndian.PutUint16(u16[:], uint16(len(m.EncryptedShare.Nonce)))
	out = append(out, u16[:]...)
	out = append(out, m.EncryptedShare.Nonce...)

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(m.EncryptedShare.Ciphertext)))
	out = append(out, u32[:]...)
	out = append(out, m.EncryptedShare.Ciphertext...)
	return out, nil
}

// UnmarshalBinary reverses MarshalBinary.
func (m *Round2Message) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("frost: round2 message too short")
	}
	from := ids.ParticipantID(binary.BigEndian.Uint16(data[0:2]))
	to := ids.ParticipantID(binary.BigEndian.Uint16(data[2:4]))
	off := 4

	if len(data) < off+2 {
		return fmt.Errorf("frost: round2 message truncated (algorithm length)")
	}
	algLen := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	if len(data) < off+algLen {
		return fmt.Errorf("frost: round2 message truncated (algorithm)")
	}
	alg := string(data[off : off+algLen])
	off += algLen

	if len(data) < off+2 {
		return fmt.Errorf("frost: round2 message truncated (nonce length)")
	}
	nonceLen := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	if len(data) < off+nonceLen {
		return fmt.Errorf("frost: round2 message truncated (nonce)")
	}
	nonce := append([]byte(nil), data[off:off+nonceLen]...)
	off += nonceLen

	if len(data) < off+4 {
		return fmt.Errorf("frost: round2 message truncated (ciphertext length)")
	}
	ctLen := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4
	if len(data) != off+ctLen {
		return fmt.Errorf("frost: round2 message length mismatch")
	}
	ciphertext := append([]byte(nil), data[off:off+ctLen]...)

	m.From = from
	m.To = to
	m.EncryptedShare = &cryptoprim.Sealed{Ciphertext: ciphertext, Nonce: nonce, Algorithm: alg}
	return nil
}
