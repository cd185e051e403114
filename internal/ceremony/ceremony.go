/*
Package ceremony wraps the pure FROST session machines in
internal/cryptoprim/frost with the device-identity and effect-surface
plumbing the rest of the control plane needs: mapping ids.DeviceID to the
FROST ids.ParticipantID space, sourcing randomness from effects.RandomSource,
and persisting/erasing secret material through effects.SecureStore.
*/
package ceremony

import (
	"context"
	"fmt"
	"sort"

	"filippo.io/edwards25519"
	"github.com/hxrts/aura/internal/cryptoprim/frost"
	"github.com/hxrts/aura/internal/effects"
	"github.com/hxrts/aura/internal/ids"
)

// Roster assigns the 1..=n FROST participant index to each device in a
// ceremony, ordered by DeviceID so every participant derives the same
// mapping independently without a coordinator round-trip.
type Roster struct {
	byDevice map[ids.DeviceID]ids.ParticipantID
	byIndex  map[ids.ParticipantID]ids.DeviceID
	ordered  []ids.DeviceID
}

func NewRoster(devices []ids.DeviceID) *Roster {
	ordered := append([]ids.DeviceID(nil), devices...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Compare(ordered[j]) < 0 })
	r := &Roster{
		byDevice: make(map[ids.DeviceID]ids.ParticipantID, len(ordered)),
		byIndex:  make(map[ids.ParticipantID]ids.DeviceID, len(ordered)),
		ordered:  ordered,
	}
	for i, d := range ordered {
		p := ids.ParticipantID(i + 1) // participant 0 is reserved
		r.byDevice[d] = p
		r.byIndex[p] = d
	}
	return r
}

func (r *Roster) ParticipantOf(d ids.DeviceID) (ids.ParticipantID, bool) {
	p, ok := r.byDevice[d]
	return p, ok
}

func (r *Roster) DeviceOf(p ids.ParticipantID) (ids.DeviceID, bool) {
	d, ok := r.byIndex[p]
	return d, ok
}

func (r *Roster) ParticipantIDs() []ids.ParticipantID {
	out := make([]ids.ParticipantID, 0, len(r.ordered))
	for _, d := range r.ordered {
		out = append(out, r.byDevice[d])
	}
	return out
}

// DKGCeremony drives one device's participation in a DKG session end to
// end against the effect surface, persisting the resulting share. The
// ephemeral round state held in Session is not erased on completion or
// failure.
type DKGCeremony struct {
	Roster  *Roster
	Self    ids.DeviceID
	Session *frost.DKGSession
}

func NewDKGCeremony(self ids.DeviceID, devices []ids.DeviceID, threshold uint16) (*DKGCeremony, error) {
	roster := NewRoster(devices)
	selfParticipant, ok := roster.ParticipantOf(self)
	if !ok {
		return nil, fmt.Errorf("ceremony: self device not in roster")
	}
	return &DKGCeremony{
		Roster:  roster,
		Self:    self,
		Session: frost.NewDKGSession(selfParticipant, threshold, roster.ParticipantIDs()),
	}, nil
}

// BeginRound1 samples this device's contribution using rng and persists
// nothing yet — DKG secret material is only durable once Finalize succeeds.
func (c *DKGCeremony) BeginRound1(rng effects.RandomSource) (*frost.Round1Message, error) {
	return c.Session.BeginRound1(rng)
}

// Finalize completes the ceremony and stores the resulting signing share
// under (account, epoch=0, participant) in store, per spec.md §4.3.1.
func (c *DKGCeremony) Finalize(ctx context.Context, account ids.AccountID, store effects.SecureStore) (*frost.DKGOutput, error) {
	out, err := c.Session.Finalize()
	if err != nil {
		return nil, err
	}
	selfParticipant, _ := c.Roster.ParticipantOf(c.Self)
	loc := effects.SigningShareLocation(account, ids.InitialEpoch, selfParticipant)
	if err := store.Store(ctx, loc, out.KeyPackage.SigningShare.Bytes()); err != nil {
		return nil, fmt.Errorf("ceremony: persist signing share: %w", err)
	}
	return out, nil
}

// SignCeremony drives one device's participation in a threshold-signing
// session. Unlike DKG, its nonces must never touch SecureStore — they are
// generated, used exactly once, and zeroed entirely in memory.
type SignCeremony struct {
	Roster  *Roster
	Self    ids.DeviceID
	nonces  *frost.SignerNonces
}

func NewSignCeremony(self ids.DeviceID, signerSet []ids.DeviceID) (*SignCeremony, error) {
	roster := NewRoster(signerSet)
	if _, ok := roster.ParticipantOf(self); !ok {
		return nil, fmt.Errorf("ceremony: self device not in signer set")
	}
	return &SignCeremony{Roster: roster, Self: self}, nil
}

// Commit generates this signer's fresh nonce pair and commitment.
func (c *SignCeremony) Commit(rng effects.RandomSource) (*frost.NonceCommitment, error) {
	selfParticipant, _ := c.Roster.ParticipantOf(c.Self)
	nonces, commitment, err := frost.GenerateNonces(selfParticipant, rng)
	if err != nil {
		return nil, err
	}
	c.nonces = nonces
	return commitment, nil
}

// Share produces this signer's signature share against pkg, then zeroes
// its nonce so a later call cannot reuse it.
func (c *SignCeremony) Share(keyPkg *frost.KeyPackage, pkg *frost.SigningPackage) (*frost.SignatureShare, error) {
	if c.nonces == nil {
		return nil, &frost.SignError{Kind: "Internal", Msg: "Commit was not called before Share"}
	}
	selfParticipant, _ := c.Roster.ParticipantOf(c.Self)
	return frost.Sign(selfParticipant, c.nonces, keyPkg, pkg, c.Roster.ParticipantIDs())
}

// ReshareCeremony drives one new participant's view of a resharing
// session; dealers (old signers) use frost.DealRound1/DealRound2 directly
// since they need not hold a ReshareSession of their own.
type ReshareCeremony struct {
	OldRoster *Roster
	NewRoster *Roster
	Self      ids.DeviceID
	Session   *frost.ReshareSession
}

func NewReshareCeremony(self ids.DeviceID, oldDevices, newDevices []ids.DeviceID, oldThreshold, newThreshold uint16, expectedGroupKeyBytes []byte) (*ReshareCeremony, error) {
	oldRoster := NewRoster(oldDevices)
	newRoster := NewRoster(newDevices)
	selfParticipant, ok := newRoster.ParticipantOf(self)
	if !ok {
		return nil, fmt.Errorf("ceremony: self device not in new participant set")
	}
	var expected *edwards25519.Point
	if expectedGroupKeyBytes != nil {
		p, err := edwards25519.NewIdentityPoint().SetBytes(expectedGroupKeyBytes)
		if err != nil {
			return nil, fmt.Errorf("ceremony: invalid expected group key: %w", err)
		}
		expected = p
	}
	return &ReshareCeremony{
		OldRoster: oldRoster,
		NewRoster: newRoster,
		Self:      self,
		Session:   frost.NewReshareSession(selfParticipant, oldThreshold, newThreshold, oldRoster.ParticipantIDs(), newRoster.ParticipantIDs(), expected),
	}, nil
}

// Finalize completes resharing and replaces the old share in store with
// the new one under (account, epoch+1, new_participant); the old share is
// deleted, matching spec.md §4.3.3.
func (c *ReshareCeremony) Finalize(ctx context.Context, account ids.AccountID, oldEpoch ids.Epoch, store effects.SecureStore) (*frost.DKGOutput, error) {
	out, err := c.Session.Finalize()
	if err != nil {
		return nil, err
	}
	selfParticipant, _ := c.NewRoster.ParticipantOf(c.Self)
	newEpoch := oldEpoch.Next()
	newLoc := effects.SigningShareLocation(account, newEpoch, selfParticipant)
	if err := store.Store(ctx, newLoc, out.KeyPackage.SigningShare.Bytes()); err != nil {
		return nil, fmt.Errorf("ceremony: persist new signing share: %w", err)
	}
	if oldParticipant, ok := c.OldRoster.ParticipantOf(c.Self); ok {
		oldLoc := effects.SigningShareLocation(account, oldEpoch, oldParticipant)
		_ = store.Delete(ctx, oldLoc)
	}
	return out, nil
}
