/*
Package control is the thin orchestration facade (spec §2, C10):
BeginDKG/CompleteDKG, SignMessage/Aggregate, BeginReshare/CompleteReshare
and InitiateRecovery/ExecuteRecovery are entry points that open a session
in internal/session, drive a ceremony in internal/ceremony, and hand the
result to internal/journal or internal/recovery as appropriate. The
facade has no add-guardian entry point.
It contains no cryptographic or state-machine logic of its own.
*/
package control

import (
	"context"
	"fmt"
	"time"

	"github.com/hxrts/aura/internal/ceremony"
	"github.com/hxrts/aura/internal/cryptoprim/frost"
	"github.com/hxrts/aura/internal/effects"
	"github.com/hxrts/aura/internal/ids"
	"github.com/hxrts/aura/internal/journal"
	"github.com/hxrts/aura/internal/recovery"
	"github.com/hxrts/aura/internal/session"
)

const (
	dkgTimeout     = 2 * time.Minute
	signTimeout    = 30 * time.Second
	reshareTimeout = 3 * time.Minute
	recoverTimeout = 0 // recovery cooldown has no session-manager deadline; see internal/recovery
)

// Facade wires the session manager, effect surface, and journal together
// for one account's control plane.
type Facade struct {
	Account   ids.AccountID
	Sessions  *session.Manager
	Journal   *journal.Journal
	Clock     effects.Clock
	Random    effects.RandomSource
	Store     effects.SecureStore
}

func NewFacade(account ids.AccountID, sessions *session.Manager, j *journal.Journal, clock effects.Clock, random effects.RandomSource, store effects.SecureStore) *Facade {
	return &Facade{Account: account, Sessions: sessions, Journal: j, Clock: clock, Random: random, Store: store}
}

// BeginDKG opens a session and starts this device's round-1 contribution
// for a fresh key generation ceremony among devices.
func (f *Facade) BeginDKG(self ids.DeviceID, devices []ids.DeviceID, threshold uint16) (*session.SessionState, *ceremony.DKGCeremony, *frost.Round1Message, error) {
	sess, err := f.Sessions.Open(f.Account, session.KindDKG, devices, dkgTimeout, ids.InitialEpoch)
	if err != nil {
		return nil, nil, nil, err
	}
	c, err := ceremony.NewDKGCeremony(self, devices, threshold)
	if err != nil {
		_ = f.Sessions.Fail(sess.SessionID)
		return nil, nil, nil, err
	}
	msg, err := c.BeginRound1(f.Random)
	if err != nil {
		_ = f.Sessions.Fail(sess.SessionID)
		return nil, nil, nil, err
	}
	return sess, c, msg, nil
}

// CompleteDKG finalizes a DKG ceremony, persists the resulting share, and
// closes the session.
func (f *Facade) CompleteDKG(ctx context.Context, sess *session.SessionState, c *ceremony.DKGCeremony) (*frost.DKGOutput, error) {
	out, err := c.Finalize(ctx, f.Account, f.Store)
	if err != nil {
		_ = f.Sessions.Fail(sess.SessionID)
		return nil, err
	}
	if err := f.Sessions.Complete(sess.SessionID); err != nil {
		return nil, err
	}
	return out, nil
}

// SignMessage opens a signing session (exempt from the operation lock)
// and returns the per-signer ceremony handle for the local signer.
func (f *Facade) SignMessage(self ids.DeviceID, signerSet []ids.DeviceID) (*session.SessionState, *ceremony.SignCeremony, error) {
	sess, err := f.Sessions.Open(f.Account, session.KindSign, signerSet, signTimeout, f.Sessions.CurrentEpoch(f.Account))
	if err != nil {
		return nil, nil, err
	}
	c, err := ceremony.NewSignCeremony(self, signerSet)
	if err != nil {
		_ = f.Sessions.Fail(sess.SessionID)
		return nil, nil, err
	}
	return sess, c, nil
}

// Aggregate finalizes a threshold signature and closes the session.
func (f *Facade) Aggregate(sess *session.SessionState, pkg *frost.SigningPackage, shares []*frost.SignatureShare, pubKeyPkg *frost.PublicKeyPackage, threshold int) ([]byte, error) {
	sig, err := frost.Aggregate(pkg, shares, pubKeyPkg, threshold)
	if err != nil {
		_ = f.Sessions.Fail(sess.SessionID)
		return nil, err
	}
	if err := f.Sessions.Complete(sess.SessionID); err != nil {
		return nil, err
	}
	return sig, nil
}

// BeginReshare opens a resharing session among the new participant set.
func (f *Facade) BeginReshare(self ids.DeviceID, oldDevices, newDevices []ids.DeviceID, oldThreshold, newThreshold uint16, expectedGroupKey []byte) (*session.SessionState, *ceremony.ReshareCeremony, error) {
	sess, err := f.Sessions.Open(f.Account, session.KindReshare, newDevices, reshareTimeout, f.Sessions.CurrentEpoch(f.Account))
	if err != nil {
		return nil, nil, err
	}
	c, err := ceremony.NewReshareCeremony(self, oldDevices, newDevices, oldThreshold, newThreshold, expectedGroupKey)
	if err != nil {
		_ = f.Sessions.Fail(sess.SessionID)
		return nil, nil, err
	}
	return sess, c, nil
}

// CompleteReshare finalizes resharing, rotating secure-storage share
// location forward by one epoch and bumping the session manager's epoch
// counter so stale presence/session tickets are invalidated.
func (f *Facade) CompleteReshare(ctx context.Context, sess *session.SessionState, c *ceremony.ReshareCeremony, oldEpoch ids.Epoch) (*frost.DKGOutput, error) {
	out, err := c.Finalize(ctx, f.Account, oldEpoch, f.Store)
	if err != nil {
		_ = f.Sessions.Fail(sess.SessionID)
		return nil, err
	}
	if err := f.Sessions.Complete(sess.SessionID); err != nil {
		return nil, err
	}
	f.Sessions.BumpEpoch(f.Account)
	return out, nil
}

// InitiateRecovery begins a recovery request. Recovery's own cooldown
// deadline is tracked by the RecoveryRequest itself, not by the session
// manager, since it spans far longer than any ceremony timeout.
func (f *Facade) InitiateRecovery(newDevice ids.DeviceID, guardians []ids.GuardianID, requiredApprovals int, cooldownSeconds int64, reason string) (*recovery.RecoveryRequest, error) {
	state := f.Journal.QueryState()
	if state.OperationLock != nil {
		return nil, fmt.Errorf("control: operation already locked by %s", *state.OperationLock)
	}
	lockKind := journal.OpRecovery
	state.OperationLock = &lockKind
	return recovery.Initiate(f.Account, newDevice, guardians, requiredApprovals, cooldownSeconds, reason, f.Clock.Now()), nil
}

// ExecuteRecovery passes reconstructedShareOK, the outcome of a resharing
// ceremony the caller has already run, to recovery.Execute, and always
// releases the operation lock. It runs no resharing ceremony itself,
// appends no RecoveryCompleted event to the journal, and does not bump
// the session manager's epoch.
//
// A request that has already been vetoed or cancelled is reported as
// NotFound rather than InvalidTransition: once a guardian rejects it, the
// request is gone as far as execute is concerned, per spec.md §8 scenario 4.
func (f *Facade) ExecuteRecovery(req *recovery.RecoveryRequest, reconstructedShareOK bool, newEpoch ids.Epoch) error {
	defer f.Journal.QueryState().ReleaseOperationLock()
	switch req.Status {
	case recovery.StatusVetoed, recovery.StatusCancelled:
		return &recovery.RecoveryError{Kind: "NotFound", Msg: "recovery request no longer active"}
	}
	return recovery.Execute(req, reconstructedShareOK, newEpoch, f.Clock.Now())
}
