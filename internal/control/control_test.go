package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura/internal/effects/memory"
	"github.com/hxrts/aura/internal/ids"
	"github.com/hxrts/aura/internal/journal"
	"github.com/hxrts/aura/internal/recovery"
	"github.com/hxrts/aura/internal/session"
)

func newTestFacade(t *testing.T) (*Facade, ids.AccountID) {
	t.Helper()
	account := ids.NewAccountID()
	state := journal.NewAccountState(account, []byte("group-pubkey"), 2, 3)
	j := journal.New(state)
	clock := memory.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sessions := session.NewManager(clock)
	f := NewFacade(account, sessions, j, clock, memory.CryptoRandSource{}, memory.NewStore())
	return f, account
}

func TestBeginDKGOpensSessionAndProducesRound1Message(t *testing.T) {
	f, _ := newTestFacade(t)
	self := ids.NewDeviceID()
	devices := []ids.DeviceID{self, ids.NewDeviceID(), ids.NewDeviceID()}

	sess, c, msg, err := f.BeginDKG(self, devices, 2)
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.NotNil(t, c)
	require.NotNil(t, msg)
	require.Equal(t, session.KindDKG, sess.Kind)
}

func TestBeginReshareIsBlockedWhileDKGSessionOpen(t *testing.T) {
	f, _ := newTestFacade(t)
	self := ids.NewDeviceID()
	devices := []ids.DeviceID{self, ids.NewDeviceID(), ids.NewDeviceID()}

	_, _, _, err := f.BeginDKG(self, devices, 2)
	require.NoError(t, err)

	_, _, err = f.BeginReshare(self, devices, devices, 2, 2, nil)
	require.Error(t, err)
}

func TestSignMessageIsExemptFromDKGOperationLock(t *testing.T) {
	f, _ := newTestFacade(t)
	self := ids.NewDeviceID()
	devices := []ids.DeviceID{self, ids.NewDeviceID(), ids.NewDeviceID()}

	_, _, _, err := f.BeginDKG(self, devices, 2)
	require.NoError(t, err)

	_, _, err = f.SignMessage(self, devices)
	require.NoError(t, err, "signing sessions must not be blocked by a concurrent DKG")
}

func TestCompleteDKGFinalizesAndReleasesLockForFollowOnCeremony(t *testing.T) {
	f, account := newTestFacade(t)
	self := ids.NewDeviceID()
	devices := []ids.DeviceID{self, ids.NewDeviceID(), ids.NewDeviceID()}

	sess, c, _, err := f.BeginDKG(self, devices, 2)
	require.NoError(t, err)

	// The rest of the devices never actually participate in this test, so
	// the ceremony cannot reach key-derive; Finalize is expected to fail,
	// and that failure alone must still release the session so the
	// account's operation lock is not stuck forever.
	_, err = f.CompleteDKG(context.Background(), sess, c)
	require.Error(t, err)

	_, _, err = f.BeginReshare(self, devices, devices, 2, 2, nil)
	require.NoError(t, err, "a failed ceremony must release the account's operation lock")
	_ = account
}

func TestInitiateRecoveryRejectsWhenOperationLocked(t *testing.T) {
	f, _ := newTestFacade(t)
	state := f.Journal.QueryState()
	require.NoError(t, state.AcquireOperationLock(journal.OpDKG))

	_, err := f.InitiateRecovery(ids.NewDeviceID(), []ids.GuardianID{ids.NewGuardianID()}, 1, 60, "lost device")
	require.Error(t, err)
}

func TestInitiateRecoveryAcquiresOperationLock(t *testing.T) {
	f, _ := newTestFacade(t)
	req, err := f.InitiateRecovery(ids.NewDeviceID(), []ids.GuardianID{ids.NewGuardianID()}, 1, 60, "lost device")
	require.NoError(t, err)
	require.NotNil(t, req)

	state := f.Journal.QueryState()
	require.NotNil(t, state.OperationLock)
	require.Equal(t, journal.OpRecovery, *state.OperationLock)
}

func TestExecuteRecoveryReleasesOperationLockOnFailure(t *testing.T) {
	f, _ := newTestFacade(t)
	req, err := f.InitiateRecovery(ids.NewDeviceID(), []ids.GuardianID{ids.NewGuardianID()}, 1, 60, "lost device")
	require.NoError(t, err)

	err = f.ExecuteRecovery(req, false, ids.Epoch(0))
	require.Error(t, err, "execute requires ReadyToExecute, which this request never reached")

	state := f.Journal.QueryState()
	require.Nil(t, state.OperationLock, "ExecuteRecovery must release the lock regardless of outcome")
}

func TestExecuteRecoveryOnVetoedRequestReturnsNotFound(t *testing.T) {
	f, _ := newTestFacade(t)
	req, err := f.InitiateRecovery(ids.NewDeviceID(), []ids.GuardianID{ids.NewGuardianID()}, 1, 60, "lost device")
	require.NoError(t, err)
	req.Status = recovery.StatusVetoed

	err = f.ExecuteRecovery(req, true, ids.Epoch(1))
	require.Error(t, err)
	var rerr *recovery.RecoveryError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, "NotFound", rerr.Kind)
}
