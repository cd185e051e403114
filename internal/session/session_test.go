package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura/internal/ids"
)

// fakeClock is a manually-advanced effects.Clock, matching the
// deterministic-testing contract the Clock interface documents.
type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time         { return f.now }
func (f *fakeClock) NowUnixMilli() uint64   { return uint64(f.now.UnixMilli()) }
func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func newFakeClock() *fakeClock { return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)} }

func TestOpenEnforcesOperationLockAcrossNonSignKinds(t *testing.T) {
	m := NewManager(newFakeClock())
	account := ids.NewAccountID()

	_, err := m.Open(account, KindDKG, nil, time.Minute, 0)
	require.NoError(t, err)

	_, err = m.Open(account, KindReshare, nil, time.Minute, 0)
	require.Error(t, err)
	var serr *SessionError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "OperationLocked", serr.Kind)
}

func TestSignSessionsAreExemptFromOperationLock(t *testing.T) {
	m := NewManager(newFakeClock())
	account := ids.NewAccountID()

	_, err := m.Open(account, KindDKG, nil, time.Minute, 0)
	require.NoError(t, err)

	_, err = m.Open(account, KindSign, nil, time.Minute, 0)
	require.NoError(t, err, "sign sessions must not be blocked by the DKG/reshare/recover lock")
}

func TestCompleteReleasesOperationLock(t *testing.T) {
	m := NewManager(newFakeClock())
	account := ids.NewAccountID()

	sess, err := m.Open(account, KindReshare, nil, time.Minute, 0)
	require.NoError(t, err)
	require.NoError(t, m.Complete(sess.SessionID))

	_, err = m.Open(account, KindRecover, nil, time.Minute, 0)
	require.NoError(t, err, "completing a session must release the account's operation lock")
}

func TestFinishIsNotReentrant(t *testing.T) {
	m := NewManager(newFakeClock())
	sess, err := m.Open(ids.NewAccountID(), KindDKG, nil, time.Minute, 0)
	require.NoError(t, err)
	require.NoError(t, m.Complete(sess.SessionID))

	err = m.Complete(sess.SessionID)
	require.Error(t, err)
	var serr *SessionError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "AlreadyTerminal", serr.Kind)
}

func TestDeliverAndDrainRoundTripInboxMessages(t *testing.T) {
	m := NewManager(newFakeClock())
	sess, err := m.Open(ids.NewAccountID(), KindSign, nil, time.Minute, 0)
	require.NoError(t, err)

	require.NoError(t, m.Deliver(sess.SessionID, Phase("round1"), []byte("a")))
	require.NoError(t, m.Deliver(sess.SessionID, Phase("round1"), []byte("b")))

	msgs, err := m.Drain(sess.SessionID, Phase("round1"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, msgs)

	again, err := m.Drain(sess.SessionID, Phase("round1"))
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestDeliverRejectsTerminalSession(t *testing.T) {
	m := NewManager(newFakeClock())
	sess, err := m.Open(ids.NewAccountID(), KindSign, nil, time.Minute, 0)
	require.NoError(t, err)
	require.NoError(t, m.Fail(sess.SessionID))

	err = m.Deliver(sess.SessionID, Phase("round1"), []byte("late"))
	require.Error(t, err)
	var serr *SessionError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "AlreadyTerminal", serr.Kind)
}

func TestDeliverRejectsOverfullInbox(t *testing.T) {
	m := NewManager(newFakeClock())
	sess, err := m.Open(ids.NewAccountID(), KindSign, nil, time.Minute, 0)
	require.NoError(t, err)

	for i := 0; i < inboxCapacityPerPhase; i++ {
		require.NoError(t, m.Deliver(sess.SessionID, Phase("round1"), []byte("x")))
	}
	err = m.Deliver(sess.SessionID, Phase("round1"), []byte("overflow"))
	require.Error(t, err)
	var serr *SessionError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "InboxFull", serr.Kind)
}

func TestExtendDeadlineIsSingleUse(t *testing.T) {
	m := NewManager(newFakeClock())
	sess, err := m.Open(ids.NewAccountID(), KindSign, nil, time.Minute, 0)
	require.NoError(t, err)

	require.NoError(t, m.ExtendDeadline(sess.SessionID, time.Minute))
	err = m.ExtendDeadline(sess.SessionID, time.Minute)
	require.Error(t, err)
}

func TestGCReapsExpiredSessionsAndRunsZeroers(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(clock)
	sess, err := m.Open(ids.NewAccountID(), KindDKG, nil, time.Minute, 0)
	require.NoError(t, err)

	zeroed := false
	require.NoError(t, m.RegisterZeroer(sess.SessionID, func() { zeroed = true }))

	reaped := m.GC()
	require.Empty(t, reaped, "session not yet past its deadline must not be reaped")

	clock.advance(2 * time.Minute)
	reaped = m.GC()
	require.Equal(t, []ids.SessionID{sess.SessionID}, reaped)
	require.True(t, zeroed, "GC must invoke registered zeroers on timeout")

	got, err := m.Get(sess.SessionID)
	require.NoError(t, err)
	require.Equal(t, StateTimedOut, got.State)

	// The operation lock must be released so a fresh ceremony can start.
	_, err = m.Open(sess.AccountID, KindReshare, nil, time.Minute, 0)
	require.NoError(t, err)
}

func TestBumpEpochIsMonotoneAndPerAccount(t *testing.T) {
	m := NewManager(newFakeClock())
	account := ids.NewAccountID()
	other := ids.NewAccountID()

	require.Equal(t, ids.InitialEpoch, m.CurrentEpoch(account))
	require.Equal(t, ids.Epoch(1), m.BumpEpoch(account))
	require.Equal(t, ids.Epoch(2), m.BumpEpoch(account))
	require.Equal(t, ids.Epoch(2), m.CurrentEpoch(account))
	require.Equal(t, ids.InitialEpoch, m.CurrentEpoch(other))
}

func TestAwaitHandshakeRequiresEveryParticipantToAck(t *testing.T) {
	m := NewManager(newFakeClock())
	d1, d2 := ids.NewDeviceID(), ids.NewDeviceID()
	sess, err := m.Open(ids.NewAccountID(), KindDKG, []ids.DeviceID{d1, d2}, time.Minute, 0)
	require.NoError(t, err)

	ready, err := m.AwaitHandshake(sess.SessionID)
	require.NoError(t, err)
	require.False(t, ready, "no participant has acked yet")

	require.NoError(t, m.RecordHandshakeAck(sess.SessionID, d1))
	ready, err = m.AwaitHandshake(sess.SessionID)
	require.NoError(t, err)
	require.False(t, ready, "one of two participants acked")

	require.NoError(t, m.RecordHandshakeAck(sess.SessionID, d2))
	ready, err = m.AwaitHandshake(sess.SessionID)
	require.NoError(t, err)
	require.True(t, ready)
}

func TestRecordHandshakeAckRejectsNonParticipant(t *testing.T) {
	m := NewManager(newFakeClock())
	d1 := ids.NewDeviceID()
	sess, err := m.Open(ids.NewAccountID(), KindDKG, []ids.DeviceID{d1}, time.Minute, 0)
	require.NoError(t, err)

	err = m.RecordHandshakeAck(sess.SessionID, ids.NewDeviceID())
	require.Error(t, err)
	var serr *SessionError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "NotParticipant", serr.Kind)
}

func TestGetUnknownSessionFails(t *testing.T) {
	m := NewManager(newFakeClock())
	_, err := m.Get(ids.NewSessionID())
	require.Error(t, err)
	var serr *SessionError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "UnknownSession", serr.Kind)
}
