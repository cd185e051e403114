package journal

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura/internal/cryptoprim"
	"github.com/hxrts/aura/internal/ids"
)

func newTestJournal(t *testing.T) (*Journal, *AccountState) {
	t.Helper()
	account := ids.NewAccountID()
	state := NewAccountState(account, []byte("group-public-key"), 2, 3)
	return New(state), state
}

func epochTickEvent(account ids.AccountID, newEpoch ids.Epoch) AccountEvent {
	var id [16]byte
	rand.Read(id[:])
	return AccountEvent{
		Version:       1,
		EventID:       id,
		AccountID:     account,
		EpochAtWrite:  newEpoch,
		Kind:          EventEpochTick,
		NewEpoch:      newEpoch,
		Authorization: Authorization{Kind: AuthLifecycleInternal},
	}
}

func TestAppendEventAdvancesEpoch(t *testing.T) {
	j, state := newTestJournal(t)
	require.NoError(t, j.AppendEvent(epochTickEvent(state.AccountID, 1)))
	require.Equal(t, ids.Epoch(1), j.QueryState().CurrentEpoch)
}

func TestAppendEventRejectsEpochRegression(t *testing.T) {
	j, state := newTestJournal(t)
	require.NoError(t, j.AppendEvent(epochTickEvent(state.AccountID, 2)))

	err := j.AppendEvent(epochTickEvent(state.AccountID, 1))
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "SemanticViolation", verr.Kind)
}

func TestAppendEventRejectsEpochJumpBeyondBound(t *testing.T) {
	j, state := newTestJournal(t)
	err := j.AppendEvent(epochTickEvent(state.AccountID, epochTickMaxGap+1))
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "SemanticViolation", verr.Kind)
}

func TestAppendEventRejectsReplayedEventID(t *testing.T) {
	j, state := newTestJournal(t)
	e := epochTickEvent(state.AccountID, 1)
	require.NoError(t, j.AppendEvent(e))

	e2 := e
	e2.EpochAtWrite = 2
	e2.NewEpoch = 2
	err := j.AppendEvent(e2)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "ReplayedEvent", verr.Kind)
}

func TestAppendEventRejectsWrongAccount(t *testing.T) {
	j, _ := newTestJournal(t)
	err := j.AppendEvent(epochTickEvent(ids.NewAccountID(), 1))
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "MalformedEvent", verr.Kind)
}

func TestAddDeviceWithValidCertificateCommits(t *testing.T) {
	j, state := newTestJournal(t)
	device := ids.NewDeviceID()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	state.Devices[device] = DeviceRecord{DeviceID: device, PublicKey: pub}
	newPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var id [16]byte
	rand.Read(id[:])
	e := AccountEvent{
		Version:      1,
		EventID:      id,
		AccountID:    state.AccountID,
		EpochAtWrite: 0,
		Kind:         EventAddDevice,
		Device:       ids.NewDeviceID(),
		NewPublicKey: newPub,
		Authorization: Authorization{
			Kind:     AuthDeviceCertificate,
			DeviceID: device,
		},
	}
	sig := cryptoprim.SignEd25519(priv, func() []byte { h := e.SignableHash(); return h[:] }())
	e.Authorization.DeviceSig = sig

	require.NoError(t, j.AppendEvent(e))
	rec, present := state.Devices[e.Device]
	require.True(t, present)
	require.Equal(t, ed25519.PublicKey(newPub), ed25519.PublicKey(rec.PublicKey))
}

func TestAddDeviceRejectsInvalidSignature(t *testing.T) {
	j, state := newTestJournal(t)
	device := ids.NewDeviceID()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	state.Devices[device] = DeviceRecord{DeviceID: device, PublicKey: pub}
	newPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var id [16]byte
	rand.Read(id[:])
	e := AccountEvent{
		Version:      1,
		EventID:      id,
		AccountID:    state.AccountID,
		EpochAtWrite: 0,
		Kind:         EventAddDevice,
		Device:       ids.NewDeviceID(),
		NewPublicKey: newPub,
		Authorization: Authorization{
			Kind:      AuthDeviceCertificate,
			DeviceID:  device,
			DeviceSig: make([]byte, ed25519.SignatureSize),
		},
	}

	err = j.AppendEvent(e)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "InvalidSignature", verr.Kind)
}

func TestAddDeviceRejectsDuplicate(t *testing.T) {
	j, state := newTestJournal(t)
	device := ids.NewDeviceID()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	state.Devices[device] = DeviceRecord{DeviceID: device, PublicKey: pub}
	existing := ids.NewDeviceID()
	state.Devices[existing] = DeviceRecord{DeviceID: existing}
	newPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var id [16]byte
	rand.Read(id[:])
	e := AccountEvent{
		Version:       1,
		EventID:       id,
		AccountID:     state.AccountID,
		EpochAtWrite:  0,
		Kind:          EventAddDevice,
		Device:        existing,
		NewPublicKey:  newPub,
		Authorization: Authorization{Kind: AuthDeviceCertificate, DeviceID: device},
	}
	sig := cryptoprim.SignEd25519(priv, func() []byte { h := e.SignableHash(); return h[:] }())
	e.Authorization.DeviceSig = sig

	err = j.AppendEvent(e)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "SemanticViolation", verr.Kind)
}

func TestAddDeviceRejectsMissingPublicKey(t *testing.T) {
	j, state := newTestJournal(t)
	device := ids.NewDeviceID()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	state.Devices[device] = DeviceRecord{DeviceID: device, PublicKey: pub}

	var id [16]byte
	rand.Read(id[:])
	e := AccountEvent{
		Version:       1,
		EventID:       id,
		AccountID:     state.AccountID,
		EpochAtWrite:  0,
		Kind:          EventAddDevice,
		Device:        ids.NewDeviceID(),
		Authorization: Authorization{Kind: AuthDeviceCertificate, DeviceID: device},
	}
	sig := cryptoprim.SignEd25519(priv, func() []byte { h := e.SignableHash(); return h[:] }())
	e.Authorization.DeviceSig = sig

	err = j.AppendEvent(e)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "MalformedEvent", verr.Kind)
}

func TestAddGuardianWithValidCertificateStoresPublicKey(t *testing.T) {
	j, state := newTestJournal(t)
	device := ids.NewDeviceID()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	state.Devices[device] = DeviceRecord{DeviceID: device, PublicKey: pub}
	newPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var id [16]byte
	rand.Read(id[:])
	e := AccountEvent{
		Version:      1,
		EventID:      id,
		AccountID:    state.AccountID,
		EpochAtWrite: 0,
		Kind:         EventAddGuardian,
		Guardian:     ids.NewGuardianID(),
		NewPublicKey: newPub,
		Authorization: Authorization{
			Kind:     AuthDeviceCertificate,
			DeviceID: device,
		},
	}
	sig := cryptoprim.SignEd25519(priv, func() []byte { h := e.SignableHash(); return h[:] }())
	e.Authorization.DeviceSig = sig

	require.NoError(t, j.AppendEvent(e))
	rec, present := state.Guardians[e.Guardian]
	require.True(t, present)
	require.Equal(t, ed25519.PublicKey(newPub), ed25519.PublicKey(rec.PublicKey))
}

func TestOperationLockExcludesConcurrentCeremonies(t *testing.T) {
	state := NewAccountState(ids.NewAccountID(), nil, 2, 3)
	require.NoError(t, state.AcquireOperationLock(OpDKG))

	err := state.AcquireOperationLock(OpReshare)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "OperationLocked", verr.Kind)
	require.Equal(t, OpDKG, verr.Held)

	state.ReleaseOperationLock()
	require.NoError(t, state.AcquireOperationLock(OpReshare))
}

func TestIterEventsSinceFiltersByEpoch(t *testing.T) {
	j, state := newTestJournal(t)
	require.NoError(t, j.AppendEvent(epochTickEvent(state.AccountID, 1)))
	require.NoError(t, j.AppendEvent(epochTickEvent(state.AccountID, 2)))
	require.NoError(t, j.AppendEvent(epochTickEvent(state.AccountID, 3)))

	got := j.IterEventsSince(2)
	require.Len(t, got, 2)
	require.Equal(t, ids.Epoch(2), got[0].EpochAtWrite)
	require.Equal(t, ids.Epoch(3), got[1].EpochAtWrite)
}

func TestApplyForeignEventUsesSamePipeline(t *testing.T) {
	j, state := newTestJournal(t)
	err := j.ApplyForeignEvent(epochTickEvent(state.AccountID, epochTickMaxGap+1))
	require.Error(t, err)

	require.NoError(t, j.ApplyForeignEvent(epochTickEvent(state.AccountID, 1)))
	require.Equal(t, ids.Epoch(1), j.QueryState().CurrentEpoch)
}

func TestEpochTickTruncatesNoncesBelowWatermark(t *testing.T) {
	_, state := newTestJournal(t)
	device := ids.NewDeviceID()
	state.usedNonces[device] = make(map[uint64]bool)
	state.usedNonces[device][1] = true
	state.usedNonces[device][9000] = true
	state.usedNonces[device][10000] = true

	commit(state, epochTickEvent(state.AccountID, 1))

	require.False(t, state.usedNonces[device][1], "nonce far behind the watermark must be dropped")
	require.True(t, state.usedNonces[device][9000], "nonce within the truncation window must survive")
	require.True(t, state.usedNonces[device][10000])
}
