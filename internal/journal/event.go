/*
Package journal implements the account journal (spec §4.4): an
append-only, per-device-nonced, signature-authorized event log with
CRDT-safe ingestion from peers and a single operation lock shared with
DKG/Recovery/Reshare.
*/
package journal

import (
	"github.com/hxrts/aura/internal/cryptoprim"
	"github.com/hxrts/aura/internal/ids"
)

// EventKind enumerates the account-administrative event types.
type EventKind uint8

const (
	EventAddDevice EventKind = iota
	EventRemoveDevice
	EventAddGuardian
	EventRemoveGuardian
	EventRecoveryInitiated
	EventRecoveryCompleted
	EventEpochTick
)

// AuthKind tags which of the four authorization shapes an event carries.
type AuthKind uint8

const (
	AuthDeviceCertificate AuthKind = iota
	AuthThresholdSignature
	AuthGuardianSignature
	AuthLifecycleInternal
)

// Authorization is a sum type over the four ways an event can be
// authorized; exactly one set of fields is meaningful per Kind.
type Authorization struct {
	Kind AuthKind

	// AuthDeviceCertificate
	DeviceID ids.DeviceID
	DeviceSig []byte

	// AuthThresholdSignature
	Signers     []ids.ParticipantID
	ShareSigs   [][]byte
	AggregateSig []byte

	// AuthGuardianSignature
	GuardianID  ids.GuardianID
	GuardianSig []byte
}

// AccountEvent is one entry in the journal.
type AccountEvent struct {
	Version      uint16
	EventID      [16]byte // random, deduplicates across replays and foreign ingestion
	AccountID    ids.AccountID
	TimestampMs  uint64
	Nonce        uint64
	ParentHash   *cryptoprim.Hash32
	EpochAtWrite ids.Epoch
	Kind         EventKind

	// Kind-specific payload.
	Device       ids.DeviceID
	Guardian     ids.GuardianID
	NewPublicKey []byte // AddDevice/AddGuardian: the key material being admitted
	NewEpoch     ids.Epoch
	RecoveryID   ids.RecoveryID

	Authorization Authorization
}

// SignableHash is BLAKE3 over a canonical serialization of every field
// except Authorization, per spec.md §4.4.
func (e AccountEvent) SignableHash() cryptoprim.Hash32 {
	h := cryptoprim.NewHasher("ACCOUNT_EVENT")
	h.WriteU16(e.Version)
	h.WriteBytes(e.EventID[:])
	h.WriteBytes(e.AccountID.Bytes())
	h.WriteU64(e.TimestampMs)
	h.WriteU64(e.Nonce)
	if e.ParentHash != nil {
		h.WriteBytes(e.ParentHash[:])
	}
	h.WriteU64(uint64(e.EpochAtWrite))
	var kindByte [1]byte
	kindByte[0] = byte(e.Kind)
	h.WriteBytes(kindByte[:])
	h.WriteBytes(e.Device.Bytes())
	h.WriteBytes(e.Guardian.Bytes())
	h.WriteBytes(e.NewPublicKey)
	h.WriteU64(uint64(e.NewEpoch))
	h.WriteBytes([]byte(e.RecoveryID.String()))
	return h.Sum()
}
