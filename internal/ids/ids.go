// Package ids defines the opaque 128-bit identifier types used throughout
// the account control plane, and the monotone Epoch counter that fences
// every signature, ticket, and key share to a point in an account's history.
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// DeviceID identifies a single device enrolled in an account.
type DeviceID uuid.UUID

// GuardianID identifies a peer who can participate in recovery.
type GuardianID uuid.UUID

// AccountID identifies the logical principal the journal and tree belong to.
type AccountID uuid.UUID

// SessionID identifies one run of a ceremony (DKG, signing, reshare, recovery handshake).
type SessionID uuid.UUID

// RecoveryID identifies one recovery request.
type RecoveryID uuid.UUID

// ContextID is a domain-separation handle used when binding a signature to
// the context it was produced for (tree node, journal event, recovery request).
type ContextID uuid.UUID

func NewDeviceID() DeviceID     { return DeviceID(uuid.New()) }
func NewGuardianID() GuardianID { return GuardianID(uuid.New()) }
func NewAccountID() AccountID   { return AccountID(uuid.New()) }
func NewSessionID() SessionID   { return SessionID(uuid.New()) }
func NewRecoveryID() RecoveryID { return RecoveryID(uuid.New()) }
func NewContextID() ContextID   { return ContextID(uuid.New()) }

func (d DeviceID) String() string   { return uuid.UUID(d).String() }
func (g GuardianID) String() string { return uuid.UUID(g).String() }
func (a AccountID) String() string  { return uuid.UUID(a).String() }
func (s SessionID) String() string  { return uuid.UUID(s).String() }
func (r RecoveryID) String() string { return uuid.UUID(r).String() }
func (c ContextID) String() string  { return uuid.UUID(c).String() }

func ParseDeviceID(s string) (DeviceID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return DeviceID{}, fmt.Errorf("ids: parse device id: %w", err)
	}
	return DeviceID(u), nil
}

func ParseGuardianID(s string) (GuardianID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return GuardianID{}, fmt.Errorf("ids: parse guardian id: %w", err)
	}
	return GuardianID(u), nil
}

func ParseAccountID(s string) (AccountID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return AccountID{}, fmt.Errorf("ids: parse account id: %w", err)
	}
	return AccountID(u), nil
}

func ParseSessionID(s string) (SessionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return SessionID{}, fmt.Errorf("ids: parse session id: %w", err)
	}
	return SessionID(u), nil
}

func ParseRecoveryID(s string) (RecoveryID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return RecoveryID{}, fmt.Errorf("ids: parse recovery id: %w", err)
	}
	return RecoveryID(u), nil
}

func ParseContextID(s string) (ContextID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ContextID{}, fmt.Errorf("ids: parse context id: %w", err)
	}
	return ContextID(u), nil
}

func (d DeviceID) Bytes() []byte    { b := uuid.UUID(d); return b[:] }
func (g GuardianID) Bytes() []byte  { b := uuid.UUID(g); return b[:] }
func (a AccountID) Bytes() []byte   { b := uuid.UUID(a); return b[:] }
func (s SessionID) Bytes() []byte   { b := uuid.UUID(s); return b[:] }
func (r RecoveryID) Bytes() []byte  { b := uuid.UUID(r); return b[:] }
func (c ContextID) Bytes() []byte   { b := uuid.UUID(c); return b[:] }

// Compare gives DeviceID a total order, needed for deterministic
// participant-set serialization and sorted iteration.
func (d DeviceID) Compare(other DeviceID) int {
	a, b := uuid.UUID(d), uuid.UUID(other)
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (g GuardianID) Compare(other GuardianID) int {
	a, b := uuid.UUID(g), uuid.UUID(other)
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// ParticipantID is the 1..=n FROST identifier space assigned at DKG time.
// It never participates in account-level identity; it is purely positional.
type ParticipantID uint16

// Epoch is a monotone fencing counter. The zero value is the account's
// genesis epoch, used as the well-known "no parent yet" marker for the
// first AttestedOp applied to a fresh commitment tree.
type Epoch uint64

// InitialEpoch is the account's genesis epoch.
const InitialEpoch Epoch = 0

func (e Epoch) Next() Epoch { return e + 1 }

func (e Epoch) String() string { return fmt.Sprintf("epoch(%d)", uint64(e)) }
