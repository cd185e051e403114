package journal

import (
	"fmt"

	"github.com/hxrts/aura/internal/cryptoprim"
	"github.com/hxrts/aura/internal/ids"
)

// OpKind names a ceremony holding the account's operation lock.
type OpKind string

const (
	OpDKG      OpKind = "dkg"
	OpRecovery OpKind = "recovery"
	OpReshare  OpKind = "reshare"
)

type DeviceRecord struct {
	DeviceID  ids.DeviceID
	PublicKey []byte
	AddedAtEpoch ids.Epoch
}

type GuardianRecord struct {
	GuardianID ids.GuardianID
	PublicKey  []byte
	AddedAtEpoch ids.Epoch
}

// AccountState is the journal's durable projection: the set of devices
// and guardians currently active, replay-protection bookkeeping, and the
// ceremony operation lock.
type AccountState struct {
	AccountID      ids.AccountID
	GroupPublicKey []byte
	Threshold      uint16
	Total          uint16

	Devices        map[ids.DeviceID]DeviceRecord
	RemovedDevices map[ids.DeviceID]bool
	Guardians      map[ids.GuardianID]GuardianRecord
	RemovedGuardians map[ids.GuardianID]bool

	CurrentEpoch ids.Epoch
	OperationLock *OpKind

	usedEventIDs map[[16]byte]bool
	usedNonces   map[ids.DeviceID]map[uint64]bool
}

func NewAccountState(account ids.AccountID, groupPublicKey []byte, threshold, total uint16) *AccountState {
	return &AccountState{
		AccountID:        account,
		GroupPublicKey:   groupPublicKey,
		Threshold:        threshold,
		Total:            total,
		Devices:          make(map[ids.DeviceID]DeviceRecord),
		RemovedDevices:   make(map[ids.DeviceID]bool),
		Guardians:        make(map[ids.GuardianID]GuardianRecord),
		RemovedGuardians: make(map[ids.GuardianID]bool),
		CurrentEpoch:     ids.InitialEpoch,
		usedEventIDs:     make(map[[16]byte]bool),
		usedNonces:       make(map[ids.DeviceID]map[uint64]bool),
	}
}

// ValidationError is the error taxonomy for the event ingestion pipeline
// (spec.md §4.4).
type ValidationError struct {
	Kind string // MalformedEvent | ReplayedEvent | ReplayedNonce | Unauthorized | InvalidSignature | OperationLocked | SemanticViolation
	Held OpKind
	Msg  string
}

func (e *ValidationError) Error() string {
	if e.Kind == "OperationLocked" {
		return fmt.Sprintf("journal: operation locked by %s", e.Held)
	}
	return fmt.Sprintf("journal: %s: %s", e.Kind, e.Msg)
}

// AcquireOperationLock enforces spec.md §4.4: at most one of
// {DKG, Recovery, Reshare} may be active per account.
func (s *AccountState) AcquireOperationLock(kind OpKind) error {
	if s.OperationLock != nil {
		return &ValidationError{Kind: "OperationLocked", Held: *s.OperationLock}
	}
	s.OperationLock = &kind
	return nil
}

func (s *AccountState) ReleaseOperationLock() {
	s.OperationLock = nil
}

// validateShape checks spec.md §4.4 step 1.
func validateShape(s *AccountState, e AccountEvent) error {
	if e.Version != 1 {
		return &ValidationError{Kind: "MalformedEvent", Msg: "unsupported version"}
	}
	if e.AccountID != s.AccountID {
		return &ValidationError{Kind: "MalformedEvent", Msg: "account id mismatch"}
	}
	switch e.Kind {
	case EventAddDevice:
		if e.Device == (ids.DeviceID{}) {
			return &ValidationError{Kind: "MalformedEvent", Msg: "missing device id"}
		}
		if len(e.NewPublicKey) == 0 {
			return &ValidationError{Kind: "MalformedEvent", Msg: "missing device public key"}
		}
	case EventRemoveDevice:
		if e.Device == (ids.DeviceID{}) {
			return &ValidationError{Kind: "MalformedEvent", Msg: "missing device id"}
		}
	case EventAddGuardian:
		if e.Guardian == (ids.GuardianID{}) {
			return &ValidationError{Kind: "MalformedEvent", Msg: "missing guardian id"}
		}
		if len(e.NewPublicKey) == 0 {
			return &ValidationError{Kind: "MalformedEvent", Msg: "missing guardian public key"}
		}
	case EventRemoveGuardian:
		if e.Guardian == (ids.GuardianID{}) {
			return &ValidationError{Kind: "MalformedEvent", Msg: "missing guardian id"}
		}
	case EventEpochTick:
		// NewEpoch checked in the semantic stage.
	}
	return nil
}

// validateReplay checks spec.md §4.4 step 2.
func validateReplay(s *AccountState, e AccountEvent) error {
	if s.usedEventIDs[e.EventID] {
		return &ValidationError{Kind: "ReplayedEvent", Msg: "event_id already seen"}
	}
	if e.Authorization.Kind == AuthDeviceCertificate {
		if seen := s.usedNonces[e.Authorization.DeviceID]; seen != nil && seen[e.Nonce] {
			return &ValidationError{Kind: "ReplayedNonce", Msg: "nonce already used by this device"}
		}
	}
	return nil
}

// epochTickMaxGap bounds how far ahead a LifecycleInternal EpochTick may
// jump in one event, rejecting both strict regressions and implausible
// jumps that would suggest a forged or corrupted proposal.
const epochTickMaxGap = 4

// validateAuthorization checks spec.md §4.4 step 3.
func validateAuthorization(s *AccountState, e AccountEvent) error {
	switch e.Authorization.Kind {
	case AuthDeviceCertificate:
		rec, active := s.Devices[e.Authorization.DeviceID]
		if !active || s.RemovedDevices[e.Authorization.DeviceID] {
			return &ValidationError{Kind: "Unauthorized", Msg: "device not active"}
		}
		hash := e.SignableHash()
		if !cryptoprim.VerifyEd25519(rec.PublicKey, hash[:], e.Authorization.DeviceSig) {
			return &ValidationError{Kind: "InvalidSignature", Msg: "device certificate signature invalid"}
		}
	case AuthThresholdSignature:
		hash := e.SignableHash()
		if !cryptoprim.VerifyEd25519(s.GroupPublicKey, hash[:], e.Authorization.AggregateSig) {
			return &ValidationError{Kind: "InvalidSignature", Msg: "threshold signature invalid"}
		}
		if len(e.Authorization.Signers) < int(s.Threshold) {
			return &ValidationError{Kind: "Unauthorized", Msg: "signer count below threshold"}
		}
	case AuthGuardianSignature:
		rec, active := s.Guardians[e.Authorization.GuardianID]
		if !active || s.RemovedGuardians[e.Authorization.GuardianID] {
			return &ValidationError{Kind: "Unauthorized", Msg: "guardian not active"}
		}
		hash := e.SignableHash()
		if !cryptoprim.VerifyEd25519(rec.PublicKey, hash[:], e.Authorization.GuardianSig) {
			return &ValidationError{Kind: "InvalidSignature", Msg: "guardian signature invalid"}
		}
	case AuthLifecycleInternal:
		if e.Kind != EventEpochTick {
			return &ValidationError{Kind: "Unauthorized", Msg: "lifecycle-internal authorization only valid for EpochTick"}
		}
		if e.NewEpoch <= s.CurrentEpoch {
			return &ValidationError{Kind: "SemanticViolation", Msg: "epoch tick must advance the epoch"}
		}
		if uint64(e.NewEpoch)-uint64(s.CurrentEpoch) > epochTickMaxGap {
			return &ValidationError{Kind: "SemanticViolation", Msg: "epoch tick jump exceeds bound"}
		}
	}
	return nil
}

// validateSemantic checks spec.md §4.4 step 4.
func validateSemantic(s *AccountState, e AccountEvent) error {
	switch e.Kind {
	case EventAddDevice:
		if _, present := s.Devices[e.Device]; present {
			return &ValidationError{Kind: "SemanticViolation", Msg: "device already present"}
		}
		if s.RemovedDevices[e.Device] {
			return &ValidationError{Kind: "SemanticViolation", Msg: "device is tombstoned"}
		}
	case EventRemoveDevice:
		if _, present := s.Devices[e.Device]; !present {
			return &ValidationError{Kind: "SemanticViolation", Msg: "device not present"}
		}
	case EventAddGuardian:
		if _, present := s.Guardians[e.Guardian]; present {
			return &ValidationError{Kind: "SemanticViolation", Msg: "guardian already present"}
		}
		if s.RemovedGuardians[e.Guardian] {
			return &ValidationError{Kind: "SemanticViolation", Msg: "guardian is tombstoned"}
		}
	case EventRemoveGuardian:
		if _, present := s.Guardians[e.Guardian]; !present {
			return &ValidationError{Kind: "SemanticViolation", Msg: "guardian not present"}
		}
	case EventEpochTick:
		if e.NewEpoch <= s.CurrentEpoch {
			return &ValidationError{Kind: "SemanticViolation", Msg: "epoch tick must strictly advance"}
		}
	}
	return nil
}

// commit applies the event's state mutation and marks replay bookkeeping,
// spec.md §4.4 step 5. Concurrent EpochTicks converge by taking the max
// new_epoch, matching the CRDT property described in §4.4.
func commit(s *AccountState, e AccountEvent) {
	s.usedEventIDs[e.EventID] = true
	if e.Authorization.Kind == AuthDeviceCertificate {
		if s.usedNonces[e.Authorization.DeviceID] == nil {
			s.usedNonces[e.Authorization.DeviceID] = make(map[uint64]bool)
		}
		s.usedNonces[e.Authorization.DeviceID][e.Nonce] = true
	}
	switch e.Kind {
	case EventAddDevice:
		s.Devices[e.Device] = DeviceRecord{DeviceID: e.Device, PublicKey: e.NewPublicKey, AddedAtEpoch: s.CurrentEpoch}
	case EventRemoveDevice:
		delete(s.Devices, e.Device)
		s.RemovedDevices[e.Device] = true
	case EventAddGuardian:
		s.Guardians[e.Guardian] = GuardianRecord{GuardianID: e.Guardian, PublicKey: e.NewPublicKey, AddedAtEpoch: s.CurrentEpoch}
	case EventRemoveGuardian:
		delete(s.Guardians, e.Guardian)
		s.RemovedGuardians[e.Guardian] = true
	case EventEpochTick:
		if e.NewEpoch > s.CurrentEpoch {
			s.CurrentEpoch = e.NewEpoch
			s.truncateNoncesBelowWatermark()
		}
	}
}

// nonceTruncationWindow bounds, per device, how far below that device's
// highest seen nonce a nonce may lie and survive a truncation pass; every
// nonce farther behind is dropped. It is
// not tied to a literal epoch count — a device's nonce is a per-device
// monotonic counter, not an epoch-indexed value — but is applied on
// every EpochTick per spec.md §5 ("periodically truncated below an
// epoch_low_watermark").
const nonceTruncationWindow = 4096

// truncateNoncesBelowWatermark drops, for every device with recorded
// nonces, everything more than nonceTruncationWindow behind that
// device's highest seen nonce, bounding the otherwise-unbounded
// per-device replay set.
func (s *AccountState) truncateNoncesBelowWatermark() {
	for device := range s.usedNonces {
		var max uint64
		for nonce := range s.usedNonces[device] {
			if nonce > max {
				max = nonce
			}
		}
		if max <= nonceTruncationWindow {
			continue
		}
		s.TruncateNonces(device, max-nonceTruncationWindow)
	}
}

// TruncateNonces drops recorded nonces below lowWatermark for device,
// bounding the otherwise-unbounded replay-protection set per spec.md §5.
func (s *AccountState) TruncateNonces(device ids.DeviceID, lowWatermark uint64) {
	seen := s.usedNonces[device]
	if seen == nil {
		return
	}
	for nonce := range seen {
		if nonce < lowWatermark {
			delete(seen, nonce)
		}
	}
}
