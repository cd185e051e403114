/*
Package recovery implements the guardian-driven recovery state machine
(spec §4.5): approvals accumulate against a required threshold, a
cooldown window must elapse before execution, and any authorized guardian
may veto or the account may cancel at any point before completion.
*/
package recovery

import (
	"fmt"
	"time"

	"github.com/hxrts/aura/internal/cryptoprim"
	"github.com/hxrts/aura/internal/ids"
)

type Status string

const (
	StatusPendingApprovals Status = "pending_approvals"
	StatusCooldownActive   Status = "cooldown_active"
	StatusReadyToExecute   Status = "ready_to_execute"
	StatusCompleted        Status = "completed"
	StatusCancelled        Status = "cancelled"
	StatusVetoed           Status = "vetoed"
	StatusFailed           Status = "failed"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusVetoed, StatusFailed:
		return true
	}
	return false
}

// RecoveryError is the error taxonomy for the recovery state machine.
type RecoveryError struct {
	Kind string // InvalidTransition | DuplicateApproval | Unauthorized | CooldownNotElapsed | InsufficientApprovals | OperationLocked | NotFound
	Msg  string
}

func (e *RecoveryError) Error() string { return fmt.Sprintf("recovery %s: %s", e.Kind, e.Msg) }

type GuardianApproval struct {
	GuardianID ids.GuardianID
	Signature  []byte
	SubmittedAt time.Time
}

type GuardianVeto struct {
	GuardianID ids.GuardianID
	Signature  []byte
	Reason     string
}

type Cancellation struct {
	Signature []byte // account-threshold signature, or the requesting device's
	Reason    string
}

// RecoveryRequest tracks one in-flight recovery, from initiation through a
// terminal status.
type RecoveryRequest struct {
	RequestID           ids.RecoveryID
	AccountID            ids.AccountID
	NewDevice             ids.DeviceID
	GuardianIDs           []ids.GuardianID
	RequiredApprovals     int
	CooldownSeconds       int64
	InitiatedAt           time.Time
	CooldownCompletesAt   time.Time
	Status                Status
	Approvals             map[ids.GuardianID]GuardianApproval
	Reason                string
	NewEpoch              ids.Epoch
	CompletedAt           time.Time
	FailureReason         string
	auditLog              []AuditEntry
}

// AuditEntry records one transition for operator/debugging visibility,
// truncated to the most recent auditLogLimit entries per request.
type AuditEntry struct {
	At     time.Time
	Event  string
}

const auditLogLimit = 50

func (r *RecoveryRequest) recordAudit(event string, now time.Time) {
	r.auditLog = append(r.auditLog, AuditEntry{At: now, Event: event})
	if len(r.auditLog) > auditLogLimit {
		r.auditLog = r.auditLog[len(r.auditLog)-auditLogLimit:]
	}
}

func (r *RecoveryRequest) AuditLog() []AuditEntry {
	return r.auditLog
}

// Initiate creates a new PendingApprovals request.
func Initiate(account ids.AccountID, newDevice ids.DeviceID, guardians []ids.GuardianID, requiredApprovals int, cooldownSeconds int64, reason string, now time.Time) *RecoveryRequest {
	r := &RecoveryRequest{
		RequestID:         ids.NewRecoveryID(),
		AccountID:         account,
		NewDevice:         newDevice,
		GuardianIDs:       guardians,
		RequiredApprovals: requiredApprovals,
		CooldownSeconds:   cooldownSeconds,
		InitiatedAt:       now,
		Status:            StatusPendingApprovals,
		Approvals:         make(map[ids.GuardianID]GuardianApproval),
		Reason:            reason,
	}
	r.recordAudit("initiated", now)
	return r
}

func isAuthorizedGuardian(r *RecoveryRequest, guardian ids.GuardianID) bool {
	for _, g := range r.GuardianIDs {
		if g == guardian {
			return true
		}
	}
	return false
}

// bindingMessage is what a guardian's approval/veto signature covers,
// binding it to this specific request so an approval for one recovery
// cannot be replayed against another.
func bindingMessage(r *RecoveryRequest, tag string) []byte {
	h := cryptoprim.NewHasher("RECOVERY_" + tag)
	h.WriteBytes(r.RequestID.Bytes())
	h.WriteBytes(r.AccountID.Bytes())
	h.WriteBytes(r.NewDevice.Bytes())
	digest := h.Sum()
	return digest[:]
}

// SubmitApproval records g's approval if the signature verifies and g is
// an authorized guardian who has not already approved, transitioning to
// CooldownActive once RequiredApprovals is reached.
func SubmitApproval(r *RecoveryRequest, guardianPubKey []byte, approval GuardianApproval, now time.Time) error {
	if r.Status.Terminal() {
		return &RecoveryError{Kind: "InvalidTransition", Msg: "request already terminal"}
	}
	if r.Status != StatusPendingApprovals {
		return &RecoveryError{Kind: "InvalidTransition", Msg: "approvals only accepted while pending"}
	}
	if !isAuthorizedGuardian(r, approval.GuardianID) {
		return &RecoveryError{Kind: "Unauthorized", Msg: "guardian not in request's guardian set"}
	}
	if _, dup := r.Approvals[approval.GuardianID]; dup {
		return &RecoveryError{Kind: "DuplicateApproval", Msg: "guardian already approved"}
	}
	msg := bindingMessage(r, "APPROVAL")
	if !cryptoprim.VerifyEd25519(guardianPubKey, msg, approval.Signature) {
		return &RecoveryError{Kind: "Unauthorized", Msg: "approval signature invalid"}
	}
	r.Approvals[approval.GuardianID] = approval
	r.recordAudit(fmt.Sprintf("approval from %s", approval.GuardianID), now)
	if len(r.Approvals) >= r.RequiredApprovals {
		r.Status = StatusCooldownActive
		r.CooldownCompletesAt = now.Add(time.Duration(r.CooldownSeconds) * time.Second)
		r.recordAudit("cooldown started", now)
	}
	return nil
}

// SubmitVeto moves the request to the terminal Vetoed state.
func SubmitVeto(r *RecoveryRequest, guardianPubKey []byte, veto GuardianVeto, now time.Time) error {
	if r.Status.Terminal() {
		return &RecoveryError{Kind: "InvalidTransition", Msg: "request already terminal"}
	}
	if !isAuthorizedGuardian(r, veto.GuardianID) {
		return &RecoveryError{Kind: "Unauthorized", Msg: "guardian not in request's guardian set"}
	}
	msg := bindingMessage(r, "VETO")
	if !cryptoprim.VerifyEd25519(guardianPubKey, msg, veto.Signature) {
		return &RecoveryError{Kind: "Unauthorized", Msg: "veto signature invalid"}
	}
	r.Status = StatusVetoed
	r.FailureReason = veto.Reason
	r.recordAudit(fmt.Sprintf("vetoed by %s: %s", veto.GuardianID, veto.Reason), now)
	return nil
}

// Cancel moves the request to the terminal Cancelled state. cancelPubKey
// is either the account's group public key (threshold cancel) or the
// requesting device's key, verified by the caller's choice of key before
// this call — Cancel itself only checks the signature against the key it
// is given.
func Cancel(r *RecoveryRequest, cancelPubKey []byte, cancellation Cancellation, now time.Time) error {
	if r.Status.Terminal() {
		return &RecoveryError{Kind: "InvalidTransition", Msg: "request already terminal"}
	}
	msg := bindingMessage(r, "CANCEL")
	if !cryptoprim.VerifyEd25519(cancelPubKey, msg, cancellation.Signature) {
		return &RecoveryError{Kind: "Unauthorized", Msg: "cancellation signature invalid"}
	}
	r.Status = StatusCancelled
	r.FailureReason = cancellation.Reason
	r.recordAudit("cancelled: "+cancellation.Reason, now)
	return nil
}

// CheckCooldown advances CooldownActive to ReadyToExecute once now has
// reached CooldownCompletesAt. It is a no-op (not an error) outside
// CooldownActive or before the deadline.
func CheckCooldown(r *RecoveryRequest, now time.Time) *RecoveryRequest {
	if r.Status == StatusCooldownActive && !now.Before(r.CooldownCompletesAt) {
		r.Status = StatusReadyToExecute
		r.recordAudit("cooldown elapsed, ready to execute", now)
	}
	return r
}

// Execute completes the request once in ReadyToExecute, provided the
// caller supplies reconstructedShare proving the resharing ceremony that
// authorizes the new device succeeded. The resharing ceremony itself is
// driven by internal/ceremony and internal/cryptoprim/frost; Execute only
// performs the bookkeeping transition described in spec.md §4.5.
func Execute(r *RecoveryRequest, reconstructedShareOK bool, newEpoch ids.Epoch, now time.Time) error {
	if r.Status != StatusReadyToExecute {
		return &RecoveryError{Kind: "InvalidTransition", Msg: "execute requires ReadyToExecute"}
	}
	if len(r.Approvals) < r.RequiredApprovals {
		return &RecoveryError{Kind: "InsufficientApprovals", Msg: "approval count dropped below requirement"}
	}
	if !reconstructedShareOK {
		r.Status = StatusFailed
		r.FailureReason = "resharing ceremony failed to authorize new device"
		r.recordAudit("execute failed: "+r.FailureReason, now)
		return &RecoveryError{Kind: "InvalidTransition", Msg: r.FailureReason}
	}
	r.Status = StatusCompleted
	r.NewEpoch = newEpoch
	r.CompletedAt = now
	r.recordAudit(fmt.Sprintf("completed at epoch %s", newEpoch), now)
	return nil
}
