/*
Package session implements the session/epoch manager (spec §4.6): the
in-memory SessionState table keyed by SessionID, deadline-driven garbage
collection, and the account-level epoch counter shared with the journal
and operation lock.
*/
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/hxrts/aura/internal/effects"
	"github.com/hxrts/aura/internal/ids"
)

// Kind names which ceremony a session is running.
type Kind string

const (
	KindDKG      Kind = "dkg"
	KindSign     Kind = "sign"
	KindReshare  Kind = "reshare"
	KindRecover  Kind = "recover"
)

// Phase is a ceremony-agnostic label used only for Timeout{phase} errors
// and inbox buffering decisions; the ceremony engines define their own
// richer phase types.
type Phase string

// State is a session's lifecycle status as seen by the manager, distinct
// from the ceremony's own internal phase.
type State string

const (
	StateActive  State = "active"
	StateDone    State = "done"
	StateFailed  State = "failed"
	StateTimedOut State = "timed_out"
)

// SessionError is the error taxonomy the manager raises directly (ceremony
// engines raise their own more specific errors from their round methods).
type SessionError struct {
	Kind  string // UnknownSession | OperationLocked | AlreadyTerminal | DeadlineExceeded | InboxFull | NotParticipant
	Phase Phase
}

func (e *SessionError) Error() string {
	if e.Kind == "DeadlineExceeded" {
		return fmt.Sprintf("session: deadline exceeded in phase %s", e.Phase)
	}
	return fmt.Sprintf("session: %s", e.Kind)
}

const inboxCapacityPerPhase = 64

// SessionState is the manager's record for one ceremony run.
type SessionState struct {
	SessionID    ids.SessionID
	AccountID    ids.AccountID
	Kind         Kind
	Epoch        ids.Epoch
	Participants []ids.DeviceID
	State        State
	CreatedAt    time.Time
	Deadline     time.Time

	extended bool // ExtendDeadline is single-use, per spec.md §4 supplement

	handshakeAcked map[ids.DeviceID]bool // Handshake{complete} received from this participant

	inbox map[Phase][][]byte

	// zeroers are invoked on timeout/failure to scrub any secret material
	// (e.g. FROST nonces) the caller registered against this session.
	zeroers []func()
}

// Manager owns every live SessionState for a process.
type Manager struct {
	mu           sync.Mutex
	clock        effects.Clock
	sessions     map[ids.SessionID]*SessionState
	locks        map[ids.AccountID]Kind // operation lock, mirrors journal's but scoped to live sessions
	epochTracker *epochTracker
}

func NewManager(clock effects.Clock) *Manager {
	return &Manager{
		clock:    clock,
		sessions: make(map[ids.SessionID]*SessionState),
		locks:    make(map[ids.AccountID]Kind),
	}
}

// Open allocates a new session, enforcing the cross-ceremony operation
// lock: at most one of {DKG, Reshare, Recover} may be active per account.
// Sign sessions are exempt — signing does not require the operation lock.
func (m *Manager) Open(account ids.AccountID, kind Kind, participants []ids.DeviceID, timeout time.Duration, epoch ids.Epoch) (*SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if kind != KindSign {
		if held, locked := m.locks[account]; locked {
			return nil, &SessionError{Kind: "OperationLocked", Phase: Phase(held)}
		}
		m.locks[account] = kind
	}

	now := m.clock.Now()
	s := &SessionState{
		SessionID:      ids.NewSessionID(),
		AccountID:      account,
		Kind:           kind,
		Epoch:          epoch,
		Participants:   participants,
		State:          StateActive,
		CreatedAt:      now,
		Deadline:       now.Add(timeout),
		handshakeAcked: make(map[ids.DeviceID]bool, len(participants)),
		inbox:          make(map[Phase][][]byte),
	}
	m.sessions[s.SessionID] = s
	return s, nil
}

func (m *Manager) Get(id ids.SessionID) (*SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &SessionError{Kind: "UnknownSession"}
	}
	return s, nil
}

// RegisterZeroer attaches a cleanup callback invoked when the session
// fails or is garbage-collected on timeout, so ceremony-held secrets (FROST nonces)
// are never left to a finalizer.
func (m *Manager) RegisterZeroer(id ids.SessionID, zero func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return &SessionError{Kind: "UnknownSession"}
	}
	s.zeroers = append(s.zeroers, zero)
	return nil
}

// RecordHandshakeAck marks that device has returned Handshake{complete}
// for session id, confirming it holds the session id and expected
// participant set before any cryptographic material is exchanged
// (spec.md §4 supplement 1). device must be one of the session's
// participants.
func (m *Manager) RecordHandshakeAck(id ids.SessionID, device ids.DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return &SessionError{Kind: "UnknownSession"}
	}
	found := false
	for _, p := range s.Participants {
		if p == device {
			found = true
			break
		}
	}
	if !found {
		return &SessionError{Kind: "NotParticipant"}
	}
	s.handshakeAcked[device] = true
	return nil
}

// AwaitHandshake reports whether every participant in the session has
// returned Handshake{complete}, i.e. whether the coordinator may proceed
// to round 1. It is non-blocking — callers poll it after delivering
// Handshake{init} to each participant and relaying their replies through
// RecordHandshakeAck.
func (m *Manager) AwaitHandshake(id ids.SessionID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, &SessionError{Kind: "UnknownSession"}
	}
	for _, p := range s.Participants {
		if !s.handshakeAcked[p] {
			return false, nil
		}
	}
	return true, nil
}

// Deliver buffers an incoming ceremony message for phase until Drain
// takes it, up to inboxCapacityPerPhase messages per phase. The manager
// keeps no record of a session's current round: messages for every phase
// are buffered alike, and a message for a phase already passed is not
// rejected.
func (m *Manager) Deliver(id ids.SessionID, phase Phase, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return &SessionError{Kind: "UnknownSession"}
	}
	if s.State != StateActive {
		return &SessionError{Kind: "AlreadyTerminal"}
	}
	if len(s.inbox[phase]) >= inboxCapacityPerPhase {
		return &SessionError{Kind: "InboxFull", Phase: phase}
	}
	s.inbox[phase] = append(s.inbox[phase], msg)
	return nil
}

// Drain removes and returns every buffered message for phase.
func (m *Manager) Drain(id ids.SessionID, phase Phase) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &SessionError{Kind: "UnknownSession"}
	}
	msgs := s.inbox[phase]
	delete(s.inbox, phase)
	return msgs, nil
}

// ExtendDeadline pushes a session's deadline forward by d exactly once;
// a second call is rejected, preventing an indefinitely-stalled ceremony
// from being kept alive forever by a single slow peer.
func (m *Manager) ExtendDeadline(id ids.SessionID, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return &SessionError{Kind: "UnknownSession"}
	}
	if s.extended {
		return &SessionError{Kind: "AlreadyTerminal", Phase: "extend_deadline_single_use"}
	}
	s.Deadline = s.Deadline.Add(d)
	s.extended = true
	return nil
}

// Complete marks a session done and releases the operation lock.
func (m *Manager) Complete(id ids.SessionID) error {
	return m.finish(id, StateDone)
}

// Fail marks a session failed, runs every registered zeroer, and
// releases the operation lock.
func (m *Manager) Fail(id ids.SessionID) error {
	return m.finish(id, StateFailed)
}

func (m *Manager) finish(id ids.SessionID, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return &SessionError{Kind: "UnknownSession"}
	}
	if s.State != StateActive {
		return &SessionError{Kind: "AlreadyTerminal"}
	}
	s.State = state
	if state == StateFailed {
		for _, z := range s.zeroers {
			z()
		}
	}
	if s.Kind != KindSign {
		delete(m.locks, s.AccountID)
	}
	return nil
}

// GC scans for sessions past their deadline, transitions them to
// StateTimedOut, runs every registered zeroer, and releases the
// operation lock. Returns the ids it reaped.
func (m *Manager) GC() []ids.SessionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	var reaped []ids.SessionID
	for id, s := range m.sessions {
		if s.State == StateActive && now.After(s.Deadline) {
			s.State = StateTimedOut
			for _, z := range s.zeroers {
				z()
			}
			if s.Kind != KindSign {
				delete(m.locks, s.AccountID)
			}
			reaped = append(reaped, id)
		}
	}
	return reaped
}

// CurrentEpoch and BumpEpoch track the account-level epoch the manager
// hands out to newly-opened sessions; journal.AccountState.CurrentEpoch
// remains the durable source of truth once an EpochTick event commits.
type epochTracker struct {
	epochs map[ids.AccountID]ids.Epoch
}

func (m *Manager) CurrentEpoch(account ids.AccountID) ids.Epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epochTracker == nil {
		return ids.InitialEpoch
	}
	return m.epochTracker.epochs[account]
}

func (m *Manager) BumpEpoch(account ids.AccountID) ids.Epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epochTracker == nil {
		m.epochTracker = &epochTracker{epochs: make(map[ids.AccountID]ids.Epoch)}
	}
	next := m.epochTracker.epochs[account].Next()
	m.epochTracker.epochs[account] = next
	return next
}
