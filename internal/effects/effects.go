/*
Package effects defines the capability surface the core control plane
(ceremonies, journal, recovery, session manager) is injected with rather
than reaching for directly: wall-clock/monotonic time, randomness, secure
key storage, and peer transport. Everything else in this module is pure
given these four interfaces, which keeps the FROST and journal state
machines deterministic and testable without a network or a clock.
*/
package effects

import (
	"context"
	"time"

	"github.com/hxrts/aura/internal/ids"
)

// Clock abstracts wall-clock and monotonic time so recovery cooldowns and
// session deadlines can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	NowUnixMilli() uint64
}

// RandomSource abstracts cryptographically secure randomness. Production
// wiring is crypto/rand; tests may substitute a seeded deterministic
// stream to reproduce a ceremony trace. It satisfies the io.Reader-shaped
// interface the frost package's scalar sampling expects directly.
type RandomSource interface {
	Read(p []byte) (int, error)
}

// StorageLocation names a secure-storage slot. Two kinds exist in this
// system: a durable signing share and a session-scoped FROST nonce.
type StorageLocation struct {
	Kind        string // "signing_share" | "frost_nonce"
	Account     ids.AccountID
	Epoch       ids.Epoch
	Participant ids.ParticipantID
	Session     ids.SessionID
}

func SigningShareLocation(account ids.AccountID, epoch ids.Epoch, participant ids.ParticipantID) StorageLocation {
	return StorageLocation{Kind: "signing_share", Account: account, Epoch: epoch, Participant: participant}
}

func FrostNonceLocation(session ids.SessionID, participant ids.ParticipantID) StorageLocation {
	return StorageLocation{Kind: "frost_nonce", Session: session, Participant: participant}
}

// SecureStore persists and erases key material. Load must fail clearly
// (ErrNotFound) rather than return a zero value when nothing is stored at
// location, so callers cannot mistake "absent" for "all zero key".
type SecureStore interface {
	Store(ctx context.Context, location StorageLocation, data []byte) error
	Load(ctx context.Context, location StorageLocation) ([]byte, error)
	Delete(ctx context.Context, location StorageLocation) error
}

// Envelope is an opaque, length-framed message exchanged with a peer. The
// core never inspects transport-level metadata beyond PeerID and Bytes.
type Envelope struct {
	PeerID ids.DeviceID
	Bytes  []byte
}

// Transport abstracts best-effort peer delivery. Receive returns
// (nil, false, nil) when no message is currently available rather than
// blocking indefinitely, so the session manager can interleave deadline
// checks with message pumping.
type Transport interface {
	Send(ctx context.Context, peer ids.DeviceID, envelope []byte) error
	Receive(ctx context.Context) (*Envelope, bool, error)
}

// ErrNotFound is returned by SecureStore.Load when location holds nothing.
type ErrNotFound struct {
	Location StorageLocation
}

func (e *ErrNotFound) Error() string {
	return "effects: no value stored at requested location"
}
