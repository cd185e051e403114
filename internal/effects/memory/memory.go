/*
Package memory provides the default, dependency-free implementations of
the C1 effect surface: a system clock, crypto/rand-backed randomness, a
mutex-guarded in-memory secure store, and an in-process queue transport.
These back every unit test in this module and the single-process
cmd/aura-agent demo mode; a deployment wires internal/pgstore and
internal/transportbridge in their place.
*/
package memory

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/hxrts/aura/internal/effects"
	"github.com/hxrts/aura/internal/ids"
)

// SystemClock reports real wall-clock time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) NowUnixMilli() uint64 { return uint64(time.Now().UnixMilli()) }

// FixedClock is a deterministic clock for tests, advanced explicitly via Advance.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFixedClock(start time.Time) *FixedClock { return &FixedClock{now: start} }

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FixedClock) NowUnixMilli() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(c.now.UnixMilli())
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// CryptoRandSource delegates to crypto/rand.Reader.
type CryptoRandSource struct{}

func (CryptoRandSource) Read(p []byte) (int, error) { return rand.Read(p) }

var _ effects.RandomSource = CryptoRandSource{}
var _ effects.Clock = SystemClock{}
var _ effects.Clock = (*FixedClock)(nil)

// Store is a mutex-guarded in-memory SecureStore, suitable for tests and
// single-process demos where no real secret-storage backend is wired.
// Production deployments use internal/pgstore instead.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewStore() *Store {
	return &Store{data: make(map[string][]byte)}
}

func locationKey(loc effects.StorageLocation) string {
	return fmt.Sprintf("%s/%s/%d/%d/%s", loc.Kind, loc.Account, loc.Epoch, loc.Participant, loc.Session)
}

func (s *Store) Store(ctx context.Context, location effects.StorageLocation, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.data[locationKey(location)] = cp
	return nil
}

func (s *Store) Load(ctx context.Context, location effects.StorageLocation) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[locationKey(location)]
	if !ok {
		return nil, &effects.ErrNotFound{Location: location}
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (s *Store) Delete(ctx context.Context, location effects.StorageLocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.data[locationKey(location)]; ok {
		for i := range v {
			v[i] = 0
		}
	}
	delete(s.data, locationKey(location))
	return nil
}

var _ effects.SecureStore = (*Store)(nil)

// Transport is an in-process, per-peer mailbox queue. NewNetwork builds
// one Transport per peer, all sharing one set of queues; each peer's own
// view only ever Sends to others and Receives its own queue.
type Transport struct {
	mu     sync.Mutex
	self   ids.DeviceID
	queues map[ids.DeviceID]chan effects.Envelope
}

// NewNetwork builds a fully-connected set of in-memory transports, one per
// participant, useful for driving a ceremony end-to-end in a test without
// any real network.
func NewNetwork(participants []ids.DeviceID, bufferSize int) map[ids.DeviceID]*Transport {
	queues := make(map[ids.DeviceID]chan effects.Envelope, len(participants))
	for _, p := range participants {
		queues[p] = make(chan effects.Envelope, bufferSize)
	}
	out := make(map[ids.DeviceID]*Transport, len(participants))
	for _, p := range participants {
		out[p] = &Transport{self: p, queues: queues}
	}
	return out
}

func (t *Transport) Send(ctx context.Context, peer ids.DeviceID, envelope []byte) error {
	t.mu.Lock()
	q, ok := t.queues[peer]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("memory transport: unknown peer %s", peer)
	}
	select {
	case q <- effects.Envelope{PeerID: t.self, Bytes: envelope}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("memory transport: peer %s mailbox full", peer)
	}
}

func (t *Transport) Receive(ctx context.Context) (*effects.Envelope, bool, error) {
	q := t.queues[t.self]
	select {
	case env := <-q:
		return &env, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	default:
		return nil, false, nil
	}
}

var _ effects.Transport = (*Transport)(nil)
