/*
Package rootlog is the signed root history for an account's commitment
tree: every time internal/applier advances a tree to a new epoch, the
coordinator appends a SignedRoot recording (account, epoch, root
commitment, timestamp) signed by the coordinator's transparency key, and
persists the chain to Postgres. A device that has been offline across a
reshare can fetch the chain since its last known epoch and verify it
connects unbroken to the root it already trusts, the same role
internal/transparency's signed tree heads play for the key directory,
simplified here to a single linear per-account chain instead of a sparse
Merkle key directory (this system authenticates devices via the FROST
group key and journal, not a directory lookup).
*/
package rootlog

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/hxrts/aura/internal/cryptoprim"
	"github.com/hxrts/aura/internal/ids"
)

// SignedRoot is one entry in the chain: the tree's root commitment at
// Epoch, signed over (account, epoch, root, prev signature) so entries
// cannot be reordered or have a predecessor swapped out undetected.
type SignedRoot struct {
	AccountID ids.AccountID
	Epoch     ids.Epoch
	Root      cryptoprim.Hash32
	PrevSig   []byte
	Signature []byte
	SignedAt  time.Time
}

func signable(accountID ids.AccountID, epoch ids.Epoch, root cryptoprim.Hash32, prevSig []byte) []byte {
	buf := make([]byte, 0, 16+8+32+len(prevSig))
	buf = append(buf, accountID.Bytes()...)
	var epochBuf [8]byte
	binary.BigEndian.PutUint64(epochBuf[:], uint64(epoch))
	buf = append(buf, epochBuf[:]...)
	buf = append(buf, root[:]...)
	buf = append(buf, prevSig...)
	return buf
}

// Signer holds the coordinator's Ed25519 transparency key used to sign
// each new root as it is appended.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// Store persists the per-account signed root chain in Postgres.
type Store struct {
	db     *sql.DB
	signer *Signer
}

func NewStore(db *sql.DB, signer *Signer) *Store {
	return &Store{db: db, signer: signer}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS signed_roots (
			account_id TEXT NOT NULL,
			epoch BIGINT NOT NULL,
			root BYTEA NOT NULL,
			prev_sig BYTEA,
			signature BYTEA NOT NULL,
			signed_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			PRIMARY KEY (account_id, epoch)
		)
	`)
	if err != nil {
		return fmt.Errorf("rootlog: ensure schema: %w", err)
	}
	return nil
}

// Append signs and persists the root at epoch, chaining it to the
// previous entry's signature (empty for the account's genesis epoch).
func (s *Store) Append(ctx context.Context, account ids.AccountID, epoch ids.Epoch, root cryptoprim.Hash32) (*SignedRoot, error) {
	prev, err := s.Latest(ctx, account)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("rootlog: lookup previous root: %w", err)
	}
	var prevSig []byte
	if err == nil {
		if epoch <= prev.Epoch {
			return nil, fmt.Errorf("rootlog: epoch %d does not advance past latest %d", epoch, prev.Epoch)
		}
		prevSig = prev.Signature
	}

	msg := signable(account, epoch, root, prevSig)
	sig := ed25519.Sign(s.signer.priv, msg)

	entry := &SignedRoot{
		AccountID: account,
		Epoch:     epoch,
		Root:      root,
		PrevSig:   prevSig,
		Signature: sig,
		SignedAt:  time.Now(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO signed_roots (account_id, epoch, root, prev_sig, signature, signed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, account.String(), uint64(epoch), entry.Root[:], entry.PrevSig, entry.Signature, entry.SignedAt)
	if err != nil {
		return nil, fmt.Errorf("rootlog: insert signed root: %w", err)
	}
	return entry, nil
}

// Latest returns the chain's most recent entry for account.
func (s *Store) Latest(ctx context.Context, account ids.AccountID) (*SignedRoot, error) {
	var entry SignedRoot
	entry.AccountID = account
	var rootBytes []byte
	var epochU64 uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT epoch, root, prev_sig, signature, signed_at FROM signed_roots
		WHERE account_id = $1 ORDER BY epoch DESC LIMIT 1
	`, account.String()).Scan(&epochU64, &rootBytes, &entry.PrevSig, &entry.Signature, &entry.SignedAt)
	if err != nil {
		return nil, err
	}
	entry.Epoch = ids.Epoch(epochU64)
	copy(entry.Root[:], rootBytes)
	return &entry, nil
}

// Since returns every entry with Epoch > fromEpoch, in increasing epoch
// order, so a reconnecting device can verify the chain links unbroken
// from the last root it trusted.
func (s *Store) Since(ctx context.Context, account ids.AccountID, fromEpoch ids.Epoch) ([]SignedRoot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT epoch, root, prev_sig, signature, signed_at FROM signed_roots
		WHERE account_id = $1 AND epoch > $2 ORDER BY epoch ASC
	`, account.String(), uint64(fromEpoch))
	if err != nil {
		return nil, fmt.Errorf("rootlog: query since: %w", err)
	}
	defer rows.Close()

	var out []SignedRoot
	for rows.Next() {
		var entry SignedRoot
		entry.AccountID = account
		var rootBytes []byte
		var epochU64 uint64
		if err := rows.Scan(&epochU64, &rootBytes, &entry.PrevSig, &entry.Signature, &entry.SignedAt); err != nil {
			return nil, fmt.Errorf("rootlog: scan signed root: %w", err)
		}
		entry.Epoch = ids.Epoch(epochU64)
		copy(entry.Root[:], rootBytes)
		out = append(out, entry)
	}
	return out, nil
}

// VerifyChain checks that each entry in chain signs correctly and links
// to its predecessor's signature, given the signer's public key and the
// signature of the entry immediately preceding chain[0] (empty at genesis).
func VerifyChain(pub ed25519.PublicKey, chain []SignedRoot, precedingSig []byte) error {
	prevSig := precedingSig
	for _, entry := range chain {
		msg := signable(entry.AccountID, entry.Epoch, entry.Root, prevSig)
		if !ed25519.Verify(pub, msg, entry.Signature) {
			return fmt.Errorf("rootlog: signature invalid at epoch %d", entry.Epoch)
		}
		prevSig = entry.Signature
	}
	return nil
}
