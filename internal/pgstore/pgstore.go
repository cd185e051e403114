/*
Package pgstore is the Postgres-backed effects.SecureStore used by
cmd/aura-agent in place of internal/effects/memory.Store: signing
shares and FROST nonces are sealed under a local key-encryption key before
being written to Postgres, so a database dump alone never yields raw key
material.
*/
package pgstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hxrts/aura/internal/cryptoprim"
	"github.com/hxrts/aura/internal/effects"
)

// Store implements effects.SecureStore against a `secure_storage` table,
// sealing every value with AES-256-GCM under kek before it reaches the
// database.
type Store struct {
	db  *sql.DB
	kek []byte // 32-byte key-encryption key, itself held only in process memory
}

func NewStore(db *sql.DB, kek []byte) (*Store, error) {
	if len(kek) != cryptoprim.SymmetricKeySize {
		return nil, fmt.Errorf("pgstore: key-encryption key must be %d bytes", cryptoprim.SymmetricKeySize)
	}
	return &Store{db: db, kek: kek}, nil
}

// EnsureSchema creates the secure_storage table if it does not exist.
// Production deployments are expected to run this via db.RunMigrations
// instead; it is kept here too so a single-binary demo needs no separate
// migration step.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS secure_storage (
			location_key TEXT PRIMARY KEY,
			ciphertext BYTEA NOT NULL,
			nonce BYTEA NOT NULL,
			algorithm TEXT NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("pgstore: ensure schema: %w", err)
	}
	return nil
}

func locationKey(loc effects.StorageLocation) string {
	return fmt.Sprintf("%s/%s/%d/%d/%s", loc.Kind, loc.Account, loc.Epoch, loc.Participant, loc.Session)
}

func (s *Store) Store(ctx context.Context, location effects.StorageLocation, data []byte) error {
	sealed, err := cryptoprim.SealAESGCM(s.kek, data, []byte(locationKey(location)))
	if err != nil {
		return fmt.Errorf("pgstore: seal: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO secure_storage (location_key, ciphertext, nonce, algorithm, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (location_key) DO UPDATE
		SET ciphertext = EXCLUDED.ciphertext, nonce = EXCLUDED.nonce, algorithm = EXCLUDED.algorithm, updated_at = NOW()
	`, locationKey(location), sealed.Ciphertext, sealed.Nonce, sealed.Algorithm)
	if err != nil {
		return fmt.Errorf("pgstore: store: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, location effects.StorageLocation) ([]byte, error) {
	var sealed cryptoprim.Sealed
	err := s.db.QueryRowContext(ctx, `
		SELECT ciphertext, nonce, algorithm FROM secure_storage WHERE location_key = $1
	`, locationKey(location)).Scan(&sealed.Ciphertext, &sealed.Nonce, &sealed.Algorithm)
	if err == sql.ErrNoRows {
		return nil, &effects.ErrNotFound{Location: location}
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: load: %w", err)
	}
	plain, err := cryptoprim.Open(&sealed, s.kek, []byte(locationKey(location)))
	if err != nil {
		return nil, fmt.Errorf("pgstore: open sealed value: %w", err)
	}
	return plain, nil
}

func (s *Store) Delete(ctx context.Context, location effects.StorageLocation) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM secure_storage WHERE location_key = $1`, locationKey(location))
	if err != nil {
		return fmt.Errorf("pgstore: delete: %w", err)
	}
	return nil
}

var _ effects.SecureStore = (*Store)(nil)
