/*
Package guardiandirectory manages the relationship between an account and
the humans who can vouch for it during recovery: pending guardian
invites, accepted guardians and their public keys, and the onboarding
flow a prospective guardian goes through before internal/recovery will
accept their approval signature. Adapted from the teacher's contact
request/invite-code service — guardians replace contacts, and an invite
code's secret is now bcrypt-hashed rather than stored in the clear, since
possessing it lets a peer enroll as a guardian on the account.
*/
package guardiandirectory

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hxrts/aura/internal/ids"
)

var (
	ErrGuardianExists   = errors.New("guardian already registered")
	ErrGuardianNotFound = errors.New("guardian not found")
	ErrInviteNotFound   = errors.New("invite not found")
	ErrInviteExpired    = errors.New("invite has expired")
	ErrInviteMaxUses    = errors.New("invite has reached max uses")
	ErrInviteSecretBad  = errors.New("invite secret does not match")
)

type GuardianRecord struct {
	GuardianID ids.GuardianID
	AccountID  ids.AccountID
	PublicKey  []byte
	Label      string
	AddedAt    time.Time
}

// Invite is a pending guardian onboarding handle: the account holder
// hands the human-readable Code to the prospective guardian out of band;
// the guardian's device redeems it with the matching secret to register
// its public key.
type Invite struct {
	InviteID     ids.ContextID
	AccountID    ids.AccountID
	Code         string
	secretHash   []byte
	MaxUses      *int
	UsesSoFar    int
	ExpiresAt    *time.Time
	CreatedAt    time.Time
	Deactivated  bool
}

// Service persists guardian relationships and invites in Postgres.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// EnsureSchema creates the guardian and invite tables if absent.
func (s *Service) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS guardians (
			guardian_id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			public_key BYTEA NOT NULL,
			label TEXT,
			added_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS guardian_invites (
			invite_id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			code TEXT UNIQUE NOT NULL,
			secret_hash BYTEA NOT NULL,
			max_uses INTEGER,
			uses_so_far INTEGER NOT NULL DEFAULT 0,
			expires_at TIMESTAMP WITH TIME ZONE,
			deactivated BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("guardiandirectory: ensure schema: %w", err)
	}
	return nil
}

// CreateInvite mints a fresh invite code and bcrypt-hashed secret for
// account, optionally bounding how many times and how long it may be
// redeemed.
func (s *Service) CreateInvite(ctx context.Context, account ids.AccountID, maxUses *int, expiresIn *time.Duration) (*Invite, string, error) {
	codeBytes := make([]byte, 9)
	if _, err := rand.Read(codeBytes); err != nil {
		return nil, "", fmt.Errorf("guardiandirectory: generate invite code: %w", err)
	}
	code := base64.URLEncoding.EncodeToString(codeBytes)[:12]

	secretBytes := make([]byte, 18)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", fmt.Errorf("guardiandirectory: generate invite secret: %w", err)
	}
	secret := base64.URLEncoding.EncodeToString(secretBytes)

	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("guardiandirectory: hash invite secret: %w", err)
	}

	invite := &Invite{
		InviteID:   ids.NewContextID(),
		AccountID:  account,
		Code:       code,
		secretHash: secretHash,
		MaxUses:    maxUses,
		CreatedAt:  time.Now(),
	}
	if expiresIn != nil {
		t := invite.CreatedAt.Add(*expiresIn)
		invite.ExpiresAt = &t
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO guardian_invites (invite_id, account_id, code, secret_hash, max_uses, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, invite.InviteID.String(), invite.AccountID.String(), invite.Code, invite.secretHash, invite.MaxUses, invite.ExpiresAt, invite.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("guardiandirectory: insert invite: %w", err)
	}

	return invite, secret, nil
}

// RedeemInvite validates code/secret against a stored invite and, if
// valid and not exhausted or expired, registers publicKey as a new
// guardian for the invite's account.
func (s *Service) RedeemInvite(ctx context.Context, code, secret string, publicKey []byte, label string) (*GuardianRecord, error) {
	var invite Invite
	var inviteStr, accountStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT invite_id, account_id, code, secret_hash, max_uses, uses_so_far, expires_at, deactivated, created_at
		FROM guardian_invites WHERE code = $1
	`, code).Scan(&inviteStr, &accountStr, &invite.Code, &invite.secretHash,
		&invite.MaxUses, &invite.UsesSoFar, &invite.ExpiresAt, &invite.Deactivated, &invite.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrInviteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("guardiandirectory: query invite: %w", err)
	}
	inviteID, err := ids.ParseContextID(inviteStr)
	if err != nil {
		return nil, fmt.Errorf("guardiandirectory: parse invite id: %w", err)
	}
	invite.InviteID = inviteID
	if invite.Deactivated {
		return nil, ErrInviteNotFound
	}
	if invite.ExpiresAt != nil && time.Now().After(*invite.ExpiresAt) {
		return nil, ErrInviteExpired
	}
	if invite.MaxUses != nil && invite.UsesSoFar >= *invite.MaxUses {
		return nil, ErrInviteMaxUses
	}
	if err := bcrypt.CompareHashAndPassword(invite.secretHash, []byte(secret)); err != nil {
		return nil, ErrInviteSecretBad
	}

	guardianID := ids.NewGuardianID()
	accountID, err := ids.ParseAccountID(accountStr)
	if err != nil {
		return nil, fmt.Errorf("guardiandirectory: parse account id: %w", err)
	}
	rec := &GuardianRecord{
		GuardianID: guardianID,
		AccountID:  accountID,
		PublicKey:  publicKey,
		Label:      label,
		AddedAt:    time.Now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("guardiandirectory: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO guardians (guardian_id, account_id, public_key, label, added_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.GuardianID.String(), rec.AccountID.String(), rec.PublicKey, rec.Label, rec.AddedAt); err != nil {
		return nil, fmt.Errorf("guardiandirectory: insert guardian: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE guardian_invites SET uses_so_far = uses_so_far + 1 WHERE invite_id = $1
	`, invite.InviteID.String()); err != nil {
		return nil, fmt.Errorf("guardiandirectory: update invite use count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("guardiandirectory: commit: %w", err)
	}

	return rec, nil
}

// ListGuardians returns every guardian currently registered for account.
func (s *Service) ListGuardians(ctx context.Context, account ids.AccountID) ([]GuardianRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guardian_id, account_id, public_key, label, added_at FROM guardians WHERE account_id = $1
	`, account.String())
	if err != nil {
		return nil, fmt.Errorf("guardiandirectory: query guardians: %w", err)
	}
	defer rows.Close()

	var out []GuardianRecord
	for rows.Next() {
		var rec GuardianRecord
		var guardianStr, accountStr string
		if err := rows.Scan(&guardianStr, &accountStr, &rec.PublicKey, &rec.Label, &rec.AddedAt); err != nil {
			return nil, fmt.Errorf("guardiandirectory: scan guardian: %w", err)
		}
		gid, err := ids.ParseGuardianID(guardianStr)
		if err != nil {
			return nil, err
		}
		aid, err := ids.ParseAccountID(accountStr)
		if err != nil {
			return nil, err
		}
		rec.GuardianID = gid
		rec.AccountID = aid
		out = append(out, rec)
	}
	return out, nil
}

// DeactivateInvite marks an invite unusable without deleting its history.
func (s *Service) DeactivateInvite(ctx context.Context, inviteID ids.ContextID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE guardian_invites SET deactivated = TRUE WHERE invite_id = $1`, inviteID.String())
	if err != nil {
		return fmt.Errorf("guardiandirectory: deactivate invite: %w", err)
	}
	return nil
}
