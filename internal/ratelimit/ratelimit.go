// Package ratelimit provides Redis-based rate limiting for recovery
// initiation and session-handshake attempts, guarding against a
// compromised or malicious peer draining guardian approval requests or
// flooding the session manager with bogus DKG/reshare handshakes.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRateLimited is returned when a rate limit is exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrTargetedAttack is returned when a single account is being
	// targeted by an unusual volume of recovery attempts.
	ErrTargetedAttack = errors.New("targeted recovery attack detected")
)

// Limiter provides rate limiting functionality using Redis.
type Limiter struct {
	redis *redis.Client
}

// NewLimiter creates a new rate limiter.
func NewLimiter(redis *redis.Client) *Limiter {
	return &Limiter{redis: redis}
}

// RecoveryLimits bounds how often recovery may be initiated against a
// given account and how often handshake attempts may arrive from a peer.
type RecoveryLimits struct {
	// Per-initiator: how many recovery initiations a single device can make.
	InitiatorLimit  int
	InitiatorWindow time.Duration

	// Per-account: how many times recovery can be initiated against a
	// single account. A high rate indicates someone is attempting to
	// exhaust guardian patience or force a race between recoveries.
	AccountLimit  int
	AccountWindow time.Duration

	// Per-peer: fallback limit for unauthenticated session handshakes.
	PeerLimit  int
	PeerWindow time.Duration
}

// DefaultRecoveryLimits returns the recommended rate limits.
func DefaultRecoveryLimits() RecoveryLimits {
	return RecoveryLimits{
		InitiatorLimit:  5,
		InitiatorWindow: time.Hour,
		AccountLimit:    10,
		AccountWindow:   time.Hour,
		PeerLimit:       30,
		PeerWindow:      time.Minute,
	}
}

// CheckRecoveryInitiation checks all rate limits for a recovery initiation
// request. Returns nil if allowed, ErrRateLimited/ErrTargetedAttack otherwise.
func (l *Limiter) CheckRecoveryInitiation(ctx context.Context, initiatorDevice, accountID, peerAddr string) error {
	if l == nil || l.redis == nil {
		// If Redis is unavailable, allow the request (fail-open for availability).
		return nil
	}

	limits := DefaultRecoveryLimits()

	initiatorKey := fmt.Sprintf("ratelimit:recovery:initiator:%s", initiatorDevice)
	if err := l.checkLimit(ctx, initiatorKey, limits.InitiatorLimit, limits.InitiatorWindow); err != nil {
		log.Printf("[RateLimit] device %s exceeded recovery initiation limit", initiatorDevice)
		return ErrRateLimited
	}

	accountKey := fmt.Sprintf("ratelimit:recovery:account:%s", accountID)
	if err := l.checkLimit(ctx, accountKey, limits.AccountLimit, limits.AccountWindow); err != nil {
		log.Printf("[RateLimit] ALERT: account %s targeted by repeated recovery attempts", accountID)
		return ErrTargetedAttack
	}

	if peerAddr != "" {
		peerKey := fmt.Sprintf("ratelimit:recovery:peer:%s", peerAddr)
		if err := l.checkLimit(ctx, peerKey, limits.PeerLimit, limits.PeerWindow); err != nil {
			return ErrRateLimited
		}
	}

	return nil
}

// CheckSessionHandshake limits how often a peer may attempt to open a new
// ceremony session, independent of recovery-specific limits.
func (l *Limiter) CheckSessionHandshake(ctx context.Context, peerAddr string) error {
	if l == nil || l.redis == nil {
		return nil
	}
	limits := DefaultRecoveryLimits()
	key := fmt.Sprintf("ratelimit:handshake:peer:%s", peerAddr)
	if err := l.checkLimit(ctx, key, limits.PeerLimit, limits.PeerWindow); err != nil {
		return ErrRateLimited
	}
	return nil
}

// checkLimit performs the actual rate limit check using Redis INCR.
func (l *Limiter) checkLimit(ctx context.Context, key string, limit int, window time.Duration) error {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		// Fail-open on Redis errors to maintain availability.
		return nil
	}

	if count == 1 {
		l.redis.Expire(ctx, key, window)
	}

	if int(count) > limit {
		return ErrRateLimited
	}

	return nil
}

// GetRemainingRequests returns how many requests remain for a given key.
func (l *Limiter) GetRemainingRequests(ctx context.Context, keyPrefix, identifier string, limit int) (int, error) {
	if l.redis == nil {
		return limit, nil
	}

	key := fmt.Sprintf("%s:%s", keyPrefix, identifier)
	count, err := l.redis.Get(ctx, key).Int()
	if err == redis.Nil {
		return limit, nil
	}
	if err != nil {
		return limit, err
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
