package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// These tests exercise the fail-open paths that don't require a live Redis
// connection: a nil Limiter or a Limiter wrapping a nil client must never
// block a caller just because rate limiting itself is unavailable.

func TestCheckRecoveryInitiationFailsOpenOnNilLimiter(t *testing.T) {
	var l *Limiter
	err := l.CheckRecoveryInitiation(context.Background(), "device-1", "account-1", "1.2.3.4")
	require.NoError(t, err)
}

func TestCheckRecoveryInitiationFailsOpenOnNilRedisClient(t *testing.T) {
	l := NewLimiter(nil)
	err := l.CheckRecoveryInitiation(context.Background(), "device-1", "account-1", "1.2.3.4")
	require.NoError(t, err)
}

func TestCheckSessionHandshakeFailsOpenOnNilRedisClient(t *testing.T) {
	l := NewLimiter(nil)
	err := l.CheckSessionHandshake(context.Background(), "1.2.3.4")
	require.NoError(t, err)
}

func TestGetRemainingRequestsReturnsFullLimitWithNilRedisClient(t *testing.T) {
	l := NewLimiter(nil)
	remaining, err := l.GetRemainingRequests(context.Background(), "ratelimit:recovery:account", "account-1", 10)
	require.NoError(t, err)
	require.Equal(t, 10, remaining)
}

func TestDefaultRecoveryLimitsAreSane(t *testing.T) {
	limits := DefaultRecoveryLimits()
	require.Positive(t, limits.InitiatorLimit)
	require.Positive(t, limits.AccountLimit)
	require.Positive(t, limits.PeerLimit)
	require.Greater(t, limits.AccountLimit, 0)
}
