/*
Package transportbridge implements effects.Transport over Redis, used by
cmd/aura-coordinator in place of internal/effects/memory.Transport when
devices are not simulated in one process. Each device owns a durable Redis
list acting as its mailbox (RPUSH by the sender, LPOP by the receiver) so a
message survives a receiver restart between Send and Receive, the same
durability internal/messaging gives conversation history instead of
relying purely on its presence pub/sub. A companion pub/sub channel exists
only to let a blocked caller wake up promptly; the mailbox list, not the
pub/sub message, is the source of truth.
*/
package transportbridge

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hxrts/aura/internal/effects"
	"github.com/hxrts/aura/internal/ids"
)

const mailboxTTL = 7 * 24 * time.Hour

// Bridge is a Redis-backed effects.Transport, scoped to one local device.
type Bridge struct {
	redis *redis.Client
	self  ids.DeviceID
}

func NewBridge(redisClient *redis.Client, self ids.DeviceID) *Bridge {
	return &Bridge{redis: redisClient, self: self}
}

func mailboxKey(device ids.DeviceID) string {
	return fmt.Sprintf("aura:mailbox:%s", device.String())
}

func notifyChannel(device ids.DeviceID) string {
	return fmt.Sprintf("aura:mailbox-notify:%s", device.String())
}

// Send appends envelope to peer's mailbox and pings its notify channel.
func (b *Bridge) Send(ctx context.Context, peer ids.DeviceID, envelope []byte) error {
	key := mailboxKey(peer)
	if err := b.redis.RPush(ctx, key, envelope).Err(); err != nil {
		return fmt.Errorf("transportbridge: rpush: %w", err)
	}
	if err := b.redis.Expire(ctx, key, mailboxTTL).Err(); err != nil {
		return fmt.Errorf("transportbridge: expire: %w", err)
	}
	// Best-effort wakeup; a missed publish just means the poller catches it
	// on its next tick instead of instantly.
	b.redis.Publish(ctx, notifyChannel(peer), "1")
	return nil
}

// Receive pops one message from the local device's mailbox if present,
// returning (nil, false, nil) immediately when the mailbox is empty.
func (b *Bridge) Receive(ctx context.Context) (*effects.Envelope, bool, error) {
	key := mailboxKey(b.self)
	data, err := b.redis.LPop(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("transportbridge: lpop: %w", err)
	}
	return &effects.Envelope{PeerID: b.self, Bytes: data}, true, nil
}

// WaitForNotify blocks until the local device's mailbox is pinged or
// timeout elapses, so a long-poller can sleep instead of busy-polling
// Receive. A missed notification self-heals at the next call's timeout.
func (b *Bridge) WaitForNotify(ctx context.Context, timeout time.Duration) {
	sub := b.redis.Subscribe(ctx, notifyChannel(b.self))
	defer sub.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := sub.Channel()
	select {
	case <-ch:
	case <-ctx.Done():
	}
}

var _ effects.Transport = (*Bridge)(nil)
