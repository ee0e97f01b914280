// Package ban maintains the durable per-member suspension flag consulted on
// every inbound send. The source of truth is the member store in PostgreSQL;
// a Redis cache in front of it keeps the per-message ban check off the
// database. Cache entries carry a TTL so an administrative unban (a write
// the core never performs) is observed within CacheTTL at worst.
//
// Cached entries use simple key-value pairs:
//
//	Key:   ban:<member_id>
//	Value: <reason>
//	TTL:   CacheTTL
package ban

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/campuslink/chat-app/internal/member"
)

const (
	// CachePrefix is the Redis key prefix for cached ban flags.
	CachePrefix = "ban:"

	// CacheTTL bounds how stale a cached "banned" answer can be relative to
	// an administrative reversal in the member store.
	CacheTTL = 5 * time.Minute

	// writeAttempts bounds local retries of the durable ban write. A ban
	// must not be lost to a transient error, so the write is retried before
	// the failure is surfaced to the log.
	writeAttempts = 3

	// writeBackoff is the pause between ban write attempts.
	writeBackoff = 200 * time.Millisecond
)

// ErrSuspended signals that a member's suspension flag is set. Callers use
// it to refuse a connection or action from a banned member.
var ErrSuspended = errors.New("ban: member is suspended")

// Flags is the durable member store surface the ledger needs. Implemented
// by member.Store.
type Flags interface {
	IsBanned(ctx context.Context, memberID string) (bool, error)
	SetBanned(ctx context.Context, memberID string) error
}

// Ledger reads and writes member suspension state.
type Ledger struct {
	store Flags
	cache *redis.Client // optional; nil disables caching
}

// NewLedger creates a Ledger over the given member store. The cache client
// may be nil, in which case every check hits the store.
func NewLedger(store Flags, cache *redis.Client) *Ledger {
	return &Ledger{store: store, cache: cache}
}

// IsBanned reports whether the member is currently suspended. The cache is
// consulted first; on a miss the durable flag is read and, if set, cached.
func (l *Ledger) IsBanned(ctx context.Context, memberID string) (bool, error) {
	if l.cache != nil {
		_, err := l.cache.Get(ctx, CachePrefix+memberID).Result()
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, redis.Nil) {
			// Cache trouble is not a reason to block the send path; fall
			// through to the durable store.
			log.Printf("ban: cache read for %s: %v", memberID, err)
		}
	}

	banned, err := l.store.IsBanned(ctx, memberID)
	if errors.Is(err, member.ErrNotFound) {
		// An unknown member cannot be banned. The transport should have
		// refused the connection already.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ban: check %s: %w", memberID, err)
	}

	if banned && l.cache != nil {
		if err := l.cache.Set(ctx, CachePrefix+memberID, "suspended", CacheTTL).Err(); err != nil {
			log.Printf("ban: cache fill for %s: %v", memberID, err)
		}
	}
	return banned, nil
}

// Ban durably sets the member's suspension flag. The write is idempotent —
// concurrent calls for the same member from multiple in-flight message
// evaluations all converge on "banned" — and transient store errors are
// retried locally so a ban is never silently lost.
func (l *Ledger) Ban(ctx context.Context, memberID, reason string) error {
	var err error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		err = l.store.SetBanned(ctx, memberID)
		if err == nil || errors.Is(err, member.ErrNotFound) {
			break
		}
		log.Printf("ban: write for %s failed (attempt %d/%d): %v",
			memberID, attempt, writeAttempts, err)
		if attempt < writeAttempts {
			select {
			case <-time.After(writeBackoff):
			case <-ctx.Done():
				return fmt.Errorf("ban: write %s: %w", memberID, ctx.Err())
			}
		}
	}
	if err != nil {
		if errors.Is(err, member.ErrNotFound) {
			return fmt.Errorf("ban: write %s: %w", memberID, err)
		}
		return fmt.Errorf("ban: write %s exhausted retries: %w", memberID, err)
	}

	if l.cache != nil {
		if reason == "" {
			reason = "suspended"
		}
		if err := l.cache.Set(ctx, CachePrefix+memberID, reason, CacheTTL).Err(); err != nil {
			log.Printf("ban: cache set for %s: %v", memberID, err)
		}
	}
	return nil
}
