// Package presence mirrors live connection state into Redis for operational
// visibility: which members are online, on which server instance, and in
// which room. The in-memory registry remains authoritative for fan-out;
// presence is observability, never a delivery path.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for all presence hashes.
	KeyPrefix = "presence:"

	// TTL is the time-to-live for presence keys. A connection that stops
	// refreshing (server crash, missed cleanup) ages out on its own.
	TTL = 1 * time.Hour
)

// Record is one connection's presence state stored in Redis.
type Record struct {
	ConnID      string `redis:"conn_id"`
	MemberID    string `redis:"member_id"`
	Name        string `redis:"name"`
	Room        string `redis:"room"` // empty if not in a room
	Server      string `redis:"server"`
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// Store manages presence state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this chat server instance
}

// NewStore creates a presence store using the provided Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Connect verifies connectivity and builds a presence store from an address.
func Connect(redisAddr, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Track stores a new presence record with no room and the full TTL.
func (s *Store) Track(ctx context.Context, connID, memberID, name string) error {
	key := KeyPrefix + connID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"conn_id":      connID,
		"member_id":    memberID,
		"name":         name,
		"room":         "",
		"server":       s.serverName,
		"connected_at": now,
		"last_active":  now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a presence record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Record, error) {
	key := KeyPrefix + connID
	var record Record
	err := s.client.HGetAll(ctx, key).Scan(&record)
	if err != nil {
		return nil, err
	}
	if record.ConnID == "" {
		return nil, nil // not found
	}
	return &record, nil
}

// SetRoom updates the connection's current room and refreshes the TTL.
func (s *Store) SetRoom(ctx context.Context, connID, room string) error {
	key := KeyPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "room", room, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch refreshes the record's last-active timestamp and TTL. Called from
// the heartbeat path.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := KeyPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Forget removes a presence record on disconnect.
func (s *Store) Forget(ctx context.Context, connID string) error {
	key := KeyPrefix + connID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages
// (the ban ledger shares this connection for its cache).
func (s *Store) Client() *redis.Client {
	return s.client
}
