// Package substrate defines the shared KV/pubsub/stream interface every
// other gateway component reaches cluster-wide state through, plus a
// Redis-backed implementation and an in-memory test double that satisfy
// the same contract.
package substrate

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key/stream entry does not exist.
var ErrNotFound = errors.New("substrate: not found")

// Message is one pubsub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pubsub subscription.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// StreamMessage is one entry read from a stream.
type StreamMessage struct {
	ID     string
	Fields map[string]string
}

// Substrate is the shared KV/pubsub/stream contract. All cluster-wide
// coordination (session/server registries, rate/quota counters,
// exactly-once bookkeeping, cross-server routing, the event stream)
// goes through this interface so a Redis deployment and an in-memory
// test double can serve identical component code.
type Substrate interface {
	// Get returns the string value of key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set writes key=value with an optional TTL (0 = no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets key=value only if key is absent, returning whether it set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndSwap sets key=newValue only if its current value equals
	// oldValue (oldValue="" matching absent), returning whether it swapped.
	CompareAndSwap(ctx context.Context, key, oldValue, newValue string, ttl time.Duration) (bool, error)
	// Delete removes a key.
	Delete(ctx context.Context, key string) error
	// Incr atomically increments key by 1, creating it at 1 if absent.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets or refreshes a key's TTL.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// HSet writes a hash's fields, optionally refreshing its TTL.
	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	// HGetAll returns all fields of a hash, or ErrNotFound.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// SAdd adds members to a set.
	SAdd(ctx context.Context, key string, members ...string) error
	// SRem removes members from a set.
	SRem(ctx context.Context, key string, members ...string) error
	// SMembers returns all members of a set.
	SMembers(ctx context.Context, key string) ([]string, error)

	// Keys returns all keys matching a glob-style prefix pattern (e.g. "server:*").
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Publish broadcasts payload on channel to current subscribers.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe opens a subscription to channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// StreamAppend appends fields to stream, returning the assigned id.
	StreamAppend(ctx context.Context, stream string, fields map[string]string) (string, error)
	// StreamEnsureGroup creates a consumer group on stream starting from
	// the beginning, tolerating the group already existing.
	StreamEnsureGroup(ctx context.Context, stream, group string) error
	// StreamRead returns up to count entries with id > fromID, oldest first.
	StreamRead(ctx context.Context, stream, fromID string, count int64) ([]StreamMessage, error)
	// StreamReadGroup blocks up to block for up to count new entries
	// claimed by consumer within group; re-delivers unacked entries.
	StreamReadGroup(ctx context.Context, stream, group, consumer string, block time.Duration, count int64) ([]StreamMessage, error)
	// StreamAck marks an entry consumed by group as done.
	StreamAck(ctx context.Context, stream, group, id string) error
	// StreamTrim enforces retention, keeping at most maxLen entries.
	StreamTrim(ctx context.Context, stream string, maxLen int64) error

	// Close releases any underlying connections.
	Close() error
}
