package substrate

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis is a Substrate backed by a single Redis deployment, using hashes
// for structured records, sets for membership indexes, PUBLISH/SUBSCRIBE
// for routing, and Redis Streams with consumer groups for the durable
// event log.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an already-configured *redis.Client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Get implements Substrate.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

// Set implements Substrate.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// SetNX implements Substrate.
func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

// casScript atomically compares a key's current value (empty string
// matching absent) to an expected value and, on match, sets it to a new
// value with an optional TTL in milliseconds (0 = no expiry, no change).
var casScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false then current = "" end
if current ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 1
`)

// CompareAndSwap implements Substrate.
func (r *Redis) CompareAndSwap(ctx context.Context, key, oldValue, newValue string, ttl time.Duration) (bool, error) {
	res, err := casScript.Run(ctx, r.client, []string{key}, oldValue, newValue, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Delete implements Substrate.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Incr implements Substrate.
func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

// Expire implements Substrate.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

// HSet implements Substrate.
func (r *Redis) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := r.client.HSet(ctx, key, args...).Err(); err != nil {
		return err
	}
	if ttl > 0 {
		return r.client.Expire(ctx, key, ttl).Err()
	}
	return nil
}

// HGetAll implements Substrate.
func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return m, nil
}

// SAdd implements Substrate.
func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.SAdd(ctx, key, args...).Err()
}

// SRem implements Substrate.
func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.SRem(ctx, key, args...).Err()
}

// SMembers implements Substrate.
func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

// Keys implements Substrate.
func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, iter.Err()
}

// Publish implements Substrate.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Message
	cancel context.CancelFunc
}

func (s *redisSubscription) Channel() <-chan Message { return s.ch }

func (s *redisSubscription) Close() error {
	s.cancel()
	return s.pubsub.Close()
}

// Subscribe implements Substrate.
func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan Message, 64)
	sub := &redisSubscription{pubsub: pubsub, ch: out, cancel: cancel}

	go func() {
		defer close(out)
		src := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}

// StreamAppend implements Substrate.
func (r *Redis) StreamAppend(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
}

// StreamEnsureGroup implements Substrate.
func (r *Redis) StreamEnsureGroup(ctx context.Context, stream, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && isBusyGroupErr(err) {
		return nil
	}
	return err
}

func isBusyGroupErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return len(msg) >= len("BUSYGROUP") && msg[:len("BUSYGROUP")] == "BUSYGROUP"
}

// StreamRead implements Substrate.
func (r *Redis) StreamRead(ctx context.Context, stream, fromID string, count int64) ([]StreamMessage, error) {
	if fromID == "" {
		fromID = "0"
	}
	res, err := r.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, fromID},
		Count:   count,
		Block:   -1,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return convertXMessages(res), nil
}

// StreamReadGroup implements Substrate. It first reclaims entries left
// pending past the visibility timeout by a consumer that crashed before
// acking (via XAUTOCLAIM), then fills the remainder of count with
// entries never delivered to the group.
func (r *Redis) StreamReadGroup(ctx context.Context, stream, group, consumer string, block time.Duration, count int64) ([]StreamMessage, error) {
	claimCount := count
	if claimCount <= 0 {
		claimCount = 1
	}
	claimed, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		MinIdle:  streamVisibilityTimeout,
		Start:    "0",
		Consumer: consumer,
		Count:    claimCount,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := convertXMessageSlice(claimed)
	if count > 0 && int64(len(out)) >= count {
		return out, nil
	}

	remaining := count - int64(len(out))
	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    remaining,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	return append(out, convertXMessages(res)...), nil
}

func convertXMessages(res []redis.XStream) []StreamMessage {
	var out []StreamMessage
	for _, stream := range res {
		out = append(out, convertXMessageSlice(stream.Messages)...)
	}
	return out
}

func convertXMessageSlice(msgs []redis.XMessage) []StreamMessage {
	var out []StreamMessage
	for _, msg := range msgs {
		fields := make(map[string]string, len(msg.Values))
		for k, v := range msg.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			}
		}
		out = append(out, StreamMessage{ID: msg.ID, Fields: fields})
	}
	return out
}

// StreamAck implements Substrate.
func (r *Redis) StreamAck(ctx context.Context, stream, group, id string) error {
	return r.client.XAck(ctx, stream, group, id).Err()
}

// StreamTrim implements Substrate.
func (r *Redis) StreamTrim(ctx context.Context, stream string, maxLen int64) error {
	return r.client.XTrimMaxLen(ctx, stream, maxLen).Err()
}

// Close implements Substrate.
func (r *Redis) Close() error {
	return r.client.Close()
}
