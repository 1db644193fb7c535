// Package store provides the durable per-call state surface shared by every
// engine component: a keyed KV space with TTL, append-only streams for
// operator events, and sorted sets for caller queues. It is backed by Redis.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes used across the engine. All state lives under these.
const (
	CallKeyPrefix  = "call:"
	QueueKeyPrefix = "queue:"
	EventKeyPrefix = "events:provider:"
	WaveKeyPrefix  = "wave:"
	LogKeyPrefix   = "callog:"
)

// CallKey returns the state key for a call SID.
func CallKey(sid string) string { return CallKeyPrefix + sid }

// QueueKey returns the sorted-set key for a provider's caller queue.
func QueueKey(providerID string) string { return QueueKeyPrefix + providerID }

// EventKey returns the per-provider daily event stream key.
func EventKey(providerID string, day time.Time) string {
	return EventKeyPrefix + providerID + ":" + day.UTC().Format("2006-01-02")
}

// WaveKey returns the state key for an occurrence's outbound wave.
func WaveKey(occurrenceID string) string { return WaveKeyPrefix + occurrenceID }

// StreamEntry is one entry of an append-only stream.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// ZMember is a member of a sorted set with its score.
type ZMember struct {
	Member string
	Score  float64
}

// Store is the Redis-backed state store. All methods take a context and
// return explicit errors; a Get miss is reported via the ok return, not an
// error, so callers can degrade gracefully.
type Store struct {
	client *redis.Client
	logger *slog.Logger
}

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Open connects to Redis and verifies the connection with a ping.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	logger.Info("state store connected", "addr", cfg.Addr, "db", cfg.DB)
	return &Store{client: client, logger: logger.With("subsystem", "store")}, nil
}

// NewWithClient wraps an existing Redis client. Used by tests with miniredis.
func NewWithClient(client *redis.Client, logger *slog.Logger) *Store {
	return &Store{client: client, logger: logger.With("subsystem", "store")}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get fetches the value at key. The second return is false on a miss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store get %s: %w", key, err)
	}
	return val, true, nil
}

// Set writes value at key and refreshes its TTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("store set %s: %w", key, err)
	}
	return nil
}

// SetNX writes value at key only if the key does not exist. Returns true
// if the write happened. Used as the one-wave-in-flight mutex.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("store setnx %s: %w", key, err)
	}
	return ok, nil
}

// Del removes key. Deleting a missing key is not an error.
func (s *Store) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("store del %s: %w", key, err)
	}
	return nil
}

// StreamAppend appends fields to the stream at streamKey and returns the
// store-assigned entry id. Ids are monotonic within a stream.
func (s *Store) StreamAppend(ctx context.Context, streamKey string, fields map[string]string) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("store xadd %s: %w", streamKey, err)
	}
	return id, nil
}

// StreamRange returns entries with ids strictly greater than afterID, in id
// order. Pass an empty afterID to read from the start of the stream.
func (s *Store) StreamRange(ctx context.Context, streamKey, afterID string) ([]StreamEntry, error) {
	start := "-"
	if afterID != "" {
		// Exclusive lower bound.
		start = "(" + afterID
	}
	msgs, err := s.client.XRange(ctx, streamKey, start, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("store xrange %s: %w", streamKey, err)
	}

	entries := make([]StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if sv, ok := v.(string); ok {
				fields[k] = sv
			}
		}
		entries = append(entries, StreamEntry{ID: m.ID, Fields: fields})
	}
	return entries, nil
}

// StreamExpire sets a retention TTL on a stream key.
func (s *Store) StreamExpire(ctx context.Context, streamKey string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, streamKey, ttl).Err(); err != nil {
		return fmt.Errorf("store expire %s: %w", streamKey, err)
	}
	return nil
}

// ZAdd inserts member into the sorted set with the given score.
func (s *Store) ZAdd(ctx context.Context, setKey, member string, score float64) error {
	if err := s.client.ZAdd(ctx, setKey, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("store zadd %s: %w", setKey, err)
	}
	return nil
}

// ZRank returns the 0-based rank of member by ascending score. The second
// return is false when the member is not in the set.
func (s *Store) ZRank(ctx context.Context, setKey, member string) (int64, bool, error) {
	rank, err := s.client.ZRank(ctx, setKey, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store zrank %s: %w", setKey, err)
	}
	return rank, true, nil
}

// ZRem removes member from the sorted set. Returns true if it was present.
func (s *Store) ZRem(ctx context.Context, setKey, member string) (bool, error) {
	n, err := s.client.ZRem(ctx, setKey, member).Result()
	if err != nil {
		return false, fmt.Errorf("store zrem %s: %w", setKey, err)
	}
	return n > 0, nil
}

// ZRange returns members ordered by ascending score.
func (s *Store) ZRange(ctx context.Context, setKey string, start, stop int64) ([]ZMember, error) {
	zs, err := s.client.ZRangeWithScores(ctx, setKey, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("store zrange %s: %w", setKey, err)
	}
	members := make([]ZMember, 0, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		members = append(members, ZMember{Member: m, Score: z.Score})
	}
	return members, nil
}

// ZPopMin atomically removes and returns the lowest-score member. The
// second return is false when the set is empty.
func (s *Store) ZPopMin(ctx context.Context, setKey string) (ZMember, bool, error) {
	zs, err := s.client.ZPopMin(ctx, setKey, 1).Result()
	if err != nil {
		return ZMember{}, false, fmt.Errorf("store zpopmin %s: %w", setKey, err)
	}
	if len(zs) == 0 {
		return ZMember{}, false, nil
	}
	m, _ := zs[0].Member.(string)
	return ZMember{Member: m, Score: zs[0].Score}, true, nil
}

// ZCard returns the number of members in the sorted set.
func (s *Store) ZCard(ctx context.Context, setKey string) (int64, error) {
	n, err := s.client.ZCard(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("store zcard %s: %w", setKey, err)
	}
	return n, nil
}
