package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedEvent is the recent-event view kept per session so reconnecting
// clients can render a backlog preview without a Postgres round-trip. The
// cache is rebuildable from the store and never authoritative.
type CachedEvent struct {
	Seq       int64           `json:"seq"`
	Code      string          `json:"code"`
	SenderID  int64           `json:"senderId"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// RedisClient wraps the Redis client for recent-event caching
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis client
func NewRedisClient(addr, password string) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	log.Printf("[Redis] Connected to %s", addr)
	return &RedisClient{client: client}, nil
}

// NewWithClient wraps an existing connection shared with other components.
func NewWithClient(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

func sessionKey(sessionID int64) string {
	return fmt.Sprintf("session:%d:events", sessionID)
}

const (
	maxCachedEvents = 200
	cacheTTL        = 24 * time.Hour
)

// AddEvent appends an event to the session's recent list, trimming to the
// newest maxCachedEvents entries.
func (r *RedisClient) AddEvent(ctx context.Context, sessionID int64, ev *CachedEvent) error {
	key := sessionKey(sessionID)

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -maxCachedEvents, -1)
	pipe.Expire(ctx, key, cacheTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[Redis] Failed to cache event for session %d: %v", sessionID, err)
		return err
	}
	return nil
}

// GetRecentEvents retrieves the cached recent events for a session.
func (r *RedisClient) GetRecentEvents(ctx context.Context, sessionID int64) ([]CachedEvent, error) {
	results, err := r.client.LRange(ctx, sessionKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	events := make([]CachedEvent, 0, len(results))
	for _, raw := range results {
		var ev CachedEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// DropSession removes the session's cached events (session closed).
func (r *RedisClient) DropSession(ctx context.Context, sessionID int64) error {
	return r.client.Del(ctx, sessionKey(sessionID)).Err()
}

// Close closes the underlying connection.
func (r *RedisClient) Close() error {
	return r.client.Close()
}
