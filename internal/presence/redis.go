package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status 참가자 상태
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
	StatusUnknown Status = "UNKNOWN" // presence backend unreachable, degrade instead of failing
)

// DefaultWindow is how long a heartbeat keeps a participant online. Clients
// heartbeat at half this interval.
const DefaultWindow = 60 * time.Second

// Record Redis에 저장될 하트비트 데이터
type Record struct {
	SessionID     int64  `json:"session_id"`
	UserID        int64  `json:"user_id"`
	LastHeartbeat int64  `json:"last_heartbeat"`
	ServerID      string `json:"server_id"` // 멀티 서버 확장 대비
}

// ChangeEvent 상태 변경 이벤트 (pub/sub)
type ChangeEvent struct {
	SessionID int64  `json:"session_id"`
	UserID    int64  `json:"user_id"`
	Status    Status `json:"status"`
}

// Tracker tracks advisory online state per session participant. A heartbeat
// sets a key with the window as TTL; expiry is lazy (the key vanishes), no
// background sweeps.
type Tracker struct {
	client   *redis.Client
	window   time.Duration
	serverID string
}

// NewTracker 생성자
func NewTracker(addr, password string, db int, serverID string) *Tracker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &Tracker{
		client:   rdb,
		window:   DefaultWindow,
		serverID: serverID,
	}
}

// NewTrackerWithClient wraps an existing client, used by utilities and tests.
func NewTrackerWithClient(client *redis.Client, window time.Duration, serverID string) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{client: client, window: window, serverID: serverID}
}

func (t *Tracker) key(sessionID, userID int64) string {
	return fmt.Sprintf("presence:session:%d:user:%d", sessionID, userID)
}

// Heartbeat marks the participant alive for another window. Idempotent:
// repeated heartbeats only refresh the TTL and timestamp.
func (t *Tracker) Heartbeat(ctx context.Context, sessionID, userID int64) error {
	rec := Record{
		SessionID:     sessionID,
		UserID:        userID,
		LastHeartbeat: time.Now().Unix(),
		ServerID:      t.serverID,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return t.client.Set(ctx, t.key(sessionID, userID), data, t.window).Err()
}

// Remove drops the participant's presence immediately (explicit leave).
func (t *Tracker) Remove(ctx context.Context, sessionID, userID int64) error {
	return t.client.Del(ctx, t.key(sessionID, userID)).Err()
}

// Online returns the subset of userIDs with a live heartbeat. A single MGET
// covers the whole roster; missing keys are offline.
func (t *Tracker) Online(ctx context.Context, sessionID int64, userIDs []int64) (map[int64]bool, error) {
	if len(userIDs) == 0 {
		return map[int64]bool{}, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = t.key(sessionID, id)
	}

	results, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	online := make(map[int64]bool, len(userIDs))
	for i, result := range results {
		online[userIDs[i]] = result != nil
	}
	return online, nil
}

// StatusOf derives a single participant's status. Backend errors degrade to
// UNKNOWN; presence is advisory and must not fail the caller.
func (t *Tracker) StatusOf(ctx context.Context, sessionID, userID int64) Status {
	val, err := t.client.Get(ctx, t.key(sessionID, userID)).Result()
	if err == redis.Nil {
		return StatusOffline
	}
	if err != nil {
		return StatusUnknown
	}

	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return StatusUnknown
	}
	return DeriveStatus(time.Unix(rec.LastHeartbeat, 0), time.Now(), t.window)
}

// DeriveStatus is the lazy expiry rule: online iff the last heartbeat is
// within the window.
func DeriveStatus(lastHeartbeat, now time.Time, window time.Duration) Status {
	if now.Sub(lastHeartbeat) <= window {
		return StatusOnline
	}
	return StatusOffline
}

const changeChannel = "presence_updates"

// PublishChange 상태 변경 이벤트 발행
func (t *Tracker) PublishChange(ctx context.Context, ev ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return t.client.Publish(ctx, changeChannel, data).Err()
}

// SubscribeChanges 상태 변경 이벤트 구독 (채널 반환)
func (t *Tracker) SubscribeChanges(ctx context.Context) *redis.PubSub {
	return t.client.Subscribe(ctx, changeChannel)
}
