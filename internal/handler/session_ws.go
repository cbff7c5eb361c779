package handler

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"golang.org/x/time/rate"

	"peerstudy-backend/internal/cache"
	"peerstudy-backend/internal/lifecycle"
	"peerstudy-backend/internal/metrics"
	"peerstudy-backend/internal/presence"
	"peerstudy-backend/internal/registry"
	"peerstudy-backend/internal/relay"
	"peerstudy-backend/internal/retry"
)

// SessionWSHandler 스터디룸 실시간 채널. 연결 하나가 구독 스트림 + 하트비트 +
// 발행 경로를 모두 나른다. 끊김은 탈퇴가 아니다: 클라이언트는 마지막으로
// 적용한 seq를 들고 재연결해 백로그부터 따라잡는다.
type SessionWSHandler struct {
	registry *registry.Registry
	relay    *relay.Relay
	presence *presence.Tracker
	metrics  *metrics.Collector
	runner   *lifecycle.Runner
	cache    *cache.RedisClient

	publishRate  rate.Limit
	publishBurst int
	hbInterval   time.Duration
	leaveTimeout time.Duration
	writeTimeout time.Duration
}

// NewSessionWSHandler SessionWSHandler 생성
func NewSessionWSHandler(
	reg *registry.Registry,
	r *relay.Relay,
	tracker *presence.Tracker,
	collector *metrics.Collector,
	runner *lifecycle.Runner,
	recentCache *cache.RedisClient,
	publishRate float64,
	publishBurst int,
	hbInterval time.Duration,
	leaveTimeout time.Duration,
	writeTimeout time.Duration,
) *SessionWSHandler {
	return &SessionWSHandler{
		registry:     reg,
		relay:        r,
		presence:     tracker,
		metrics:      collector,
		runner:       runner,
		cache:        recentCache,
		publishRate:  rate.Limit(publishRate),
		publishBurst: publishBurst,
		hbInterval:   hbInterval,
		leaveTimeout: leaveTimeout,
		writeTimeout: writeTimeout,
	}
}

// WSFrame 채널 프레임
type WSFrame struct {
	Type    string          `json:"type"` // publish, heartbeat, leave / event, ack, presence, error
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsErrorPayload struct {
	Message string `json:"message"`
}

type wsAckPayload struct {
	Seq  int64  `json:"seq"`
	Code string `json:"code"`
}

// wsConn serializes writes; 구독 스트림과 수신 루프 응답이 같은 소켓을 쓴다.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (w *wsConn) send(frameType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(WSFrame{Type: frameType, Payload: data})
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, frame)
}

// HandleWebSocket WebSocket 연결 처리
func (h *SessionWSHandler) HandleWebSocket(c *websocket.Conn) {
	sessionID, ok1 := c.Locals("sessionId").(int64)
	userID, ok2 := c.Locals("userId").(int64)
	sinceSeq, ok3 := c.Locals("sinceSeq").(int64)
	if !ok1 || !ok2 || !ok3 {
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":{"message":"invalid session"}}`))
		c.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	isMember, err := h.registry.IsActiveParticipant(ctx, sessionID, userID)
	if err != nil || !isMember {
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":{"message":"not a participant of this session"}}`))
		c.Close()
		return
	}

	sock := &wsConn{conn: c, writeTimeout: h.writeTimeout}

	events, err := h.relay.Subscribe(ctx, sessionID, userID, sinceSeq)
	if err != nil {
		sock.send("error", wsErrorPayload{Message: "subscription failed"})
		c.Close()
		return
	}

	log.Printf("[SessionWS] Connected: session=%d, user=%d, since=%d", sessionID, userID, sinceSeq)

	// 접속 즉시 온라인 처리
	if err := h.presence.Heartbeat(ctx, sessionID, userID); err == nil {
		h.metrics.Heartbeat()
		h.presence.PublishChange(ctx, presence.ChangeEvent{
			SessionID: sessionID,
			UserID:    userID,
			Status:    presence.StatusOnline,
		})
	}

	defer func() {
		cancel()
		c.Close()
		// 끊김은 탈퇴가 아니므로 presence 키는 TTL로 자연 만료시킨다.
		log.Printf("[SessionWS] Disconnected: session=%d, user=%d", sessionID, userID)
	}()

	// 구독 스트림 → 소켓
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					// 허브 종료 (세션 닫힘 등): 클라이언트에 알리고 연결 종료
					sock.send("closed", map[string]int64{"session_id": sessionID})
					cancel()
					return
				}
				if err := sock.send("event", toEventResponse(ev)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// 소켓이 살아있는 동안 주기적으로 하트비트 갱신
	go func() {
		ticker := time.NewTicker(h.hbInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := h.presence.Heartbeat(ctx, sessionID, userID); err == nil {
					h.metrics.Heartbeat()
				}
			}
		}
	}()

	// presence 변경 브로드캐스트 → 소켓
	go h.forwardPresenceChanges(ctx, sock, sessionID)

	limiter := rate.NewLimiter(h.publishRate, h.publishBurst)

	// 수신 루프
	for {
		_, msgBytes, err := c.ReadMessage()
		if err != nil {
			return
		}

		var frame WSFrame
		if err := json.Unmarshal(msgBytes, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "publish":
			h.handlePublish(ctx, sock, limiter, sessionID, userID, frame.Payload)
		case "heartbeat":
			if err := h.presence.Heartbeat(ctx, sessionID, userID); err == nil {
				h.metrics.Heartbeat()
			}
		case "leave":
			h.scheduleLeave(sessionID, userID)
			return
		}
	}
}

// handlePublish 발행 프레임 처리
func (h *SessionWSHandler) handlePublish(ctx context.Context, sock *wsConn, limiter *rate.Limiter, sessionID, userID int64, payload json.RawMessage) {
	if !limiter.Allow() {
		sock.send("error", wsErrorPayload{Message: "publish rate exceeded"})
		return
	}

	var req SendMessageRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		sock.send("error", wsErrorPayload{Message: "invalid publish payload"})
		return
	}

	ev, err := buildEvent(sessionID, userID, &req)
	if err != nil {
		sock.send("error", wsErrorPayload{Message: err.Error()})
		return
	}

	if err := h.relay.Publish(ctx, ev); err != nil {
		sock.send("error", wsErrorPayload{Message: err.Error()})
		return
	}
	cacheEvent(h.cache, ev)
	sock.send("ack", wsAckPayload{Seq: ev.Seq, Code: ev.Code})
}

// forwardPresenceChanges 같은 세션의 상태 변경만 골라 소켓으로 중계
func (h *SessionWSHandler) forwardPresenceChanges(ctx context.Context, sock *wsConn, sessionID int64) {
	pubsub := h.presence.SubscribeChanges(ctx)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev presence.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			if ev.SessionID != sessionID {
				continue
			}
			if err := sock.send("presence", ev); err != nil {
				return
			}
		}
	}
}

// scheduleLeave runs the leave through the process-lifetime runner so it
// survives the socket teardown, with the standard retry policy.
func (h *SessionWSHandler) scheduleLeave(sessionID, userID int64) {
	h.runner.Go("leave", h.leaveTimeout, func(ctx context.Context) error {
		err := retry.Default.Do(ctx, func(ctx context.Context) error {
			return h.registry.Leave(ctx, sessionID, userID)
		})
		if err != nil {
			log.Printf("[SessionWS] Leave failed for user %d in session %d: %v", userID, sessionID, err)
			return err
		}

		rmCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.presence.Remove(rmCtx, sessionID, userID); err == nil {
			h.presence.PublishChange(rmCtx, presence.ChangeEvent{
				SessionID: sessionID,
				UserID:    userID,
				Status:    presence.StatusOffline,
			})
		}
		return nil
	})
}
