package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"

	"peerstudy-backend/internal/auth"
	"peerstudy-backend/internal/cache"
	"peerstudy-backend/internal/model"
	"peerstudy-backend/internal/registry"
	"peerstudy-backend/internal/relay"
	"peerstudy-backend/internal/retry"
)

// MessageHandler 메시지 발행/백로그 핸들러. WebSocket이 주 경로이고 REST는
// 재연결 폴백이다.
type MessageHandler struct {
	relay    *relay.Relay
	registry *registry.Registry
	cache    *cache.RedisClient
	retry    retry.Policy
}

// NewMessageHandler MessageHandler 생성. recentCache may be nil.
func NewMessageHandler(r *relay.Relay, reg *registry.Registry, recentCache *cache.RedisClient) *MessageHandler {
	return &MessageHandler{relay: r, registry: reg, cache: recentCache, retry: retry.Default}
}

// cacheEvent 비암호화 이벤트를 최근 목록 캐시에 적재. 암호문(CHAT)은 수신자별
// 사본이라 공용 캐시에 넣지 않는다. 실패는 무시한다 (캐시는 재구축 가능).
func cacheEvent(recentCache *cache.RedisClient, ev *relay.Event) {
	if recentCache == nil || ev.Kind == model.MessageKindChat {
		return
	}
	payload := ev.Payload
	if ev.Kind == model.MessageKindWhiteboardOp {
		payload = ev.OpData
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	recentCache.AddEvent(ctx, ev.SessionID, &cache.CachedEvent{
		Seq:       ev.Seq,
		Code:      ev.Code,
		SenderID:  ev.SenderID,
		Kind:      ev.Kind.String(),
		Payload:   payload,
		CreatedAt: ev.CreatedAt,
	})
}

// RecipientPayload 수신자별 암호문
type RecipientPayload struct {
	RecipientID int64  `json:"recipient_id"`
	Ciphertext  string `json:"ciphertext"`
}

// SendMessageRequest 메시지 발행 요청
type SendMessageRequest struct {
	Kind       string             `json:"kind"`
	Recipients []RecipientPayload `json:"recipients,omitempty"` // CHAT
	OpKind     string             `json:"op_kind,omitempty"`    // WHITEBOARD_OP
	OpData     json.RawMessage    `json:"op_data,omitempty"`
	Payload    json.RawMessage    `json:"payload,omitempty"` // PRESENCE_SYNC
}

// EventResponse 발행/백로그 응답 이벤트
type EventResponse struct {
	Seq        int64           `json:"seq"`
	Code       string          `json:"code"`
	SenderID   int64           `json:"sender_id"`
	Kind       string          `json:"kind"`
	CreatedAt  string          `json:"created_at"`
	Ciphertext string          `json:"ciphertext,omitempty"`
	OpKind     string          `json:"op_kind,omitempty"`
	OpData     json.RawMessage `json:"op_data,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func toEventResponse(ev relay.Event) EventResponse {
	return EventResponse{
		Seq:        ev.Seq,
		Code:       ev.Code,
		SenderID:   ev.SenderID,
		Kind:       ev.Kind.String(),
		CreatedAt:  ev.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		Ciphertext: ev.Ciphertext,
		OpKind:     ev.OpKind.String(),
		OpData:     ev.OpData,
		Payload:    ev.Payload,
	}
}

// buildEvent 요청을 relay 이벤트로 변환. 검증 실패는 ErrInvalidConfig.
func buildEvent(sessionID, senderID int64, req *SendMessageRequest) (*relay.Event, error) {
	kind := model.MessageKind(req.Kind)
	if !kind.Valid() {
		return nil, model.ErrInvalidConfig
	}

	ev := &relay.Event{
		SessionID: sessionID,
		SenderID:  senderID,
		Kind:      kind,
	}

	switch kind {
	case model.MessageKindChat:
		if len(req.Recipients) == 0 {
			return nil, model.ErrInvalidConfig
		}
		for _, rcpt := range req.Recipients {
			if rcpt.Ciphertext == "" {
				return nil, model.ErrInvalidConfig
			}
			ev.Recipients = append(ev.Recipients, relay.Recipient{
				RecipientID: rcpt.RecipientID,
				Ciphertext:  rcpt.Ciphertext,
			})
		}
	case model.MessageKindWhiteboardOp:
		opKind := model.WhiteboardOpKind(req.OpKind)
		if !opKind.Valid() {
			return nil, model.ErrInvalidConfig
		}
		if opKind != model.OpClear && len(req.OpData) == 0 {
			return nil, model.ErrInvalidConfig
		}
		ev.OpKind = opKind
		ev.OpData = req.OpData
	case model.MessageKindPresenceSync:
		ev.Payload = req.Payload
	}
	return ev, nil
}

// Send 메시지 발행. 일시 장애는 백오프 재시도하고, 소진되면 503을 돌려
// 클라이언트가 미전송 상태를 표시하게 한다.
func (h *MessageHandler) Send(c *fiber.Ctx) error {
	claims, err := auth.GetClaimsFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}

	sessionID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid session id",
		})
	}

	var req SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	ev, err := buildEvent(int64(sessionID), claims.UserID, &req)
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	err = h.retry.Do(c.Context(), func(ctx context.Context) error {
		return h.relay.Publish(ctx, ev)
	})
	if err != nil {
		status := errorStatus(err)
		if model.IsTransient(err) || !model.IsValidation(err) {
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	cacheEvent(h.cache, ev)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"seq":        ev.Seq,
		"code":       ev.Code,
		"created_at": ev.CreatedAt,
	})
}

// Recent 최근 이벤트 미리보기 (캐시 우선, 비어 있으면 스토어에서 재구축)
func (h *MessageHandler) Recent(c *fiber.Ctx) error {
	claims, err := auth.GetClaimsFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}

	sessionID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid session id",
		})
	}

	isMember, err := h.registry.IsActiveParticipant(c.Context(), int64(sessionID), claims.UserID)
	if err != nil || !isMember {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "not a participant of this session",
		})
	}

	if h.cache != nil {
		cached, err := h.cache.GetRecentEvents(c.Context(), int64(sessionID))
		if err == nil && len(cached) > 0 {
			return c.JSON(fiber.Map{
				"events": cached,
				"source": "cache",
			})
		}
	}

	// 캐시 미스: 스토어에서 읽고 다시 채운다
	events, err := h.relay.Backlog(c.Context(), int64(sessionID), claims.UserID, 0)
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{
			"error": "failed to read events",
		})
	}

	rebuilt := make([]cache.CachedEvent, 0, len(events))
	for i := range events {
		ev := events[i]
		if ev.Kind == model.MessageKindChat {
			continue
		}
		payload := ev.Payload
		if ev.Kind == model.MessageKindWhiteboardOp {
			payload = ev.OpData
		}
		ce := cache.CachedEvent{
			Seq:       ev.Seq,
			Code:      ev.Code,
			SenderID:  ev.SenderID,
			Kind:      ev.Kind.String(),
			Payload:   payload,
			CreatedAt: ev.CreatedAt,
		}
		rebuilt = append(rebuilt, ce)
		if h.cache != nil {
			h.cache.AddEvent(c.Context(), int64(sessionID), &ce)
		}
	}
	return c.JSON(fiber.Map{
		"events": rebuilt,
		"source": "store",
	})
}

// Backlog 재접속 클라이언트의 캐치업 조회 (seq > since)
func (h *MessageHandler) Backlog(c *fiber.Ctx) error {
	claims, err := auth.GetClaimsFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}

	sessionID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid session id",
		})
	}
	sinceSeq := int64(c.QueryInt("since", 0))

	isMember, err := h.registry.IsActiveParticipant(c.Context(), int64(sessionID), claims.UserID)
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{
			"error": "failed to check membership",
		})
	}
	if !isMember {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "not a participant of this session",
		})
	}

	events, err := h.relay.Backlog(c.Context(), int64(sessionID), claims.UserID, sinceSeq)
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{
			"error": "failed to read backlog",
		})
	}

	responses := make([]EventResponse, len(events))
	lastSeq := sinceSeq
	for i, ev := range events {
		responses[i] = toEventResponse(ev)
		if ev.Seq > lastSeq {
			lastSeq = ev.Seq
		}
	}
	return c.JSON(fiber.Map{
		"events":   responses,
		"last_seq": lastSeq,
	})
}
