package handler

import (
	"github.com/gofiber/fiber/v2"

	"peerstudy-backend/internal/auth"
	"peerstudy-backend/internal/model"
	"peerstudy-backend/internal/registry"
	"peerstudy-backend/internal/relay"
	"peerstudy-backend/internal/whiteboard"
)

// WhiteboardHandler 화이트보드 동기화 핸들러. 연산 발행은 메시지 발행과 같은
// 경로를 타고, 여기서는 접힌 캔버스 상태 조회만 제공한다.
type WhiteboardHandler struct {
	relay    *relay.Relay
	registry *registry.Registry
}

// NewWhiteboardHandler WhiteboardHandler 생성
func NewWhiteboardHandler(r *relay.Relay, reg *registry.Registry) *WhiteboardHandler {
	return &WhiteboardHandler{relay: r, registry: reg}
}

// GetState 현재 캔버스 상태 조회. 전체 연산 로그를 접어서 보이는 요소만 반환.
func (h *WhiteboardHandler) GetState(c *fiber.Ctx) error {
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

	// Backlog already truncates everything a CLEAR superseded.
	events, err := h.relay.Backlog(c.Context(), int64(sessionID), claims.UserID, 0)
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{
			"error": "failed to load whiteboard state",
		})
	}

	var ops []whiteboard.Op
	var lastSeq int64
	for _, ev := range events {
		if ev.Seq > lastSeq {
			lastSeq = ev.Seq
		}
		if ev.Kind != model.MessageKindWhiteboardOp {
			continue
		}
		ops = append(ops, whiteboard.Op{
			Seq:    ev.Seq,
			UserID: ev.SenderID,
			Kind:   ev.OpKind,
			Data:   ev.OpData,
		})
	}

	elements := whiteboard.Fold(ops)
	return c.JSON(fiber.Map{
		"elements": elements,
		"last_seq": lastSeq,
	})
}
