package handler

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"peerstudy-backend/internal/auth"
	"peerstudy-backend/internal/model"
	"peerstudy-backend/internal/presence"
	"peerstudy-backend/internal/registry"
)

// SessionHandler 스터디룸 핸들러
type SessionHandler struct {
	db       *gorm.DB
	registry *registry.Registry
	presence *presence.Tracker
}

// NewSessionHandler SessionHandler 생성
func NewSessionHandler(db *gorm.DB, reg *registry.Registry, tracker *presence.Tracker) *SessionHandler {
	return &SessionHandler{db: db, registry: reg, presence: tracker}
}

// CreateSessionRequest 스터디룸 생성 요청
type CreateSessionRequest struct {
	Name              *string `json:"name,omitempty"`
	Topic             string  `json:"topic"`
	Subject           string  `json:"subject"`
	MaxParticipants   int     `json:"max_participants"`
	VoiceEnabled      *bool   `json:"voice_enabled,omitempty"`
	WhiteboardEnabled *bool   `json:"whiteboard_enabled,omitempty"`
}

// SessionResponse 스터디룸 응답
type SessionResponse struct {
	ID                int64                 `json:"id"`
	Code              string                `json:"code"`
	Name              *string               `json:"name,omitempty"`
	Topic             string                `json:"topic"`
	Subject           string                `json:"subject"`
	SchoolID          int64                 `json:"school_id"`
	ClassLevel        int                   `json:"class_level"`
	MaxParticipants   int                   `json:"max_participants"`
	ParticipantCount  int                   `json:"participant_count"`
	VoiceEnabled      bool                  `json:"voice_enabled"`
	WhiteboardEnabled bool                  `json:"whiteboard_enabled"`
	Status            string                `json:"status"`
	HostID            int64                 `json:"host_id"`
	CreatedAt         time.Time             `json:"created_at"`
	Participants      []ParticipantResponse `json:"participants,omitempty"`
	CanJoin           *bool                 `json:"can_join,omitempty"`
}

// ParticipantResponse 참가자 응답
type ParticipantResponse struct {
	UserID   int64     `json:"user_id"`
	Nickname string    `json:"nickname"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
	Presence string    `json:"presence,omitempty"`
}

func toSessionResponse(s *model.StudySession) SessionResponse {
	resp := SessionResponse{
		ID:                s.ID,
		Code:              s.Code,
		Name:              s.Name,
		Topic:             s.Topic,
		Subject:           s.Subject,
		SchoolID:          s.SchoolID,
		ClassLevel:        s.ClassLevel,
		MaxParticipants:   s.MaxParticipants,
		ParticipantCount:  len(s.Participants),
		VoiceEnabled:      s.VoiceEnabled,
		WhiteboardEnabled: s.WhiteboardEnabled,
		Status:            s.Status.String(),
		HostID:            s.HostID,
		CreatedAt:         s.CreatedAt,
	}
	for _, p := range s.Participants {
		resp.Participants = append(resp.Participants, ParticipantResponse{
			UserID:   p.UserID,
			Nickname: p.User.Nickname,
			Role:     p.Role.String(),
			JoinedAt: p.JoinedAt,
		})
	}
	return resp
}

// errorStatus 도메인 에러를 HTTP 상태 코드로 변환
func errorStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidConfig):
		return fiber.StatusBadRequest
	case errors.Is(err, model.ErrSessionFull),
		errors.Is(err, model.ErrConstraintViolation):
		return fiber.StatusForbidden
	case errors.Is(err, model.ErrSessionClosed):
		return fiber.StatusGone
	case errors.Is(err, model.ErrNotAParticipant):
		return fiber.StatusForbidden
	default:
		return fiber.StatusInternalServerError
	}
}

// Create 스터디룸 생성
func (h *SessionHandler) Create(c *fiber.Ctx) error {
	claims, err := auth.GetClaimsFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}

	var req CreateSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	req.Topic = sanitizeString(req.Topic)
	req.Subject = sanitizeString(req.Subject)

	params := model.CreateParams{
		Name:              req.Name,
		Topic:             req.Topic,
		Subject:           req.Subject,
		MaxParticipants:   req.MaxParticipants,
		VoiceEnabled:      true,
		WhiteboardEnabled: true,
	}
	if req.VoiceEnabled != nil {
		params.VoiceEnabled = *req.VoiceEnabled
	}
	if req.WhiteboardEnabled != nil {
		params.WhiteboardEnabled = *req.WhiteboardEnabled
	}

	session, err := h.registry.Create(c.Context(), claims.UserID, params)
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(toSessionResponse(session))
}

// List 참가 가능한 스터디룸 목록 (호출자의 학교/학년으로 암묵 필터링)
func (h *SessionHandler) List(c *fiber.Ctx) error {
	claims, err := auth.GetClaimsFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}

	filter := registry.ListFilter{
		Topic:   sanitizeString(c.Query("topic")),
		Subject: sanitizeString(c.Query("subject")),
		Limit:   c.QueryInt("limit", 20),
	}

	sessions, err := h.registry.List(c.Context(), claims.UserID, filter)
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{
			"error": "failed to list sessions",
		})
	}

	responses := make([]SessionResponse, len(sessions))
	for i := range sessions {
		responses[i] = toSessionResponse(&sessions[i])
	}
	return c.JSON(fiber.Map{
		"sessions": responses,
		"total":    len(responses),
	})
}

// Get 스터디룸 단건 조회
func (h *SessionHandler) Get(c *fiber.Ctx) error {
	sessionID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid session id",
		})
	}

	session, err := h.registry.Get(c.Context(), int64(sessionID))
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{
			"error": "session not found",
		})
	}
	return c.JSON(toSessionResponse(session))
}

// GetByCode 초대 코드로 스터디룸 조회. 초대 링크 미리보기는 비로그인도 허용하고,
// 로그인한 요청에는 참가 가능 여부를 함께 내려준다.
func (h *SessionHandler) GetByCode(c *fiber.Ctx) error {
	code := c.Params("code")
	if code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid session code",
		})
	}

	session, err := h.registry.GetByCode(c.Context(), code)
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{
			"error": "session not found",
		})
	}

	resp := toSessionResponse(session)
	if claims, err := auth.GetClaimsFromContext(c); err == nil {
		var user model.User
		if err := h.db.WithContext(c.Context()).First(&user, claims.UserID).Error; err == nil {
			canJoin := session.Joinable() && session.SatisfiesConstraint(&user)
			resp.CanJoin = &canJoin
		}
	}
	return c.JSON(resp)
}

// Join 스터디룸 참가
func (h *SessionHandler) Join(c *fiber.Ctx) error {
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

	participant, err := h.registry.Join(c.Context(), int64(sessionID), claims.UserID)
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"session_id": participant.SessionID,
		"user_id":    participant.UserID,
		"role":       participant.Role.String(),
		"joined_at":  participant.JoinedAt,
	})
}

// Leave 스터디룸 나가기
func (h *SessionHandler) Leave(c *fiber.Ctx) error {
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

	if err := h.registry.Leave(c.Context(), int64(sessionID), claims.UserID); err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	// 떠난 사용자의 presence 키도 제거 (실패해도 TTL이 정리)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.presence.Remove(ctx, int64(sessionID), claims.UserID); err == nil {
		h.presence.PublishChange(ctx, presence.ChangeEvent{
			SessionID: int64(sessionID),
			UserID:    claims.UserID,
			Status:    presence.StatusOffline,
		})
	}

	return c.JSON(fiber.Map{
		"message": "left session",
	})
}

// Close 스터디룸 종료 (호스트 전용)
func (h *SessionHandler) Close(c *fiber.Ctx) error {
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

	isHost, err := auth.IsSessionHost(h.db.WithContext(c.Context()), int64(sessionID), claims.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to check session host",
		})
	}
	if !isHost {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "only the host can close a session",
		})
	}

	if err := h.registry.Close(c.Context(), int64(sessionID)); err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{
			"error": "failed to close session",
		})
	}
	return c.JSON(fiber.Map{
		"message": "session closed",
	})
}

// Participants 참가자 목록 + 접속 상태
func (h *SessionHandler) Participants(c *fiber.Ctx) error {
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

	participants, err := h.registry.ActiveParticipants(c.Context(), int64(sessionID))
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{
			"error": "failed to load participants",
		})
	}

	userIDs := make([]int64, len(participants))
	for i, p := range participants {
		userIDs[i] = p.UserID
	}
	online, err := h.presence.Online(c.Context(), int64(sessionID), userIDs)
	if err != nil {
		// presence 장애 시 상태 불명으로 목록은 그대로 반환
		online = nil
	}

	responses := make([]ParticipantResponse, len(participants))
	for i, p := range participants {
		status := presence.StatusUnknown
		if online != nil {
			status = presence.StatusOffline
			if online[p.UserID] {
				status = presence.StatusOnline
			}
		}
		responses[i] = ParticipantResponse{
			UserID:   p.UserID,
			Nickname: p.User.Nickname,
			Role:     p.Role.String(),
			JoinedAt: p.JoinedAt,
			Presence: string(status),
		}
	}

	return c.JSON(fiber.Map{
		"participants": responses,
		"total":        len(responses),
	})
}

// ParticipantPresence 참가자 1명의 접속 상태 조회 (REST 폴링용)
func (h *SessionHandler) ParticipantPresence(c *fiber.Ctx) error {
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
	userID, err := c.ParamsInt("userId")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid user id",
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

	status := h.presence.StatusOf(c.Context(), int64(sessionID), int64(userID))
	return c.JSON(fiber.Map{
		"session_id": int64(sessionID),
		"user_id":    int64(userID),
		"presence":   string(status),
	})
}

// Heartbeat 참가자 하트비트 (WebSocket 장애 시 REST 폴백)
func (h *SessionHandler) Heartbeat(c *fiber.Ctx) error {
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

	if err := h.presence.Heartbeat(c.Context(), int64(sessionID), claims.UserID); err != nil {
		// presence 장애는 메시징을 막지 않는다
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "presence temporarily unavailable",
		})
	}
	return c.SendStatus(fiber.StatusNoContent)
}
