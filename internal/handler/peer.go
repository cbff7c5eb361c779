package handler

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"peerstudy-backend/internal/auth"
	"peerstudy-backend/internal/model"
)

// PeerHandler 피어 찾기/차단/신고 핸들러
type PeerHandler struct {
	db *gorm.DB
}

// NewPeerHandler PeerHandler 생성
func NewPeerHandler(db *gorm.DB) *PeerHandler {
	return &PeerHandler{db: db}
}

// SetAvailabilityRequest 가용 상태 설정 요청
type SetAvailabilityRequest struct {
	IsAvailable       bool     `json:"is_available"`
	StatusMessage     *string  `json:"status_message,omitempty"`
	StrongTopics      []string `json:"strong_topics,omitempty"`
	SeekingHelpTopics []string `json:"seeking_help_topics,omitempty"`
}

// SetAvailability 피어 찾기 가용 상태 설정
func (h *PeerHandler) SetAvailability(c *fiber.Ctx) error {
	claims, err := auth.GetClaimsFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}

	var req SetAvailabilityRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	var user model.User
	if err := h.db.First(&user, claims.UserID).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to load user",
		})
	}
	if user.SchoolID == nil || user.ClassLevel == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "set your school and class level first",
		})
	}

	strong, _ := json.Marshal(req.StrongTopics)
	seeking, _ := json.Marshal(req.SeekingHelpTopics)
	if req.StrongTopics == nil {
		strong = []byte("[]")
	}
	if req.SeekingHelpTopics == nil {
		seeking = []byte("[]")
	}

	availability := model.PeerAvailability{
		UserID:            claims.UserID,
		IsAvailable:       req.IsAvailable,
		StatusMessage:     req.StatusMessage,
		StrongTopics:      string(strong),
		SeekingHelpTopics: string(seeking),
		SchoolID:          *user.SchoolID,
		ClassLevel:        *user.ClassLevel,
	}

	if err := h.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(&availability).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to update availability",
		})
	}

	return c.JSON(fiber.Map{
		"is_available": availability.IsAvailable,
	})
}

// PeerResponse 피어 찾기 결과
type PeerResponse struct {
	UserID            int64           `json:"user_id"`
	Nickname          string          `json:"nickname"`
	ProfileImg        *string         `json:"profile_img,omitempty"`
	StatusMessage     *string         `json:"status_message,omitempty"`
	StrongTopics      json.RawMessage `json:"strong_topics"`
	SeekingHelpTopics json.RawMessage `json:"seeking_help_topics"`
}

// FindPeers 같은 학교/학년의 가용 피어 조회. 차단 관계는 양방향으로 제외.
func (h *PeerHandler) FindPeers(c *fiber.Ctx) error {
	claims, err := auth.GetClaimsFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}

	var user model.User
	if err := h.db.First(&user, claims.UserID).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to load user",
		})
	}
	if user.SchoolID == nil || user.ClassLevel == nil {
		return c.JSON(fiber.Map{"peers": []PeerResponse{}, "total": 0})
	}

	blockedSub := h.db.Model(&model.UserBlock{}).
		Select("blocked_id").Where("blocker_id = ?", claims.UserID)
	blockerSub := h.db.Model(&model.UserBlock{}).
		Select("blocker_id").Where("blocked_id = ?", claims.UserID)

	q := h.db.Preload("User").
		Where("school_id = ? AND class_level = ? AND is_available = true", *user.SchoolID, *user.ClassLevel).
		Where("user_id != ?", claims.UserID).
		Where("user_id NOT IN (?)", blockedSub).
		Where("user_id NOT IN (?)", blockerSub)

	// 주제 필터: 도움 줄 수 있는 주제 또는 도움 받고 싶은 주제에 매칭
	if topic := sanitizeString(c.Query("topic")); topic != "" {
		pattern := "%" + topic + "%"
		q = q.Where("strong_topics::text ILIKE ? OR seeking_help_topics::text ILIKE ?", pattern, pattern)
	}

	var peers []model.PeerAvailability
	err = q.Order("last_seen_at DESC").
		Limit(50).
		Find(&peers).Error
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to find peers",
		})
	}

	responses := make([]PeerResponse, len(peers))
	for i, p := range peers {
		responses[i] = PeerResponse{
			UserID:            p.UserID,
			Nickname:          p.User.Nickname,
			ProfileImg:        p.User.ProfileImg,
			StatusMessage:     p.StatusMessage,
			StrongTopics:      json.RawMessage(p.StrongTopics),
			SeekingHelpTopics: json.RawMessage(p.SeekingHelpTopics),
		}
	}
	return c.JSON(fiber.Map{
		"peers": responses,
		"total": len(responses),
	})
}

// BlockRequest 차단 요청
type BlockRequest struct {
	UserID int64   `json:"user_id"`
	Reason *string `json:"reason,omitempty"`
}

// Block 사용자 차단
func (h *PeerHandler) Block(c *fiber.Ctx) error {
	claims, err := auth.GetClaimsFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}

	var req BlockRequest
	if err := c.BodyParser(&req); err != nil || req.UserID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}
	if req.UserID == claims.UserID {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "cannot block yourself",
		})
	}

	block := model.UserBlock{
		BlockerID: claims.UserID,
		BlockedID: req.UserID,
		Reason:    req.Reason,
	}
	if err := h.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&block).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to block user",
		})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "user blocked",
	})
}

// Unblock 차단 해제
func (h *PeerHandler) Unblock(c *fiber.Ctx) error {
	claims, err := auth.GetClaimsFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}

	blockedID, err := c.ParamsInt("userId")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid user id",
		})
	}

	if err := h.db.Where("blocker_id = ? AND blocked_id = ?", claims.UserID, blockedID).
		Delete(&model.UserBlock{}).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to unblock user",
		})
	}
	return c.JSON(fiber.Map{
		"message": "user unblocked",
	})
}

// BlockedUserResponse 차단한 사용자 정보
type BlockedUserResponse struct {
	UserID     int64     `json:"user_id"`
	Nickname   string    `json:"nickname"`
	ProfileImg *string   `json:"profile_img,omitempty"`
	Reason     *string   `json:"reason,omitempty"`
	BlockedAt  time.Time `json:"blocked_at"`
}

// ListBlocked 내가 차단한 사용자 목록 조회
func (h *PeerHandler) ListBlocked(c *fiber.Ctx) error {
	claims, err := auth.GetClaimsFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}

	var blocks []model.UserBlock
	if err := h.db.Where("blocker_id = ?", claims.UserID).
		Order("created_at DESC").
		Find(&blocks).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to fetch blocked users",
		})
	}

	ids := make([]int64, len(blocks))
	for i, b := range blocks {
		ids[i] = b.BlockedID
	}
	users := make(map[int64]model.User, len(ids))
	if len(ids) > 0 {
		var rows []model.User
		if err := h.db.Where("id IN ?", ids).Find(&rows).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to fetch blocked users",
			})
		}
		for _, u := range rows {
			users[u.ID] = u
		}
	}

	responses := make([]BlockedUserResponse, len(blocks))
	for i, b := range blocks {
		resp := BlockedUserResponse{
			UserID:    b.BlockedID,
			Reason:    b.Reason,
			BlockedAt: b.CreatedAt,
		}
		if u, ok := users[b.BlockedID]; ok {
			resp.Nickname = u.Nickname
			resp.ProfileImg = u.ProfileImg
		}
		responses[i] = resp
	}
	return c.JSON(fiber.Map{
		"blocks": responses,
		"total":  len(responses),
	})
}

// ReportRequest 신고 요청
type ReportRequest struct {
	UserID      int64   `json:"user_id"`
	SessionID   *int64  `json:"session_id,omitempty"`
	Reason      string  `json:"reason"`
	Description *string `json:"description,omitempty"`
}

// Report 사용자 신고
func (h *PeerHandler) Report(c *fiber.Ctx) error {
	claims, err := auth.GetClaimsFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}

	var req ReportRequest
	if err := c.BodyParser(&req); err != nil || req.UserID == 0 || req.Reason == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id and reason are required",
		})
	}

	report := model.UserReport{
		ReporterID:  claims.UserID,
		ReportedID:  req.UserID,
		SessionID:   req.SessionID,
		Reason:      sanitizeString(req.Reason),
		Description: req.Description,
	}
	if err := h.db.Create(&report).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to submit report",
		})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "report submitted",
	})
}
