package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"peerstudy-backend/internal/auth"
	"peerstudy-backend/internal/model"
)

// KeyHandler E2E 키 배포 핸들러. 서버는 공개키만 보관하고 개인키와 평문은
// 절대 다루지 않는다.
type KeyHandler struct {
	db *gorm.DB
}

// NewKeyHandler KeyHandler 생성
func NewKeyHandler(db *gorm.DB) *KeyHandler {
	return &KeyHandler{db: db}
}

// PrekeyPayload 일회용 프리키
type PrekeyPayload struct {
	PrekeyID     int    `json:"prekey_id"`
	PrekeyPublic string `json:"prekey_public"`
}

// RegisterBundleRequest 키 번들 등록 요청
type RegisterBundleRequest struct {
	IdentityPublicKey     string          `json:"identity_public_key"`
	SignedPrekeyPublic    string          `json:"signed_prekey_public"`
	SignedPrekeySignature string          `json:"signed_prekey_signature"`
	SignedPrekeyID        int             `json:"signed_prekey_id"`
	OneTimePrekeys        []PrekeyPayload `json:"one_time_prekeys"`
}

// RegisterBundle 키 번들 업서트 + 일회용 프리키 보충
func (h *KeyHandler) RegisterBundle(c *fiber.Ctx) error {
	claims, err := auth.GetClaimsFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}

	var req RegisterBundleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if req.IdentityPublicKey == "" || req.SignedPrekeyPublic == "" || req.SignedPrekeySignature == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "incomplete key bundle",
		})
	}

	bundle := model.EncryptionKeyBundle{
		UserID:                claims.UserID,
		IdentityPublicKey:     req.IdentityPublicKey,
		SignedPrekeyPublic:    req.SignedPrekeyPublic,
		SignedPrekeySignature: req.SignedPrekeySignature,
		SignedPrekeyID:        req.SignedPrekeyID,
	}

	err = h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).Create(&bundle).Error; err != nil {
			return err
		}

		for _, pk := range req.OneTimePrekeys {
			prekey := model.OneTimePrekey{
				UserID:       claims.UserID,
				PrekeyID:     pk.PrekeyID,
				PrekeyPublic: pk.PrekeyPublic,
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&prekey).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to register key bundle",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "key bundle registered",
	})
}

// GetBundle 상대방 키 번들 조회. 일회용 프리키는 하나를 소비해 같이 반환하며,
// 같은 프리키가 두 번 나가지 않도록 행 잠금으로 소비한다.
func (h *KeyHandler) GetBundle(c *fiber.Ctx) error {
	if _, err := auth.GetClaimsFromContext(c); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}

	targetID, err := c.ParamsInt("userId")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid user id",
		})
	}

	var bundle model.EncryptionKeyBundle
	var prekey *model.OneTimePrekey

	err = h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&bundle, "user_id = ?", targetID).Error; err != nil {
			return err
		}

		var otp model.OneTimePrekey
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("user_id = ? AND used = false", targetID).
			Order("prekey_id ASC").
			First(&otp).Error
		if err == nil {
			if err := tx.Model(&otp).Update("used", true).Error; err != nil {
				return err
			}
			prekey = &otp
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		// 프리키 고갈 시에도 번들은 반환 (클라이언트는 signed prekey만으로 수립)
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "key bundle not found",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to fetch key bundle",
		})
	}

	resp := fiber.Map{
		"user_id":                 bundle.UserID,
		"identity_public_key":     bundle.IdentityPublicKey,
		"signed_prekey_public":    bundle.SignedPrekeyPublic,
		"signed_prekey_signature": bundle.SignedPrekeySignature,
		"signed_prekey_id":        bundle.SignedPrekeyID,
	}
	if prekey != nil {
		resp["one_time_prekey"] = PrekeyPayload{
			PrekeyID:     prekey.PrekeyID,
			PrekeyPublic: prekey.PrekeyPublic,
		}
	}
	return c.JSON(resp)
}

// PrekeyCount 남은 일회용 프리키 수 (클라이언트 보충 판단용)
func (h *KeyHandler) PrekeyCount(c *fiber.Ctx) error {
	claims, err := auth.GetClaimsFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}

	var count int64
	if err := h.db.Model(&model.OneTimePrekey{}).
		Where("user_id = ? AND used = false", claims.UserID).
		Count(&count).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to count prekeys",
		})
	}
	return c.JSON(fiber.Map{
		"remaining": count,
	})
}
