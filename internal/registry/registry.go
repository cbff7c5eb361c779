package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"peerstudy-backend/internal/model"
)

// StaleSessionTTL closes sessions with no publish or membership activity. A
// study room abandoned without an explicit leave eventually sweeps to CLOSED.
const StaleSessionTTL = 4 * time.Hour

// Registry owns study session lifecycle and membership. Joins and leaves are
// linearized per session by locking the session row; reads run against plain
// snapshots.
type Registry struct {
	db *gorm.DB

	// OnClose, when set, is invoked after a session reaches CLOSED so the
	// relay can tear down the session's hub.
	OnClose func(sessionID int64)
}

// New creates a Registry.
func New(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// ListFilter narrows List results.
type ListFilter struct {
	Topic   string // substring match
	Subject string // exact match
	Limit   int
}

// Create validates the parameters, creates the session in WAITING state and
// registers the host as its first participant.
func (r *Registry) Create(ctx context.Context, hostID int64, params model.CreateParams) (*model.StudySession, error) {
	var host model.User
	if err := r.db.WithContext(ctx).First(&host, hostID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrInvalidConfig
		}
		return nil, fmt.Errorf("%w: %w", model.ErrTransient, err)
	}

	if err := model.ValidateCreate(params, &host); err != nil {
		return nil, err
	}

	session := &model.StudySession{
		Code:              uuid.New().String(),
		Name:              params.Name,
		Topic:             params.Topic,
		Subject:           params.Subject,
		SchoolID:          *host.SchoolID,
		ClassLevel:        *host.ClassLevel,
		MaxParticipants:   params.MaxParticipants,
		VoiceEnabled:      params.VoiceEnabled,
		WhiteboardEnabled: params.WhiteboardEnabled,
		Status:            model.SessionStatusWaiting,
		HostID:            hostID,
		LastActivityAt:    time.Now(),
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(session).Error; err != nil {
			return err
		}
		participant := &model.SessionParticipant{
			SessionID: session.ID,
			UserID:    hostID,
			Role:      model.RoleHost,
		}
		return tx.Create(participant).Error
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrTransient, err)
	}

	log.Printf("[Registry] Created session %d (%s) by user %d", session.ID, session.Topic, hostID)
	return session, nil
}

// List returns joinable sessions in the caller's cohort, newest first. The
// cohort constraint is applied implicitly: users never see rooms they could
// not join.
func (r *Registry) List(ctx context.Context, callerID int64, filter ListFilter) ([]model.StudySession, error) {
	var caller model.User
	if err := r.db.WithContext(ctx).First(&caller, callerID).Error; err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrTransient, err)
	}
	if caller.SchoolID == nil || caller.ClassLevel == nil {
		return []model.StudySession{}, nil
	}

	limit := filter.Limit
	if limit <= 0 || limit > 50 {
		limit = 20
	}

	q := r.db.WithContext(ctx).
		Where("school_id = ? AND class_level = ?", *caller.SchoolID, *caller.ClassLevel).
		Where("status IN ?", []model.SessionStatus{model.SessionStatusWaiting, model.SessionStatusActive})
	if filter.Topic != "" {
		q = q.Where("topic ILIKE ?", "%"+filter.Topic+"%")
	}
	if filter.Subject != "" {
		q = q.Where("subject = ?", filter.Subject)
	}

	var sessions []model.StudySession
	err := q.Preload("Participants", "left_at IS NULL").
		Order("created_at DESC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrTransient, err)
	}
	return sessions, nil
}

// Get returns a session by id.
func (r *Registry) Get(ctx context.Context, sessionID int64) (*model.StudySession, error) {
	var session model.StudySession
	err := r.db.WithContext(ctx).
		Preload("Participants", "left_at IS NULL").
		First(&session, sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrSessionClosed
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrTransient, err)
	}
	return &session, nil
}

// GetByCode returns a session by its join code.
func (r *Registry) GetByCode(ctx context.Context, code string) (*model.StudySession, error) {
	var session model.StudySession
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrSessionClosed
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrTransient, err)
	}
	return &session, nil
}

// Join adds the user to the session. Validation runs under the session row
// lock so the participant cap holds under concurrent joins. Re-joining while
// already active is idempotent and returns the existing record.
func (r *Registry) Join(ctx context.Context, sessionID, userID int64) (*model.SessionParticipant, error) {
	var participant *model.SessionParticipant

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session model.StudySession
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&session, sessionID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.ErrSessionClosed
		}
		if err != nil {
			return fmt.Errorf("%w: %w", model.ErrTransient, err)
		}

		// Idempotent rejoin.
		var existing model.SessionParticipant
		err = tx.Where("session_id = ? AND user_id = ? AND left_at IS NULL", sessionID, userID).
			First(&existing).Error
		if err == nil {
			participant = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %w", model.ErrTransient, err)
		}

		var user model.User
		if err := tx.First(&user, userID).Error; err != nil {
			return fmt.Errorf("%w: %w", model.ErrTransient, err)
		}

		var activeCount int64
		if err := tx.Model(&model.SessionParticipant{}).
			Where("session_id = ? AND left_at IS NULL", sessionID).
			Count(&activeCount).Error; err != nil {
			return fmt.Errorf("%w: %w", model.ErrTransient, err)
		}

		if err := session.CanJoin(&user, int(activeCount)); err != nil {
			return err
		}
		if err := r.blockedAgainstParticipants(tx, sessionID, userID); err != nil {
			return err
		}

		participant = &model.SessionParticipant{
			SessionID: sessionID,
			UserID:    userID,
			Role:      model.RoleMember,
		}
		if err := tx.Create(participant).Error; err != nil {
			return fmt.Errorf("%w: %w", model.ErrTransient, err)
		}

		updates := map[string]any{"last_activity_at": time.Now()}
		if session.Status == model.SessionStatusWaiting {
			now := time.Now()
			updates["status"] = model.SessionStatusActive
			updates["started_at"] = &now
		}
		if err := tx.Model(&session).Updates(updates).Error; err != nil {
			return fmt.Errorf("%w: %w", model.ErrTransient, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[Registry] User %d joined session %d", userID, sessionID)
	return participant, nil
}

// blockedAgainstParticipants rejects a join when a block exists in either
// direction between the joiner and any active participant.
func (r *Registry) blockedAgainstParticipants(tx *gorm.DB, sessionID, userID int64) error {
	sub := tx.Model(&model.SessionParticipant{}).
		Select("user_id").
		Where("session_id = ? AND left_at IS NULL", sessionID)

	var blocks int64
	err := tx.Model(&model.UserBlock{}).
		Where("(blocker_id = ? AND blocked_id IN (?)) OR (blocked_id = ? AND blocker_id IN (?))",
			userID, sub, userID, sub).
		Count(&blocks).Error
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrTransient, err)
	}
	if blocks > 0 {
		return model.ErrConstraintViolation
	}
	return nil
}

// Leave marks the user's participant record as left. The last participant out
// closes the session.
func (r *Registry) Leave(ctx context.Context, sessionID, userID int64) error {
	var becameEmpty bool

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session model.StudySession
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&session, sessionID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil // nothing to leave
		}
		if err != nil {
			return fmt.Errorf("%w: %w", model.ErrTransient, err)
		}

		now := time.Now()
		res := tx.Model(&model.SessionParticipant{}).
			Where("session_id = ? AND user_id = ? AND left_at IS NULL", sessionID, userID).
			Update("left_at", now)
		if res.Error != nil {
			return fmt.Errorf("%w: %w", model.ErrTransient, res.Error)
		}
		if res.RowsAffected == 0 {
			return model.ErrNotAParticipant
		}

		var remaining int64
		if err := tx.Model(&model.SessionParticipant{}).
			Where("session_id = ? AND left_at IS NULL", sessionID).
			Count(&remaining).Error; err != nil {
			return fmt.Errorf("%w: %w", model.ErrTransient, err)
		}

		if remaining == 0 && session.Status != model.SessionStatusClosed {
			becameEmpty = true
			return tx.Model(&session).Updates(map[string]any{
				"status":    model.SessionStatusClosed,
				"closed_at": &now,
			}).Error
		}
		return tx.Model(&session).Update("last_activity_at", now).Error
	})
	if err != nil {
		return err
	}

	log.Printf("[Registry] User %d left session %d", userID, sessionID)
	if becameEmpty && r.OnClose != nil {
		r.OnClose(sessionID)
	}
	return nil
}

// Close transitions the session to CLOSED. Idempotent: closing an already
// closed session is a silent no-op.
func (r *Registry) Close(ctx context.Context, sessionID int64) error {
	var closed bool

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session model.StudySession
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&session, sessionID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", model.ErrTransient, err)
		}
		if !session.ApplyClose(time.Now()) {
			return nil
		}
		closed = true
		return tx.Model(&session).Updates(map[string]any{
			"status":    session.Status,
			"closed_at": session.ClosedAt,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrTransient, err)
	}

	if closed {
		log.Printf("[Registry] Closed session %d", sessionID)
		if r.OnClose != nil {
			r.OnClose(sessionID)
		}
	}
	return nil
}

// ActiveParticipants returns the session's current members.
func (r *Registry) ActiveParticipants(ctx context.Context, sessionID int64) ([]model.SessionParticipant, error) {
	var participants []model.SessionParticipant
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND left_at IS NULL", sessionID).
		Preload("User").
		Order("joined_at ASC").
		Find(&participants).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrTransient, err)
	}
	return participants, nil
}

// IsActiveParticipant reports whether the user currently belongs to the session.
func (r *Registry) IsActiveParticipant(ctx context.Context, sessionID, userID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.SessionParticipant{}).
		Where("session_id = ? AND user_id = ? AND left_at IS NULL", sessionID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("%w: %w", model.ErrTransient, err)
	}
	return count > 0, nil
}

// CloseStale sweeps sessions whose last activity is older than ttl. Returns
// the number of sessions closed.
func (r *Registry) CloseStale(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)

	var stale []model.StudySession
	err := r.db.WithContext(ctx).
		Where("status IN ? AND last_activity_at < ?",
			[]model.SessionStatus{model.SessionStatusWaiting, model.SessionStatusActive}, cutoff).
		Find(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %w", model.ErrTransient, err)
	}

	closed := 0
	for _, session := range stale {
		if err := r.Close(ctx, session.ID); err != nil {
			log.Printf("[Registry] Failed to close stale session %d: %v", session.ID, err)
			continue
		}
		closed++
	}
	if closed > 0 {
		log.Printf("[Registry] Closed %d stale sessions (ttl %s)", closed, ttl)
	}
	return closed, nil
}
