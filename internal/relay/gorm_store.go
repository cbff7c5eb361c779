package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"peerstudy-backend/internal/model"
)

// GormStore persists relay events in Postgres. Chat and presence events live in
// session_messages, whiteboard operations in whiteboard_ops; both draw seq from
// the session's publish counter under the session row lock.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Append assigns the next seq inside a transaction holding the session row
// lock, which linearizes publishes per session without any relay-side lock.
func (s *GormStore) Append(ctx context.Context, ev *Event) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session model.StudySession
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&session, ev.SessionID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.ErrSessionClosed
		}
		if err != nil {
			return fmt.Errorf("%w: %w", model.ErrTransient, err)
		}
		if session.Status == model.SessionStatusClosed {
			return model.ErrSessionClosed
		}

		var active int64
		if err := tx.Model(&model.SessionParticipant{}).
			Where("session_id = ? AND user_id = ? AND left_at IS NULL", ev.SessionID, ev.SenderID).
			Count(&active).Error; err != nil {
			return fmt.Errorf("%w: %w", model.ErrTransient, err)
		}
		if active == 0 {
			return model.ErrNotAParticipant
		}

		seq := session.LastSeq + 1
		now := time.Now()
		updates := map[string]any{
			"last_seq":         seq,
			"last_activity_at": now,
		}
		if session.PublishActivates() {
			updates["status"] = model.SessionStatusActive
		}
		if err := tx.Model(&session).Updates(updates).Error; err != nil {
			return fmt.Errorf("%w: %w", model.ErrTransient, err)
		}

		ev.Seq = seq
		ev.CreatedAt = now

		if ev.Kind == model.MessageKindWhiteboardOp {
			// The op row carries no code column; both the live event and the
			// replay path derive the same identifier from (session, seq).
			ev.Code = WhiteboardCode(ev.SessionID, seq)
			op := model.WhiteboardOp{
				SessionID: ev.SessionID,
				UserID:    ev.SenderID,
				Kind:      ev.OpKind,
				OpData:    string(ev.OpData),
				Seq:       seq,
			}
			if err := tx.Create(&op).Error; err != nil {
				return fmt.Errorf("%w: %w", model.ErrTransient, err)
			}
			return nil
		}

		if ev.Code == "" {
			ev.Code = uuid.New().String()
		}
		msg := model.SessionMessage{
			Code:      ev.Code,
			SessionID: ev.SessionID,
			SenderID:  ev.SenderID,
			Kind:      ev.Kind,
			Seq:       seq,
		}
		for _, rcpt := range ev.Recipients {
			msg.Recipients = append(msg.Recipients, model.MessageRecipient{
				RecipientID: rcpt.RecipientID,
				Ciphertext:  rcpt.Ciphertext,
			})
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("%w: %w", model.ErrTransient, err)
		}
		return nil
	})
}

// Since merges messages and whiteboard operations newer than sinceSeq into one
// seq-ordered stream.
func (s *GormStore) Since(ctx context.Context, sessionID, sinceSeq int64) ([]Event, error) {
	var messages []model.SessionMessage
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND seq > ?", sessionID, sinceSeq).
		Preload("Recipients").
		Order("seq ASC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrTransient, err)
	}

	var ops []model.WhiteboardOp
	err = s.db.WithContext(ctx).
		Where("session_id = ? AND seq > ?", sessionID, sinceSeq).
		Order("seq ASC").
		Find(&ops).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrTransient, err)
	}

	events := make([]Event, 0, len(messages)+len(ops))
	for _, m := range messages {
		ev := Event{
			Seq:       m.Seq,
			SessionID: m.SessionID,
			Code:      m.Code,
			SenderID:  m.SenderID,
			Kind:      m.Kind,
			CreatedAt: m.CreatedAt,
		}
		for _, rcpt := range m.Recipients {
			ev.Recipients = append(ev.Recipients, Recipient{
				RecipientID: rcpt.RecipientID,
				Ciphertext:  rcpt.Ciphertext,
			})
		}
		events = append(events, ev)
	}
	for _, op := range ops {
		events = append(events, Event{
			Seq:       op.Seq,
			SessionID: op.SessionID,
			Code:      WhiteboardCode(op.SessionID, op.Seq),
			SenderID:  op.UserID,
			Kind:      model.MessageKindWhiteboardOp,
			OpKind:    op.Kind,
			OpData:    json.RawMessage(op.OpData),
			CreatedAt: op.CreatedAt,
		})
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}

// LastClearSeq returns the latest whiteboard CLEAR seq for the session.
func (s *GormStore) LastClearSeq(ctx context.Context, sessionID int64) (int64, error) {
	var seq *int64
	err := s.db.WithContext(ctx).Model(&model.WhiteboardOp{}).
		Where("session_id = ? AND kind = ?", sessionID, model.OpClear).
		Select("MAX(seq)").
		Scan(&seq).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %w", model.ErrTransient, err)
	}
	if seq == nil {
		return 0, nil
	}
	return *seq, nil
}
