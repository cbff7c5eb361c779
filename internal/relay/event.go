package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"peerstudy-backend/internal/model"
)

// Recipient carries one recipient's ciphertext for a chat message. The sending
// client seals the payload separately for every participant; the relay never
// sees plaintext.
type Recipient struct {
	RecipientID int64  `json:"recipient_id"`
	Ciphertext  string `json:"ciphertext"`
}

// Event is the unit the relay persists and fans out. Seq is assigned at publish
// time under the session row lock, so events within one session carry a total
// order regardless of concurrent publishers.
type Event struct {
	Seq       int64             `json:"seq"`
	SessionID int64             `json:"session_id"`
	Code      string            `json:"code"` // stable id, consumer dedupe key
	SenderID  int64             `json:"sender_id"`
	Kind      model.MessageKind `json:"kind"`
	CreatedAt time.Time         `json:"created_at"`

	// CHAT: all recipients' ciphertexts on the publish side; delivery keeps
	// only the subscriber's own entry.
	Recipients []Recipient `json:"recipients,omitempty"`
	Ciphertext string      `json:"ciphertext,omitempty"`

	// WHITEBOARD_OP
	OpKind model.WhiteboardOpKind `json:"op_kind,omitempty"`
	OpData json.RawMessage        `json:"op_data,omitempty"`

	// PRESENCE_SYNC: opaque client blob
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WhiteboardCode derives the dedupe identifier for a whiteboard operation.
// Ops carry no client-assigned code, so the identifier comes from
// (session, seq) and is identical on live delivery and on replay.
func WhiteboardCode(sessionID, seq int64) string {
	return fmt.Sprintf("wb-%d-%d", sessionID, seq)
}

// Store is the durable event log the relay fronts. The relay's hubs are a cache
// over this store; nothing relay-side is authoritative and a restart rebuilds
// from here.
type Store interface {
	// Append assigns the session's next seq to ev, persists it, and fills
	// ev.Seq and ev.CreatedAt. Returns model.ErrSessionClosed when the session
	// no longer accepts publishes and model.ErrNotAParticipant when the sender
	// has no active participant record.
	Append(ctx context.Context, ev *Event) error

	// Since returns stored events with seq > sinceSeq in ascending seq order.
	Since(ctx context.Context, sessionID, sinceSeq int64) ([]Event, error)

	// LastClearSeq returns the seq of the session's latest whiteboard CLEAR
	// operation, or 0 when there is none.
	LastClearSeq(ctx context.Context, sessionID int64) (int64, error)
}
