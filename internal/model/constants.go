package model

// SessionStatus 스터디룸 상태
type SessionStatus string

const (
	SessionStatusWaiting SessionStatus = "WAITING"
	SessionStatusActive  SessionStatus = "ACTIVE"
	SessionStatusClosed  SessionStatus = "CLOSED"
)

func (s SessionStatus) String() string {
	return string(s)
}

// CanTransitionTo reports whether the status may move to next.
// Transitions are monotonic: WAITING -> ACTIVE -> CLOSED, no way out of CLOSED.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case SessionStatusWaiting:
		return next == SessionStatusActive || next == SessionStatusClosed
	case SessionStatusActive:
		return next == SessionStatusClosed
	default:
		return false
	}
}

// ParticipantRole 참가자 역할
type ParticipantRole string

const (
	RoleHost   ParticipantRole = "HOST"
	RoleMember ParticipantRole = "MEMBER"
)

func (r ParticipantRole) String() string {
	return string(r)
}

// MessageKind 메시지 종류
type MessageKind string

const (
	MessageKindChat         MessageKind = "CHAT"
	MessageKindWhiteboardOp MessageKind = "WHITEBOARD_OP"
	MessageKindPresenceSync MessageKind = "PRESENCE_SYNC"
)

func (k MessageKind) String() string {
	return string(k)
}

// Valid reports whether the kind is one the relay accepts.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindChat, MessageKindWhiteboardOp, MessageKindPresenceSync:
		return true
	}
	return false
}

// WhiteboardOpKind 화이트보드 연산 종류
type WhiteboardOpKind string

const (
	OpStroke WhiteboardOpKind = "STROKE"
	OpText   WhiteboardOpKind = "TEXT"
	OpErase  WhiteboardOpKind = "ERASE"
	OpClear  WhiteboardOpKind = "CLEAR"
)

func (k WhiteboardOpKind) String() string {
	return string(k)
}

func (k WhiteboardOpKind) Valid() bool {
	switch k {
	case OpStroke, OpText, OpErase, OpClear:
		return true
	}
	return false
}

// Participant count bounds for a study session.
const (
	MinSessionParticipants = 2
	MaxSessionParticipants = 4
)
