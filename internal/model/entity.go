package model

import (
	"time"
)

// User 사용자
type User struct {
	ID         int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	Email      string  `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Nickname   string  `gorm:"type:varchar(100);not null" json:"nickname"`
	ProfileImg *string `gorm:"type:text" json:"profile_img,omitempty"`
	Provider   *string `gorm:"type:varchar(50)" json:"provider,omitempty"`
	ProviderID *string `gorm:"type:varchar(255)" json:"provider_id,omitempty"`

	// Cohort used by the session constraint predicate. Nil until onboarding picks a school.
	SchoolID   *int64    `json:"school_id,omitempty"`
	ClassLevel *int      `json:"class_level,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`

	// Relations
	School       *School              `gorm:"foreignKey:SchoolID" json:"school,omitempty"`
	Participants []SessionParticipant `gorm:"foreignKey:UserID" json:"participants,omitempty"`
}

func (User) TableName() string {
	return "users"
}

// School 학교
type School struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"type:varchar(200);not null" json:"name"`
	Region    *string   `gorm:"type:varchar(100)" json:"region,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (School) TableName() string {
	return "schools"
}

// StudySession 피어 스터디룸
type StudySession struct {
	ID                int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	Code              string        `gorm:"type:varchar(100);uniqueIndex;not null" json:"code"`
	Name              *string       `gorm:"type:varchar(200)" json:"name,omitempty"`
	Topic             string        `gorm:"type:varchar(200);not null" json:"topic"`
	Subject           string        `gorm:"type:varchar(100);not null" json:"subject"`
	SchoolID          int64         `gorm:"not null;index:idx_sessions_cohort" json:"school_id"`
	ClassLevel        int           `gorm:"not null;index:idx_sessions_cohort" json:"class_level"`
	MaxParticipants   int           `gorm:"not null" json:"max_participants"`
	VoiceEnabled      bool          `gorm:"default:true" json:"voice_enabled"`
	WhiteboardEnabled bool          `gorm:"default:true" json:"whiteboard_enabled"`
	Status            SessionStatus `gorm:"type:varchar(20);default:'WAITING'" json:"status"`
	HostID            int64         `gorm:"not null" json:"host_id"`

	// LastSeq is the per-session publish counter. It is only advanced while
	// holding the session row lock, which makes event ordering total per session.
	LastSeq        int64      `gorm:"default:0" json:"last_seq"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	LastActivityAt time.Time  `gorm:"autoCreateTime" json:"last_activity_at"`

	// Relations
	Host         User                 `gorm:"foreignKey:HostID" json:"host,omitempty"`
	School       School               `gorm:"foreignKey:SchoolID" json:"school,omitempty"`
	Participants []SessionParticipant `gorm:"foreignKey:SessionID" json:"participants,omitempty"`
	Messages     []SessionMessage     `gorm:"foreignKey:SessionID" json:"messages,omitempty"`
}

func (StudySession) TableName() string {
	return "study_sessions"
}

// SessionParticipant 스터디룸 참가자
type SessionParticipant struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID int64           `gorm:"not null;index:idx_participants_session" json:"session_id"`
	UserID    int64           `gorm:"not null;index:idx_participants_session" json:"user_id"`
	Role      ParticipantRole `gorm:"type:varchar(20);not null" json:"role"`
	JoinedAt  time.Time       `gorm:"autoCreateTime" json:"joined_at"`
	LeftAt    *time.Time      `json:"left_at,omitempty"` // nil while the participant is active

	// Relations
	Session StudySession `gorm:"foreignKey:SessionID" json:"session,omitempty"`
	User    User         `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

func (SessionParticipant) TableName() string {
	return "session_participants"
}

// SessionMessage 세션 메시지 (append-only, 불변)
type SessionMessage struct {
	ID        int64       `gorm:"primaryKey;autoIncrement" json:"id"`
	Code      string      `gorm:"type:varchar(100);uniqueIndex;not null" json:"code"` // consumer dedupe key
	SessionID int64       `gorm:"not null;index:idx_messages_session_seq" json:"session_id"`
	SenderID  int64       `gorm:"not null" json:"sender_id"`
	Kind      MessageKind `gorm:"type:varchar(30);not null" json:"kind"`
	Seq       int64       `gorm:"not null;index:idx_messages_session_seq" json:"seq"`
	CreatedAt time.Time   `gorm:"autoCreateTime" json:"created_at"`

	// Relations
	Session    StudySession       `gorm:"foreignKey:SessionID" json:"session,omitempty"`
	Sender     User               `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	Recipients []MessageRecipient `gorm:"foreignKey:MessageID" json:"recipients,omitempty"`
}

func (SessionMessage) TableName() string {
	return "session_messages"
}

// MessageRecipient 수신자별 암호문. 송신 클라이언트가 수신자마다 따로 봉인한다.
type MessageRecipient struct {
	ID          int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageID   int64  `gorm:"not null;index" json:"message_id"`
	RecipientID int64  `gorm:"not null;index" json:"recipient_id"`
	Ciphertext  string `gorm:"type:text;not null" json:"ciphertext"`

	// Relations
	Message SessionMessage `gorm:"foreignKey:MessageID" json:"message,omitempty"`
}

func (MessageRecipient) TableName() string {
	return "message_recipients"
}

// WhiteboardOp 화이트보드 연산 로그
type WhiteboardOp struct {
	ID        int64            `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID int64            `gorm:"not null;index:idx_wb_ops_session_seq" json:"session_id"`
	UserID    int64            `gorm:"not null" json:"user_id"`
	Kind      WhiteboardOpKind `gorm:"type:varchar(20);not null" json:"kind"`
	OpData    string           `gorm:"type:jsonb;not null" json:"op_data"`

	// Seq shares the session publish counter with messages, so operations from
	// concurrent authors fold in the same order on every consumer.
	Seq       int64     `gorm:"not null;index:idx_wb_ops_session_seq" json:"seq"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`

	// Relations
	Session StudySession `gorm:"foreignKey:SessionID" json:"session,omitempty"`
	User    User         `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

func (WhiteboardOp) TableName() string {
	return "whiteboard_ops"
}

// EncryptionKeyBundle 사용자 공개키 묶음 (E2E 세션 수립용)
type EncryptionKeyBundle struct {
	UserID                int64     `gorm:"primaryKey" json:"user_id"`
	IdentityPublicKey     string    `gorm:"type:text;not null" json:"identity_public_key"`
	SignedPrekeyPublic    string    `gorm:"type:text;not null" json:"signed_prekey_public"`
	SignedPrekeySignature string    `gorm:"type:text;not null" json:"signed_prekey_signature"`
	SignedPrekeyID        int       `gorm:"not null" json:"signed_prekey_id"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (EncryptionKeyBundle) TableName() string {
	return "encryption_key_bundles"
}

// OneTimePrekey 일회용 프리키. 번들 조회 시 하나씩 소비된다.
type OneTimePrekey struct {
	ID           int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       int64  `gorm:"not null;uniqueIndex:idx_otp_user_prekey" json:"user_id"`
	PrekeyID     int    `gorm:"not null;uniqueIndex:idx_otp_user_prekey" json:"prekey_id"`
	PrekeyPublic string `gorm:"type:text;not null" json:"prekey_public"`
	Used         bool   `gorm:"default:false;index" json:"used"`
}

func (OneTimePrekey) TableName() string {
	return "one_time_prekeys"
}

// PeerAvailability 피어 찾기 가용 상태
type PeerAvailability struct {
	UserID            int64     `gorm:"primaryKey" json:"user_id"`
	IsAvailable       bool      `gorm:"default:false" json:"is_available"`
	StatusMessage     *string   `gorm:"type:varchar(200)" json:"status_message,omitempty"`
	StrongTopics      string    `gorm:"type:jsonb;default:'[]'" json:"strong_topics"`
	SeekingHelpTopics string    `gorm:"type:jsonb;default:'[]'" json:"seeking_help_topics"`
	SchoolID          int64     `gorm:"not null;index" json:"school_id"`
	ClassLevel        int       `gorm:"not null" json:"class_level"`
	LastSeenAt        time.Time `gorm:"autoUpdateTime" json:"last_seen_at"`

	// Relations
	User User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

func (PeerAvailability) TableName() string {
	return "peer_availability"
}

// UserBlock 차단 관계
type UserBlock struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	BlockerID int64     `gorm:"not null;uniqueIndex:idx_blocks_pair" json:"blocker_id"`
	BlockedID int64     `gorm:"not null;uniqueIndex:idx_blocks_pair" json:"blocked_id"`
	Reason    *string   `gorm:"type:varchar(200)" json:"reason,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (UserBlock) TableName() string {
	return "user_blocks"
}

// UserReport 신고
type UserReport struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ReporterID  int64     `gorm:"not null" json:"reporter_id"`
	ReportedID  int64     `gorm:"not null" json:"reported_id"`
	SessionID   *int64    `json:"session_id,omitempty"`
	Reason      string    `gorm:"type:varchar(100);not null" json:"reason"`
	Description *string   `gorm:"type:text" json:"description,omitempty"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (UserReport) TableName() string {
	return "user_reports"
}
