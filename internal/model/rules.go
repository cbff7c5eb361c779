package model

import "time"

// CreateParams 세션 생성 파라미터
type CreateParams struct {
	Name              *string
	Topic             string
	Subject           string
	MaxParticipants   int
	VoiceEnabled      bool
	WhiteboardEnabled bool
}

// ValidateCreate checks session parameters and the host's ability to satisfy
// the cohort constraint. Returns ErrInvalidConfig on any violation.
func ValidateCreate(p CreateParams, host *User) error {
	if p.Topic == "" || p.Subject == "" {
		return ErrInvalidConfig
	}
	if p.MaxParticipants < MinSessionParticipants || p.MaxParticipants > MaxSessionParticipants {
		return ErrInvalidConfig
	}
	// The constraint predicate (same school + class) cannot be evaluated for a
	// host that has not picked a school yet.
	if host == nil || host.SchoolID == nil || host.ClassLevel == nil {
		return ErrInvalidConfig
	}
	return nil
}

// SatisfiesConstraint reports whether the user belongs to the session's cohort.
func (s *StudySession) SatisfiesConstraint(u *User) bool {
	if u == nil || u.SchoolID == nil || u.ClassLevel == nil {
		return false
	}
	return *u.SchoolID == s.SchoolID && *u.ClassLevel == s.ClassLevel
}

// Joinable reports whether the session accepts new members in its current state.
func (s *StudySession) Joinable() bool {
	return s.Status == SessionStatusWaiting || s.Status == SessionStatusActive
}

// ApplyClose moves the session to CLOSED and stamps closed_at. Closing twice
// has the same observable effect as closing once: the second call reports
// false and leaves status and closed_at untouched.
func (s *StudySession) ApplyClose(now time.Time) bool {
	if s.Status == SessionStatusClosed {
		return false
	}
	s.Status = SessionStatusClosed
	s.ClosedAt = &now
	return true
}

// PublishActivates reports whether a successful publish moves the session out
// of WAITING. The first message is an activation signal, same as a member
// joining the host.
func (s *StudySession) PublishActivates() bool {
	return s.Status == SessionStatusWaiting
}

// CanJoin validates a join attempt against the session invariants.
// activeCount is the number of participants with left_at IS NULL, read under the
// same lock the caller uses to linearize joins.
func (s *StudySession) CanJoin(u *User, activeCount int) error {
	if !s.Joinable() {
		return ErrSessionClosed
	}
	if !s.SatisfiesConstraint(u) {
		return ErrConstraintViolation
	}
	if activeCount >= s.MaxParticipants {
		return ErrSessionFull
	}
	return nil
}
