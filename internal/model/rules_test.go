package model

import (
	"errors"
	"testing"
	"time"
)

func cohortUser(schoolID int64, classLevel int) *User {
	return &User{ID: 1, SchoolID: &schoolID, ClassLevel: &classLevel}
}

func waitingSession(max int) *StudySession {
	return &StudySession{
		ID:              7,
		SchoolID:        100,
		ClassLevel:      9,
		MaxParticipants: max,
		Status:          SessionStatusWaiting,
	}
}

func TestValidateCreate_RejectsBadParticipantBounds(t *testing.T) {
	host := cohortUser(100, 9)

	for _, max := range []int{0, 1, 5, 10} {
		err := ValidateCreate(CreateParams{Topic: "algebra", Subject: "math", MaxParticipants: max}, host)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("max=%d: expected ErrInvalidConfig, got %v", max, err)
		}
	}

	err := ValidateCreate(CreateParams{Topic: "algebra", Subject: "math", MaxParticipants: 4}, host)
	if err != nil {
		t.Errorf("max=4 should be accepted, got %v", err)
	}
}

func TestValidateCreate_RequiresEvaluableConstraint(t *testing.T) {
	// A host without school/class cannot have the cohort predicate evaluated.
	err := ValidateCreate(CreateParams{Topic: "algebra", Subject: "math", MaxParticipants: 2}, &User{ID: 1})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for host without cohort, got %v", err)
	}
}

func TestCanJoin_FullSession(t *testing.T) {
	s := waitingSession(2)

	if err := s.CanJoin(cohortUser(100, 9), 1); err != nil {
		t.Fatalf("second join should succeed, got %v", err)
	}
	if err := s.CanJoin(cohortUser(100, 9), 2); !errors.Is(err, ErrSessionFull) {
		t.Errorf("third join must fail with ErrSessionFull, got %v", err)
	}
}

func TestCanJoin_ClosedSession(t *testing.T) {
	s := waitingSession(4)
	s.Status = SessionStatusClosed

	if err := s.CanJoin(cohortUser(100, 9), 0); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestCanJoin_CohortMismatch(t *testing.T) {
	s := waitingSession(4)

	if err := s.CanJoin(cohortUser(200, 9), 0); !errors.Is(err, ErrConstraintViolation) {
		t.Errorf("different school: expected ErrConstraintViolation, got %v", err)
	}
	if err := s.CanJoin(cohortUser(100, 8), 0); !errors.Is(err, ErrConstraintViolation) {
		t.Errorf("different class: expected ErrConstraintViolation, got %v", err)
	}
	if err := s.CanJoin(&User{ID: 2}, 0); !errors.Is(err, ErrConstraintViolation) {
		t.Errorf("no cohort: expected ErrConstraintViolation, got %v", err)
	}
}

func TestStatusTransitions_AreMonotonic(t *testing.T) {
	cases := []struct {
		from, to SessionStatus
		want     bool
	}{
		{SessionStatusWaiting, SessionStatusActive, true},
		{SessionStatusWaiting, SessionStatusClosed, true},
		{SessionStatusActive, SessionStatusClosed, true},
		{SessionStatusActive, SessionStatusWaiting, false},
		{SessionStatusClosed, SessionStatusWaiting, false},
		{SessionStatusClosed, SessionStatusActive, false},
		{SessionStatusClosed, SessionStatusClosed, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.want {
			t.Errorf("%s -> %s: expected %v, got %v", c.from, c.to, c.want, got)
		}
	}
}

func TestValidationErrorsAreNotTransient(t *testing.T) {
	for _, err := range []error{ErrInvalidConfig, ErrSessionFull, ErrSessionClosed, ErrConstraintViolation, ErrNotAParticipant} {
		if !IsValidation(err) {
			t.Errorf("%v should be a validation error", err)
		}
		if IsTransient(err) {
			t.Errorf("%v must not be retryable", err)
		}
	}
	if !IsTransient(ErrTransient) {
		t.Error("ErrTransient should be retryable")
	}
}

func TestApplyClose_SecondCloseIsANoOp(t *testing.T) {
	s := waitingSession(2)
	first := time.Now()

	if !s.ApplyClose(first) {
		t.Fatal("first close should perform the transition")
	}
	if s.Status != SessionStatusClosed || s.ClosedAt == nil || !s.ClosedAt.Equal(first) {
		t.Fatalf("after first close: status=%s closed_at=%v", s.Status, s.ClosedAt)
	}

	if s.ApplyClose(first.Add(time.Hour)) {
		t.Error("second close must not report a transition")
	}
	if !s.ClosedAt.Equal(first) {
		t.Errorf("second close moved closed_at to %v", s.ClosedAt)
	}
}

func TestPublishActivates_OnlyFromWaiting(t *testing.T) {
	cases := []struct {
		status SessionStatus
		want   bool
	}{
		{SessionStatusWaiting, true},
		{SessionStatusActive, false},
		{SessionStatusClosed, false},
	}
	for _, c := range cases {
		s := waitingSession(2)
		s.Status = c.status
		if got := s.PublishActivates(); got != c.want {
			t.Errorf("%s: expected %v, got %v", c.status, c.want, got)
		}
	}
}
