package handler

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/gofiber/fiber/v2"

	"peerstudy-backend/internal/model"
)

func TestBuildEventChat(t *testing.T) {
	req := &SendMessageRequest{
		Kind: "CHAT",
		Recipients: []RecipientPayload{
			{RecipientID: 2, Ciphertext: "c2"},
			{RecipientID: 3, Ciphertext: "c3"},
		},
	}

	ev, err := buildEvent(10, 1, req)
	if err != nil {
		t.Fatalf("buildEvent: %v", err)
	}
	if ev.SessionID != 10 || ev.SenderID != 1 {
		t.Errorf("got session=%d sender=%d", ev.SessionID, ev.SenderID)
	}
	if ev.Kind != model.MessageKindChat {
		t.Errorf("got kind %s", ev.Kind)
	}
	if len(ev.Recipients) != 2 {
		t.Fatalf("got %d recipients", len(ev.Recipients))
	}
}

func TestBuildEventChatRequiresRecipients(t *testing.T) {
	_, err := buildEvent(10, 1, &SendMessageRequest{Kind: "CHAT"})
	if !errors.Is(err, model.ErrInvalidConfig) {
		t.Fatalf("got %v, want ErrInvalidConfig", err)
	}

	_, err = buildEvent(10, 1, &SendMessageRequest{
		Kind:       "CHAT",
		Recipients: []RecipientPayload{{RecipientID: 2, Ciphertext: ""}},
	})
	if !errors.Is(err, model.ErrInvalidConfig) {
		t.Fatalf("empty ciphertext: got %v, want ErrInvalidConfig", err)
	}
}

func TestBuildEventUnknownKind(t *testing.T) {
	_, err := buildEvent(10, 1, &SendMessageRequest{Kind: "VOICE"})
	if !errors.Is(err, model.ErrInvalidConfig) {
		t.Fatalf("got %v, want ErrInvalidConfig", err)
	}
}

func TestBuildEventWhiteboardOp(t *testing.T) {
	req := &SendMessageRequest{
		Kind:   "WHITEBOARD_OP",
		OpKind: "STROKE",
		OpData: json.RawMessage(`{"points":[[0,0],[1,1]]}`),
	}
	ev, err := buildEvent(10, 1, req)
	if err != nil {
		t.Fatalf("buildEvent: %v", err)
	}
	if ev.OpKind != model.OpStroke {
		t.Errorf("got op kind %s", ev.OpKind)
	}

	// CLEAR carries no payload
	if _, err := buildEvent(10, 1, &SendMessageRequest{Kind: "WHITEBOARD_OP", OpKind: "CLEAR"}); err != nil {
		t.Errorf("clear without data: %v", err)
	}

	// other ops need one
	_, err = buildEvent(10, 1, &SendMessageRequest{Kind: "WHITEBOARD_OP", OpKind: "STROKE"})
	if !errors.Is(err, model.ErrInvalidConfig) {
		t.Errorf("stroke without data: got %v, want ErrInvalidConfig", err)
	}

	_, err = buildEvent(10, 1, &SendMessageRequest{Kind: "WHITEBOARD_OP", OpKind: "SCRIBBLE", OpData: json.RawMessage(`{}`)})
	if !errors.Is(err, model.ErrInvalidConfig) {
		t.Errorf("bad op kind: got %v, want ErrInvalidConfig", err)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{model.ErrInvalidConfig, fiber.StatusBadRequest},
		{model.ErrSessionFull, fiber.StatusForbidden},
		{model.ErrConstraintViolation, fiber.StatusForbidden},
		{model.ErrNotAParticipant, fiber.StatusForbidden},
		{model.ErrSessionClosed, fiber.StatusGone},
		{model.ErrTransient, fiber.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := errorStatus(tc.err); got != tc.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	if got := sanitizeString("  <script>hi</script>  "); got != "scripthi/script" {
		t.Errorf("got %q", got)
	}
	if got := sanitizeString("미적분 스터디"); got != "미적분 스터디" {
		t.Errorf("got %q", got)
	}
}
