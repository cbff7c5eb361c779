package presence

import (
	"testing"
	"time"
)

func TestDeriveStatus_LazyExpiryRule(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	window := 60 * time.Second

	cases := []struct {
		name string
		last time.Time
		want Status
	}{
		{"fresh heartbeat", now.Add(-5 * time.Second), StatusOnline},
		{"exactly at the window edge", now.Add(-window), StatusOnline},
		{"just past the window", now.Add(-window - time.Second), StatusOffline},
		{"hours stale", now.Add(-3 * time.Hour), StatusOffline},
	}
	for _, c := range cases {
		if got := DeriveStatus(c.last, now, window); got != c.want {
			t.Errorf("%s: expected %s, got %s", c.name, c.want, got)
		}
	}
}

func TestKey_IsScopedToSessionAndUser(t *testing.T) {
	tr := &Tracker{window: DefaultWindow}

	if got := tr.key(7, 42); got != "presence:session:7:user:42" {
		t.Errorf("unexpected key %q", got)
	}
	if tr.key(7, 42) == tr.key(8, 42) {
		t.Error("keys must differ per session")
	}
}
