package bot

import (
	"testing"
)

const testAdminID int64 = 1000

func TestRateLimiterBlocksRepeatedCalls(t *testing.T) {
	rl := NewRateLimiter(testAdminID)

	if rl.IsLimited(42, "buy_key") {
		t.Fatal("first call must pass")
	}
	if !rl.IsLimited(42, "buy_key") {
		t.Error("immediate repeat must be limited")
	}
}

func TestRateLimiterTracksActionsSeparately(t *testing.T) {
	rl := NewRateLimiter(testAdminID)

	if rl.IsLimited(42, "buy_key") {
		t.Fatal("first buy_key must pass")
	}
	if rl.IsLimited(42, "rename_key") {
		t.Error("a different action must not share the buy_key window")
	}
}

func TestRateLimiterTracksUsersSeparately(t *testing.T) {
	rl := NewRateLimiter(testAdminID)

	if rl.IsLimited(42, "trial_key") {
		t.Fatal("first call must pass")
	}
	if rl.IsLimited(43, "trial_key") {
		t.Error("another user must not inherit the limit")
	}
}

func TestRateLimiterExemptsAdmin(t *testing.T) {
	rl := NewRateLimiter(testAdminID)

	for i := 0; i < 5; i++ {
		if rl.IsLimited(testAdminID, "buy_key") {
			t.Fatalf("admin limited on call %d", i)
		}
	}
}

func TestRateLimiterDefaultsUnknownActions(t *testing.T) {
	rl := NewRateLimiter(testAdminID)

	if rl.IsLimited(42, "list_keys") {
		t.Fatal("first call must pass")
	}
	if !rl.IsLimited(42, "list_keys") {
		t.Error("unknown action must fall back to the default window")
	}
}
