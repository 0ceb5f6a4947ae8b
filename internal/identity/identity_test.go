package identity

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestGuestIsGuest(t *testing.T) {
	if !Guest().IsGuest() {
		t.Error("Guest() should be a guest")
	}
	var zero Identity
	if !zero.IsGuest() {
		t.Error("zero Identity should be a guest")
	}
}

func TestAuthenticated(t *testing.T) {
	id := Authenticated("alice", "tok-123")
	if id.IsGuest() {
		t.Error("authenticated identity reported as guest")
	}
	if id.UserID() != "alice" {
		t.Errorf("UserID() = %q, want alice", id.UserID())
	}
}

func TestInject_AddsOnlyUserID(t *testing.T) {
	id := Authenticated("alice", "tok-123")
	args := map[string]any{"amount": 42.0, "category": "food"}

	inv, err := id.Inject("add_expense", args)
	if err != nil {
		t.Fatalf("Inject error: %v", err)
	}

	if inv.Tool != "add_expense" {
		t.Errorf("Tool = %q, want add_expense", inv.Tool)
	}
	if inv.Args[ReservedUserKey] != "alice" {
		t.Errorf("injected %s = %v, want alice", ReservedUserKey, inv.Args[ReservedUserKey])
	}
	if len(inv.Args) != 3 {
		t.Errorf("injected args has %d keys, want 3 (originals + %s)", len(inv.Args), ReservedUserKey)
	}

	// The credential must never appear anywhere in the invocation.
	for k, v := range inv.Args {
		if s, ok := v.(string); ok && strings.Contains(s, "tok-123") {
			t.Errorf("credential leaked into args[%q]", k)
		}
	}
}

func TestInject_DoesNotMutateOriginal(t *testing.T) {
	id := Authenticated("alice", "tok")
	args := map[string]any{"amount": 42.0}

	if _, err := id.Inject("add_expense", args); err != nil {
		t.Fatalf("Inject error: %v", err)
	}

	if _, present := args[ReservedUserKey]; present {
		t.Errorf("Inject mutated the caller's argument map")
	}
}

func TestInject_GuestFails(t *testing.T) {
	_, err := Guest().Inject("add_expense", map[string]any{})
	if !errors.Is(err, ErrGuestInjection) {
		t.Errorf("Inject for guest = %v, want ErrGuestInjection", err)
	}
}

func TestString_RedactsToken(t *testing.T) {
	id := Authenticated("alice", "super-secret")
	got := id.String()
	if got != "user:alice" {
		t.Errorf("String() = %q, want user:alice", got)
	}
	if Guest().String() != "guest" {
		t.Errorf("Guest().String() = %q, want guest", Guest().String())
	}
}

func TestMarshalJSON_RedactsToken(t *testing.T) {
	id := Authenticated("alice", "super-secret")

	data, err := json.Marshal(id)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if strings.Contains(string(data), "super-secret") {
		t.Errorf("MarshalJSON leaked the credential: %s", data)
	}
	if string(data) != `"user:alice"` {
		t.Errorf("MarshalJSON = %s, want \"user:alice\"", data)
	}
}

func TestLogValue_RedactsToken(t *testing.T) {
	id := Authenticated("alice", "super-secret")
	v := id.LogValue()
	if strings.Contains(v.String(), "super-secret") {
		t.Errorf("LogValue leaked the credential: %s", v.String())
	}
}
