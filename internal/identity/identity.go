// Package identity models who a conversation is acting as, and owns the
// single point where that identity is merged into a tool invocation.
//
// The credential token is deliberately unreachable from the rest of the
// system: it is not exported, not marshalled, and redacted from logs.
// Tool arguments built by the planner never contain it, and the only
// identity-derived value that crosses the dispatch boundary is the user
// identifier under [ReservedUserKey].
package identity

import (
	"errors"
	"log/slog"
)

// ReservedUserKey is the argument key the injector owns. It is stripped
// from every model-visible tool schema and populated only here.
const ReservedUserKey = "user_id"

// ErrGuestInjection is returned when injection is attempted for a guest
// identity. Access checks should have short-circuited first.
var ErrGuestInjection = errors.New("cannot inject identity for guest session")

// Identity is either a guest or an authenticated user. The zero value is
// a guest.
type Identity struct {
	userID string
	token  string // opaque credential, verified at login and never read again
}

// Guest returns the guest identity.
func Guest() Identity {
	return Identity{}
}

// Authenticated returns an identity for a verified user. The token is
// retained only so a logout can be distinguished from a session that was
// never authenticated; nothing reads it back.
func Authenticated(userID, token string) Identity {
	return Identity{userID: userID, token: token}
}

// IsGuest reports whether this identity holds no authenticated user.
func (i Identity) IsGuest() bool {
	return i.userID == ""
}

// UserID returns the authenticated user identifier, or "" for guests.
func (i Identity) UserID() string {
	return i.userID
}

// String renders the identity without the credential.
func (i Identity) String() string {
	if i.IsGuest() {
		return "guest"
	}
	return "user:" + i.userID
}

// LogValue implements slog.LogValuer so the credential can never leak
// through structured logging.
func (i Identity) LogValue() slog.Value {
	return slog.StringValue(i.String())
}

// MarshalJSON renders only the redacted form.
func (i Identity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + i.String() + `"`), nil
}

// Invocation is a tool call ready for dispatch: the planner-supplied
// arguments plus the injected user identifier. Construct these only via
// [Inject]; they exist for the duration of one dispatch and are never
// stored in the transcript.
type Invocation struct {
	Tool string
	Args map[string]any
}

// Inject merges the authenticated user identifier into a copy of the
// validated arguments under [ReservedUserKey]. The original map is not
// modified, so transcript entries keep the planner's view. Returns
// ErrGuestInjection for guests — callers must access-check first.
func (i Identity) Inject(tool string, args map[string]any) (Invocation, error) {
	if i.IsGuest() {
		return Invocation{}, ErrGuestInjection
	}

	merged := make(map[string]any, len(args)+1)
	for k, v := range args {
		merged[k] = v
	}
	merged[ReservedUserKey] = i.userID

	return Invocation{Tool: tool, Args: merged}, nil
}
