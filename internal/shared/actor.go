package shared

// Actor describes the user on whose behalf an operation runs. It is resolved
// once per request and passed explicitly to authorization and lifecycle code.
type Actor struct {
	UserID     int64
	Superadmin bool
	IP         string
	// System marks console and seed tooling, which has no web user and
	// bypasses the self-protection rules.
	System bool
}

// SystemActor returns the actor used by CLI commands and seeders.
func SystemActor() Actor {
	return Actor{System: true, Superadmin: true}
}

// IsSelf reports whether the actor is the given user.
func (a Actor) IsSelf(userID int64) bool {
	return !a.System && a.UserID != 0 && a.UserID == userID
}

// Authenticated reports whether the actor is a logged in user.
func (a Actor) Authenticated() bool {
	return a.UserID != 0
}
