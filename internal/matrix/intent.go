package matrix

import "context"

// Intent performs presentation-layer actions as a specific user. Calls may
// block on network I/O and can fail independently of local state.
type Intent interface {
	// UserID returns the user this intent acts as.
	UserID() UserID
	// EnsureRegistered provisions the presentation-layer account if it does
	// not exist yet. Safe to call repeatedly.
	EnsureRegistered(ctx context.Context) error
	// SetDisplayname sets the user's display name.
	SetDisplayname(ctx context.Context, name string) error
	// SetAvatarURL sets the user's avatar; the empty URI removes it.
	SetAvatarURL(ctx context.Context, uri ContentURI) error
}

// IntentProvider hands out intents for proxy users. Implementations are
// expected to be cheap; intents for the same user may be cached internally.
type IntentProvider interface {
	Intent(user UserID) Intent
}

// Authenticator validates double-puppet credentials against a homeserver.
type Authenticator interface {
	// Whoami returns the user id that owns the access token. A mismatch with
	// the expected user id means the stored token is stale.
	Whoami(ctx context.Context, baseURL, accessToken string) (UserID, error)
}
