package remote

// Profile is the raw remote-network view of an account, as supplied by the
// protocol client alongside updates.
type Profile struct {
	AccountID int64
	FirstName string
	LastName  string
	Username  string
	Phone     string
	Deleted   bool
	Bot       bool
	// Contact reports whether the account is a mutual contact of the source
	// that observed this profile.
	Contact bool
	// Photo is nil when the account has no profile photo. A non-nil photo
	// with an empty ID also means no photo.
	Photo *Photo
}

// Photo describes a remote profile photo.
type Photo struct {
	ID       string
	Location PhotoLocation
}

// PhotoLocation is the descriptor the remote client needs to download the
// photo content.
type PhotoLocation struct {
	PeerID  int64
	PhotoID string
	Big     bool
}
