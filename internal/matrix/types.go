package matrix

// UserID identifies a presentation-layer user, e.g. "@telegram_12345:example.com".
type UserID string

// String returns the underlying identifier.
func (id UserID) String() string {
	return string(id)
}

// RoomID identifies a presentation-layer room.
type RoomID string

// ContentURI references an uploaded piece of content in the presentation
// layer's media store. The empty URI clears an avatar.
type ContentURI string
