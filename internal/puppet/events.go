package puppet

import (
	"time"

	"github.com/lumeno/telebridge/internal/matrix"
)

// ProfileEvent describes a committed profile change on a puppet.
type ProfileEvent struct {
	AccountID   int64
	UserID      matrix.UserID
	Username    string
	Displayname string
	PhotoSet    bool
	Timestamp   time.Time
}

// ProfileEventSink receives profile-change notifications. Publishing must not
// block: implementations drop events for slow consumers.
type ProfileEventSink interface {
	PublishProfileChange(event ProfileEvent)
}

// RoomKind classifies a bridged room.
type RoomKind string

const (
	// RoomKindNone means the room is not bridged.
	RoomKindNone RoomKind = ""
	// RoomKindUser is a direct chat with a single remote account.
	RoomKindUser RoomKind = "user"
	// RoomKindChat is a small group chat.
	RoomKindChat RoomKind = "chat"
	// RoomKindChannel is a broadcast channel or supergroup.
	RoomKindChannel RoomKind = "channel"
)

// PortalQuery is the narrow view of the room/portal subsystem this package
// consults.
type PortalQuery interface {
	IsBackfillLocked(roomID matrix.RoomID) bool
	RoomKind(roomID matrix.RoomID) RoomKind
}
