package remote

import (
	"context"

	"github.com/lumeno/telebridge/internal/matrix"
)

// Source is the remote-network session an update arrived through. A source
// may be a logged-in user, the relay bot, or another bot session.
type Source interface {
	// AccountID returns the remote account id of the session owner.
	AccountID() int64
	// IsBot reports whether the session belongs to a bot account.
	IsBot() bool
	// IsRelaybot reports whether the session is the bridge relay bot.
	IsRelaybot() bool
}

// FileTransferrer moves remote photo content into the presentation layer's
// media store. It downloads through the source's session and uploads through
// the target intent.
type FileTransferrer interface {
	// TransferToMatrix returns the content URI of the uploaded photo, or the
	// empty URI when the remote side produced no content.
	TransferToMatrix(ctx context.Context, source Source, target matrix.Intent, location PhotoLocation) (matrix.ContentURI, error)
}
