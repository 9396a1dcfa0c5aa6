package puppet

import (
	"context"
	"errors"
	"testing"

	"github.com/lumeno/telebridge/internal/matrix"
	"github.com/lumeno/telebridge/internal/remote"
)

func mustGet(t *testing.T, service *Service, accountID int64) *Puppet {
	t.Helper()
	instance, err := service.GetByAccount(context.Background(), accountID, true)
	if err != nil {
		t.Fatalf("failed to get puppet %d: %v", accountID, err)
	}
	return instance
}

func TestUpdateInfoSetsNameAndPersists(t *testing.T) {
	sink := &fakeSink{}
	service, intents := newTestService(t, func(cfg *ServiceConfig) {
		cfg.Events = sink
	})
	ctx := context.Background()
	instance := mustGet(t, service, 100)

	err := instance.UpdateInfo(ctx, fakeSource{accountID: 1}, remote.Profile{
		AccountID: 100,
		FirstName: "Alice",
		LastName:  "Liddell",
		Username:  "alice_tg",
		Contact:   true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snapshot := instance.Snapshot()
	if snapshot.Displayname != "Alice Liddell (Telegram)" {
		t.Fatalf("unexpected displayname %q", snapshot.Displayname)
	}
	if snapshot.DisplaynameQuality != 99 {
		t.Fatalf("unexpected quality %d", snapshot.DisplaynameQuality)
	}
	if snapshot.DisplaynameSource != 1 {
		t.Fatalf("unexpected source %d", snapshot.DisplaynameSource)
	}
	if snapshot.Username != "alice_tg" {
		t.Fatalf("unexpected username %q", snapshot.Username)
	}

	intent := intents.intentFor(instance.DefaultUserID())
	if names := intent.setNames(); len(names) != 1 || names[0] != "Alice Liddell (Telegram)" {
		t.Fatalf("unexpected intent calls: %v", names)
	}

	persisted, err := service.store.GetByAccountID(ctx, 100)
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	if persisted.Displayname != snapshot.Displayname {
		t.Fatalf("persisted displayname %q does not match", persisted.Displayname)
	}

	events := sink.published()
	if len(events) != 1 {
		t.Fatalf("expected one profile event, got %d", len(events))
	}
	if events[0].AccountID != 100 || events[0].Displayname != "Alice Liddell (Telegram)" {
		t.Fatalf("unexpected event payload: %+v", events[0])
	}
}

func TestUpdateInfoIdempotent(t *testing.T) {
	service, intents := newTestService(t, nil)
	ctx := context.Background()
	instance := mustGet(t, service, 101)

	profile := remote.Profile{AccountID: 101, FirstName: "Alice", Contact: true}
	source := fakeSource{accountID: 1}
	if err := instance.UpdateInfo(ctx, source, profile); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := instance.UpdateInfo(ctx, source, profile); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	intent := intents.intentFor(instance.DefaultUserID())
	if names := intent.setNames(); len(names) != 1 {
		t.Fatalf("expected exactly one displayname push, got %v", names)
	}
}

func TestQualityRankingBlocksWorseNames(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()
	instance := mustGet(t, service, 102)

	source := fakeSource{accountID: 1}
	if err := instance.UpdateInfo(ctx, source, remote.Profile{
		AccountID: 102, FirstName: "Alice", Contact: true,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := instance.Snapshot().DisplaynameQuality; got != 99 {
		t.Fatalf("unexpected quality %d", got)
	}

	// A later observation that only carries a username ranks lower and must
	// not displace the full-name-derived value.
	if err := instance.UpdateInfo(ctx, source, remote.Profile{
		AccountID: 102, Username: "alice_tg", Contact: true,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snapshot := instance.Snapshot()
	if snapshot.Displayname != "Alice (Telegram)" {
		t.Fatalf("lower-quality name displaced the stored one: %q", snapshot.Displayname)
	}
	if snapshot.DisplaynameQuality != 99 {
		t.Fatalf("quality regressed to %d", snapshot.DisplaynameQuality)
	}
}

func TestEqualQualityOverwrites(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()
	instance := mustGet(t, service, 103)

	source := fakeSource{accountID: 1}
	if err := instance.UpdateInfo(ctx, source, remote.Profile{
		AccountID: 103, FirstName: "Alice", Contact: true,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := instance.UpdateInfo(ctx, source, remote.Profile{
		AccountID: 103, FirstName: "Alicia", Contact: true,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := instance.Displayname(); got != "Alicia (Telegram)" {
		t.Fatalf("expected equal-quality overwrite, got %q", got)
	}
}

func TestEligibilityLadder(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()
	instance := mustGet(t, service, 104)

	// Establish a name with source 1 as the primary source.
	if err := instance.UpdateInfo(ctx, fakeSource{accountID: 1}, remote.Profile{
		AccountID: 104, FirstName: "Alice", Contact: true,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A different non-contact source is not eligible.
	if err := instance.UpdateInfo(ctx, fakeSource{accountID: 2}, remote.Profile{
		AccountID: 104, FirstName: "Mallory",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := instance.Displayname(); got != "Alice (Telegram)" {
		t.Fatalf("ineligible source changed the name to %q", got)
	}

	// The primary source may update even without contact status; doing so
	// drops the contact flag.
	if err := instance.UpdateInfo(ctx, fakeSource{accountID: 1}, remote.Profile{
		AccountID: 104, FirstName: "Allie",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snapshot := instance.Snapshot()
	if snapshot.Displayname != "Allie (Telegram)" {
		t.Fatalf("primary source failed to update the name: %q", snapshot.Displayname)
	}
	if snapshot.DisplaynameContact {
		t.Fatal("expected the contact flag to drop on a non-contact observation")
	}

	// A bot source bypasses the ladder entirely.
	if err := instance.UpdateInfo(ctx, fakeSource{accountID: 3, bot: true}, remote.Profile{
		AccountID: 104, FirstName: "Alya",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := instance.Displayname(); got != "Alya (Telegram)" {
		t.Fatalf("bot source failed to update the name: %q", got)
	}
}

func TestContactFlagLifecycle(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()
	instance := mustGet(t, service, 105)

	// First non-contact observation drops the flag but may still set a name
	// because no primary source exists yet.
	if err := instance.UpdateInfo(ctx, fakeSource{accountID: 1}, remote.Profile{
		AccountID: 105, Username: "alice_tg",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snapshot := instance.Snapshot()
	if snapshot.DisplaynameContact {
		t.Fatal("expected the contact flag to drop on a non-contact observation")
	}
	if snapshot.Displayname != "alice_tg (Telegram)" {
		t.Fatalf("unexpected displayname %q", snapshot.Displayname)
	}

	// A later contact observation from the primary source upgrades the name
	// but the flag only flips back once no protected name remains; with a
	// name in place the update is blocked.
	if err := instance.UpdateInfo(ctx, fakeSource{accountID: 1}, remote.Profile{
		AccountID: 105, FirstName: "Alice", Contact: true,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := instance.Displayname(); got != "alice_tg (Telegram)" {
		t.Fatalf("contact observation with a surviving name changed it to %q", got)
	}
}

func TestDisableUpdatesFreezesProfile(t *testing.T) {
	service, intents := newTestService(t, nil)
	ctx := context.Background()
	instance := mustGet(t, service, 106)

	instance.mu.Lock()
	instance.rec.DisableUpdates = true
	instance.mu.Unlock()

	if err := instance.UpdateInfo(ctx, fakeSource{accountID: 1}, remote.Profile{
		AccountID: 106, FirstName: "Alice", Username: "alice_tg", Contact: true,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snapshot := instance.Snapshot()
	if snapshot.Displayname != "" {
		t.Fatalf("frozen puppet gained displayname %q", snapshot.Displayname)
	}
	// The username is identity metadata, not presentation, and still tracks.
	if snapshot.Username != "alice_tg" {
		t.Fatalf("frozen puppet lost the username update: %q", snapshot.Username)
	}
	intent := intents.intentFor(instance.DefaultUserID())
	if len(intent.setNames()) != 0 || len(intent.setAvatars()) != 0 {
		t.Fatal("frozen puppet reached the presentation layer")
	}
}

func TestDisplaynameRollbackOnPushFailure(t *testing.T) {
	service, intents := newTestService(t, nil)
	ctx := context.Background()
	instance := mustGet(t, service, 107)

	intent := intents.intentFor(instance.DefaultUserID())
	intent.setNameErr = errors.New("homeserver unavailable")

	// UpdateInfo swallows the sub-update failure but persists the rollback.
	if err := instance.UpdateInfo(ctx, fakeSource{accountID: 1}, remote.Profile{
		AccountID: 107, FirstName: "Alice", Contact: true,
	}); err != nil {
		t.Fatalf("expected the sub-update failure to be swallowed, got %v", err)
	}

	snapshot := instance.Snapshot()
	if snapshot.Displayname != "" || snapshot.DisplaynameSource != 0 || snapshot.DisplaynameQuality != 0 {
		t.Fatalf("expected rolled-back name fields, got %+v", snapshot)
	}

	persisted, err := service.store.GetByAccountID(ctx, 107)
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	if persisted.Displayname != "" {
		t.Fatalf("rollback was not persisted: %q", persisted.Displayname)
	}

	// Once the homeserver recovers the same observation goes through.
	intent.setNameErr = nil
	if err := instance.UpdateInfo(ctx, fakeSource{accountID: 1}, remote.Profile{
		AccountID: 107, FirstName: "Alice", Contact: true,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := instance.Displayname(); got != "Alice (Telegram)" {
		t.Fatalf("retry did not restore the name: %q", got)
	}
}

func TestDisplaynameFailureDoesNotBlockAvatar(t *testing.T) {
	service, intents := newTestService(t, nil)
	ctx := context.Background()
	instance := mustGet(t, service, 108)

	intent := intents.intentFor(instance.DefaultUserID())
	intent.setNameErr = errors.New("homeserver unavailable")
	transfer := &fakeTransfer{uri: "mxc://example.com/abc"}
	service.transfer = transfer

	if err := instance.UpdateInfo(ctx, fakeSource{accountID: 1}, remote.Profile{
		AccountID: 108,
		FirstName: "Alice",
		Contact:   true,
		Photo:     &remote.Photo{ID: "photo-1"},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snapshot := instance.Snapshot()
	if snapshot.PhotoID == nil || *snapshot.PhotoID != "photo-1" {
		t.Fatal("expected the avatar update to proceed past the displayname failure")
	}
	if avatars := intent.setAvatars(); len(avatars) != 1 || avatars[0] != "mxc://example.com/abc" {
		t.Fatalf("unexpected avatar calls: %v", avatars)
	}
}

func TestAvatarSetAndIdempotence(t *testing.T) {
	transfer := &fakeTransfer{uri: "mxc://example.com/abc"}
	service, intents := newTestService(t, func(cfg *ServiceConfig) {
		cfg.Transfer = transfer
	})
	ctx := context.Background()
	instance := mustGet(t, service, 109)

	profile := remote.Profile{AccountID: 109, Photo: &remote.Photo{ID: "photo-1"}}
	source := fakeSource{accountID: 1}
	if err := instance.UpdateInfo(ctx, source, profile); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := instance.UpdateInfo(ctx, source, profile); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if transfer.calls != 1 {
		t.Fatalf("expected one transfer, got %d", transfer.calls)
	}
	intent := intents.intentFor(instance.DefaultUserID())
	if avatars := intent.setAvatars(); len(avatars) != 1 {
		t.Fatalf("expected one avatar push, got %v", avatars)
	}
}

func TestAvatarRemoveGate(t *testing.T) {
	transfer := &fakeTransfer{uri: "mxc://example.com/abc"}
	service, intents := newTestService(t, func(cfg *ServiceConfig) {
		cfg.Transfer = transfer
	})
	ctx := context.Background()
	instance := mustGet(t, service, 110)
	source := fakeSource{accountID: 1}

	if err := instance.UpdateInfo(ctx, source, remote.Profile{
		AccountID: 110, Photo: &remote.Photo{ID: "photo-1"},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Removal disabled: a photo-less observation leaves the avatar alone.
	if err := instance.UpdateInfo(ctx, source, remote.Profile{AccountID: 110}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snapshot := instance.Snapshot()
	if snapshot.PhotoID == nil || *snapshot.PhotoID != "photo-1" {
		t.Fatal("avatar was removed despite the remove gate")
	}

	intent := intents.intentFor(instance.DefaultUserID())
	if avatars := intent.setAvatars(); len(avatars) != 1 {
		t.Fatalf("unexpected avatar calls: %v", avatars)
	}
}

func TestAvatarRemoveWhenAllowed(t *testing.T) {
	transfer := &fakeTransfer{uri: "mxc://example.com/abc"}
	service, intents := newTestService(t, func(cfg *ServiceConfig) {
		cfg.Transfer = transfer
		cfg.AllowAvatarRemove = true
	})
	ctx := context.Background()
	instance := mustGet(t, service, 111)
	source := fakeSource{accountID: 1}

	if err := instance.UpdateInfo(ctx, source, remote.Profile{
		AccountID: 111, Photo: &remote.Photo{ID: "photo-1"},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := instance.UpdateInfo(ctx, source, remote.Profile{AccountID: 111}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snapshot := instance.Snapshot()
	if snapshot.PhotoID == nil || *snapshot.PhotoID != "" {
		t.Fatal("expected an explicitly empty photo id after removal")
	}
	intent := intents.intentFor(instance.DefaultUserID())
	avatars := intent.setAvatars()
	if len(avatars) != 2 || avatars[1] != "" {
		t.Fatalf("expected a clearing avatar push, got %v", avatars)
	}
}

func TestAvatarTransferFailureLeavesStateUntouched(t *testing.T) {
	transfer := &fakeTransfer{err: errors.New("media store unavailable")}
	service, intents := newTestService(t, func(cfg *ServiceConfig) {
		cfg.Transfer = transfer
	})
	ctx := context.Background()
	instance := mustGet(t, service, 112)

	if err := instance.UpdateInfo(ctx, fakeSource{accountID: 1}, remote.Profile{
		AccountID: 112, Photo: &remote.Photo{ID: "photo-1"},
	}); err != nil {
		t.Fatalf("expected the transfer failure to be swallowed, got %v", err)
	}

	if snapshot := instance.Snapshot(); snapshot.PhotoID != nil {
		t.Fatalf("transfer failure committed photo id %v", *snapshot.PhotoID)
	}
	intent := intents.intentFor(instance.DefaultUserID())
	if len(intent.setAvatars()) != 0 {
		t.Fatal("transfer failure still reached the presentation layer")
	}
}

func TestAvatarSetFailureRollsBackPhotoID(t *testing.T) {
	transfer := &fakeTransfer{uri: "mxc://example.com/abc"}
	service, intents := newTestService(t, func(cfg *ServiceConfig) {
		cfg.Transfer = transfer
	})
	ctx := context.Background()
	instance := mustGet(t, service, 113)

	intent := intents.intentFor(instance.DefaultUserID())
	intent.setAvatarErr = errors.New("homeserver unavailable")
	intent.setAvatarErrOnce = true

	if err := instance.UpdateInfo(ctx, fakeSource{accountID: 1}, remote.Profile{
		AccountID: 113, Photo: &remote.Photo{ID: "photo-1"},
	}); err != nil {
		t.Fatalf("expected the sub-update failure to be swallowed, got %v", err)
	}

	snapshot := instance.Snapshot()
	if snapshot.PhotoID == nil || *snapshot.PhotoID != "" {
		t.Fatal("expected the photo id to roll back to the empty state")
	}

	// The rollback was persisted, so the next observation retries cleanly.
	if err := instance.UpdateInfo(ctx, fakeSource{accountID: 1}, remote.Profile{
		AccountID: 113, Photo: &remote.Photo{ID: "photo-1"},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snapshot := instance.Snapshot(); snapshot.PhotoID == nil || *snapshot.PhotoID != "photo-1" {
		t.Fatal("retry did not commit the photo id")
	}
	if avatars := intent.setAvatars(); len(avatars) != 1 {
		t.Fatalf("expected one successful avatar push, got %v", avatars)
	}
}

func TestAvatarWithoutTransferrer(t *testing.T) {
	service, intents := newTestService(t, nil)
	ctx := context.Background()
	instance := mustGet(t, service, 114)

	if err := instance.UpdateInfo(ctx, fakeSource{accountID: 1}, remote.Profile{
		AccountID: 114, Photo: &remote.Photo{ID: "photo-1"},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snapshot := instance.Snapshot(); snapshot.PhotoID != nil {
		t.Fatal("expected no avatar commit without a file transferrer")
	}
	intent := intents.intentFor(instance.DefaultUserID())
	if len(intent.setAvatars()) != 0 {
		t.Fatal("expected no avatar push without a file transferrer")
	}
}

func TestDeletedAccountName(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()
	instance := mustGet(t, service, 115)

	if err := instance.UpdateInfo(ctx, fakeSource{accountID: 1}, remote.Profile{
		AccountID: 115, Deleted: true,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := instance.Displayname(); got != "Deleted account 115 (Telegram)" {
		t.Fatalf("unexpected deleted-account displayname %q", got)
	}
	if got := instance.PlainDisplayname(); got != "Deleted account 115" {
		t.Fatalf("unexpected plain displayname %q", got)
	}
}

func TestDisplaynameTruncation(t *testing.T) {
	service, intents := newTestService(t, func(cfg *ServiceConfig) {
		cfg.DisplaynameMaxLength = 12
	})
	ctx := context.Background()
	instance := mustGet(t, service, 116)

	if err := instance.UpdateInfo(ctx, fakeSource{accountID: 1}, remote.Profile{
		AccountID: 116, FirstName: "Alexandrina Victoria", Contact: true,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The stored value keeps the full name; only the pushed value is cut.
	if got := instance.Displayname(); got != "Alexandrina Victoria (Telegram)" {
		t.Fatalf("unexpected stored displayname %q", got)
	}
	intent := intents.intentFor(instance.DefaultUserID())
	names := intent.setNames()
	if len(names) != 1 || names[0] != "Alexandrina " {
		t.Fatalf("unexpected pushed displayname %v", names)
	}
}

func TestEnsureRegisteredOnce(t *testing.T) {
	service, intents := newTestService(t, nil)
	ctx := context.Background()
	instance := mustGet(t, service, 117)

	if err := instance.EnsureRegistered(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := instance.EnsureRegistered(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	intent := intents.intentFor(instance.DefaultUserID())
	if intent.registerCalls != 1 {
		t.Fatalf("expected one registration call, got %d", intent.registerCalls)
	}
	if !instance.Snapshot().IsRegistered {
		t.Fatal("expected the registration flag to persist")
	}
}

func TestIntentForOwnDirectChat(t *testing.T) {
	service, _ := newTestService(t, func(cfg *ServiceConfig) {
		cfg.Auth = fakeAuth{owner: "@alice:example.com"}
	})
	ctx := context.Background()

	record := NewRecord(118)
	record.CustomMXID = "@alice:example.com"
	record.AccessToken = "token"
	if err := service.store.Insert(ctx, record); err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}
	instance, err := service.GetByCustomMXID(ctx, "@alice:example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := instance.StartCustom(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if instance.IntentFor(999) == instance.DefaultIntent() {
		t.Fatal("expected the custom intent in a foreign portal")
	}
	if instance.IntentFor(118) != instance.DefaultIntent() {
		t.Fatal("expected the default intent in the puppet's own chat")
	}
}

type fakePortals struct {
	kinds  map[matrix.RoomID]RoomKind
	locked map[matrix.RoomID]bool
}

func (f fakePortals) RoomKind(roomID matrix.RoomID) RoomKind {
	return f.kinds[roomID]
}

func (f fakePortals) IsBackfillLocked(roomID matrix.RoomID) bool {
	return f.locked[roomID]
}

func TestDefaultShouldLeaveRoom(t *testing.T) {
	portals := fakePortals{
		kinds: map[matrix.RoomID]RoomKind{
			"!direct:example.com":   RoomKindUser,
			"!group:example.com":    RoomKindChat,
			"!channel:example.com":  RoomKindChannel,
			"!backfill:example.com": RoomKindChat,
		},
		locked: map[matrix.RoomID]bool{
			"!backfill:example.com": true,
		},
	}
	service, _ := newTestService(t, func(cfg *ServiceConfig) {
		cfg.Portals = portals
	})
	instance := mustGet(t, service, 119)

	cases := []struct {
		room matrix.RoomID
		want bool
	}{
		{"!direct:example.com", false},
		{"!group:example.com", true},
		{"!channel:example.com", true},
		{"!backfill:example.com", false},
		{"!unknown:example.com", false},
	}
	for _, tc := range cases {
		if got := instance.DefaultShouldLeaveRoom(tc.room); got != tc.want {
			t.Fatalf("room %s: expected %v, got %v", tc.room, tc.want, got)
		}
	}
}

func TestUpdateDisplaynameStandalone(t *testing.T) {
	sink := &fakeSink{}
	service, _ := newTestService(t, func(cfg *ServiceConfig) {
		cfg.Events = sink
	})
	ctx := context.Background()
	instance := mustGet(t, service, 120)

	if err := instance.UpdateDisplayname(ctx, fakeSource{accountID: 1}, remote.Profile{
		AccountID: 120, FirstName: "Alice", Contact: true,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := instance.Displayname(); got != "Alice (Telegram)" {
		t.Fatalf("unexpected displayname %q", got)
	}
	if len(sink.published()) != 1 {
		t.Fatal("expected a profile event from the standalone update")
	}
}
