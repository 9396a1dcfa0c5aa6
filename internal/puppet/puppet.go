package puppet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lumeno/telebridge/internal/matrix"
	"github.com/lumeno/telebridge/internal/remote"
	"go.uber.org/zap"
)

// Puppet is the live aggregate for one remote account: the durable record
// plus the derived proxy identity and presentation-layer handles. Instances
// are obtained exclusively through the Service and live for the process
// lifetime.
type Puppet struct {
	svc *Service
	log *zap.Logger

	// defaultUserID and intent are derived from the account id and never
	// persisted.
	defaultUserID matrix.UserID
	intent        matrix.Intent

	mu           sync.RWMutex
	rec          *Record
	customIntent matrix.Intent
}

func (s *Service) newPuppet(record *Record) *Puppet {
	defaultUserID := s.idTemplate.UserID(record.AccountID)
	return &Puppet{
		svc:           s,
		log:           s.log.With(zap.Int64("account_id", record.AccountID)),
		defaultUserID: defaultUserID,
		intent:        s.intents.Intent(defaultUserID),
		rec:           record,
	}
}

// AccountID returns the immutable remote account id.
func (p *Puppet) AccountID() int64 {
	return p.rec.AccountID
}

// DefaultUserID returns the proxy identity derived from the account id.
func (p *Puppet) DefaultUserID() matrix.UserID {
	return p.defaultUserID
}

// DefaultIntent returns the presentation-layer handle for the default proxy
// identity.
func (p *Puppet) DefaultIntent() matrix.Intent {
	return p.intent
}

// Username returns the cached remote username.
func (p *Puppet) Username() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rec.Username
}

// Displayname returns the cached formatted displayname.
func (p *Puppet) Displayname() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rec.Displayname
}

// PlainDisplayname returns the displayname with the bridge template stripped.
func (p *Puppet) PlainDisplayname() string {
	return p.svc.displaynameTemplate.Parse(p.Displayname())
}

// CustomMXID returns the double-puppet proxy id, or the empty id.
func (p *Puppet) CustomMXID() matrix.UserID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return matrix.UserID(p.rec.CustomMXID)
}

// Snapshot returns a copy of the durable record.
func (p *Puppet) Snapshot() Record {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return *p.rec
}

// IntentFor picks the intent to act with inside a portal: the custom
// double-puppet session when one is active, except in the puppet's own direct
// chat where the default identity must stay visible.
func (p *Puppet) IntentFor(portalAccountID int64) matrix.Intent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.customIntent == nil || portalAccountID == p.rec.AccountID {
		return p.intent
	}
	return p.customIntent
}

// Similarity scores how closely the query matches the username or the plain
// displayname, on a 0-100 scale. Absent fields contribute zero.
func (p *Puppet) Similarity(query string) int {
	p.mu.RLock()
	username := p.rec.Username
	displayname := p.rec.Displayname
	p.mu.RUnlock()

	best := 0.0
	if username != "" {
		best = stringSimilarity(username, query)
	}
	if displayname != "" {
		if ratio := stringSimilarity(p.svc.displaynameTemplate.Parse(displayname), query); ratio > best {
			best = ratio
		}
	}
	return similarityScore(best)
}

// TryUpdateInfo runs UpdateInfo and logs instead of returning the error. The
// bridging layer calls this opportunistically on every observed profile.
func (p *Puppet) TryUpdateInfo(ctx context.Context, source remote.Source, profile remote.Profile) {
	if err := p.UpdateInfo(ctx, source, profile); err != nil {
		p.log.Error("failed to update puppet info",
			zap.Int64("source_id", source.AccountID()), zap.Error(err))
	}
}

// UpdateInfo reconciles the observed profile into the cached state: username
// (unconditional on change), displayname, avatar, then the bot flag, followed
// by a single save iff anything changed. Displayname and avatar failures are
// logged and do not prevent the other sub-update or the save. The returned
// error is a store failure; in that case the in-memory state is ahead of the
// durable state until a retried update saves it.
func (p *Puppet) UpdateInfo(ctx context.Context, source remote.Source, profile remote.Profile) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	changed := false
	if p.rec.Username != profile.Username {
		p.rec.Username = profile.Username
		changed = true
	}

	if !p.rec.DisableUpdates {
		nameChanged, err := p.updateDisplaynameLocked(ctx, source, profile)
		if err != nil {
			p.log.Warn("displayname update failed",
				zap.Int64("source_id", source.AccountID()), zap.Error(err))
		}
		changed = nameChanged || changed

		avatarChanged, err := p.updateAvatarLocked(ctx, source, profile.Photo)
		if err != nil {
			p.log.Warn("avatar update failed",
				zap.Int64("source_id", source.AccountID()), zap.Error(err))
		}
		changed = avatarChanged || changed
	}

	p.rec.IsBot = profile.Bot

	if !changed {
		return nil
	}
	if err := p.saveLocked(ctx); err != nil {
		return err
	}
	p.publishProfileChangeLocked()
	return nil
}

// UpdateDisplayname reconciles only the displayname, persisting on change.
// Used when the remote network delivers a bare name-change event that the
// bridging layer has expanded into a full profile.
func (p *Puppet) UpdateDisplayname(ctx context.Context, source remote.Source, profile remote.Profile) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	changed, err := p.updateDisplaynameLocked(ctx, source, profile)
	if err != nil {
		p.log.Warn("displayname update failed",
			zap.Int64("source_id", source.AccountID()), zap.Error(err))
	}
	if !changed {
		return nil
	}
	if err := p.saveLocked(ctx); err != nil {
		return err
	}
	p.publishProfileChangeLocked()
	return nil
}

// updateDisplaynameLocked decides whether the source is allowed to update the
// name, ranks the candidate, and pushes an accepted name to the presentation
// layer. A failed push rolls the three name fields back locally while still
// reporting the state as changed, so the rolled-back state persists.
func (p *Puppet) updateDisplaynameLocked(ctx context.Context, source remote.Source, profile remote.Profile) (bool, error) {
	if p.rec.DisableUpdates {
		return false, nil
	}

	var allowedBecause string
	switch {
	case source.IsRelaybot() || source.IsBot():
		allowedBecause = "source is a bot"
	case p.rec.DisplaynameSource == source.AccountID():
		allowedBecause = "source is the primary source"
	case profile.Contact:
		allowedBecause = "profile is a mutual contact"
	case p.rec.DisplaynameSource == 0:
		allowedBecause = "no primary source set"
	case p.rec.Displayname == "":
		allowedBecause = "puppet has no name"
	default:
		return false, nil
	}

	if !profile.Contact {
		p.rec.DisplaynameContact = false
	} else if !p.rec.DisplaynameContact {
		// A contact-sourced name is already gone; only let the non-contact
		// flag flip back when there is no name left to protect.
		if p.rec.Displayname != "" {
			return false, nil
		}
		p.rec.DisplaynameContact = true
	}

	name, quality := ResolveDisplayname(profile, p.svc.displaynamePreference)
	displayname := p.svc.displaynameTemplate.Format(name)

	if displayname != p.rec.Displayname && quality >= p.rec.DisplaynameQuality {
		p.log.Debug("updating displayname",
			zap.String("old", p.rec.Displayname),
			zap.String("new", displayname),
			zap.Int("quality", quality),
			zap.Int64("source_id", source.AccountID()),
			zap.String("allowed_because", allowedBecause))
		p.rec.Displayname = displayname
		p.rec.DisplaynameSource = source.AccountID()
		p.rec.DisplaynameQuality = quality
		if err := p.intent.SetDisplayname(ctx, truncateName(displayname, p.svc.displaynameMaxLength)); err != nil {
			// The presentation layer does not have this name; do not keep it.
			p.rec.Displayname = ""
			p.rec.DisplaynameSource = 0
			p.rec.DisplaynameQuality = 0
			return true, fmt.Errorf("set displayname: %w", err)
		}
		return true, nil
	}

	if source.IsRelaybot() || p.rec.DisplaynameSource == 0 {
		p.rec.DisplaynameSource = source.AccountID()
		return true, nil
	}
	return false, nil
}

// updateAvatarLocked maps the observed photo to a photo id and reconciles it.
// Clearing pushes an empty avatar and commits the empty id even when the push
// fails; setting transfers the content first and only rolls the id back when
// the set call itself fails after a successful transfer.
func (p *Puppet) updateAvatarLocked(ctx context.Context, source remote.Source, photo *remote.Photo) (bool, error) {
	if p.rec.DisableUpdates {
		return false, nil
	}

	photoID := ""
	if photo != nil {
		photoID = photo.ID
	}
	if photoID == "" && !p.svc.allowAvatarRemove {
		return false, nil
	}
	if p.rec.PhotoID != nil && *p.rec.PhotoID == photoID {
		return false, nil
	}

	if photoID == "" {
		p.rec.PhotoID = new(string)
		if err := p.intent.SetAvatarURL(ctx, ""); err != nil {
			// The prior binary content is gone either way; keep the empty id.
			p.rec.PhotoID = new(string)
			return true, fmt.Errorf("clear avatar: %w", err)
		}
		return true, nil
	}

	if p.svc.transfer == nil {
		return false, nil
	}
	uri, err := p.svc.transfer.TransferToMatrix(ctx, source, p.intent, photo.Location)
	if err != nil {
		return false, fmt.Errorf("transfer avatar: %w", err)
	}
	if uri == "" {
		return false, nil
	}

	committed := photoID
	p.rec.PhotoID = &committed
	if err := p.intent.SetAvatarURL(ctx, uri); err != nil {
		p.rec.PhotoID = new(string)
		return true, fmt.Errorf("set avatar: %w", err)
	}
	return true, nil
}

// EnsureRegistered provisions the default proxy identity in the presentation
// layer once and records the fact.
func (p *Puppet) EnsureRegistered(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rec.IsRegistered {
		return nil
	}
	if err := p.intent.EnsureRegistered(ctx); err != nil {
		return err
	}
	p.rec.IsRegistered = true
	return p.saveLocked(ctx)
}

// StartCustom validates the stored double-puppet session and attaches the
// custom intent. A token that no longer belongs to the configured proxy id is
// cleared from the record.
func (p *Puppet) StartCustom(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rec.CustomMXID == "" {
		return nil
	}
	if p.svc.auth == nil {
		return nil
	}
	owner, err := p.svc.auth.Whoami(ctx, p.rec.BaseURL, p.rec.AccessToken)
	if err != nil {
		return fmt.Errorf("validate double-puppet token: %w", err)
	}
	if owner != matrix.UserID(p.rec.CustomMXID) {
		p.log.Warn("double-puppet access token belongs to another user",
			zap.String("expected", p.rec.CustomMXID), zap.String("actual", string(owner)))
		p.rec.AccessToken = ""
		if err := p.saveLocked(ctx); err != nil {
			return err
		}
		return fmt.Errorf("puppet: double-puppet token owned by %s", owner)
	}

	p.customIntent = p.svc.intents.Intent(matrix.UserID(p.rec.CustomMXID))
	p.log.Info("double puppet started", zap.String("custom_mxid", p.rec.CustomMXID))
	return nil
}

// DefaultShouldLeaveRoom reports whether the default proxy identity should
// leave the room after the double puppet joined it: only in bridged
// multi-user rooms that are not mid-backfill.
func (p *Puppet) DefaultShouldLeaveRoom(roomID matrix.RoomID) bool {
	if p.svc.portals == nil {
		return false
	}
	kind := p.svc.portals.RoomKind(roomID)
	if kind == RoomKindNone || kind == RoomKindUser {
		return false
	}
	return !p.svc.portals.IsBackfillLocked(roomID)
}

func (p *Puppet) saveLocked(ctx context.Context) error {
	return p.svc.store.Save(ctx, p.rec)
}

func (p *Puppet) publishProfileChangeLocked() {
	if p.svc.events == nil {
		return
	}
	p.svc.events.PublishProfileChange(ProfileEvent{
		AccountID:   p.rec.AccountID,
		UserID:      p.defaultUserID,
		Username:    p.rec.Username,
		Displayname: p.rec.Displayname,
		PhotoSet:    p.rec.PhotoID != nil && *p.rec.PhotoID != "",
		Timestamp:   time.Now().UTC(),
	})
}

// truncateName cuts the name to at most limit runes.
func truncateName(name string, limit int) string {
	if limit <= 0 {
		return name
	}
	runes := []rune(name)
	if len(runes) <= limit {
		return name
	}
	return string(runes[:limit])
}
