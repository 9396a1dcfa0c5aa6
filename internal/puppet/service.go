package puppet

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/lumeno/telebridge/internal/matrix"
	"github.com/lumeno/telebridge/internal/remote"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ServiceConfig describes the dependencies and bridge settings for the
// identity cache.
type ServiceConfig struct {
	Store   *Store
	Intents matrix.IntentProvider
	// Transfer moves remote avatar content into the presentation layer's
	// media store. Optional; without it avatar sets are treated as producing
	// no content.
	Transfer remote.FileTransferrer
	// Auth validates double-puppet access tokens at warm start. Optional.
	Auth matrix.Authenticator
	// Portals answers room membership questions. Optional.
	Portals PortalQuery
	// Events receives profile-change notifications after a successful save.
	// Optional.
	Events ProfileEventSink
	Logger *zap.Logger

	IDTemplate            matrix.IDTemplate
	DisplaynameTemplate   matrix.DisplaynameTemplate
	DisplaynamePreference []string
	DisplaynameMaxLength  int
	AllowAvatarRemove     bool
}

// Service is the process-wide identity cache: the only legal path from an
// account id or a custom proxy id to a live Puppet. Each account id maps to
// at most one instance for the lifetime of the process.
type Service struct {
	store    *Store
	intents  matrix.IntentProvider
	transfer remote.FileTransferrer
	auth     matrix.Authenticator
	portals  PortalQuery
	events   ProfileEventSink
	log      *zap.Logger

	idTemplate            matrix.IDTemplate
	displaynameTemplate   matrix.DisplaynameTemplate
	displaynamePreference []string
	displaynameMaxLength  int
	allowAvatarRemove     bool

	cacheMu      sync.RWMutex
	byAccount    map[int64]*Puppet
	byCustomMXID map[matrix.UserID]*Puppet

	accountLocks lockRegistry
	mxidLocks    lockRegistry
}

// NewService constructs the identity cache.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("puppet: record store required")
	}
	if cfg.Intents == nil {
		return nil, fmt.Errorf("puppet: intent provider required")
	}
	if len(cfg.DisplaynamePreference) == 0 {
		return nil, fmt.Errorf("puppet: displayname preference list required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxLength := cfg.DisplaynameMaxLength
	if maxLength <= 0 {
		maxLength = defaultDisplaynameMaxLength
	}
	return &Service{
		store:                 cfg.Store,
		intents:               cfg.Intents,
		transfer:              cfg.Transfer,
		auth:                  cfg.Auth,
		portals:               cfg.Portals,
		events:                cfg.Events,
		log:                   logger,
		idTemplate:            cfg.IDTemplate,
		displaynameTemplate:   cfg.DisplaynameTemplate,
		displaynamePreference: cfg.DisplaynamePreference,
		displaynameMaxLength:  maxLength,
		allowAvatarRemove:     cfg.AllowAvatarRemove,
		byAccount:             make(map[int64]*Puppet),
		byCustomMXID:          make(map[matrix.UserID]*Puppet),
	}, nil
}

const defaultDisplaynameMaxLength = 100

// GetByAccount returns the puppet for the account id. A cache hit returns
// immediately; a miss loads the record from the store, creating and inserting
// a zero-state record first when create is true. Concurrent callers for the
// same id are coalesced onto a single load-or-create; callers for distinct
// ids never block each other. Not-found with create=false is (nil, nil).
func (s *Service) GetByAccount(ctx context.Context, accountID int64, create bool) (*Puppet, error) {
	if accountID <= 0 {
		return nil, nil
	}
	unlock := s.accountLocks.lock(strconv.FormatInt(accountID, 10))
	defer unlock()

	if cached := s.cachedByAccount(accountID); cached != nil {
		return cached, nil
	}

	record, err := s.store.GetByAccountID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if record != nil {
		return s.addToCache(s.newPuppet(record)), nil
	}
	if !create {
		return nil, nil
	}

	record = NewRecord(accountID)
	if err := s.store.Insert(ctx, record); err != nil {
		return nil, err
	}
	return s.addToCache(s.newPuppet(record)), nil
}

// GetByMXID resolves a proxy user id through the id template and delegates
// to GetByAccount. User ids outside the bridge's namespace return (nil, nil).
func (s *Service) GetByMXID(ctx context.Context, userID matrix.UserID, create bool) (*Puppet, error) {
	accountID, ok := s.idTemplate.ParseUserID(userID)
	if !ok {
		return nil, nil
	}
	return s.GetByAccount(ctx, accountID, create)
}

// GetByCustomMXID returns the puppet double-puppeted by the given proxy id.
// Proxy ids are only ever discovered from existing records, so this path
// never creates.
func (s *Service) GetByCustomMXID(ctx context.Context, customMXID matrix.UserID) (*Puppet, error) {
	if customMXID == "" {
		return nil, nil
	}
	unlock := s.mxidLocks.lock(string(customMXID))
	defer unlock()

	s.cacheMu.RLock()
	cached := s.byCustomMXID[customMXID]
	s.cacheMu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	record, err := s.store.GetByCustomMXID(ctx, string(customMXID))
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	return s.resolveRecord(record), nil
}

// FindByUsername looks a puppet up by remote username, case-insensitively.
// The live cache is authoritative and scanned first; a store hit is resolved
// back to the cached instance when one exists.
func (s *Service) FindByUsername(ctx context.Context, username string) (*Puppet, error) {
	if username == "" {
		return nil, nil
	}
	lowered := strings.ToLower(username)

	s.cacheMu.RLock()
	for _, cached := range s.byAccount {
		if name := cached.Username(); name != "" && strings.ToLower(name) == lowered {
			s.cacheMu.RUnlock()
			return cached, nil
		}
	}
	s.cacheMu.RUnlock()

	record, err := s.store.FindByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	return s.resolveRecord(record), nil
}

// FindByDisplayname looks a puppet up by exact displayname, cache first.
func (s *Service) FindByDisplayname(ctx context.Context, displayname string) (*Puppet, error) {
	if displayname == "" {
		return nil, nil
	}

	s.cacheMu.RLock()
	for _, cached := range s.byAccount {
		if cached.Displayname() == displayname {
			s.cacheMu.RUnlock()
			return cached, nil
		}
	}
	s.cacheMu.RUnlock()

	record, err := s.store.FindByDisplayname(ctx, displayname)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	return s.resolveRecord(record), nil
}

// AllWithCustomMXID materializes every double-puppeted identity, resolving
// store rows back to already-cached instances.
func (s *Service) AllWithCustomMXID(ctx context.Context) ([]*Puppet, error) {
	records, err := s.store.AllWithCustomMXID(ctx)
	if err != nil {
		return nil, err
	}
	puppets := make([]*Puppet, 0, len(records))
	for _, record := range records {
		puppets = append(puppets, s.resolveRecord(record))
	}
	return puppets, nil
}

// startCustomPuppetConcurrency bounds parallel token validations at warm start.
const startCustomPuppetConcurrency = 8

// StartCustomPuppets is the warm-start routine: it materializes every
// double-puppeted identity and validates each one's stored session. Per-puppet
// failures are logged and do not abort the remaining starts.
func (s *Service) StartCustomPuppets(ctx context.Context) error {
	puppets, err := s.AllWithCustomMXID(ctx)
	if err != nil {
		return err
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(startCustomPuppetConcurrency)
	for _, instance := range puppets {
		group.Go(func() error {
			if err := instance.StartCustom(groupCtx); err != nil {
				instance.log.Warn("failed to start double puppet", zap.Error(err))
			}
			return nil
		})
	}
	return group.Wait()
}

// SearchResult is one similarity match from Search.
type SearchResult struct {
	Puppet *Puppet
	Score  int
}

// Search ranks the live cache against the query by similarity score,
// descending, dropping zero scores. Limit <= 0 means no limit.
func (s *Service) Search(query string, limit int) []SearchResult {
	if query == "" {
		return nil
	}
	s.cacheMu.RLock()
	results := make([]SearchResult, 0, len(s.byAccount))
	for _, cached := range s.byAccount {
		if score := cached.Similarity(query); score > 0 {
			results = append(results, SearchResult{Puppet: cached, Score: score})
		}
	}
	s.cacheMu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Puppet.AccountID() < results[j].Puppet.AccountID()
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// cachedByAccount reads the account map under the cache lock.
func (s *Service) cachedByAccount(accountID int64) *Puppet {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.byAccount[accountID]
}

// resolveRecord maps a freshly loaded store row to the authoritative cached
// instance, caching a new puppet only when the account id has never been
// seen. The cached instance may carry newer uncommitted state than the row.
func (s *Service) resolveRecord(record *Record) *Puppet {
	unlock := s.accountLocks.lock(strconv.FormatInt(record.AccountID, 10))
	defer unlock()
	if cached := s.cachedByAccount(record.AccountID); cached != nil {
		return cached
	}
	return s.addToCache(s.newPuppet(record))
}

// addToCache is the single insertion path for both maps.
func (s *Service) addToCache(instance *Puppet) *Puppet {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.byAccount[instance.rec.AccountID] = instance
	if instance.rec.CustomMXID != "" {
		s.byCustomMXID[matrix.UserID(instance.rec.CustomMXID)] = instance
	}
	return instance
}

// lockRegistry hands out one mutex per key. Entries live for the process
// lifetime, matching the cache's no-eviction model.
type lockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lock acquires the mutex for key and returns its unlock function.
func (r *lockRegistry) lock(key string) func() {
	r.mu.Lock()
	if r.locks == nil {
		r.locks = make(map[string]*sync.Mutex)
	}
	entry, ok := r.locks[key]
	if !ok {
		entry = &sync.Mutex{}
		r.locks[key] = entry
	}
	r.mu.Unlock()

	entry.Lock()
	return entry.Unlock
}
