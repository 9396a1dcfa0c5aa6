package puppet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Record is the durable row backing a puppet, keyed by the remote account id.
// The account id never changes after insertion.
type Record struct {
	AccountID int64 `gorm:"column:account_id;primaryKey;autoIncrement:false"`

	// IsRegistered reports whether the presentation-layer account for the
	// default proxy id has been provisioned.
	IsRegistered bool `gorm:"column:is_registered;not null"`

	Displayname string `gorm:"column:displayname;size:320;index"`
	// DisplaynameSource is the account id of the session whose observation
	// set the current displayname. Zero means no source of record.
	DisplaynameSource  int64 `gorm:"column:displayname_source"`
	DisplaynameContact bool  `gorm:"column:displayname_contact;not null"`
	DisplaynameQuality int   `gorm:"column:displayname_quality;not null"`

	DisableUpdates bool   `gorm:"column:disable_updates;not null"`
	Username       string `gorm:"column:username;size:190;index"`
	// PhotoID is nil before the first avatar sync. The empty string is a
	// committed state meaning "explicitly no photo" and must stay distinct
	// from nil.
	PhotoID *string `gorm:"column:photo_id;size:190"`
	IsBot   bool    `gorm:"column:is_bot;not null"`

	// CustomMXID and the three fields below form the optional double-puppet
	// sub-record; they are only meaningful when CustomMXID is non-empty.
	CustomMXID  string `gorm:"column:custom_mxid;size:190;index"`
	AccessToken string `gorm:"column:access_token;size:512"`
	NextBatch   string `gorm:"column:next_batch;size:512"`
	BaseURL     string `gorm:"column:base_url;size:512"`
}

// TableName exposes the table backing puppet records.
func (Record) TableName() string {
	return "puppets"
}

// NewRecord returns the zero-state record for a freshly discovered account.
func NewRecord(accountID int64) *Record {
	return &Record{
		AccountID:          accountID,
		DisplaynameContact: true,
	}
}

// ErrInvalidAccountID indicates a non-positive remote account id.
var ErrInvalidAccountID = errors.New("puppet: invalid account id")

// Store provides durable CRUD for puppet records.
type Store struct {
	db *gorm.DB
}

// NewStore wraps the database handle. The puppets table must already be
// migrated (see internal/database).
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("puppet: database connection required")
	}
	return &Store{db: db}, nil
}

// GetByAccountID fetches one record by account id. A missing row is returned
// as (nil, nil).
func (s *Store) GetByAccountID(ctx context.Context, accountID int64) (*Record, error) {
	if accountID <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAccountID, accountID)
	}
	var record Record
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetByCustomMXID fetches the record whose double-puppet proxy id matches.
func (s *Store) GetByCustomMXID(ctx context.Context, customMXID string) (*Record, error) {
	if customMXID == "" {
		return nil, nil
	}
	var record Record
	err := s.db.WithContext(ctx).Where("custom_mxid = ?", customMXID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// AllWithCustomMXID enumerates every double-puppeted record.
func (s *Store) AllWithCustomMXID(ctx context.Context) ([]*Record, error) {
	var records []*Record
	err := s.db.WithContext(ctx).Where("custom_mxid <> ''").Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// FindByUsername fetches one record by remote username, case-insensitively.
func (s *Store) FindByUsername(ctx context.Context, username string) (*Record, error) {
	if username == "" {
		return nil, nil
	}
	var record Record
	err := s.db.WithContext(ctx).Where("lower(username) = ?", strings.ToLower(username)).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// FindByDisplayname fetches one record by exact displayname.
func (s *Store) FindByDisplayname(ctx context.Context, displayname string) (*Record, error) {
	if displayname == "" {
		return nil, nil
	}
	var record Record
	err := s.db.WithContext(ctx).Where("displayname = ?", displayname).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Insert writes a brand-new record.
func (s *Store) Insert(ctx context.Context, record *Record) error {
	if record == nil || record.AccountID <= 0 {
		return ErrInvalidAccountID
	}
	return s.db.WithContext(ctx).Create(record).Error
}

// Save writes every mutable column of the record back by primary key.
func (s *Store) Save(ctx context.Context, record *Record) error {
	if record == nil || record.AccountID <= 0 {
		return ErrInvalidAccountID
	}
	return s.db.WithContext(ctx).Save(record).Error
}
