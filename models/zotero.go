package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusError   SyncStatus = "error"
)

// ZoteroSyncRecord binds a local paper to its remote Zotero item. The stored
// version is monotonic: items whose remote version has not advanced are
// skipped on re-sync.
type ZoteroSyncRecord struct {
	ID      uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	PaperID uuid.UUID `json:"paper_id" gorm:"type:uuid;not null;index"`
	UserID  string    `json:"user_id" gorm:"type:varchar(255);not null;uniqueIndex:idx_user_zotero_key"`

	ZoteroLibraryID string `json:"zotero_library_id" gorm:"type:varchar(255)"`
	ZoteroKey       string `json:"zotero_key" gorm:"type:varchar(255);not null;uniqueIndex:idx_user_zotero_key"`
	ZoteroVersion   int    `json:"zotero_version" gorm:"default:0"`

	LastSyncedAt time.Time  `json:"last_synced_at"`
	SyncStatus   SyncStatus `json:"sync_status" gorm:"type:varchar(50);default:'pending'"`
	LastError    string     `json:"last_error,omitempty" gorm:"type:varchar(500)"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:now()"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;default:now()"`
}

func (ZoteroSyncRecord) TableName() string {
	return "zotero_sync_records"
}

// CollectionSelection identifies a selected Zotero collection. The legacy
// persisted form was a bare collection key; the current form carries the
// owning library so multi-library setups resolve without enumeration.
type CollectionSelection struct {
	Key       string `json:"key"`
	LibraryID string `json:"libraryId,omitempty"`
}

// UnmarshalJSON accepts both the legacy bare-key form ("ABC123") and the
// current object form ({"key": "ABC123", "libraryId": "12345"}).
func (c *CollectionSelection) UnmarshalJSON(data []byte) error {
	var key string
	if err := json.Unmarshal(data, &key); err == nil {
		c.Key = key
		c.LibraryID = ""
		return nil
	}

	type alias CollectionSelection
	var obj alias
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("collection selection must be a string or object: %w", err)
	}
	*c = CollectionSelection(obj)
	return nil
}

// IsLegacy reports whether this selection still lacks a resolved library.
func (c CollectionSelection) IsLegacy() bool {
	return c.LibraryID == ""
}

// UserZoteroConfig holds per-user Zotero integration state.
type UserZoteroConfig struct {
	ID     uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	UserID string    `json:"user_id" gorm:"type:varchar(255);not null;uniqueIndex"`

	APIKey       string `json:"-" gorm:"type:varchar(255)"`
	ZoteroUserID string `json:"zotero_user_id" gorm:"type:varchar(255)"`

	AutoSync         bool `json:"auto_sync" gorm:"default:false"`
	SyncIntervalMins int  `json:"sync_interval_mins" gorm:"default:60"`

	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastSyncStatus string     `json:"last_sync_status,omitempty" gorm:"type:varchar(50)"`

	SelectedGroups      datatypes.JSON `json:"selected_groups" gorm:"type:jsonb;default:'[]'"`
	SelectedCollections datatypes.JSON `json:"selected_collections" gorm:"type:jsonb;default:'[]'"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:now()"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;default:now()"`
}

func (UserZoteroConfig) TableName() string {
	return "user_zotero_configs"
}

// GroupList decodes the selected library identifiers.
func (c *UserZoteroConfig) GroupList() []string {
	var groups []string
	if len(c.SelectedGroups) == 0 {
		return groups
	}
	_ = jsonUnmarshal(c.SelectedGroups, &groups)
	return groups
}

// CollectionList decodes the selected collections, accepting both the legacy
// and the dual-form encoding.
func (c *UserZoteroConfig) CollectionList() []CollectionSelection {
	var cols []CollectionSelection
	if len(c.SelectedCollections) == 0 {
		return cols
	}
	_ = jsonUnmarshal(c.SelectedCollections, &cols)
	return cols
}

// SetCollections persists the dual-form collection list, completing a legacy
// migration when every entry carries a library id.
func (c *UserZoteroConfig) SetCollections(cols []CollectionSelection) error {
	j, err := ConvertToJSON(cols)
	if err != nil {
		return err
	}
	c.SelectedCollections = j
	return nil
}

type SyncPhase string

const (
	SyncPhaseIdle       SyncPhase = "idle"
	SyncPhaseStarting   SyncPhase = "starting"
	SyncPhaseFetching   SyncPhase = "fetching"
	SyncPhaseProcessing SyncPhase = "processing"
	SyncPhaseCompleted  SyncPhase = "completed"
	SyncPhaseError      SyncPhase = "error"
)

// SyncProgress is the poll-able snapshot of a running synchronisation.
type SyncProgress struct {
	Status             SyncPhase `json:"status"`
	Current            int       `json:"current"`
	Total              int       `json:"total"`
	Message            string    `json:"message,omitempty"`
	LibrariesProcessed int       `json:"libraries_processed"`
	LibrariesTotal     int       `json:"libraries_total"`
}

// SyncResult summarises one completed synchronisation run.
type SyncResult struct {
	New     int `json:"new"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// SyncOptions tunes one synchronisation pass. ModifiedSince is a Zotero
// library version; when set (and not overridden by ForceFullSync) only items
// changed after that version are fetched.
type SyncOptions struct {
	ModifiedSince *int `json:"modified_since,omitempty"`
	ForceFullSync bool `json:"force_full_sync,omitempty"`
}

// ZoteroItem is the wire shape of one item from the Zotero items listing.
type ZoteroItem struct {
	Key     string         `json:"key"`
	Version int            `json:"version"`
	Library ZoteroLibrary  `json:"library"`
	Data    ZoteroItemData `json:"data"`
}

type ZoteroLibrary struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
	Name string `json:"name"`
}

type ZoteroItemData struct {
	Key         string `json:"key"`
	Version     int    `json:"version"`
	ItemType    string `json:"itemType"`
	Title       string `json:"title"`
	ParentItem  string `json:"parentItem,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Filename    string `json:"filename,omitempty"`

	Creators []ZoteroCreator `json:"creators,omitempty"`

	AbstractNote     string `json:"abstractNote,omitempty"`
	PublicationTitle string `json:"publicationTitle,omitempty"`
	Date             string `json:"date,omitempty"`
	DOI              string `json:"DOI,omitempty"`
}

type ZoteroCreator struct {
	CreatorType string `json:"creatorType"`
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName,omitempty"`
	Name        string `json:"name,omitempty"`
}

// DisplayName renders a creator the way the suggestion formatter expects
// author names: "First Last" or the single-field name.
func (c ZoteroCreator) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if c.FirstName == "" {
		return c.LastName
	}
	return c.FirstName + " " + c.LastName
}

// ZoteroCollection is the wire shape of one collection from the listing.
type ZoteroCollection struct {
	Key     string `json:"key"`
	Version int    `json:"version"`
	Data    struct {
		Key              string `json:"key"`
		Name             string `json:"name"`
		ParentCollection any    `json:"parentCollection,omitempty"`
	} `json:"data"`
}

// ZoteroGroup is the wire shape of one group from the groups listing.
type ZoteroGroup struct {
	ID   int `json:"id"`
	Data struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"data"`
}

type ZoteroConfigRequest struct {
	APIKey              string                `json:"api_key"`
	ZoteroUserID        string                `json:"zotero_user_id"`
	AutoSync            *bool                 `json:"auto_sync,omitempty"`
	SyncIntervalMins    *int                  `json:"sync_interval_mins,omitempty"`
	SelectedGroups      []string              `json:"selected_groups,omitempty"`
	SelectedCollections []CollectionSelection `json:"selected_collections,omitempty"`
}
