package impl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/scholarcite/citation-backend/config"
	"github.com/scholarcite/citation-backend/models"
	"github.com/scholarcite/citation-backend/services"
)

// zoteroSyncServiceImpl reconciles the selected subset of a user's Zotero
// library with local papers. Sync is per-item fault isolated: one bad item
// is recorded and skipped, the pass continues.
type zoteroSyncServiceImpl struct {
	db        *gorm.DB
	cfg       *config.ZoteroConfig
	uploadDir string

	mu       sync.Mutex
	progress map[string]models.SyncProgress
	running  map[string]bool
}

func NewZoteroSyncService(db *gorm.DB, cfg *config.ZoteroConfig, dataDir string) services.ZoteroSyncService {
	return &zoteroSyncServiceImpl{
		db:        db,
		cfg:       cfg,
		uploadDir: filepath.Join(dataDir, "uploads"),
		progress:  make(map[string]models.SyncProgress),
		running:   make(map[string]bool),
	}
}

type libraryRef struct {
	id     string // zotero user id or group id
	prefix string // "users/123" or "groups/456"
}

func (z *zoteroSyncServiceImpl) SyncLibrary(ctx context.Context, userID string, opts models.SyncOptions) (*models.SyncResult, error) {
	z.mu.Lock()
	if z.running[userID] {
		z.mu.Unlock()
		return nil, services.ErrSyncInProgress
	}
	z.running[userID] = true
	z.mu.Unlock()
	defer func() {
		z.mu.Lock()
		delete(z.running, userID)
		z.mu.Unlock()
	}()

	userCfg, err := z.loadUserConfig(ctx, userID)
	if err != nil {
		return nil, err
	}
	client := newZoteroClient(z.cfg, userCfg.APIKey)

	z.setProgress(userID, models.SyncProgress{Status: models.SyncPhaseStarting})

	result, err := z.runSync(ctx, client, userCfg, opts)

	status := "success"
	if err != nil {
		status = "error"
		z.setProgress(userID, models.SyncProgress{
			Status:  models.SyncPhaseError,
			Message: err.Error(),
		})
	}

	now := time.Now()
	userCfg.LastSyncAt = &now
	userCfg.LastSyncStatus = status
	if saveErr := z.db.WithContext(context.Background()).Save(userCfg).Error; saveErr != nil {
		log.Printf("Zotero sync: save config for user %s: %v", userCfg.UserID, saveErr)
	}

	if err != nil {
		return nil, err
	}
	z.setProgress(userID, models.SyncProgress{
		Status:  models.SyncPhaseCompleted,
		Message: fmt.Sprintf("%d new, %d updated, %d skipped, %d failed", result.New, result.Updated, result.Skipped, result.Failed),
	})
	return result, nil
}

func (z *zoteroSyncServiceImpl) runSync(ctx context.Context, client *zoteroClient, userCfg *models.UserZoteroConfig, opts models.SyncOptions) (*models.SyncResult, error) {
	collections, err := z.resolveCollections(ctx, client, userCfg)
	if err != nil {
		return nil, err
	}
	libraries := z.selectedLibraries(userCfg, collections)
	filtered := len(userCfg.CollectionList()) > 0

	since := 0
	if opts.ModifiedSince != nil && !opts.ForceFullSync {
		since = *opts.ModifiedSince
	}

	result := &models.SyncResult{}
	for i, lib := range libraries {
		if filtered && len(collections[lib.id]) == 0 {
			// Once collections are selected, libraries without one of their
			// own contribute nothing.
			continue
		}

		z.setProgress(userCfg.UserID, models.SyncProgress{
			Status:             models.SyncPhaseFetching,
			Message:            "Fetching items from " + lib.prefix,
			LibrariesProcessed: i,
			LibrariesTotal:     len(libraries),
		})

		items, err := z.fetchLibraryItems(ctx, client, lib, collections[lib.id], since)
		if err != nil {
			// One unreachable library should not abort the others.
			log.Printf("Zotero sync: fetch %s failed: %v", lib.prefix, err)
			result.Failed++
			continue
		}

		parents, attachments := partitionItems(items)
		for j, item := range parents {
			z.setProgress(userCfg.UserID, models.SyncProgress{
				Status:             models.SyncPhaseProcessing,
				Current:            j + 1,
				Total:              len(parents),
				Message:            item.Data.Title,
				LibrariesProcessed: i,
				LibrariesTotal:     len(libraries),
			})
			z.reconcileItem(ctx, client, lib, item, attachments[item.Key], userCfg.UserID, result)
		}
	}
	return result, nil
}

// selectedLibraries is the union of the selected groups and the libraries the
// selected collections live in. With nothing selected at all it falls back to
// the user's personal library.
func (z *zoteroSyncServiceImpl) selectedLibraries(userCfg *models.UserZoteroConfig, collections map[string][]string) []libraryRef {
	seen := make(map[string]bool)
	var libraries []libraryRef
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		prefix := "groups/" + id
		if id == userCfg.ZoteroUserID {
			prefix = "users/" + id
		}
		libraries = append(libraries, libraryRef{id: id, prefix: prefix})
	}

	for _, groupID := range userCfg.GroupList() {
		add(groupID)
	}
	fromCollections := make([]string, 0, len(collections))
	for id := range collections {
		fromCollections = append(fromCollections, id)
	}
	sort.Strings(fromCollections)
	for _, id := range fromCollections {
		add(id)
	}

	if len(libraries) == 0 && len(userCfg.CollectionList()) == 0 {
		add(userCfg.ZoteroUserID)
	}
	return libraries
}

// resolveCollections maps each library to its selected collection keys.
// Legacy selections stored as bare keys are attributed to their owning
// library by enumerating the collections of every library the API key can
// reach, and the migrated form is persisted.
func (z *zoteroSyncServiceImpl) resolveCollections(ctx context.Context, client *zoteroClient, userCfg *models.UserZoteroConfig) (map[string][]string, error) {
	selections := userCfg.CollectionList()
	byLibrary := make(map[string][]string)
	if len(selections) == 0 {
		return byLibrary, nil
	}

	var legacy []int
	for i, sel := range selections {
		if sel.IsLegacy() {
			legacy = append(legacy, i)
			continue
		}
		byLibrary[sel.LibraryID] = append(byLibrary[sel.LibraryID], sel.Key)
	}

	if len(legacy) > 0 {
		accessible, err := z.accessibleLibraries(ctx, client, userCfg)
		if err != nil {
			return nil, err
		}

		owners := make(map[string]string) // collection key -> library id
		for _, lib := range accessible {
			cols, err := client.Collections(ctx, lib.prefix)
			if err != nil {
				return nil, fmt.Errorf("enumerate collections of %s: %w", lib.prefix, err)
			}
			for _, col := range cols {
				if _, seen := owners[col.Key]; !seen {
					owners[col.Key] = lib.id
				}
			}
		}

		migrated := false
		for _, idx := range legacy {
			libID, found := owners[selections[idx].Key]
			if !found {
				log.Printf("Zotero sync: legacy collection %s not found in any accessible library", selections[idx].Key)
				continue
			}
			selections[idx].LibraryID = libID
			byLibrary[libID] = append(byLibrary[libID], selections[idx].Key)
			migrated = true
		}

		if migrated {
			if err := userCfg.SetCollections(selections); err == nil {
				if err := z.db.WithContext(ctx).Save(userCfg).Error; err != nil {
					log.Printf("Zotero sync: persist migrated collections: %v", err)
				}
			}
		}
	}
	return byLibrary, nil
}

// accessibleLibraries is the personal library plus every group the API key
// can see, regardless of what is selected for sync.
func (z *zoteroSyncServiceImpl) accessibleLibraries(ctx context.Context, client *zoteroClient, userCfg *models.UserZoteroConfig) ([]libraryRef, error) {
	libraries := []libraryRef{{
		id:     userCfg.ZoteroUserID,
		prefix: "users/" + userCfg.ZoteroUserID,
	}}
	groups, err := client.Groups(ctx, userCfg.ZoteroUserID)
	if err != nil {
		return nil, fmt.Errorf("enumerate groups: %w", err)
	}
	for _, group := range groups {
		id := strconv.Itoa(group.ID)
		libraries = append(libraries, libraryRef{id: id, prefix: "groups/" + id})
	}
	return libraries, nil
}

// fetchLibraryItems lists the whole library, or only the selected collections
// when any are configured for it. Items appearing in several selected
// collections are deduplicated by key.
func (z *zoteroSyncServiceImpl) fetchLibraryItems(ctx context.Context, client *zoteroClient, lib libraryRef, collectionKeys []string, since int) ([]models.ZoteroItem, error) {
	if len(collectionKeys) == 0 {
		return client.Items(ctx, lib.prefix, "", since)
	}

	seen := make(map[string]bool)
	var all []models.ZoteroItem
	for _, key := range collectionKeys {
		items, err := client.Items(ctx, lib.prefix, key, since)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if !seen[item.Key] {
				seen[item.Key] = true
				all = append(all, item)
			}
		}
	}
	return all, nil
}

// partitionItems separates citable parent items from their attachment
// children, keyed by parent.
func partitionItems(items []models.ZoteroItem) ([]models.ZoteroItem, map[string][]models.ZoteroItem) {
	var parents []models.ZoteroItem
	attachments := make(map[string][]models.ZoteroItem)

	for _, item := range items {
		switch item.Data.ItemType {
		case "attachment":
			if item.Data.ParentItem != "" {
				attachments[item.Data.ParentItem] = append(attachments[item.Data.ParentItem], item)
			}
		case "note", "annotation":
			// not citable
		default:
			if strings.TrimSpace(item.Data.Title) != "" {
				parents = append(parents, item)
			}
		}
	}
	return parents, attachments
}

// reconcileItem brings one remote item into the local corpus inside its own
// transaction. Failures mark the sync record and count as failed without
// stopping the pass.
func (z *zoteroSyncServiceImpl) reconcileItem(ctx context.Context, client *zoteroClient, lib libraryRef, item models.ZoteroItem, attachments []models.ZoteroItem, userID string, result *models.SyncResult) {
	var record models.ZoteroSyncRecord
	haveRecord := true
	err := z.db.WithContext(ctx).
		Where("user_id = ? AND zotero_key = ?", userID, item.Key).
		First(&record).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("Zotero sync: lookup record %s: %v", item.Key, err)
			result.Failed++
			return
		}
		haveRecord = false
	}

	if haveRecord && record.ZoteroVersion >= item.Version {
		result.Skipped++
		return
	}

	isNew := false
	err = z.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		paper, created, err := z.upsertPaper(tx, item, &record, haveRecord)
		if err != nil {
			return err
		}
		isNew = created

		record.PaperID = paper.ID
		record.UserID = userID
		record.ZoteroLibraryID = lib.id
		record.ZoteroKey = item.Key
		record.ZoteroVersion = item.Version
		record.LastSyncedAt = time.Now()
		record.SyncStatus = models.SyncStatusSynced
		record.LastError = ""
		return tx.Save(&record).Error
	})
	if err != nil {
		log.Printf("Zotero sync: item %s failed: %v", item.Key, err)
		z.markRecordFailed(ctx, userID, item, err)
		result.Failed++
		return
	}

	if err := z.syncAttachment(ctx, client, lib, record.PaperID, attachments); err != nil {
		// Metadata landed; only the file is missing. Not a hard failure.
		log.Printf("Zotero sync: attachment for item %s (paper %s): %v", item.Key, record.PaperID, err)
	}

	if isNew {
		result.New++
	} else {
		result.Updated++
	}
}

// upsertPaper creates or refreshes the local paper for a remote item. A new
// remote item whose DOI matches an existing local paper adopts that paper
// instead of duplicating it.
func (z *zoteroSyncServiceImpl) upsertPaper(tx *gorm.DB, item models.ZoteroItem, record *models.ZoteroSyncRecord, haveRecord bool) (*models.Paper, bool, error) {
	var paper models.Paper
	created := false

	doi := models.NormalizeIdentifier(item.Data.DOI)

	switch {
	case haveRecord:
		if err := tx.First(&paper, "id = ?", record.PaperID).Error; err != nil {
			return nil, false, fmt.Errorf("load paper for record: %w", err)
		}
	case doi != nil:
		err := tx.Where("doi = ?", *doi).First(&paper).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, fmt.Errorf("doi lookup: %w", err)
		}
		created = errors.Is(err, gorm.ErrRecordNotFound)
	default:
		created = true
	}

	applyZoteroMetadata(&paper, item, doi)

	if created {
		paper.Source = models.PaperSourceZotero
		key := item.Key
		paper.ZoteroKey = &key
		if err := tx.Create(&paper).Error; err != nil {
			return nil, false, fmt.Errorf("create paper: %w", err)
		}
		return &paper, true, nil
	}

	if paper.ZoteroKey == nil {
		key := item.Key
		paper.ZoteroKey = &key
	}
	if err := tx.Save(&paper).Error; err != nil {
		return nil, false, fmt.Errorf("update paper: %w", err)
	}
	return &paper, false, nil
}

// applyZoteroMetadata copies the remote metadata onto the paper. The remote
// side is the source of truth for these fields.
func applyZoteroMetadata(paper *models.Paper, item models.ZoteroItem, doi *string) {
	paper.Title = strings.TrimSpace(item.Data.Title)
	paper.Abstract = item.Data.AbstractNote
	paper.Journal = item.Data.PublicationTitle
	if doi != nil {
		paper.DOI = doi
	}
	if year := extractYear(item.Data.Date); year != nil {
		paper.Year = year
	}

	var authors []string
	for _, creator := range item.Data.Creators {
		if creator.CreatorType != "" && creator.CreatorType != "author" {
			continue
		}
		if name := creator.DisplayName(); name != "" {
			authors = append(authors, name)
		}
	}
	if len(authors) > 0 {
		if err := paper.SetAuthors(authors); err != nil {
			log.Printf("Zotero sync: encode authors: %v", err)
		}
	}
}

// syncAttachment downloads the first PDF attachment for a paper that has no
// file yet and queues it for ingestion by clearing is_processed.
func (z *zoteroSyncServiceImpl) syncAttachment(ctx context.Context, client *zoteroClient, lib libraryRef, paperID uuid.UUID, attachments []models.ZoteroItem) error {
	var pdf *models.ZoteroItem
	for i := range attachments {
		if attachments[i].Data.ContentType == "application/pdf" ||
			strings.HasSuffix(strings.ToLower(attachments[i].Data.Filename), ".pdf") {
			pdf = &attachments[i]
			break
		}
	}
	if pdf == nil {
		return nil
	}

	var paper models.Paper
	if err := z.db.WithContext(ctx).First(&paper, "id = ?", paperID).Error; err != nil {
		return fmt.Errorf("load paper: %w", err)
	}
	if paper.FilePath != "" {
		return nil
	}

	path, hash, err := client.DownloadAttachment(ctx, lib.prefix, pdf.Key, pdf.Data.Filename, z.uploadDir)
	if err != nil {
		return err
	}

	return z.db.WithContext(ctx).Model(&models.Paper{}).
		Where("id = ?", paper.ID).
		Updates(map[string]interface{}{
			"file_path":    path,
			"file_hash":    hash,
			"is_processed": false,
		}).Error
}

// markRecordFailed stamps an existing sync record with the error. Items that
// never produced a record keep none; the failure is already counted.
func (z *zoteroSyncServiceImpl) markRecordFailed(ctx context.Context, userID string, item models.ZoteroItem, cause error) {
	msg := cause.Error()
	if len(msg) > processingErrorLimit {
		msg = msg[:processingErrorLimit]
	}

	err := z.db.WithContext(ctx).
		Model(&models.ZoteroSyncRecord{}).
		Where("user_id = ? AND zotero_key = ?", userID, item.Key).
		Updates(map[string]interface{}{
			"sync_status": models.SyncStatusError,
			"last_error":  msg,
		}).Error
	if err != nil {
		log.Printf("Zotero sync: mark record %s failed: %v", item.Key, err)
	}
}

func (z *zoteroSyncServiceImpl) Progress(userID string) models.SyncProgress {
	z.mu.Lock()
	defer z.mu.Unlock()
	if progress, ok := z.progress[userID]; ok {
		return progress
	}
	return models.SyncProgress{Status: models.SyncPhaseIdle}
}

func (z *zoteroSyncServiceImpl) setProgress(userID string, progress models.SyncProgress) {
	z.mu.Lock()
	z.progress[userID] = progress
	z.mu.Unlock()
}

func (z *zoteroSyncServiceImpl) ListGroups(ctx context.Context, userID string) ([]models.ZoteroGroup, error) {
	userCfg, err := z.loadUserConfig(ctx, userID)
	if err != nil {
		return nil, err
	}
	client := newZoteroClient(z.cfg, userCfg.APIKey)
	return client.Groups(ctx, userCfg.ZoteroUserID)
}

func (z *zoteroSyncServiceImpl) ListCollections(ctx context.Context, userID string, libraryID string) ([]models.ZoteroCollection, error) {
	userCfg, err := z.loadUserConfig(ctx, userID)
	if err != nil {
		return nil, err
	}
	client := newZoteroClient(z.cfg, userCfg.APIKey)

	prefix := "groups/" + libraryID
	if libraryID == "" || libraryID == userCfg.ZoteroUserID {
		prefix = "users/" + userCfg.ZoteroUserID
	} else if _, err := strconv.Atoi(libraryID); err != nil {
		return nil, fmt.Errorf("invalid library id %q", libraryID)
	}
	return client.Collections(ctx, prefix)
}

func (z *zoteroSyncServiceImpl) loadUserConfig(ctx context.Context, userID string) (*models.UserZoteroConfig, error) {
	var userCfg models.UserZoteroConfig
	err := z.db.WithContext(ctx).Where("user_id = ?", userID).First(&userCfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, services.ErrZoteroNotConfigured
		}
		return nil, fmt.Errorf("load zotero config: %w", err)
	}
	if userCfg.APIKey == "" || userCfg.ZoteroUserID == "" {
		return nil, services.ErrZoteroNotConfigured
	}
	return &userCfg, nil
}
