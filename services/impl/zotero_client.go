package impl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/scholarcite/citation-backend/config"
	"github.com/scholarcite/citation-backend/models"
)

// zoteroClient talks the Zotero Web API v3. All requests carry the API key
// and version headers; listings paginate on Total-Results with a polite
// inter-page delay.
type zoteroClient struct {
	baseURL    string
	apiVersion string
	apiKey     string
	pageSize   int
	client     *http.Client
}

const zoteroInterPageDelay = 100 * time.Millisecond

func newZoteroClient(cfg *config.ZoteroConfig, apiKey string) *zoteroClient {
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 50
	}
	return &zoteroClient{
		baseURL:    cfg.BaseURL,
		apiVersion: cfg.APIVersion,
		apiKey:     apiKey,
		pageSize:   pageSize,
		client: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
	}
}

func (z *zoteroClient) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	u := z.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating zotero request: %w", err)
	}
	req.Header.Set("Zotero-API-Key", z.apiKey)
	req.Header.Set("Zotero-API-Version", z.apiVersion)

	resp, err := z.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("zotero request %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("zotero %s returned status %d", path, resp.StatusCode)
	}
	return resp, nil
}

// Groups lists the group libraries the key can access.
func (z *zoteroClient) Groups(ctx context.Context, zoteroUserID string) ([]models.ZoteroGroup, error) {
	resp, err := z.get(ctx, fmt.Sprintf("/users/%s/groups", zoteroUserID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var groups []models.ZoteroGroup
	if err := json.NewDecoder(resp.Body).Decode(&groups); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}
	return groups, nil
}

// Collections lists all collections of one library, paginated.
func (z *zoteroClient) Collections(ctx context.Context, libraryPrefix string) ([]models.ZoteroCollection, error) {
	var all []models.ZoteroCollection

	start := 0
	for {
		query := url.Values{}
		query.Set("format", "json")
		query.Set("limit", strconv.Itoa(z.pageSize))
		query.Set("start", strconv.Itoa(start))

		resp, err := z.get(ctx, "/"+libraryPrefix+"/collections", query)
		if err != nil {
			return nil, err
		}

		var page []models.ZoteroCollection
		decodeErr := json.NewDecoder(resp.Body).Decode(&page)
		total := parseTotalResults(resp)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, fmt.Errorf("decode collections: %w", decodeErr)
		}

		all = append(all, page...)
		start += len(page)
		if len(page) == 0 || start >= total {
			return all, nil
		}
		if err := sleepCtx(ctx, zoteroInterPageDelay); err != nil {
			return nil, err
		}
	}
}

// Items pages through a library's (or collection's) items. A non-zero since
// restricts to items whose version advanced past it; collectionKey scopes the
// listing to one collection.
func (z *zoteroClient) Items(ctx context.Context, libraryPrefix, collectionKey string, since int) ([]models.ZoteroItem, error) {
	path := "/" + libraryPrefix + "/items"
	if collectionKey != "" {
		path = "/" + libraryPrefix + "/collections/" + collectionKey + "/items"
	}

	var all []models.ZoteroItem
	start := 0
	for {
		query := url.Values{}
		query.Set("format", "json")
		query.Set("limit", strconv.Itoa(z.pageSize))
		query.Set("start", strconv.Itoa(start))
		if since > 0 {
			query.Set("since", strconv.Itoa(since))
		}

		resp, err := z.get(ctx, path, query)
		if err != nil {
			return nil, err
		}

		var page []models.ZoteroItem
		decodeErr := json.NewDecoder(resp.Body).Decode(&page)
		total := parseTotalResults(resp)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, fmt.Errorf("decode items: %w", decodeErr)
		}

		all = append(all, page...)
		start += len(page)
		if len(page) == 0 || start >= total {
			return all, nil
		}
		if err := sleepCtx(ctx, zoteroInterPageDelay); err != nil {
			return nil, err
		}
	}
}

// DownloadAttachment streams an attachment file into destDir, named by its
// SHA-256 content hash. Returns the stored path and the hash.
func (z *zoteroClient) DownloadAttachment(ctx context.Context, libraryPrefix, itemKey, filename, destDir string) (string, string, error) {
	resp, err := z.get(ctx, "/"+libraryPrefix+"/items/"+itemKey+"/file", nil)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create upload dir: %w", err)
	}

	tmp, err := os.CreateTemp(destDir, "zotero-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	hasher := sha256.New()
	_, err = io.Copy(io.MultiWriter(tmp, hasher), resp.Body)
	closeErr := tmp.Close()
	if err != nil || closeErr != nil {
		os.Remove(tmpPath)
		if err == nil {
			err = closeErr
		}
		return "", "", fmt.Errorf("download attachment %s: %w", itemKey, err)
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	ext := filepath.Ext(filename)
	if ext == "" {
		ext = ".pdf"
	}

	finalPath := filepath.Join(destDir, hash+ext)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("store attachment: %w", err)
	}
	return finalPath, hash, nil
}

func parseTotalResults(resp *http.Response) int {
	total, err := strconv.Atoi(resp.Header.Get("Total-Results"))
	if err != nil {
		return 0
	}
	return total
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
