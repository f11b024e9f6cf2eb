package cache

import (
	"sync"

	"sfbridge/pkg/models"
)

// MemoryCache is an in-process cache with the same contract as RedisCache.
// It backs tests and single-run invocations that have no Redis available;
// state does not survive a restart.
type MemoryCache struct {
	mu    sync.Mutex
	auth  *models.Credentials
	ids   map[string]struct{}
	rows  map[string]map[string]struct{}
	files map[string]struct{}
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		ids:   make(map[string]struct{}),
		rows:  make(map[string]map[string]struct{}),
		files: make(map[string]struct{}),
	}
}

// AuthExists reports whether a credential blob is cached.
func (c *MemoryCache) AuthExists() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth != nil, nil
}

// GetAuth loads the cached credential blob, or nil when absent.
func (c *MemoryCache) GetAuth() (*models.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.auth == nil {
		return nil, nil
	}
	creds := *c.auth
	return &creds, nil
}

// SetAuth stores the credential blob.
func (c *MemoryCache) SetAuth(creds *models.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := *creds
	c.auth = &copied
	return nil
}

// DeleteAuth removes the cached credential blob.
func (c *MemoryCache) DeleteAuth() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth = nil
	return nil
}

// CheckCachedID records the id and reports whether it had already been
// delivered.
func (c *MemoryCache) CheckCachedID(id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ids[id]; ok {
		return true, nil
	}
	c.ids[id] = struct{}{}
	return false, nil
}

// CanSkipDownloadingFile reports whether the file was already fully
// processed.
func (c *MemoryCache) CanSkipDownloadingFile(fileID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.files[fileID]
	return ok, nil
}

// MarkFileDone marks the file as fully processed.
func (c *MemoryCache) MarkFileDone(fileID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[fileID] = struct{}{}
	return nil
}

// RetrieveCachedRowHashes returns the content hashes already delivered for
// the file.
func (c *MemoryCache) RetrieveCachedRowHashes(fileID string) (map[string]struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hashes := make(map[string]struct{}, len(c.rows[fileID]))
	for h := range c.rows[fileID] {
		hashes[h] = struct{}{}
	}
	return hashes, nil
}

// RecordOrSkipRow reports whether the row was already delivered for the
// file; new rows are recorded.
func (c *MemoryCache) RecordOrSkipRow(fileID string, row map[string]string, cached map[string]struct{}) (bool, error) {
	hash := RowHash(row)
	if _, ok := cached[hash]; ok {
		return true, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rows[fileID] == nil {
		c.rows[fileID] = make(map[string]struct{})
	}
	c.rows[fileID][hash] = struct{}{}
	cached[hash] = struct{}{}
	return false, nil
}

// Close is a no-op for the in-process cache.
func (c *MemoryCache) Close() error {
	return nil
}
