package continuation

import (
	"sync"

	"github.com/wuwenbin0122/dalsi-gateway/internal/models"
)

type entry struct {
	token        string
	lastResponse models.ResponseMetadata
}

// Cache maps conversation ids to the last continuation token and response
// metadata seen for them. It never expires entries and has no capacity bound;
// its lifetime is the lifetime of the owning session.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]entry)}
}

// Get returns the stored continuation token for conversationID.
func (c *Cache) Get(conversationID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[conversationID]
	if !ok {
		return "", false
	}
	return e.token, true
}

// LastResponse returns the metadata stored alongside the token.
func (c *Cache) LastResponse(conversationID string) (models.ResponseMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[conversationID]
	if !ok {
		return models.ResponseMetadata{}, false
	}
	return e.lastResponse, true
}

// Set overwrites the entry for conversationID. Last write wins; an empty token
// is ignored so that a stored entry always has something to continue.
func (c *Cache) Set(conversationID, token string, metadata models.ResponseMetadata) {
	if token == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[conversationID] = entry{token: token, lastResponse: metadata}
}

func (c *Cache) Clear(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, conversationID)
}

func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
