package cache

import (
	"sort"
	"sync"
	"time"

	"mailbag/internal/models"
)

// BodyCache keeps decoded message bodies for a short time. It is keyed by
// mailbox and message id, bounded by total text size, and never persisted.
type BodyCache struct {
	ttl     time.Duration
	maxSize int

	mu          sync.Mutex
	entries     map[key]*entry
	currentSize int

	cleanupTicker *time.Ticker
	stop          chan struct{}
	stopOnce      sync.Once

	now func() time.Time
}

type key struct {
	mailbox string
	id      uint32
}

type entry struct {
	body      models.MessageBody
	size      int
	createdAt time.Time
	expiresAt time.Time
}

// New creates a cache and starts its cleanup routine. Close stops it.
func New(ttl time.Duration, maxSize int) *BodyCache {
	c := &BodyCache{
		ttl:           ttl,
		maxSize:       maxSize,
		entries:       make(map[key]*entry),
		cleanupTicker: time.NewTicker(cleanupInterval(ttl)),
		stop:          make(chan struct{}),
		now:           time.Now,
	}
	go c.cleanupRoutine()
	return c
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

func (c *BodyCache) cleanupRoutine() {
	for {
		select {
		case <-c.cleanupTicker.C:
			c.cleanup()
		case <-c.stop:
			return
		}
	}
}

// cleanup drops expired entries, then the oldest ones while the cache is
// over its size limit.
func (c *BodyCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			c.remove(k)
		}
	}
	if c.maxSize <= 0 || c.currentSize <= c.maxSize {
		return
	}

	type ageEntry struct {
		key       key
		createdAt time.Time
	}
	items := make([]ageEntry, 0, len(c.entries))
	for k, e := range c.entries {
		items = append(items, ageEntry{k, e.createdAt})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].createdAt.Before(items[j].createdAt)
	})
	for _, item := range items {
		if c.currentSize <= c.maxSize {
			break
		}
		c.remove(item.key)
	}
}

func (c *BodyCache) remove(k key) {
	if e, ok := c.entries[k]; ok {
		c.currentSize -= e.size
		delete(c.entries, k)
	}
}

// Get returns a copy of the cached body.
func (c *BodyCache) Get(mailbox string, id uint32) (*models.MessageBody, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{mailbox, id}
	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.remove(k)
		return nil, false
	}
	body := e.body
	body.Warnings = append([]string(nil), e.body.Warnings...)
	return &body, true
}

// Set stores body. Bodies larger than the whole cache are not kept.
func (c *BodyCache) Set(body *models.MessageBody) {
	size := len(body.Text)
	if c.maxSize > 0 && size > c.maxSize {
		return
	}

	c.mu.Lock()
	k := key{body.Mailbox, body.ID}
	c.remove(k)
	now := c.now()
	stored := *body
	stored.Warnings = append([]string(nil), body.Warnings...)
	c.entries[k] = &entry{
		body:      stored,
		size:      size,
		createdAt: now,
		expiresAt: now.Add(c.ttl),
	}
	c.currentSize += size
	over := c.maxSize > 0 && c.currentSize > c.maxSize
	c.mu.Unlock()

	if over {
		c.cleanup()
	}
}

// Delete forgets one message.
func (c *BodyCache) Delete(mailbox string, id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(key{mailbox, id})
}

// DeleteMailbox forgets every message of mailbox.
func (c *BodyCache) DeleteMailbox(mailbox string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.mailbox == mailbox {
			c.remove(k)
		}
	}
}

// Len returns the number of cached bodies.
func (c *BodyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *BodyCache) Close() {
	c.stopOnce.Do(func() {
		c.cleanupTicker.Stop()
		close(c.stop)
	})
}
