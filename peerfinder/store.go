package peerfinder

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var _ Manager = (*Finder)(nil)

const bootPrefix = "ep/"

type bootEntry struct {
	LastSeen time.Time `json:"lastSeen"`
	Attempts int       `json:"attempts"`
	Failures int       `json:"failures"`
}

// BootCache is the persistent set of known peer addresses that seeds
// auto-connect and redirect candidate lists across restarts.
type BootCache struct {
	mu sync.Mutex

	db      *leveldb.DB
	entries map[netip.AddrPort]bootEntry
	dirty   map[netip.AddrPort]struct{}
}

// OpenBootCache opens (or creates) a boot cache backed by LevelDB at path.
func OpenBootCache(path string) (*BootCache, error) {
	if path == "" {
		return nil, fmt.Errorf("boot cache path required")
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open boot cache: %w", err)
	}
	cache := &BootCache{
		db:      db,
		entries: make(map[netip.AddrPort]bootEntry),
		dirty:   make(map[netip.AddrPort]struct{}),
	}
	if err := cache.load(); err != nil {
		db.Close()
		return nil, err
	}
	return cache, nil
}

// NewMemoryBootCache returns a cache without persistence, for tests and
// nodes running without a data directory.
func NewMemoryBootCache() *BootCache {
	return &BootCache{
		entries: make(map[netip.AddrPort]bootEntry),
		dirty:   make(map[netip.AddrPort]struct{}),
	}
}

func (c *BootCache) load() error {
	iter := c.db.NewIterator(util.BytesPrefix([]byte(bootPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		addr := string(iter.Key())[len(bootPrefix):]
		ap, err := netip.ParseAddrPort(addr)
		if err != nil {
			continue
		}
		var entry bootEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			continue
		}
		c.entries[ap] = entry
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan boot cache: %w", err)
	}
	return nil
}

// Touch records that addr is known, refreshing its last-seen time.
func (c *BootCache) Touch(addr netip.AddrPort, now time.Time) {
	if !addr.IsValid() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entries[addr]
	if now.After(entry.LastSeen) {
		entry.LastSeen = now
	}
	c.entries[addr] = entry
	c.dirty[addr] = struct{}{}
}

// RecordSuccess notes a completed outbound handshake with addr.
func (c *BootCache) RecordSuccess(addr netip.AddrPort, now time.Time) {
	if !addr.IsValid() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entries[addr]
	entry.LastSeen = now
	entry.Attempts++
	entry.Failures = 0
	c.entries[addr] = entry
	c.dirty[addr] = struct{}{}
}

// RecordFailure notes a failed dial to addr. Addresses that keep failing are
// dropped from the cache.
func (c *BootCache) RecordFailure(addr netip.AddrPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[addr]
	if !ok {
		return
	}
	entry.Attempts++
	entry.Failures++
	if entry.Failures >= 6 {
		delete(c.entries, addr)
	} else {
		c.entries[addr] = entry
	}
	c.dirty[addr] = struct{}{}
}

// Snapshot returns the cached addresses ordered by recency.
func (c *BootCache) Snapshot() []netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]netip.AddrPort, 0, len(c.entries))
	for ap := range c.entries {
		out = append(out, ap)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := c.entries[out[i]], c.entries[out[j]]
		if !a.LastSeen.Equal(b.LastSeen) {
			return a.LastSeen.After(b.LastSeen)
		}
		return out[i].String() < out[j].String()
	})
	return out
}

// Flush writes dirty entries to disk. It is a no-op for memory caches.
func (c *BootCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil || len(c.dirty) == 0 {
		c.dirty = make(map[netip.AddrPort]struct{})
		return nil
	}
	batch := new(leveldb.Batch)
	for addr := range c.dirty {
		key := []byte(bootPrefix + addr.String())
		entry, ok := c.entries[addr]
		if !ok {
			batch.Delete(key)
			continue
		}
		payload, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode boot entry: %w", err)
		}
		batch.Put(key, payload)
	}
	if err := c.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write boot cache: %w", err)
	}
	c.dirty = make(map[netip.AddrPort]struct{})
	return nil
}

// Close flushes and closes the underlying database.
func (c *BootCache) Close() error {
	if err := c.Flush(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}
