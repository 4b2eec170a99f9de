package core

// core/block_cache.go
//
// On-disk cache for blocks fetched from remote peers, keyed by CID. Because
// entries are content addressed, a read re-hashes the file against the CID's
// multihash and silently drops anything that no longer verifies, so a
// corrupted or truncated cache file can never be served as a block. Eviction
// is by recency under a byte budget rather than an entry count: one oversized
// block can displace many small ones.

import (
	"bytes"
	"container/list"
	"os"
	"path/filepath"
	"sync"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// defaultCacheBytes bounds the cache when the caller gives no budget.
const defaultCacheBytes = 1 << 30

type cacheEntry struct {
	cidStr string
	size   int64
}

type blockCache struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	curBytes int64
	order    *list.List               // most recently used at the front
	index    map[string]*list.Element // cid string -> *cacheEntry element
}

func newBlockCache(dir string, maxBytes int64) (*blockCache, error) {
	if maxBytes <= 0 {
		maxBytes = defaultCacheBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &blockCache{
		dir:      dir,
		maxBytes: maxBytes,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}, nil
}

func (c *blockCache) path(cidStr string) string {
	return filepath.Join(c.dir, cidStr)
}

func (c *blockCache) put(cidStr string, data []byte) error {
	size := int64(len(data))
	if size > c.maxBytes {
		return nil // would evict the whole cache for one block
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.index[cidStr]; ok {
		// Content addressed: same CID means same bytes, just refresh.
		c.order.MoveToFront(elem)
		return nil
	}

	for c.curBytes+size > c.maxBytes {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}

	if err := os.WriteFile(c.path(cidStr), data, 0o644); err != nil {
		return err
	}
	c.index[cidStr] = c.order.PushFront(&cacheEntry{cidStr: cidStr, size: size})
	c.curBytes += size
	return nil
}

func (c *blockCache) get(cidStr string) ([]byte, bool) {
	c.mu.Lock()
	elem, ok := c.index[cidStr]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	c.order.MoveToFront(elem)
	c.mu.Unlock()

	data, err := os.ReadFile(c.path(cidStr))
	if err != nil || !c.verify(cidStr, data) {
		// The file went missing or no longer hashes to its CID; forget it.
		c.mu.Lock()
		if elem, ok := c.index[cidStr]; ok {
			c.removeLocked(elem)
		}
		c.mu.Unlock()
		return nil, false
	}
	return data, true
}

// verify re-derives the multihash of data and compares it against the CID.
func (c *blockCache) verify(cidStr string, data []byte) bool {
	parsed, err := cid.Decode(cidStr)
	if err != nil {
		return false
	}
	prefix := parsed.Prefix()
	sum, err := mh.Sum(data, prefix.MhType, prefix.MhLength)
	if err != nil {
		return false
	}
	return bytes.Equal(sum, parsed.Hash())
}

// removeLocked drops an entry and its file. Caller holds mu.
func (c *blockCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	_ = os.Remove(c.path(entry.cidStr))
	delete(c.index, entry.cidStr)
	c.order.Remove(elem)
	c.curBytes -= entry.size
}
