// Package cache implements the bounded block->txids cache: a byte-sized
// LRU keyed by block hash, used by the query layer to attach confirmed
// heights to txids without re-fetching and re-parsing a block on every
// lookup.
//
// The recency list comes from github.com/hashicorp/golang-lru/v2, used
// with an effectively unbounded entry count: eviction is driven by byte
// budget, not entry count.
package cache

import (
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// hashSize is the byte cost of a single chainhash.Hash, used to estimate
// an entry's footprint: 32 bytes for the key plus 32 bytes per txid in
// the value.
const hashSize = chainhash.HashSize

// BlockTxIDs is a thread-safe, byte-bounded LRU from block hash to that
// block's ordered txid list.
type BlockTxIDs struct {
	mu       sync.Mutex
	lru      *lru.LRU[chainhash.Hash, []chainhash.Hash]
	used     int
	capacity int
}

// NewBlockTxIDs returns a cache bounded to capacityBytes of estimated
// content size.
func NewBlockTxIDs(capacityBytes int) *BlockTxIDs {
	c := &BlockTxIDs{capacity: capacityBytes}
	// The recency list itself is unbounded (math.MaxInt32 entries); actual
	// eviction is driven by c.used vs c.capacity in put, not by entry count.
	l, err := lru.NewLRU[chainhash.Hash, []chainhash.Hash](math.MaxInt32, nil)
	if err != nil {
		panic(err) // unreachable: math.MaxInt32 is always a valid size
	}
	c.lru = l
	return c
}

// GetOrLoad returns the cached txid list for blockHash, calling load on a
// miss and caching its result. load runs outside the cache lock, so two
// concurrent misses on the same key may both load; the second Add simply
// overwrites the first with an identical value.
func (c *BlockTxIDs) GetOrLoad(blockHash chainhash.Hash, load func() ([]chainhash.Hash, error)) ([]chainhash.Hash, error) {
	c.mu.Lock()
	if txids, ok := c.lru.Get(blockHash); ok {
		c.mu.Unlock()
		return txids, nil
	}
	c.mu.Unlock()

	txids, err := load()
	if err != nil {
		return nil, err
	}

	c.put(blockHash, txids)
	return txids, nil
}

func (c *BlockTxIDs) put(blockHash chainhash.Hash, txids []chainhash.Hash) {
	size := hashSize * (1 + len(txids))
	if size > c.capacity {
		return // larger than the whole cache: never store it, never evict for it
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if evicted, ok := c.lru.Get(blockHash); ok {
		c.used -= hashSize * (1 + len(evicted))
	}
	c.lru.Add(blockHash, txids)
	c.used += size

	for c.used > c.capacity {
		_, evicted, ok := c.lru.RemoveOldest()
		if !ok {
			return
		}
		c.used -= hashSize * (1 + len(evicted))
	}
}

// Len reports how many blocks are currently cached, for metrics/tests.
func (c *BlockTxIDs) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
