// Package headerchain holds the in-memory best-chain view: a
// height-ordered sequence of headers from genesis to tip, rebuilt at
// startup and replaced atomically on every incremental tick. It answers
// two questions for the rest of the indexer: "is this hash on the best
// chain" and "what height is it at".
package headerchain

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Node is one link in the header chain.
type Node struct {
	Hash   chainhash.Hash
	Prev   chainhash.Hash
	Height int32
	Header wire.BlockHeader
}

// Chain is a thread-safe, replaceable view of the best chain.
type Chain struct {
	mtx      sync.RWMutex
	byHeight []Node
	byHash   map[chainhash.Hash]int32 // height, keyed by hash
}

// New returns an empty chain.
func New() *Chain {
	return &Chain{byHash: make(map[chainhash.Hash]int32)}
}

// Replace atomically swaps in a new best-chain view. nodes must be ordered
// genesis-first and contiguous by height starting at 0.
func (c *Chain) Replace(nodes []Node) {
	index := make(map[chainhash.Hash]int32, len(nodes))
	for _, n := range nodes {
		index[n.Hash] = n.Height
	}
	c.mtx.Lock()
	c.byHeight = nodes
	c.byHash = index
	c.mtx.Unlock()
}

// Tip returns the current best hash and height, or the zero hash and -1 if
// the chain is empty.
func (c *Chain) Tip() (chainhash.Hash, int32) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	if len(c.byHeight) == 0 {
		return chainhash.Hash{}, -1
	}
	tip := c.byHeight[len(c.byHeight)-1]
	return tip.Hash, tip.Height
}

// Contains reports whether hash is on the current best chain. This backs
// the bulk indexer's skip filter.
func (c *Chain) Contains(hash chainhash.Hash) bool {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	_, ok := c.byHash[hash]
	return ok
}

// HeightOf returns the height of hash on the current best chain.
func (c *Chain) HeightOf(hash chainhash.Hash) (int32, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	h, ok := c.byHash[hash]
	return h, ok
}

// NodeByHeight returns the node at the given height, if any.
func (c *Chain) NodeByHeight(height int32) (Node, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	if height < 0 || int(height) >= len(c.byHeight) {
		return Node{}, false
	}
	return c.byHeight[height], true
}

// Len reports how many headers are currently held.
func (c *Chain) Len() int {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return len(c.byHeight)
}

// BuildFromBlocks reconstructs a best-chain view by walking backwards from
// tipHash through a set of known (hash -> header) pairs, stopping at the
// zero hash (genesis's PrevBlock). A missing linked ancestor is an error:
// it means the given header set does not actually contain a contiguous
// chain ending at tipHash.
func BuildFromBlocks(headers map[chainhash.Hash]wire.BlockHeader, tipHash chainhash.Hash) ([]Node, error) {
	var zero chainhash.Hash
	if tipHash == zero {
		return nil, nil
	}

	var reversed []Node
	hash := tipHash
	for hash != zero {
		header, ok := headers[hash]
		if !ok {
			return nil, &MissingAncestorError{Hash: hash}
		}
		reversed = append(reversed, Node{Hash: hash, Prev: header.PrevBlock, Header: header})
		hash = header.PrevBlock
	}

	nodes := make([]Node, len(reversed))
	for i, n := range reversed {
		n.Height = int32(len(reversed) - 1 - i)
		nodes[len(reversed)-1-i] = n
	}
	return nodes, nil
}

// MissingAncestorError reports that BuildFromBlocks could not link a header
// all the way back to genesis with the headers it was given.
type MissingAncestorError struct {
	Hash chainhash.Hash
}

func (e *MissingAncestorError) Error() string {
	return "headerchain: missing header for " + e.Hash.String()
}
