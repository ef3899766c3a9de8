package indexer

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog"

	"github.com/btcaddrindex/addrindexer/internal/daemon"
	"github.com/btcaddrindex/addrindexer/internal/headerchain"
	"github.com/btcaddrindex/addrindexer/internal/store"
)

// maxReorgDepth bounds how far back Tick will walk looking for a common
// ancestor with the node's current best chain. A split deeper than this is
// treated as a severe, unrecoverable condition rather than the short reorgs
// normal operation produces: this indexer does no full reorg recovery, it
// only re-points at a nearby fork.
const maxReorgDepth = 100

// Daemon is the slice of the node client the incremental updater needs.
// *daemon.Client satisfies it.
type Daemon interface {
	GetBestBlockHash() (chainhash.Hash, error)
	GetBlockHeader(hash chainhash.Hash) (daemon.HeaderEntry, error)
	GetBlocks(hashes []chainhash.Hash) ([]*btcutil.Block, error)
}

// Incremental drives the post-bulk update loop: poll the node for a new
// tip, walk back far enough to find a common ancestor with the local
// header chain (one step, in the common case where the tip simply
// advanced), and index every block from the ancestor forward, one commit
// per block in height order. Committing block N before submitting N+1
// keeps the BlockRow durability signal an accurate progress marker.
type Incremental struct {
	store     *store.Store
	chain     *headerchain.Chain
	client    Daemon
	batchSize int
	log       btclog.Logger
}

// NewIncremental returns an updater writing through s, tracking chain, and
// fetching from client in JSONRPC batches of batchSize blocks.
func NewIncremental(s *store.Store, chain *headerchain.Chain, client Daemon, batchSize int, log btclog.Logger) *Incremental {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Incremental{store: s, chain: chain, client: client, batchSize: batchSize, log: log}
}

// ReorgError reports a chain split deeper than maxReorgDepth: a severe
// condition that halts the updater for operator intervention rather than
// being silently absorbed. Queries keep being served against the stale tip.
type ReorgError struct {
	Depth int
}

func (e *ReorgError) Error() string {
	return fmt.Sprintf("indexer: chain split deeper than %d blocks, refusing to reorg automatically", e.Depth)
}

// Tick runs one polling cycle: if the node's best hash already matches the
// local tip, it is a no-op. Otherwise it walks back to a common ancestor
// and indexes forward to the node's new tip. Blocks strictly above the
// ancestor on the locally stored chain are now orphaned; their rows stay
// in the store and are filtered at query time by the daemon existence
// check.
func (u *Incremental) Tick(ctx context.Context) error {
	bestHash, err := u.client.GetBestBlockHash()
	if err != nil {
		return fmt.Errorf("indexer: get best block hash: %w", err)
	}

	localTip, localTipHeight := u.chain.Tip()
	if bestHash == localTip {
		return nil
	}

	ancestorHeight, newHeaders, err := u.walkToAncestor(bestHash)
	if err != nil {
		return err
	}

	if ancestorHeight < localTipHeight && u.log != nil {
		u.log.Warnf("reorg detected: local tip height %d, fork point height %d, %d blocks orphaned",
			localTipHeight, ancestorHeight, localTipHeight-ancestorHeight)
	}
	if u.log != nil {
		u.log.Infof("advancing from height %d to new tip %s (%d new blocks)",
			ancestorHeight, bestHash, len(newHeaders))
	}

	for start := 0; start < len(newHeaders); start += u.batchSize {
		end := start + u.batchSize
		if end > len(newHeaders) {
			end = len(newHeaders)
		}
		chunk := newHeaders[start:end]

		hashes := make([]chainhash.Hash, len(chunk))
		for i, h := range chunk {
			hashes[i] = h.Hash
		}
		blocks, err := u.client.GetBlocks(hashes)
		if err != nil {
			return fmt.Errorf("indexer: fetch blocks: %w", err)
		}

		for i, block := range blocks {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			batch, err := ExtractBlock(block, chunk[i].Height)
			if err != nil {
				return fmt.Errorf("indexer: extract block %s: %w", chunk[i].Hash, err)
			}
			if err := u.store.Write(batch); err != nil {
				return fmt.Errorf("indexer: write block %s: %w", chunk[i].Hash, err)
			}
		}
	}

	u.chain.Replace(u.rebuildNodes(ancestorHeight, newHeaders))
	return nil
}

// walkToAncestor walks backward from bestHash via getblockheader until it
// finds a hash already present in the local header chain, collecting the
// headers it passes along the way and returning them in ascending height
// order, ready to index. The common case is a single step: bestHash's own
// parent is the current local tip. Reaching the genesis parent (the zero
// hash) means the whole chain is new, reported as ancestor height -1.
func (u *Incremental) walkToAncestor(bestHash chainhash.Hash) (int32, []daemon.HeaderEntry, error) {
	var collected []daemon.HeaderEntry
	var zero chainhash.Hash

	hash := bestHash
	for depth := 0; depth <= maxReorgDepth; depth++ {
		if height, ok := u.chain.HeightOf(hash); ok {
			return height, reverseHeaders(collected), nil
		}
		if hash == zero {
			return -1, reverseHeaders(collected), nil
		}

		entry, err := u.client.GetBlockHeader(hash)
		if err != nil {
			return 0, nil, fmt.Errorf("indexer: get block header %s: %w", hash, err)
		}
		collected = append(collected, entry)
		hash = entry.Header.PrevBlock
	}
	return 0, nil, &ReorgError{Depth: maxReorgDepth}
}

func reverseHeaders(in []daemon.HeaderEntry) []daemon.HeaderEntry {
	out := make([]daemon.HeaderEntry, len(in))
	for i, h := range in {
		out[len(in)-1-i] = h
	}
	return out
}

// rebuildNodes splices the surviving prefix of the old header chain (up to
// and including ancestorHeight) with the newly walked headers above it.
func (u *Incremental) rebuildNodes(ancestorHeight int32, newHeaders []daemon.HeaderEntry) []headerchain.Node {
	nodes := make([]headerchain.Node, 0, int(ancestorHeight)+1+len(newHeaders))
	for h := int32(0); h <= ancestorHeight; h++ {
		node, ok := u.chain.NodeByHeight(h)
		if !ok {
			break
		}
		nodes = append(nodes, node)
	}
	for _, h := range newHeaders {
		nodes = append(nodes, headerchain.Node{
			Hash:   h.Hash,
			Prev:   h.Header.PrevBlock,
			Height: h.Height,
			Header: h.Header,
		})
	}
	return nodes
}
