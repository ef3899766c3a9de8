// Package query implements address-history lookups over the store:
// scan the Funding family for a script hash's prefix, resolve the 8-byte
// txid prefixes back to full txids, verify every candidate against the
// daemon (which simultaneously settles prefix collisions and drops rows
// orphaned by reorgs), then chase spends the same way.
package query

import (
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"

	"github.com/btcaddrindex/addrindexer/internal/cache"
	"github.com/btcaddrindex/addrindexer/internal/daemon"
	"github.com/btcaddrindex/addrindexer/internal/headerchain"
	"github.com/btcaddrindex/addrindexer/internal/schema"
	"github.com/btcaddrindex/addrindexer/internal/store"
)

// Entry is one confirmed (or not-yet-heightable) transaction touching a
// queried script hash, either as a funding output or as a spend of one.
type Entry struct {
	TxID   chainhash.Hash
	Height int32 // -1 if not resolvable to a height
}

// OutPoint identifies one transaction output.
type OutPoint struct {
	TxID chainhash.Hash
	Vout uint32
}

// FundingOutput is one output funding the queried script hash, resolved
// and verified against the daemon.
type FundingOutput struct {
	OutPoint
}

// Daemon is the slice of the node client the query engine needs.
// *daemon.Client satisfies it.
type Daemon interface {
	GetRawTransaction(txid chainhash.Hash) (*wire.MsgTx, error)
	GetRawTransactionBlock(txid chainhash.Hash) (chainhash.Hash, bool, error)
	GetBlockHeader(hash chainhash.Hash) (daemon.HeaderEntry, error)
	GetBlockTxIDs(hash chainhash.Hash) ([]chainhash.Hash, error)
}

// Engine answers address-history queries against a Store, resolving
// 8-byte row prefixes back to full txids via the daemon and attaching
// confirmed heights from the daemon's confirming block and the header
// chain. The txid cache is filled for every confirming block, but heights
// are not read from it.
type Engine struct {
	store  *store.Store
	chain  *headerchain.Chain
	client Daemon
	cache  *cache.BlockTxIDs
	log    btclog.Logger
}

// New returns a query engine reading s, consulting chain for known
// heights, client for collision/orphan resolution, and cache for
// block->txids lookups.
func New(s *store.Store, chain *headerchain.Chain, client Daemon, c *cache.BlockTxIDs, log btclog.Logger) *Engine {
	return &Engine{store: s, chain: chain, client: client, cache: c, log: log}
}

// GetHistory returns, for a 32-byte script hash, every confirmed
// transaction that funds an output paying to it, and every transaction
// that spends one of those outputs, deduplicated. No ordering is promised;
// callers sort as needed.
func (e *Engine) GetHistory(scriptHash [32]byte) ([]Entry, error) {
	funding, err := e.fundingOutputs(scriptHash)
	if err != nil {
		return nil, err
	}

	seen := make(map[chainhash.Hash]struct{}, len(funding))
	var entries []Entry
	addEntry := func(txid chainhash.Hash) error {
		if _, ok := seen[txid]; ok {
			return nil
		}
		seen[txid] = struct{}{}
		height, err := e.heightOf(txid)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{TxID: txid, Height: height})
		return nil
	}

	for _, f := range funding {
		if err := addEntry(f.TxID); err != nil {
			return nil, err
		}
		spends, err := e.spendingTxIDs(f.TxID)
		if err != nil {
			return nil, err
		}
		for _, s := range spends {
			if err := addEntry(s); err != nil {
				return nil, err
			}
		}
	}
	return entries, nil
}

// GetUTXOs returns every output funding scriptHash that has not been
// spent by any transaction this indexer knows of: the funding set minus
// the spending set.
func (e *Engine) GetUTXOs(scriptHash [32]byte) ([]OutPoint, error) {
	funding, err := e.fundingOutputs(scriptHash)
	if err != nil {
		return nil, err
	}

	var utxos []OutPoint
	for _, f := range funding {
		spends, err := e.spendingTxIDs(f.TxID)
		if err != nil {
			return nil, err
		}
		spent := false
		for _, s := range spends {
			tx, err := e.client.GetRawTransaction(s)
			if err != nil {
				continue
			}
			for _, in := range tx.TxIn {
				if in.PreviousOutPoint.Hash == f.TxID && in.PreviousOutPoint.Index == f.Vout {
					spent = true
					break
				}
			}
			if spent {
				break
			}
		}
		if !spent {
			utxos = append(utxos, f.OutPoint)
		}
	}
	return utxos, nil
}

// GetOldestTx returns the earliest-confirmed history entry at or before
// currentHeight, for clients that need an address's funding origin.
func (e *Engine) GetOldestTx(scriptHash [32]byte, currentHeight int32) (Entry, bool, error) {
	entries, err := e.GetHistory(scriptHash)
	if err != nil {
		return Entry{}, false, err
	}

	var oldest Entry
	found := false
	for _, entry := range entries {
		if entry.Height < 0 || entry.Height > currentHeight {
			continue
		}
		if !found || entry.Height < oldest.Height {
			oldest = entry
			found = true
		}
	}
	return oldest, found, nil
}

// fundingOutputs runs query step 1-2: scan the Funding family for the
// script hash's 8-byte prefix, then resolve each funding row's txid
// prefix to a verified, still-existing full txid that actually pays to
// scriptHash.
func (e *Engine) fundingOutputs(scriptHash [32]byte) ([]FundingOutput, error) {
	rows, err := e.store.Scan(schema.FundingScanPrefix(scriptHash[:]))
	if err != nil {
		return nil, fmt.Errorf("query: scan funding: %w", err)
	}

	var out []FundingOutput
	for _, row := range rows {
		key, err := schema.DecodeFundingKey(row.Key)
		if err != nil {
			return nil, err
		}
		txid, ok, err := e.resolveFundingTxID(key, scriptHash)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, FundingOutput{OutPoint{TxID: txid, Vout: uint32(key.OutputIndex)}})
		}
	}
	return out, nil
}

// resolveFundingTxID resolves a FundingKey's 8-byte txid prefix to the
// one full txid (among any prefix-colliding candidates) that both exists
// on the node's current best chain and actually has an output at
// key.OutputIndex paying to scriptHash. The daemon check must never be
// short-circuited: it is what keeps prefix collisions and orphaned rows
// out of results.
func (e *Engine) resolveFundingTxID(key schema.FundingKey, scriptHash [32]byte) (chainhash.Hash, bool, error) {
	candidates, err := e.resolveTxIDPrefix(key.TxIDPrefix)
	if err != nil {
		return chainhash.Hash{}, false, err
	}
	for _, txid := range candidates {
		tx, err := e.client.GetRawTransaction(txid)
		if err != nil {
			continue // orphaned or unknown to the node: drop silently
		}
		if int(key.OutputIndex) >= len(tx.TxOut) {
			continue
		}
		if scriptHashOf(tx.TxOut[key.OutputIndex].PkScript) != scriptHash {
			continue
		}
		return txid, true, nil
	}
	return chainhash.Hash{}, false, nil
}

// spendingTxIDs scans the Spending family for every spend of any output
// of fundingTxID, resolving and existence-filtering each spending-txid
// prefix the same way fundingOutputs does.
func (e *Engine) spendingTxIDs(fundingTxID chainhash.Hash) ([]chainhash.Hash, error) {
	tx, err := e.client.GetRawTransaction(fundingTxID)
	if err != nil {
		return nil, nil // orphaned funding tx: nothing to chase
	}

	var out []chainhash.Hash
	for i := range tx.TxOut {
		rows, err := e.store.Scan(schema.SpendingScanPrefix(fundingTxID, uint32(i)))
		if err != nil {
			return nil, fmt.Errorf("query: scan spending: %w", err)
		}
		for _, row := range rows {
			key, err := schema.DecodeSpendingKey(row.Key)
			if err != nil {
				return nil, err
			}
			candidates, err := e.resolveTxIDPrefix(key.SpendingTxID)
			if err != nil {
				return nil, err
			}
			for _, txid := range candidates {
				if _, err := e.client.GetRawTransaction(txid); err != nil {
					continue
				}
				out = append(out, txid)
			}
		}
	}
	return out, nil
}

// resolveTxIDPrefix returns every full txid stored under the TxID family
// sharing the given 8-byte prefix. Normally resolves to exactly one; more
// than one is the prefix-collision case the caller must existence-check.
func (e *Engine) resolveTxIDPrefix(prefix schema.HashPrefix) ([]chainhash.Hash, error) {
	rows, err := e.store.Scan(schema.TxIDScanPrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("query: scan txid: %w", err)
	}
	out := make([]chainhash.Hash, 0, len(rows))
	for _, row := range rows {
		key, err := schema.DecodeTxIDKey(row.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, key.TxID)
	}
	return out, nil
}

// heightOf attaches a confirmed height to txid: ask the daemon which
// block confirms it, then resolve that block to a height via the local
// header chain, falling back to the daemon for blocks past the local tip.
// Returns height -1 if the daemon no longer knows of the transaction at
// all (should not normally happen here, since callers only call heightOf
// on txids they just validated via GetRawTransaction).
func (e *Engine) heightOf(txid chainhash.Hash) (int32, error) {
	blockHash, ok, err := e.client.GetRawTransactionBlock(txid)
	if err != nil {
		return -1, fmt.Errorf("query: resolve confirming block for %s: %w", txid, err)
	}
	if !ok {
		return -1, nil
	}

	if height, ok := e.chain.HeightOf(blockHash); ok {
		if err := e.warmCache(blockHash); err != nil {
			return height, err
		}
		return height, nil
	}

	entry, err := e.client.GetBlockHeader(blockHash)
	if err != nil {
		return -1, fmt.Errorf("query: fetch header for confirming block %s: %w", blockHash, err)
	}
	if err := e.warmCache(blockHash); err != nil {
		return entry.Height, err
	}
	return entry.Height, nil
}

// warmCache ensures blockHash's ordered txid list is cached, fetching it
// from the daemon on a miss. The list itself isn't consumed by heightOf,
// but keeping it warm serves repeat lookups against the same block
// (e.g. many addresses funded in one block) without repeated daemon round
// trips.
func (e *Engine) warmCache(blockHash chainhash.Hash) error {
	_, err := e.cache.GetOrLoad(blockHash, func() ([]chainhash.Hash, error) {
		return e.client.GetBlockTxIDs(blockHash)
	})
	return err
}

// SortByHeight orders entries ascending by height, with unresolved (-1)
// entries last. For callers (e.g. the RPC server) that want a stable
// presentation order; GetHistory itself makes no ordering promise.
func SortByHeight(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		hi, hj := entries[i].Height, entries[j].Height
		if hi < 0 {
			return false
		}
		if hj < 0 {
			return true
		}
		return hi < hj
	})
}

// scriptHashOf mirrors internal/indexer's scriptHash: the double-SHA256 of
// an output script, duplicated here rather than imported to keep query
// from depending on the indexer package for one pure function.
func scriptHashOf(pkScript []byte) [32]byte {
	first := sha256.Sum256(pkScript)
	return sha256.Sum256(first[:])
}
