package blocksource

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/btcaddrindex/addrindexer/internal/daemon"
)

// defaultBatchSize is the number of blocks fetched per JSONRPC batch when
// the caller does not configure one.
const defaultBatchSize = 100

// Daemon is the slice of the node client RpcSource needs. *daemon.Client
// satisfies it.
type Daemon interface {
	GetBlock(hash chainhash.Hash) (*btcutil.Block, error)
	GetBlockHeaders(hash chainhash.Hash, count int) ([]daemon.HeaderEntry, error)
	GetBlocks(hashes []chainhash.Hash) ([]*btcutil.Block, error)
}

// RpcSource walks the node's best chain starting at a given hash, fetching
// blocks in JSONRPC batches via the daemon client. Unlike FileSource it
// emits blocks in strict height order.
type RpcSource struct {
	client    Daemon
	batchSize int
	cursor    chainhash.Hash
	started   bool
	done      bool
	pending   []*btcutil.Block
}

// NewRpcSource prepares a source that walks the chain starting at (and
// including) startHash, which must already be known to the node.
// batchSize <= 0 selects the default.
func NewRpcSource(client Daemon, startHash chainhash.Hash, batchSize int) *RpcSource {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &RpcSource{client: client, batchSize: batchSize, cursor: startHash}
}

// Next returns the next block in height order, fetching a new batch of
// headers and blocks from the daemon whenever the current one is drained.
func (s *RpcSource) Next() (*btcutil.Block, bool, error) {
	for len(s.pending) == 0 {
		if s.done {
			return nil, false, nil
		}
		if err := s.fillBatch(); err != nil {
			return nil, false, err
		}
	}

	block := s.pending[0]
	s.pending = s.pending[1:]
	return block, true, nil
}

// fillBatch fetches the next run of blocks. The first call emits the start
// hash's own block; every call asks GetBlockHeaders for the heights
// following s.cursor, so re-anchoring on the last hash seen never
// re-fetches a block.
func (s *RpcSource) fillBatch() error {
	if !s.started {
		s.started = true
		block, err := s.client.GetBlock(s.cursor)
		if err != nil {
			return err
		}
		s.pending = append(s.pending, block)
	}

	headers, err := s.client.GetBlockHeaders(s.cursor, s.batchSize)
	if err != nil {
		return err
	}
	if len(headers) == 0 {
		s.done = true
		return nil
	}

	hashes := make([]chainhash.Hash, len(headers))
	for i, h := range headers {
		hashes[i] = h.Hash
	}
	blocks, err := s.client.GetBlocks(hashes)
	if err != nil {
		return err
	}

	s.pending = append(s.pending, blocks...)
	s.cursor = hashes[len(hashes)-1]
	if len(headers) < s.batchSize {
		s.done = true
	}
	return nil
}

// Close is a no-op: RpcSource holds no resources of its own beyond the
// shared daemon client, which outlives any single source.
func (s *RpcSource) Close() error {
	return nil
}
