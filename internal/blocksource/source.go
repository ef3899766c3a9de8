// Package blocksource provides two interchangeable block producers:
// FileSource, which walks blk*.dat files directly off disk, and
// RpcSource, which asks the daemon for blocks in batches.
// Both emit a lazy, single-pass, early-terminable sequence of decoded
// blocks so the bulk pipeline never has to materialize the whole chain in
// memory at once.
package blocksource

import "github.com/btcsuite/btcd/btcutil"

// Source is the common interface both producers satisfy. Next returns the
// next block in the source's own order (file-appearance order for
// FileSource, height order for RpcSource) and ok=false once the source is
// exhausted. Callers MUST call Close when done, including on early
// termination.
type Source interface {
	Next() (*btcutil.Block, bool, error)
	Close() error
}
