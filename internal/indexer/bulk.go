package indexer

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog"

	"github.com/btcaddrindex/addrindexer/internal/blocksource"
	"github.com/btcaddrindex/addrindexer/internal/headerchain"
	"github.com/btcaddrindex/addrindexer/internal/schema"
	"github.com/btcaddrindex/addrindexer/internal/store"
)

// progressInterval governs how often Bulk logs throughput while running.
const progressInterval = 5 * time.Second

// Stats summarizes one bulk run.
type Stats struct {
	BlocksIndexed int64
	BlocksSkipped int64
	RowsWritten   int64
	BytesWritten  int64
}

// BulkIndexer drives the cold-start import pipeline: a skip filter
// against the best-chain header view and the already-indexed BlockRow
// set, a parallel parse/extract stage sized to bulk_index_threads, and a
// single serialized writer, followed by one full compaction.
type BulkIndexer struct {
	store   *store.Store
	chain   *headerchain.Chain
	workers int
	log     btclog.Logger
}

// NewBulkIndexer returns an indexer that writes through s, filtering
// against chain. workers <= 0 defaults to runtime.NumCPU().
func NewBulkIndexer(s *store.Store, chain *headerchain.Chain, workers int, log btclog.Logger) *BulkIndexer {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &BulkIndexer{store: s, chain: chain, workers: workers, log: log}
}

// blockJob is one on-best-chain block handed to the worker pool.
type blockJob struct {
	block  *btcutil.Block
	height int32
}

// Run consumes src until exhausted or ctx is canceled, writing every
// on-best-chain block's rows through the store. On a clean exhaustion (not
// a cancellation or error) it performs the one-shot full compaction and
// persists the FullCompaction marker, so the marker is never present
// without a completed compaction behind it.
func (b *BulkIndexer) Run(ctx context.Context, src blocksource.Source) (Stats, error) {
	var stats Stats

	indexed, err := b.indexedBlocks()
	if err != nil {
		return stats, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rawCh := make(chan blockJob, b.workers*4)
	batchCh := make(chan *store.Batch, b.workers*4)

	var firstErr error
	var errOnce sync.Once
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	var workers sync.WaitGroup
	workers.Add(b.workers)
	for i := 0; i < b.workers; i++ {
		go func() {
			defer workers.Done()
			for job := range rawCh {
				batch, err := ExtractBlock(job.block, job.height)
				if err != nil {
					fail(fmt.Errorf("indexer: extract %s: %w", job.block.Hash(), err))
					return
				}
				select {
				case batchCh <- batch:
					atomic.AddInt64(&stats.BlocksIndexed, 1)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		workers.Wait()
		close(batchCh)
	}()

	var readerDone sync.WaitGroup
	readerDone.Add(1)
	go func() {
		defer readerDone.Done()
		defer close(rawCh)
		if err := b.readLoop(ctx, src, indexed, rawCh, &stats); err != nil {
			fail(err)
		}
	}()

	if err := b.writeLoop(ctx, batchCh, &stats); err != nil {
		fail(err)
	}
	readerDone.Wait()

	if firstErr != nil {
		return stats, firstErr
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	tip, _ := b.chain.Tip()
	if err := b.store.CompactFull(); err != nil {
		return stats, err
	}
	if err := b.store.PersistFullCompactionMarker(schema.FullCompactionMarker{
		CompletedUnixNano: time.Now().UnixNano(),
		TipHash:           tip,
	}); err != nil {
		return stats, err
	}
	if b.log != nil {
		b.log.Infof("bulk index complete: %d blocks indexed, %d skipped, %d rows (%d bytes) written",
			stats.BlocksIndexed, stats.BlocksSkipped, stats.RowsWritten, stats.BytesWritten)
	}
	return stats, nil
}

// indexedBlocks scans the Block family once and returns the set of hashes
// whose BlockRow is already present, so an interrupted bulk run resumes
// without re-extracting finished blocks.
func (b *BulkIndexer) indexedBlocks() (map[chainhash.Hash]struct{}, error) {
	rows, err := b.store.Scan(schema.BlockScanPrefix())
	if err != nil {
		return nil, fmt.Errorf("indexer: scan block rows: %w", err)
	}
	indexed := make(map[chainhash.Hash]struct{}, len(rows))
	for _, row := range rows {
		key, err := schema.DecodeBlockKey(row.Key)
		if err != nil {
			return nil, err
		}
		indexed[key.Hash] = struct{}{}
	}
	return indexed, nil
}

// readLoop pulls blocks from src in file/source order, drops blocks that
// are already indexed or not on the best-chain header view (a block off
// the best chain belongs to an orphaned side branch and must never
// contribute rows), and dispatches survivors to the worker pool.
func (b *BulkIndexer) readLoop(ctx context.Context, src blocksource.Source, indexed map[chainhash.Hash]struct{}, out chan<- blockJob, stats *Stats) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		block, ok, err := src.Next()
		if err != nil {
			return fmt.Errorf("indexer: read block: %w", err)
		}
		if !ok {
			return nil
		}

		if _, done := indexed[*block.Hash()]; done {
			atomic.AddInt64(&stats.BlocksSkipped, 1)
			continue
		}
		height, onChain := b.chain.HeightOf(*block.Hash())
		if !onChain {
			atomic.AddInt64(&stats.BlocksSkipped, 1)
			continue
		}

		select {
		case out <- blockJob{block: block, height: height}:
		case <-ctx.Done():
			return nil
		}
	}
}

// writeLoop is the single serialized committer: every batch that survives
// extraction is written through one goroutine, so concurrent extraction
// never races on store writes.
func (b *BulkIndexer) writeLoop(ctx context.Context, in <-chan *store.Batch, stats *Stats) error {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case batch, ok := <-in:
			if !ok {
				return nil
			}
			rows := batch.Len()
			var batchBytes int64
			batch.Replay(func(key, value []byte) {
				batchBytes += int64(len(key) + len(value))
			})
			if err := b.store.Write(batch); err != nil {
				return fmt.Errorf("indexer: write batch: %w", err)
			}
			atomic.AddInt64(&stats.RowsWritten, int64(rows))
			atomic.AddInt64(&stats.BytesWritten, batchBytes)
		case <-ticker.C:
			if b.log != nil {
				b.log.Infof("bulk indexing: %d blocks, %d rows, %d bytes written so far",
					atomic.LoadInt64(&stats.BlocksIndexed), atomic.LoadInt64(&stats.RowsWritten),
					atomic.LoadInt64(&stats.BytesWritten))
			}
		case <-ctx.Done():
			// Drain remaining already-extracted batches so workers don't
			// block forever on a full batchCh, but stop committing new
			// work.
			for range in {
			}
			return nil
		}
	}
}
