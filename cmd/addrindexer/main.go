// Command addrindexer runs the address indexer: it builds or loads the
// on-disk index for a trusted full node and serves address-history
// queries over a line-oriented JSONRPC protocol.
//
// Startup is a fixed state machine: load config, open the store in bulk
// mode, do the initial import exactly once (guarded by the FullCompaction
// marker), reopen in serve mode, then loop ticking the incremental
// updater while serving queries.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/spf13/pflag"

	"github.com/btcaddrindex/addrindexer/config"
	"github.com/btcaddrindex/addrindexer/internal/blocksource"
	"github.com/btcaddrindex/addrindexer/internal/cache"
	"github.com/btcaddrindex/addrindexer/internal/daemon"
	"github.com/btcaddrindex/addrindexer/internal/headerchain"
	"github.com/btcaddrindex/addrindexer/internal/indexer"
	"github.com/btcaddrindex/addrindexer/internal/netparams"
	"github.com/btcaddrindex/addrindexer/internal/query"
	"github.com/btcaddrindex/addrindexer/internal/rpcserver"
	"github.com/btcaddrindex/addrindexer/internal/schema"
	"github.com/btcaddrindex/addrindexer/internal/store"
	addrindexerlog "github.com/btcaddrindex/addrindexer/log"
)

// version is the indexer's own version string, reported by server.version.
const version = "0.1.0"

// tickInterval is how often the incremental updater polls the daemon for a
// new tip once serving queries.
const tickInterval = 5 * time.Second

// headerBatchSize is how many headers the startup chain sync requests per
// round trip.
const headerBatchSize = 2016

// anchorProbeLimit bounds how many stored heights the startup sync will
// check against the node before giving up on the stored prefix and
// rebuilding the header chain wholly from the daemon.
const anchorProbeLimit = 1000

func main() {
	fs := pflag.NewFlagSet("addrindexer", pflag.ExitOnError)
	config.RegisterFlags(fs)
	logFile := fs.String("log_file", "", "path to a rotated log file (empty disables file logging)")
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "addrindexer: %v\n", err)
		os.Exit(1)
	}

	if *logFile != "" {
		if err := addrindexerlog.InitLogRotator(*logFile); err != nil {
			fmt.Fprintf(os.Stderr, "addrindexer: %v\n", err)
			os.Exit(1)
		}
	}
	defer addrindexerlog.CloseLogRotator()
	addrindexerlog.SetShowTimestamps(cfg.Timestamp)
	addrindexerlog.SetLogLevels(addrindexerlog.VerboseToLevel(cfg.Verbose))

	if err := run(cfg); err != nil {
		addrindexerlog.MainLog.Errorf("%v", err)
		addrindexerlog.CloseLogRotator()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		addrindexerlog.MainLog.Infof("received shutdown signal")
		cancel()
	}()

	params, err := netparams.Lookup(cfg.Network)
	if err != nil {
		return err
	}

	client := daemon.New(daemon.Config{
		Host:       net.JoinHostPort(cfg.DaemonRPCHost, strconv.Itoa(cfg.DaemonRPCPort)),
		User:       cfg.DaemonUser,
		Pass:       cfg.DaemonPass,
		CookiePath: cfg.CookiePath(),
	}, addrindexerlog.DmonLog)

	if err := checkNode(client, params); err != nil {
		return err
	}

	dbPath := filepath.Join(cfg.DBDir, string(params.Network))
	s, err := store.Open(dbPath, store.ModeBulk)
	if err != nil {
		return err
	}

	chain := headerchain.New()
	if err := syncHeaderChain(s, chain, client); err != nil {
		s.Close()
		return err
	}

	fullyCompacted, err := s.IsFullyCompacted()
	if err != nil {
		s.Close()
		return err
	}
	if !fullyCompacted {
		err := initialImport(ctx, cfg, s, chain, client, params)
		if err != nil {
			s.Close()
			if errors.Is(err, context.Canceled) {
				// Interrupted mid-import: the per-block batches already
				// committed are durable, and the next start resumes where
				// this one left off.
				addrindexerlog.MainLog.Infof("import interrupted, shutting down cleanly")
				return nil
			}
			return err
		}
	}

	// Serving always happens against a serve-mode handle, whether the
	// import just ran or a previous run already left the marker behind.
	s.Close()
	s, err = store.Open(dbPath, store.ModeServe)
	if err != nil {
		return err
	}
	defer s.Close()

	blockTxIDs := cache.NewBlockTxIDs(cfg.BlockTxIDsCacheSizeMB << 20)
	engine := query.New(s, chain, client, blockTxIDs, addrindexerlog.QuryLog)
	incr := indexer.NewIncremental(s, chain, client, cfg.IndexBatchSize, addrindexerlog.IncrLog)

	rpcAddr := net.JoinHostPort(cfg.IndexerRPCHost, strconv.Itoa(cfg.IndexerRPCPort))
	srv := rpcserver.New(rpcAddr, engine, chain, addrindexerlog.RpcsLog, version)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Stop()
	addrindexerlog.RpcsLog.Infof("listening on %s", rpcAddr)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	var halted bool
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if halted {
				continue
			}
			if err := incr.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				var reorgErr *indexer.ReorgError
				if errors.As(err, &reorgErr) {
					// Stop advancing but keep serving queries against the
					// stale tip; the operator restarts once the node's
					// chain state settles.
					addrindexerlog.IncrLog.Criticalf("updater halted: %v", err)
					halted = true
					continue
				}
				addrindexerlog.IncrLog.Errorf("tick failed: %v", err)
			}
		}
	}
}

// checkNode verifies at startup that the node on the other end is on the
// chain the config expects, so a mainnet index is never fed testnet
// blocks.
func checkNode(client *daemon.Client, params netparams.Params) error {
	info, err := client.GetBlockChainInfo()
	if err != nil {
		return fmt.Errorf("addrindexer: node unreachable: %w", err)
	}
	if info.Chain != coreChainName(params.Network) {
		return fmt.Errorf("addrindexer: node is on chain %q, config says %s", info.Chain, params.Network)
	}
	if info.InitialBlockDownload {
		addrindexerlog.MainLog.Warnf("node is still in initial block download; the index will lag until it completes")
	}
	if netInfo, err := client.GetNetworkInfo(); err == nil {
		addrindexerlog.MainLog.Infof("connected to %s (height %d)", netInfo.SubVersion, info.Blocks)
	}
	return nil
}

// coreChainName maps a network name to the chain identifier Bitcoin Core
// reports in getblockchaininfo.
func coreChainName(network netparams.Network) string {
	switch network {
	case netparams.Testnet:
		return "test"
	case netparams.Regtest:
		return "regtest"
	default:
		return "main"
	}
}

// syncHeaderChain rebuilds the in-memory best-chain view: stored BlockRows
// supply the already-indexed prefix (when they still agree with the node),
// and the daemon supplies every header above that, up to its current tip.
func syncHeaderChain(s *store.Store, chain *headerchain.Chain, client *daemon.Client) error {
	stored, err := loadStoredBlocks(s)
	if err != nil {
		return err
	}

	nodes := storedChainPrefix(stored, client)
	if len(nodes) == 0 {
		genesisHash, err := client.GetBlockHash(0)
		if err != nil {
			return fmt.Errorf("addrindexer: get genesis hash: %w", err)
		}
		entry, err := client.GetBlockHeader(genesisHash)
		if err != nil {
			return fmt.Errorf("addrindexer: get genesis header: %w", err)
		}
		nodes = []headerchain.Node{{
			Hash:   genesisHash,
			Prev:   entry.Header.PrevBlock,
			Height: 0,
			Header: entry.Header,
		}}
	}

	cursor := nodes[len(nodes)-1].Hash
	for {
		entries, err := client.GetBlockHeaders(cursor, headerBatchSize)
		if err != nil {
			return fmt.Errorf("addrindexer: fetch headers: %w", err)
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			nodes = append(nodes, headerchain.Node{
				Hash:   e.Hash,
				Prev:   e.Header.PrevBlock,
				Height: e.Height,
				Header: e.Header,
			})
		}
		cursor = entries[len(entries)-1].Hash
		if len(entries) < headerBatchSize {
			break
		}
	}

	chain.Replace(nodes)
	tipHash, tipHeight := chain.Tip()
	addrindexerlog.MainLog.Infof("header chain synced: %d headers, tip %s at height %d",
		chain.Len(), tipHash, tipHeight)
	return nil
}

// loadStoredBlocks scans every BlockRow into memory.
func loadStoredBlocks(s *store.Store) (map[chainhash.Hash]schema.BlockValue, error) {
	rows, err := s.Scan(schema.BlockScanPrefix())
	if err != nil {
		return nil, fmt.Errorf("addrindexer: scan block rows: %w", err)
	}
	stored := make(map[chainhash.Hash]schema.BlockValue, len(rows))
	for _, row := range rows {
		key, err := schema.DecodeBlockKey(row.Key)
		if err != nil {
			return nil, err
		}
		value, err := schema.DecodeBlockValue(row.Value)
		if err != nil {
			return nil, err
		}
		stored[key.Hash] = value
	}
	return stored, nil
}

// storedChainPrefix reconstructs the genesis-to-anchor prefix of the best
// chain from stored BlockRows, where the anchor is the highest stored
// block the node still reports on its best chain. Returns nil when no
// stored block qualifies or when the stored rows do not form a contiguous
// chain down to genesis (an interrupted bulk import leaves holes); the
// caller then rebuilds wholly from the daemon.
func storedChainPrefix(stored map[chainhash.Hash]schema.BlockValue, client *daemon.Client) []headerchain.Node {
	maxHeight := int32(-1)
	for _, v := range stored {
		if v.Height > maxHeight {
			maxHeight = v.Height
		}
	}
	if maxHeight < 0 {
		return nil
	}

	var (
		anchorHash   chainhash.Hash
		anchorHeight = int32(-1)
	)
	probes := 0
	for h := maxHeight; h >= 0 && probes < anchorProbeLimit; h-- {
		probes++
		nodeHash, err := client.GetBlockHash(h)
		if err != nil {
			// Node's chain is shorter than our stored rows; keep walking
			// down until we reach a height it has.
			continue
		}
		if v, ok := stored[nodeHash]; ok && v.Height == h {
			anchorHash, anchorHeight = nodeHash, h
			break
		}
	}
	if anchorHeight < 0 {
		return nil
	}

	headers := make(map[chainhash.Hash]wire.BlockHeader, len(stored))
	for hash, v := range stored {
		headers[hash] = v.Header
	}
	nodes, err := headerchain.BuildFromBlocks(headers, anchorHash)
	if err != nil || int32(len(nodes)) != anchorHeight+1 {
		return nil
	}
	return nodes
}

// initialImport runs the one-time bulk import. The block source is the
// node's blk*.dat files unless jsonrpc_import forces the RPC path (or no
// daemon_dir is configured); either way the bulk indexer finishes with the
// full compaction and the FullCompaction marker.
func initialImport(ctx context.Context, cfg *config.Config, s *store.Store, chain *headerchain.Chain, client *daemon.Client, params netparams.Params) error {
	var src blocksource.Source
	if cfg.JSONRPCImport || cfg.DaemonDir == "" {
		genesisHash, err := client.GetBlockHash(0)
		if err != nil {
			return fmt.Errorf("addrindexer: get genesis hash: %w", err)
		}
		src = blocksource.NewRpcSource(client, genesisHash, cfg.IndexBatchSize)
		addrindexerlog.BulkLog.Infof("importing via daemon RPC from genesis")
	} else {
		fileSrc, err := blocksource.NewFileSource(blocksDir(cfg.DaemonDir), params.Magic)
		if err != nil {
			return err
		}
		src = fileSrc
		addrindexerlog.BulkLog.Infof("importing from %s", blocksDir(cfg.DaemonDir))
	}
	defer src.Close()

	bulk := indexer.NewBulkIndexer(s, chain, cfg.BulkIndexThreads, addrindexerlog.BulkLog)
	_, err := bulk.Run(ctx, src)
	return err
}

// blocksDir locates the blk*.dat files under the node's data directory:
// either directly in daemon_dir or in its conventional blocks/
// subdirectory.
func blocksDir(daemonDir string) string {
	if matches, _ := filepath.Glob(filepath.Join(daemonDir, "blk*.dat")); len(matches) > 0 {
		return daemonDir
	}
	return filepath.Join(daemonDir, "blocks")
}
