package daemon

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// rpcTxNotFound is Bitcoin Core's RPC_INVALID_ADDRESS_OR_KEY code, returned
// by getrawtransaction and getmempoolentry when the node has no record of
// the transaction.
const rpcTxNotFound = -5

// BlockChainInfo is the subset of `getblockchaininfo` the indexer cares
// about: chain identity (for sanity-checking `network`) and the current
// best block.
type BlockChainInfo struct {
	Chain                string `json:"chain"`
	Blocks               int32  `json:"blocks"`
	BestBlockHash        string `json:"bestblockhash"`
	InitialBlockDownload bool   `json:"initialblockdownload"`
}

// GetBlockChainInfo calls `getblockchaininfo`.
func (c *Client) GetBlockChainInfo() (*BlockChainInfo, error) {
	var info BlockChainInfo
	if err := c.Call("getblockchaininfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// NetworkInfo is the subset of `getnetworkinfo` logged at startup to
// identify the node's software version.
type NetworkInfo struct {
	Version         int    `json:"version"`
	SubVersion      string `json:"subversion"`
	ProtocolVersion int    `json:"protocolversion"`
}

// GetNetworkInfo calls `getnetworkinfo`.
func (c *Client) GetNetworkInfo() (*NetworkInfo, error) {
	var info NetworkInfo
	if err := c.Call("getnetworkinfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetBestBlockHash calls `getbestblockhash`.
func (c *Client) GetBestBlockHash() (chainhash.Hash, error) {
	var hashStr string
	if err := c.Call("getbestblockhash", nil, &hashStr); err != nil {
		return chainhash.Hash{}, err
	}
	hash, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("daemon: bad best block hash: %w", err)
	}
	return *hash, nil
}

// GetBlockHash calls `getblockhash(height)`.
func (c *Client) GetBlockHash(height int32) (chainhash.Hash, error) {
	var hashStr string
	if err := c.Call("getblockhash", []interface{}{height}, &hashStr); err != nil {
		return chainhash.Hash{}, err
	}
	hash, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("daemon: bad block hash: %w", err)
	}
	return *hash, nil
}

// headerResult mirrors Bitcoin Core's verbose getblockheader reply, enough
// to reconstruct a wire.BlockHeader and its link to the header chain.
type headerResult struct {
	Hash          string `json:"hash"`
	Height        int32  `json:"height"`
	Version       int32  `json:"version"`
	VersionHex    string `json:"versionHex"`
	MerkleRoot    string `json:"merkleroot"`
	Time          int64  `json:"time"`
	Bits          string `json:"bits"`
	Nonce         uint32 `json:"nonce"`
	PreviousHash  string `json:"previousblockhash"`
	Confirmations int64  `json:"confirmations"`
}

func (h headerResult) toWireHeader() (wire.BlockHeader, error) {
	merkle, err := chainhash.NewHashFromStr(h.MerkleRoot)
	if err != nil {
		return wire.BlockHeader{}, fmt.Errorf("daemon: bad merkle root: %w", err)
	}
	var prev chainhash.Hash
	if h.PreviousHash != "" {
		p, err := chainhash.NewHashFromStr(h.PreviousHash)
		if err != nil {
			return wire.BlockHeader{}, fmt.Errorf("daemon: bad prev hash: %w", err)
		}
		prev = *p
	}
	var bits uint32
	if _, err := fmt.Sscanf(h.Bits, "%x", &bits); err != nil {
		return wire.BlockHeader{}, fmt.Errorf("daemon: bad bits: %w", err)
	}
	return wire.BlockHeader{
		Version:    h.Version,
		PrevBlock:  prev,
		MerkleRoot: *merkle,
		Timestamp:  time.Unix(h.Time, 0),
		Bits:       bits,
		Nonce:      h.Nonce,
	}, nil
}

// HeaderEntry pairs a decoded header with the height the node reports for
// it, as returned by GetBlockHeader/GetBlockHeaders.
type HeaderEntry struct {
	Hash   chainhash.Hash
	Height int32
	Header wire.BlockHeader
}

// GetBlockHeader calls `getblockheader(hash, verbose=true)`.
func (c *Client) GetBlockHeader(hash chainhash.Hash) (HeaderEntry, error) {
	var raw headerResult
	if err := c.Call("getblockheader", []interface{}{hash.String(), true}, &raw); err != nil {
		return HeaderEntry{}, err
	}
	header, err := raw.toWireHeader()
	if err != nil {
		return HeaderEntry{}, err
	}
	return HeaderEntry{Hash: hash, Height: raw.Height, Header: header}, nil
}

// GetBlockHeaders returns up to count best-chain headers for the heights
// following hash, in ascending order. Bitcoin Core has no native "headers
// since X" RPC, so this issues one `getblockheader` call for hash's own
// height, then one JSONRPC batch of `getblockhash` calls followed by one
// batch of `getblockheader` calls: three round trips over the pooled
// connection regardless of count.
// Returns fewer than count entries (possibly zero) when hash is at or near
// the node's tip.
func (c *Client) GetBlockHeaders(hash chainhash.Hash, count int) ([]HeaderEntry, error) {
	start, err := c.GetBlockHeader(hash)
	if err != nil {
		return nil, err
	}

	calls := make([]Call, count)
	for i := 0; i < count; i++ {
		calls[i] = Call{Method: "getblockhash", Params: []interface{}{start.Height + 1 + int32(i)}}
	}
	hashResults, err := c.CallBatch(calls)
	if err != nil {
		return nil, err
	}

	headerCalls := make([]Call, 0, count)
	hashes := make([]chainhash.Hash, 0, count)
	for _, r := range hashResults {
		if r.Err != nil {
			// Past the node's current tip; stop here.
			break
		}
		var hexHash string
		if err := json.Unmarshal(r.Result, &hexHash); err != nil {
			return nil, fmt.Errorf("daemon: malformed getblockhash reply: %w", err)
		}
		h, err := chainhash.NewHashFromStr(hexHash)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, *h)
		headerCalls = append(headerCalls, Call{Method: "getblockheader", Params: []interface{}{hexHash, true}})
	}
	if len(headerCalls) == 0 {
		return nil, nil
	}

	headerResults, err := c.CallBatch(headerCalls)
	if err != nil {
		return nil, err
	}

	entries := make([]HeaderEntry, 0, len(headerResults))
	for i, r := range headerResults {
		if r.Err != nil {
			return nil, r.Err
		}
		var raw headerResult
		if err := json.Unmarshal(r.Result, &raw); err != nil {
			return nil, fmt.Errorf("daemon: malformed getblockheader reply: %w", err)
		}
		header, err := raw.toWireHeader()
		if err != nil {
			return nil, err
		}
		entries = append(entries, HeaderEntry{Hash: hashes[i], Height: raw.Height, Header: header})
	}
	return entries, nil
}

// GetBlock calls `getblock(hash, verbosity=0)` and parses the returned raw
// hex into a full block.
func (c *Client) GetBlock(hash chainhash.Hash) (*btcutil.Block, error) {
	var rawHex string
	if err := c.Call("getblock", []interface{}{hash.String(), 0}, &rawHex); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("daemon: bad block hex: %w", err)
	}
	block, err := btcutil.NewBlockFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("daemon: deserialize block: %w", err)
	}
	return block, nil
}

// GetBlocks fetches the given blocks in one JSONRPC batch. This is the
// block-fetch path the RPC block source and the incremental updater drive
// with index_batch_size hashes at a time.
func (c *Client) GetBlocks(hashes []chainhash.Hash) ([]*btcutil.Block, error) {
	calls := make([]Call, len(hashes))
	for i, h := range hashes {
		calls[i] = Call{Method: "getblock", Params: []interface{}{h.String(), 0}}
	}
	results, err := c.CallBatch(calls)
	if err != nil {
		return nil, err
	}
	blocks := make([]*btcutil.Block, len(results))
	for i, r := range results {
		if r.Err != nil {
			return nil, fmt.Errorf("daemon: getblock %s: %w", hashes[i], r.Err)
		}
		var rawHex string
		if err := json.Unmarshal(r.Result, &rawHex); err != nil {
			return nil, fmt.Errorf("daemon: malformed getblock reply: %w", err)
		}
		raw, err := hex.DecodeString(rawHex)
		if err != nil {
			return nil, fmt.Errorf("daemon: bad block hex: %w", err)
		}
		block, err := btcutil.NewBlockFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("daemon: deserialize block %s: %w", hashes[i], err)
		}
		blocks[i] = block
	}
	return blocks, nil
}

// GetRawTransaction calls `getrawtransaction(txid, verbosity=0)`. Used by
// the query layer to resolve txid-prefix collisions and to drop rows left
// behind by orphaned blocks: a not-found error here means the tx does not
// exist on the node's current best chain.
func (c *Client) GetRawTransaction(txid chainhash.Hash) (*wire.MsgTx, error) {
	var rawHex string
	if err := c.Call("getrawtransaction", []interface{}{txid.String(), 0}, &rawHex); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("daemon: bad tx hex: %w", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("daemon: deserialize tx: %w", err)
	}
	return tx, nil
}

// rawTxVerboseResult is the subset of Bitcoin Core's verbose
// getrawtransaction reply the query layer needs to attach a confirming
// block to a txid.
type rawTxVerboseResult struct {
	BlockHash     string `json:"blockhash"`
	Confirmations int64  `json:"confirmations"`
}

// GetRawTransactionBlock calls `getrawtransaction(txid, verbosity=1)` and
// returns the hash of the block confirming it. found is false if the node
// has no record of the transaction at all (orphaned or never broadcast),
// and also if the node knows it but it is unconfirmed: the index tracks
// confirmed history only, so an unconfirmed hit is treated as a miss.
func (c *Client) GetRawTransactionBlock(txid chainhash.Hash) (chainhash.Hash, bool, error) {
	var raw rawTxVerboseResult
	err := c.Call("getrawtransaction", []interface{}{txid.String(), 1}, &raw)
	if err != nil {
		if rpcErr, ok := err.(*rpcError); ok && rpcErr.Code == rpcTxNotFound {
			return chainhash.Hash{}, false, nil
		}
		return chainhash.Hash{}, false, err
	}
	if raw.BlockHash == "" {
		return chainhash.Hash{}, false, nil
	}
	hash, err := chainhash.NewHashFromStr(raw.BlockHash)
	if err != nil {
		return chainhash.Hash{}, false, fmt.Errorf("daemon: bad block hash in getrawtransaction reply: %w", err)
	}
	return *hash, true, nil
}

// TxExists probes transaction existence against the node's current best
// chain via `getrawtransaction`. The query layer relies on this to filter
// rows whose owning block was reorged out.
func (c *Client) TxExists(txid chainhash.Hash) (bool, error) {
	_, err := c.GetRawTransaction(txid)
	if err == nil {
		return true, nil
	}
	if rpcErr, ok := err.(*rpcError); ok && rpcErr.Code == rpcTxNotFound {
		return false, nil
	}
	return false, err
}

// MempoolEntry is the subset of `getmempoolentry` the existence probe
// needs.
type MempoolEntry struct {
	Height int32 `json:"height"`
}

// GetMempoolEntry calls `getmempoolentry(txid)`, used purely as an
// existence probe: the indexer keeps no mempool view of its own.
func (c *Client) GetMempoolEntry(txid chainhash.Hash) (bool, error) {
	var entry MempoolEntry
	err := c.Call("getmempoolentry", []interface{}{txid.String()}, &entry)
	if err == nil {
		return true, nil
	}
	if rpcErr, ok := err.(*rpcError); ok && rpcErr.Code == rpcTxNotFound {
		return false, nil
	}
	return false, err
}

// GetBlockTxIDs returns the ordered list of txids confirmed in the given
// block, by fetching and parsing the block. Used by the txid cache
// (internal/cache) on a miss.
func (c *Client) GetBlockTxIDs(hash chainhash.Hash) ([]chainhash.Hash, error) {
	block, err := c.GetBlock(hash)
	if err != nil {
		return nil, err
	}
	txs := block.Transactions()
	out := make([]chainhash.Hash, len(txs))
	for i, tx := range txs {
		out[i] = *tx.Hash()
	}
	return out, nil
}
