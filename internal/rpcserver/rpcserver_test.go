package rpcserver

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/btcaddrindex/addrindexer/internal/cache"
	"github.com/btcaddrindex/addrindexer/internal/daemon"
	"github.com/btcaddrindex/addrindexer/internal/headerchain"
	"github.com/btcaddrindex/addrindexer/internal/indexer"
	"github.com/btcaddrindex/addrindexer/internal/query"
	"github.com/btcaddrindex/addrindexer/internal/store"
)

// fakeNode answers the query engine's daemon calls from an in-memory view.
type fakeNode struct {
	txs        map[chainhash.Hash]*wire.MsgTx
	txBlock    map[chainhash.Hash]chainhash.Hash
	blockTxids map[chainhash.Hash][]chainhash.Hash
	headers    map[chainhash.Hash]daemon.HeaderEntry
}

func (f *fakeNode) GetRawTransaction(txid chainhash.Hash) (*wire.MsgTx, error) {
	tx, ok := f.txs[txid]
	if !ok {
		return nil, fmt.Errorf("no such transaction %s", txid)
	}
	return tx, nil
}

func (f *fakeNode) GetRawTransactionBlock(txid chainhash.Hash) (chainhash.Hash, bool, error) {
	hash, ok := f.txBlock[txid]
	return hash, ok, nil
}

func (f *fakeNode) GetBlockHeader(hash chainhash.Hash) (daemon.HeaderEntry, error) {
	entry, ok := f.headers[hash]
	if !ok {
		return daemon.HeaderEntry{}, fmt.Errorf("unknown block %s", hash)
	}
	return entry, nil
}

func (f *fakeNode) GetBlockTxIDs(hash chainhash.Hash) ([]chainhash.Hash, error) {
	txids, ok := f.blockTxids[hash]
	if !ok {
		return nil, fmt.Errorf("unknown block %s", hash)
	}
	return txids, nil
}

func p2pkhScript(tag byte) []byte {
	script := []byte{txscript.OP_DUP, txscript.OP_HASH160, txscript.OP_DATA_20}
	for i := 0; i < 20; i++ {
		script = append(script, tag)
	}
	return append(script, txscript.OP_EQUALVERIFY, txscript.OP_CHECKSIG)
}

func scriptHashHex(script []byte) string {
	first := sha256.Sum256(script)
	second := sha256.Sum256(first[:])
	return hex.EncodeToString(second[:])
}

// startTestServer indexes one coinbase block paying script and serves it.
func startTestServer(t *testing.T, script []byte) (*Server, *wire.MsgTx) {
	t.Helper()

	cb := wire.NewMsgTx(wire.TxVersion)
	cb.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex),
		SignatureScript:  []byte{0x51},
	})
	cb.AddTxOut(wire.NewTxOut(50_0000_0000, script))

	msg := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   1,
			Timestamp: time.Unix(1700000000, 0),
			Bits:      0x207fffff,
			Nonce:     1,
		},
	}
	require.NoError(t, msg.AddTransaction(cb))
	block := btcutil.NewBlock(msg)

	s, err := store.Open(t.TempDir(), store.ModeBulk)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	batch, err := indexer.ExtractBlock(block, 0)
	require.NoError(t, err)
	require.NoError(t, s.Write(batch))

	chain := headerchain.New()
	chain.Replace([]headerchain.Node{{
		Hash:   *block.Hash(),
		Height: 0,
		Header: block.MsgBlock().Header,
	}})

	node := &fakeNode{
		txs:        map[chainhash.Hash]*wire.MsgTx{cb.TxHash(): cb},
		txBlock:    map[chainhash.Hash]chainhash.Hash{cb.TxHash(): *block.Hash()},
		blockTxids: map[chainhash.Hash][]chainhash.Hash{*block.Hash(): {cb.TxHash()}},
		headers:    map[chainhash.Hash]daemon.HeaderEntry{},
	}

	engine := query.New(s, chain, node, cache.NewBlockTxIDs(1<<20), nil)
	srv := New("127.0.0.1:0", engine, chain, nil, "test")

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})
	return srv, cb
}

// call sends one request line and decodes the one reply line.
func call(t *testing.T, conn net.Conn, reader *bufio.Reader, method string, params ...interface{}) map[string]interface{} {
	t.Helper()

	req := map[string]interface{}{"id": 1, "method": method, "params": params}
	encoded, err := json.Marshal(req)
	require.NoError(t, err)
	encoded = append(encoded, '\n')
	_, err = conn.Write(encoded)
	require.NoError(t, err)

	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var reply map[string]interface{}
	require.NoError(t, json.Unmarshal(line, &reply))
	return reply
}

func dialServer(t *testing.T, srv *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func TestServerVersionAndPing(t *testing.T) {
	srv, _ := startTestServer(t, p2pkhScript(0x01))
	conn, reader := dialServer(t, srv)

	reply := call(t, conn, reader, "server.version")
	result := reply["result"].([]interface{})
	require.Equal(t, "addrindexer test", result[0])
	require.Equal(t, protocolVersion, result[1])

	reply = call(t, conn, reader, "server.ping")
	require.Nil(t, reply["result"])
	require.Empty(t, reply["error"])
}

func TestGetHistoryOverTheWire(t *testing.T) {
	script := p2pkhScript(0x02)
	srv, cb := startTestServer(t, script)
	conn, reader := dialServer(t, srv)

	reply := call(t, conn, reader, "blockchain.scripthash.get_history", scriptHashHex(script))
	require.Empty(t, reply["error"])

	entries := reply["result"].([]interface{})
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]interface{})
	require.Equal(t, cb.TxHash().String(), entry["tx_hash"])
	require.Equal(t, float64(0), entry["height"])
}

func TestGetHistoryEmptyForUnknownScript(t *testing.T) {
	srv, _ := startTestServer(t, p2pkhScript(0x03))
	conn, reader := dialServer(t, srv)

	reply := call(t, conn, reader, "blockchain.scripthash.get_history", scriptHashHex(p2pkhScript(0x42)))
	require.Empty(t, reply["error"])
	require.Empty(t, reply["result"])
}

func TestHeadersSubscribe(t *testing.T) {
	srv, _ := startTestServer(t, p2pkhScript(0x04))
	conn, reader := dialServer(t, srv)

	reply := call(t, conn, reader, "blockchain.headers.subscribe")
	result := reply["result"].(map[string]interface{})
	require.Equal(t, float64(0), result["height"])

	raw, err := hex.DecodeString(result["hex"].(string))
	require.NoError(t, err)
	require.Len(t, raw, 80)
}

func TestBadScriptHashParam(t *testing.T) {
	srv, _ := startTestServer(t, p2pkhScript(0x05))
	conn, reader := dialServer(t, srv)

	reply := call(t, conn, reader, "blockchain.scripthash.get_history", "zzzz")
	require.NotEmpty(t, reply["error"])

	// Missing parameter entirely.
	reply = call(t, conn, reader, "blockchain.scripthash.get_history")
	require.NotEmpty(t, reply["error"])
}

func TestUnknownMethod(t *testing.T) {
	srv, _ := startTestServer(t, p2pkhScript(0x06))
	conn, reader := dialServer(t, srv)

	reply := call(t, conn, reader, "blockchain.wibble")
	require.Contains(t, reply["error"], "unknown method")
}

func TestConcurrentConnections(t *testing.T) {
	script := p2pkhScript(0x07)
	srv, _ := startTestServer(t, script)

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		conn, reader := dialServer(t, srv)
		go func() {
			defer func() { done <- struct{}{} }()
			reply := call(t, conn, reader, "blockchain.scripthash.get_history", scriptHashHex(script))
			require.Empty(t, reply["error"])
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
}
