// Package rpcserver is the indexer's query-facing interface: a thin
// line-oriented JSONRPC TCP server speaking the small subset of the
// Electrum protocol needed for address-history queries, one goroutine per
// connection.
package rpcserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/btcsuite/btclog"

	"github.com/btcaddrindex/addrindexer/internal/headerchain"
	"github.com/btcaddrindex/addrindexer/internal/query"
)

// protocolVersion is the Electrum protocol version reported by
// server.version.
const protocolVersion = "1.4"

// Server accepts line-oriented JSONRPC connections and answers
// address-history methods against a query.Engine.
type Server struct {
	listenAddr string
	engine     *query.Engine
	chain      *headerchain.Chain
	log        btclog.Logger
	version    string

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New returns a server that will listen on listenAddr once Start is
// called.
func New(listenAddr string, engine *query.Engine, chain *headerchain.Chain, log btclog.Logger, version string) *Server {
	return &Server{listenAddr: listenAddr, engine: engine, chain: chain, log: log, version: version}
}

// Start opens the listener and begins accepting connections in the
// background. It returns once the listener is open; Stop or ctx
// cancellation ends the accept loop, and ctx cancellation also closes
// every open connection.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("rpcserver: listen %s: %w", s.listenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, ln)
	}()
	return nil
}

// Addr returns the address the server is listening on, or nil before
// Start has succeeded. Mostly useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for every in-flight connection
// handler to return.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if s.log != nil {
				s.log.Errorf("rpcserver: accept: %v", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn reads newline-delimited JSON requests and writes
// newline-delimited JSON replies, one line in, one line out.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Close the connection on ctx cancellation so a handler blocked
	// reading from an idle client returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		reply := s.dispatch(line)
		encoded, err := json.Marshal(reply)
		if err != nil {
			if s.log != nil {
				s.log.Errorf("rpcserver: marshal reply: %v", err)
			}
			return
		}
		encoded = append(encoded, '\n')
		if _, err := conn.Write(encoded); err != nil {
			return
		}
	}
}

type request struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     json.RawMessage   `json:"id"`
}

type reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (s *Server) dispatch(line []byte) reply {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		return reply{JSONRPC: "2.0", Error: fmt.Sprintf("invalid JSON: %v", err)}
	}

	result, err := s.handleCommand(req.Method, req.Params)
	if err != nil {
		if s.log != nil {
			s.log.Warnf("rpcserver: %s failed: %v", req.Method, err)
		}
		return reply{JSONRPC: "2.0", ID: req.ID, Error: err.Error()}
	}
	return reply{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (s *Server) handleCommand(method string, params []json.RawMessage) (interface{}, error) {
	switch method {
	case "server.version":
		return [2]string{"addrindexer " + s.version, protocolVersion}, nil
	case "server.ping":
		return nil, nil
	case "blockchain.headers.subscribe":
		return s.headersSubscribe()
	case "blockchain.scripthash.get_balance":
		return balanceStub{}, nil
	case "blockchain.scripthash.get_history":
		return s.getHistory(params)
	case "blockchain.scripthash.get_oldest_tx":
		return s.getOldestTx(params)
	case "blockchain.scripthash.get_utxos":
		return s.getUTXOs(params)
	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

// balanceStub answers blockchain.scripthash.get_balance. The index tracks
// history, not values, so the balance is always reported as unknown.
type balanceStub struct {
	Confirmed   interface{} `json:"confirmed"`
	Unconfirmed interface{} `json:"unconfirmed"`
}

func (s *Server) headersSubscribe() (interface{}, error) {
	_, height := s.chain.Tip()
	node, ok := s.chain.NodeByHeight(height)
	if !ok {
		return nil, fmt.Errorf("no headers indexed yet")
	}

	var buf bytes.Buffer
	if err := node.Header.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize header: %w", err)
	}
	return map[string]interface{}{
		"hex":    hex.EncodeToString(buf.Bytes()),
		"height": height,
	}, nil
}

// scriptHashParam decodes the first RPC parameter as a raw 32-byte script
// hash. Unlike a txid, a script hash has no conventional display byte
// order, so this decodes the hex string directly rather than going
// through chainhash's reversed-display parsing.
func scriptHashParam(params []json.RawMessage) ([32]byte, error) {
	if len(params) < 1 {
		return [32]byte{}, fmt.Errorf("missing script_hash")
	}
	var hexStr string
	if err := json.Unmarshal(params[0], &hexStr); err != nil {
		return [32]byte{}, fmt.Errorf("bad script_hash: %w", err)
	}
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != 32 {
		return [32]byte{}, fmt.Errorf("script_hash must be 32 hex bytes")
	}
	var out [32]byte
	copy(out[:], raw)
	return out, nil
}

func (s *Server) getHistory(params []json.RawMessage) (interface{}, error) {
	sh, err := scriptHashParam(params)
	if err != nil {
		return nil, err
	}
	entries, err := s.engine.GetHistory(sh)
	if err != nil {
		return nil, err
	}
	query.SortByHeight(entries)

	out := make([]map[string]interface{}, len(entries))
	for i, e := range entries {
		item := map[string]interface{}{"tx_hash": e.TxID.String()}
		if e.Height >= 0 {
			item["height"] = e.Height
		}
		out[i] = item
	}
	return out, nil
}

func (s *Server) getOldestTx(params []json.RawMessage) (interface{}, error) {
	sh, err := scriptHashParam(params)
	if err != nil {
		return nil, err
	}
	_, height := s.chain.Tip()
	entry, ok, err := s.engine.GetOldestTx(sh, height)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]interface{}{"tx_hash": nil, "block_index": nil}, nil
	}
	return map[string]interface{}{"tx_hash": entry.TxID.String(), "block_index": entry.Height}, nil
}

func (s *Server) getUTXOs(params []json.RawMessage) (interface{}, error) {
	sh, err := scriptHashParam(params)
	if err != nil {
		return nil, err
	}
	utxos, err := s.engine.GetUTXOs(sh)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(utxos))
	for i, u := range utxos {
		out[i] = fmt.Sprintf("%s:%d", u.TxID, u.Vout)
	}
	return out, nil
}
