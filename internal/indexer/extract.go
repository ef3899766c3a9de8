// Package indexer turns raw blocks into store rows and drives the two
// pipelines that write them: the parallel bulk import (bulk.go) and the
// incremental updater (incremental.go).
package indexer

import (
	"crypto/sha256"
	"math"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcaddrindex/addrindexer/internal/schema"
	"github.com/btcaddrindex/addrindexer/internal/store"
)

// scriptHash returns the double-SHA256 digest of an output script, the
// index's address key.
func scriptHash(pkScript []byte) [32]byte {
	first := sha256.Sum256(pkScript)
	return sha256.Sum256(first[:])
}

// ExtractBlock converts a decoded block at the given height into the full
// set of rows it contributes to the store: one BlockRow, one TxIDRow and
// zero or more FundingRows per transaction, and one SpendingRow per
// non-coinbase input. Rows from a single block always travel together in
// the one batch returned here, never split across two: the BlockRow they
// include is the durable "this block has been indexed" signal.
func ExtractBlock(block *btcutil.Block, height int32) (*store.Batch, error) {
	batch := store.NewBatch()

	blockHash := block.Hash()
	headerValue, err := schema.BlockValue{Header: block.MsgBlock().Header, Height: height}.Encode()
	if err != nil {
		return nil, err
	}
	batch.Put(schema.BlockKey{Hash: *blockHash}.Encode(), headerValue)

	for _, tx := range block.Transactions() {
		extractTransaction(batch, tx, height)
	}
	return batch, nil
}

func extractTransaction(batch *store.Batch, tx *btcutil.Tx, height int32) {
	txid := *tx.Hash()
	batch.Put(schema.TxIDKey{TxID: txid}.Encode(), []byte{})

	msgTx := tx.MsgTx()
	for i, out := range msgTx.TxOut {
		if txscript.GetScriptClass(out.PkScript) == txscript.NullDataTy {
			continue // OP_RETURN: unspendable, carries no address to index
		}
		hash := scriptHash(out.PkScript)
		key := schema.FundingKey{
			ScriptHashPrefix: schema.PrefixBytes(hash[:]),
			TxIDPrefix:       schema.Prefix(txid),
			OutputIndex:      uint16(i),
		}
		batch.Put(key.Encode(), []byte{})
	}

	if isCoinBase(msgTx) {
		return
	}
	for _, in := range msgTx.TxIn {
		key := schema.SpendingKey{
			PrevTxIDPrefix:  schema.Prefix(in.PreviousOutPoint.Hash),
			PrevOutputIndex: uint16(in.PreviousOutPoint.Index),
			SpendingTxID:    schema.Prefix(txid),
		}
		batch.Put(key.Encode(), []byte{})
	}
}

// isCoinBase reports whether tx is a coinbase transaction: exactly one
// input with a null previous outpoint. A coinbase input spends nothing, so
// it contributes no SpendingRow.
func isCoinBase(tx *wire.MsgTx) bool {
	if len(tx.TxIn) != 1 {
		return false
	}
	prevOut := &tx.TxIn[0].PreviousOutPoint
	return prevOut.Index == math.MaxUint32 && prevOut.Hash == (chainhash.Hash{})
}
