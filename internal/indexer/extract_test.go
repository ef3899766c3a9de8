package indexer

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/btcaddrindex/addrindexer/internal/schema"
	"github.com/btcaddrindex/addrindexer/internal/store"
)

// p2pkhScript builds a minimal pay-to-pubkey-hash script around a
// recognizable 20-byte tag.
func p2pkhScript(tag byte) []byte {
	script := []byte{txscript.OP_DUP, txscript.OP_HASH160, txscript.OP_DATA_20}
	for i := 0; i < 20; i++ {
		script = append(script, tag)
	}
	return append(script, txscript.OP_EQUALVERIFY, txscript.OP_CHECKSIG)
}

func opReturnScript() []byte {
	return []byte{txscript.OP_RETURN, txscript.OP_DATA_4, 0xde, 0xad, 0xbe, 0xef}
}

func coinbaseTx(scripts ...[]byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex),
		SignatureScript:  []byte{0x51},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	for _, script := range scripts {
		tx.AddTxOut(wire.NewTxOut(50_0000_0000, script))
	}
	return tx
}

func spendTx(prev chainhash.Hash, vout uint32, scripts ...[]byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&prev, vout),
		SignatureScript:  []byte{0x51},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	for _, script := range scripts {
		tx.AddTxOut(wire.NewTxOut(49_0000_0000, script))
	}
	return tx
}

func makeBlock(t *testing.T, prev chainhash.Hash, nonce uint32, txs ...*wire.MsgTx) *btcutil.Block {
	t.Helper()
	require.NotEmpty(t, txs)

	msg := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   1,
			PrevBlock: prev,
			Timestamp: time.Unix(1700000000+int64(nonce), 0),
			Bits:      0x207fffff,
			Nonce:     nonce,
		},
	}
	for _, tx := range txs {
		require.NoError(t, msg.AddTransaction(tx))
	}
	return btcutil.NewBlock(msg)
}

// batchRows replays a batch into a key->value map for assertions.
func batchRows(t *testing.T, batch *store.Batch) map[string][]byte {
	t.Helper()
	rows := make(map[string][]byte)
	require.NoError(t, batch.Replay(func(key, value []byte) {
		rows[string(key)] = append([]byte(nil), value...)
	}))
	return rows
}

func rowsWithCode(rows map[string][]byte, code byte) []string {
	var out []string
	for key := range rows {
		if key[0] == code {
			out = append(out, key)
		}
	}
	return out
}

func TestExtractCoinbaseOnlyBlock(t *testing.T) {
	// A coinbase whose only output is OP_RETURN contributes exactly one
	// TxIDRow and one BlockRow: no funding, no spending.
	cb := coinbaseTx(opReturnScript())
	block := makeBlock(t, chainhash.Hash{}, 1, cb)

	batch, err := ExtractBlock(block, 0)
	require.NoError(t, err)
	rows := batchRows(t, batch)

	require.Len(t, rows, 2)
	require.Empty(t, rowsWithCode(rows, schema.CodeFunding))
	require.Empty(t, rowsWithCode(rows, schema.CodeSpending))
	require.Len(t, rowsWithCode(rows, schema.CodeTxID), 1)
	require.Len(t, rowsWithCode(rows, schema.CodeBlock), 1)
}

func TestExtractFundingAndBlockRows(t *testing.T) {
	script := p2pkhScript(0xaa)
	cb := coinbaseTx(script)
	block := makeBlock(t, chainhash.Hash{}, 2, cb)

	batch, err := ExtractBlock(block, 7)
	require.NoError(t, err)
	rows := batchRows(t, batch)

	txid := cb.TxHash()
	sh := scriptHash(script)
	fundingKey := schema.FundingKey{
		ScriptHashPrefix: schema.PrefixBytes(sh[:]),
		TxIDPrefix:       schema.Prefix(txid),
		OutputIndex:      0,
	}
	require.Contains(t, rows, string(fundingKey.Encode()))
	require.Contains(t, rows, string(schema.TxIDKey{TxID: txid}.Encode()))

	blockKey := schema.BlockKey{Hash: *block.Hash()}
	value, ok := rows[string(blockKey.Encode())]
	require.True(t, ok)
	decoded, err := schema.DecodeBlockValue(value)
	require.NoError(t, err)
	require.Equal(t, int32(7), decoded.Height)
	require.Equal(t, *block.Hash(), decoded.Header.BlockHash())
}

func TestExtractSkipsOpReturnOutputs(t *testing.T) {
	script := p2pkhScript(0xbb)
	cb := coinbaseTx(script, opReturnScript())
	block := makeBlock(t, chainhash.Hash{}, 3, cb)

	batch, err := ExtractBlock(block, 0)
	require.NoError(t, err)
	rows := batchRows(t, batch)

	funding := rowsWithCode(rows, schema.CodeFunding)
	require.Len(t, funding, 1, "the OP_RETURN output must not be indexed")

	key, err := schema.DecodeFundingKey([]byte(funding[0]))
	require.NoError(t, err)
	require.Equal(t, uint16(0), key.OutputIndex)
}

func TestExtractSpendingRows(t *testing.T) {
	cbScript := p2pkhScript(0xcc)
	cb := coinbaseTx(cbScript)
	spend := spendTx(cb.TxHash(), 0, p2pkhScript(0xdd))
	block := makeBlock(t, chainhash.Hash{}, 4, cb, spend)

	batch, err := ExtractBlock(block, 1)
	require.NoError(t, err)
	rows := batchRows(t, batch)

	// The coinbase input contributes nothing; the spend contributes one.
	spending := rowsWithCode(rows, schema.CodeSpending)
	require.Len(t, spending, 1)

	key, err := schema.DecodeSpendingKey([]byte(spending[0]))
	require.NoError(t, err)
	require.Equal(t, schema.Prefix(cb.TxHash()), key.PrevTxIDPrefix)
	require.Equal(t, uint16(0), key.PrevOutputIndex)
	require.Equal(t, schema.Prefix(spend.TxHash()), key.SpendingTxID)

	require.Len(t, rowsWithCode(rows, schema.CodeTxID), 2)
}

func TestIsCoinBase(t *testing.T) {
	require.True(t, isCoinBase(coinbaseTx(p2pkhScript(1))))
	require.False(t, isCoinBase(spendTx(chainhash.Hash{9}, 0, p2pkhScript(1))))
}
