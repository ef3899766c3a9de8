package blocksource

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

const testMagic = wire.SimNet

func makeBlock(t *testing.T, prev chainhash.Hash, nonce uint32) *btcutil.Block {
	t.Helper()
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex),
		SignatureScript:  []byte{0x51},
	})
	tx.AddTxOut(wire.NewTxOut(50_0000_0000, []byte{0x51}))

	msg := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   1,
			PrevBlock: prev,
			Timestamp: time.Unix(1700000000+int64(nonce), 0),
			Bits:      0x207fffff,
			Nonce:     nonce,
		},
	}
	require.NoError(t, msg.AddTransaction(tx))
	return btcutil.NewBlock(msg)
}

// frame appends one network-framed block record: magic, length, body.
func frame(t *testing.T, buf *bytes.Buffer, magic wire.BitcoinNet, block *btcutil.Block) {
	t.Helper()
	body, err := block.Bytes()
	require.NoError(t, err)

	require.NoError(t, binary.Write(buf, binary.LittleEndian, uint32(magic)))
	require.NoError(t, binary.Write(buf, binary.LittleEndian, uint32(len(body))))
	buf.Write(body)
}

func writeBlockFile(t *testing.T, dir, name string, contents []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), contents, 0644))
}

func drain(t *testing.T, src Source) []chainhash.Hash {
	t.Helper()
	var hashes []chainhash.Hash
	for {
		block, ok, err := src.Next()
		require.NoError(t, err)
		if !ok {
			return hashes
		}
		hashes = append(hashes, *block.Hash())
	}
}

func TestFileSourceWalksFilesInOrder(t *testing.T) {
	dir := t.TempDir()

	b0 := makeBlock(t, chainhash.Hash{}, 1)
	b1 := makeBlock(t, *b0.Hash(), 2)
	b2 := makeBlock(t, *b1.Hash(), 3)

	var f0 bytes.Buffer
	frame(t, &f0, testMagic, b0)
	frame(t, &f0, testMagic, b1)
	writeBlockFile(t, dir, "blk00000.dat", f0.Bytes())

	var f1 bytes.Buffer
	frame(t, &f1, testMagic, b2)
	writeBlockFile(t, dir, "blk00001.dat", f1.Bytes())

	// A non-matching file must be ignored entirely.
	writeBlockFile(t, dir, "rev00000.dat", []byte("not blocks"))

	src, err := NewFileSource(dir, testMagic)
	require.NoError(t, err)
	defer src.Close()

	hashes := drain(t, src)
	require.Equal(t, []chainhash.Hash{*b0.Hash(), *b1.Hash(), *b2.Hash()}, hashes)
}

func TestFileSourceSkipsForeignMagicAndGarbage(t *testing.T) {
	dir := t.TempDir()

	b0 := makeBlock(t, chainhash.Hash{}, 1)
	b1 := makeBlock(t, *b0.Hash(), 2)

	var buf bytes.Buffer
	frame(t, &buf, testMagic, b0)
	buf.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x13}) // ill-formed gap
	frame(t, &buf, wire.MainNet, makeBlock(t, chainhash.Hash{}, 99))
	frame(t, &buf, testMagic, b1)
	writeBlockFile(t, dir, "blk00000.dat", buf.Bytes())

	src, err := NewFileSource(dir, testMagic)
	require.NoError(t, err)
	defer src.Close()

	hashes := drain(t, src)
	require.Equal(t, []chainhash.Hash{*b0.Hash(), *b1.Hash()}, hashes)
}

func TestFileSourceStopsAtZeroPadding(t *testing.T) {
	dir := t.TempDir()

	b0 := makeBlock(t, chainhash.Hash{}, 1)
	var buf bytes.Buffer
	frame(t, &buf, testMagic, b0)
	buf.Write(make([]byte, 4096)) // preallocated tail, as the node leaves it
	writeBlockFile(t, dir, "blk00000.dat", buf.Bytes())

	src, err := NewFileSource(dir, testMagic)
	require.NoError(t, err)
	defer src.Close()

	hashes := drain(t, src)
	require.Equal(t, []chainhash.Hash{*b0.Hash()}, hashes)
}

func TestFileSourceEmptyDir(t *testing.T) {
	src, err := NewFileSource(t.TempDir(), testMagic)
	require.NoError(t, err)
	defer src.Close()

	require.Empty(t, drain(t, src))
}
