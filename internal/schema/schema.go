// Package schema defines the on-disk row layouts used by the address
// index. Everything here is pure encode/decode: no I/O, no store access.
//
// Four row families share one keyspace, distinguished by a one-byte code
// prefix so their scans stay contiguous within a single ordered store. All
// multi-byte integers are big-endian so that key byte order equals the
// numeric/semantic order the range scans depend on.
package schema

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Row codes. Chosen to be printable for easier debugging with generic
// leveldb inspection tools.
const (
	CodeFunding     = byte('O') // output: script funds a transaction
	CodeSpending    = byte('I') // input: output is spent by a transaction
	CodeTxID        = byte('T') // full txid, indexed by itself
	CodeBlock       = byte('B') // block header, indexed by block hash
	fullCompactionK = "FullCompaction"
)

// HashPrefixLen is the number of leading bytes of a 32-byte hash kept in
// Funding and Spending rows. It is a deliberate space/time tradeoff:
// collisions are resolved by the query layer (see internal/query).
const HashPrefixLen = 8

// HashPrefix is the truncated form of a txid or script hash used as part of
// a row key.
type HashPrefix [HashPrefixLen]byte

// Prefix truncates a full 32-byte hash down to a HashPrefix.
func Prefix(full chainhash.Hash) HashPrefix {
	var p HashPrefix
	copy(p[:], full[:HashPrefixLen])
	return p
}

// PrefixBytes truncates an arbitrary byte slice (at least HashPrefixLen
// bytes long) down to a HashPrefix. Used for script hashes, which are plain
// 32-byte digests rather than chainhash.Hash values.
func PrefixBytes(full []byte) HashPrefix {
	var p HashPrefix
	copy(p[:], full[:HashPrefixLen])
	return p
}

// FundingKey is the key of an "output with script S exists in transaction T
// at index i" row. Value is always empty; existence of the key is the
// payload.
type FundingKey struct {
	ScriptHashPrefix HashPrefix
	TxIDPrefix       HashPrefix
	OutputIndex      uint16
}

// Encode serializes the key as: code ‖ script_hash_prefix[8] ‖ txid_prefix[8]
// ‖ output_index(2, BE).
func (k FundingKey) Encode() []byte {
	buf := make([]byte, 1+HashPrefixLen+HashPrefixLen+2)
	buf[0] = CodeFunding
	copy(buf[1:], k.ScriptHashPrefix[:])
	copy(buf[1+HashPrefixLen:], k.TxIDPrefix[:])
	binary.BigEndian.PutUint16(buf[1+2*HashPrefixLen:], k.OutputIndex)
	return buf
}

// DecodeFundingKey parses a row key produced by FundingKey.Encode.
func DecodeFundingKey(key []byte) (FundingKey, error) {
	const want = 1 + 2*HashPrefixLen + 2
	if len(key) != want || key[0] != CodeFunding {
		return FundingKey{}, fmt.Errorf("schema: malformed funding key (len=%d)", len(key))
	}
	var k FundingKey
	copy(k.ScriptHashPrefix[:], key[1:1+HashPrefixLen])
	copy(k.TxIDPrefix[:], key[1+HashPrefixLen:1+2*HashPrefixLen])
	k.OutputIndex = binary.BigEndian.Uint16(key[1+2*HashPrefixLen:])
	return k, nil
}

// FundingScanPrefix returns the key prefix that selects every FundingKey for
// a given script hash, in lexicographic order over txid_prefix ‖
// output_index.
func FundingScanPrefix(scriptHash []byte) []byte {
	p := PrefixBytes(scriptHash)
	buf := make([]byte, 1+HashPrefixLen)
	buf[0] = CodeFunding
	copy(buf[1:], p[:])
	return buf
}

// SpendingKey is the key of an "output (T_prev, i) is spent by T_spend" row.
type SpendingKey struct {
	PrevTxIDPrefix  HashPrefix
	PrevOutputIndex uint16
	SpendingTxID    HashPrefix
}

// Encode serializes the key as: code ‖ prev_txid_prefix[8] ‖
// prev_output_index(2, BE) ‖ spending_txid_prefix[8].
func (k SpendingKey) Encode() []byte {
	buf := make([]byte, 1+HashPrefixLen+2+HashPrefixLen)
	buf[0] = CodeSpending
	copy(buf[1:], k.PrevTxIDPrefix[:])
	binary.BigEndian.PutUint16(buf[1+HashPrefixLen:], k.PrevOutputIndex)
	copy(buf[1+HashPrefixLen+2:], k.SpendingTxID[:])
	return buf
}

// DecodeSpendingKey parses a row key produced by SpendingKey.Encode.
func DecodeSpendingKey(key []byte) (SpendingKey, error) {
	const want = 1 + HashPrefixLen + 2 + HashPrefixLen
	if len(key) != want || key[0] != CodeSpending {
		return SpendingKey{}, fmt.Errorf("schema: malformed spending key (len=%d)", len(key))
	}
	var k SpendingKey
	copy(k.PrevTxIDPrefix[:], key[1:1+HashPrefixLen])
	k.PrevOutputIndex = binary.BigEndian.Uint16(key[1+HashPrefixLen:])
	copy(k.SpendingTxID[:], key[1+HashPrefixLen+2:])
	return k, nil
}

// SpendingScanPrefix returns the key prefix that selects every spend of a
// given previous output, in spending-txid order.
func SpendingScanPrefix(prevTxID chainhash.Hash, outputIndex uint32) []byte {
	buf := make([]byte, 1+HashPrefixLen+2)
	buf[0] = CodeSpending
	prevTxIDPrefix := Prefix(prevTxID)
	copy(buf[1:], prevTxIDPrefix[:])
	binary.BigEndian.PutUint16(buf[1+HashPrefixLen:], uint16(outputIndex))
	return buf
}

// TxIDKey indexes the full txid by itself so that 8-byte prefixes found in
// Funding/Spending rows can be resolved back to a candidate set of full
// txids.
type TxIDKey struct {
	TxID chainhash.Hash
}

// Encode serializes the key as: code ‖ txid[32].
func (k TxIDKey) Encode() []byte {
	buf := make([]byte, 1+chainhash.HashSize)
	buf[0] = CodeTxID
	copy(buf[1:], k.TxID[:])
	return buf
}

// DecodeTxIDKey parses a row key produced by TxIDKey.Encode.
func DecodeTxIDKey(key []byte) (TxIDKey, error) {
	if len(key) != 1+chainhash.HashSize || key[0] != CodeTxID {
		return TxIDKey{}, fmt.Errorf("schema: malformed txid key (len=%d)", len(key))
	}
	var k TxIDKey
	copy(k.TxID[:], key[1:])
	return k, nil
}

// TxIDScanPrefix returns the key prefix that selects every full txid sharing
// the given 8-byte prefix. Normally resolves to exactly one row; more than
// one is the "prefix collision" case handled by the query layer.
func TxIDScanPrefix(prefix HashPrefix) []byte {
	buf := make([]byte, 1+HashPrefixLen)
	buf[0] = CodeTxID
	copy(buf[1:], prefix[:])
	return buf
}

// BlockKey indexes a block's header by its hash.
type BlockKey struct {
	Hash chainhash.Hash
}

// Encode serializes the key as: code ‖ block_hash[32].
func (k BlockKey) Encode() []byte {
	buf := make([]byte, 1+chainhash.HashSize)
	buf[0] = CodeBlock
	copy(buf[1:], k.Hash[:])
	return buf
}

// DecodeBlockKey parses a row key produced by BlockKey.Encode.
func DecodeBlockKey(key []byte) (BlockKey, error) {
	if len(key) != 1+chainhash.HashSize || key[0] != CodeBlock {
		return BlockKey{}, fmt.Errorf("schema: malformed block key (len=%d)", len(key))
	}
	var k BlockKey
	copy(k.Hash[:], key[1:])
	return k, nil
}

// BlockScanPrefix selects every BlockRow in the store.
func BlockScanPrefix() []byte {
	return []byte{CodeBlock}
}

// BlockValue is the value stored alongside a BlockKey: the canonical
// 80-byte header plus the height the indexer assigned it when the row was
// written. Height is carried here (rather than recomputed) so the startup
// rebuild in cmd/addrindexer can find the highest stored block and check
// it against the node's hash at that height without re-deriving heights
// from scratch.
type BlockValue struct {
	Header wire.BlockHeader
	Height int32
}

// Encode serializes the value as: header[80] ‖ height(4, BE).
func (v BlockValue) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.Header.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("schema: serialize header: %w", err)
	}
	out := buf.Bytes()
	out = append(out, make([]byte, 4)...)
	binary.BigEndian.PutUint32(out[len(out)-4:], uint32(v.Height))
	return out, nil
}

// DecodeBlockValue parses a value produced by BlockValue.Encode.
func DecodeBlockValue(value []byte) (BlockValue, error) {
	if len(value) < 4 {
		return BlockValue{}, fmt.Errorf("schema: malformed block value (len=%d)", len(value))
	}
	headerBytes := value[:len(value)-4]
	var v BlockValue
	if err := v.Header.Deserialize(bytes.NewReader(headerBytes)); err != nil {
		return BlockValue{}, fmt.Errorf("schema: deserialize header: %w", err)
	}
	v.Height = int32(binary.BigEndian.Uint32(value[len(value)-4:]))
	return v, nil
}

// FullCompactionKey is the single sentinel key (outside the four row-family
// codes) whose presence signals the store has completed at least one full
// compaction.
func FullCompactionKey() []byte {
	return []byte(fullCompactionK)
}

// FullCompactionMarker is the value stored at FullCompactionKey.
type FullCompactionMarker struct {
	CompletedUnixNano int64
	TipHash           chainhash.Hash
}

// Encode serializes the marker as: completed_unix_nano(8, BE) ‖ tip_hash[32].
func (m FullCompactionMarker) Encode() []byte {
	buf := make([]byte, 8+chainhash.HashSize)
	binary.BigEndian.PutUint64(buf[:8], uint64(m.CompletedUnixNano))
	copy(buf[8:], m.TipHash[:])
	return buf
}

// DecodeFullCompactionMarker parses a value produced by
// FullCompactionMarker.Encode.
func DecodeFullCompactionMarker(value []byte) (FullCompactionMarker, error) {
	if len(value) != 8+chainhash.HashSize {
		return FullCompactionMarker{}, fmt.Errorf("schema: malformed compaction marker (len=%d)", len(value))
	}
	var m FullCompactionMarker
	m.CompletedUnixNano = int64(binary.BigEndian.Uint64(value[:8]))
	copy(m.TipHash[:], value[8:])
	return m, nil
}
