package blocksource

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/edsrzf/mmap-go"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// blockHeaderLen is the network-framing header preceding every block body
// in a blk*.dat file: a 4-byte magic and a 4-byte little-endian length.
const blockHeaderLen = 8

// FileSource enumerates blk*.dat files under a node's data directory in
// lexicographic order, memory-maps each in turn, and walks Bitcoin's
// network-framed block format. It emits blocks in file-appearance order,
// which is not necessarily chain order: callers are expected to filter
// against the header chain.
type FileSource struct {
	magic wire.BitcoinNet
	files []string

	fileIdx   int
	curFile   *os.File
	curMap    mmap.MMap
	curOffset int
}

// NewFileSource globs dataDir for blk*.dat files and prepares to walk them
// in order. It does not open any file until the first call to Next.
func NewFileSource(dataDir string, magic wire.BitcoinNet) (*FileSource, error) {
	matches, err := filepath.Glob(filepath.Join(dataDir, "blk*.dat"))
	if err != nil {
		return nil, fmt.Errorf("blocksource: glob %s: %w", dataDir, err)
	}
	sort.Strings(matches)
	return &FileSource{magic: magic, files: matches}, nil
}

// Next returns the next raw block found in the blk*.dat sequence.
func (s *FileSource) Next() (*btcutil.Block, bool, error) {
	for {
		if s.curMap == nil {
			if !s.openNextFile() {
				return nil, false, nil
			}
		}

		block, ok, err := s.nextInCurrentFile()
		if err != nil {
			return nil, false, err
		}
		if ok {
			return block, true, nil
		}

		// Current file exhausted (or entirely unreadable); move on.
		s.closeCurrentFile()
	}
}

// openNextFile advances to and mmaps the next file in the sequence.
// Returns false once every file has been consumed.
func (s *FileSource) openNextFile() bool {
	for s.fileIdx < len(s.files) {
		path := s.files[s.fileIdx]
		s.fileIdx++

		f, err := os.Open(path)
		if err != nil {
			continue // unreadable file: skip it, not fatal to the whole source
		}
		info, err := f.Stat()
		if err != nil || info.Size() < blockHeaderLen {
			f.Close()
			continue
		}
		m, err := mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			f.Close()
			continue
		}

		s.curFile = f
		s.curMap = m
		s.curOffset = 0
		return true
	}
	return false
}

func (s *FileSource) closeCurrentFile() {
	if s.curMap != nil {
		s.curMap.Unmap()
		s.curMap = nil
	}
	if s.curFile != nil {
		s.curFile.Close()
		s.curFile = nil
	}
}

// nextInCurrentFile scans forward from curOffset for the next well-formed
// magic-prefixed block, skipping over any ill-formed gap one byte at a
// time. Only records whose magic matches the configured network are
// considered.
func (s *FileSource) nextInCurrentFile() (*btcutil.Block, bool, error) {
	data := s.curMap
	for s.curOffset+blockHeaderLen <= len(data) {
		magic := wire.BitcoinNet(binary.LittleEndian.Uint32(data[s.curOffset : s.curOffset+4]))
		if magic != s.magic {
			s.curOffset++
			continue
		}

		length := binary.LittleEndian.Uint32(data[s.curOffset+4 : s.curOffset+8])
		bodyStart := s.curOffset + blockHeaderLen
		bodyEnd := bodyStart + int(length)
		if length == 0 || bodyEnd > len(data) {
			// A zero-length or truncated tail record: nothing more to find
			// in this file.
			return nil, false, nil
		}

		body := data[bodyStart:bodyEnd]
		block, err := btcutil.NewBlockFromBytes(body)
		if err != nil {
			// Malformed block body: skip just this record and keep scanning
			// for the next magic. The block is re-fetched later via RPC if
			// it turns out to be on the best chain.
			s.curOffset = bodyStart + 1
			continue
		}

		s.curOffset = bodyEnd
		return block, true, nil
	}
	return nil, false, nil
}

// Close releases the currently mapped file, if any.
func (s *FileSource) Close() error {
	s.closeCurrentFile()
	return nil
}
