// Package sst builds and reads immutable sorted tables: 32 KiB data blocks
// (via the block codec) built from a key-ordered record stream, a sparse
// index of (blockOffset, firstKey32) entries, a Bloom filter keyed by
// record.KeyFP64, and a fixed 32-byte footer, per §4.6.
//
// The writer is adapted from the teacher's sst/writer.go, which already
// builds data blocks + a sparse index + a bits-and-blooms/bloom/v3 filter +
// footer for a hand-rolled record format; this version packs data blocks
// through the shared 32 KiB block codec instead of ad hoc framing, derives
// the Bloom input from record.KeyFP64 (SipHash-2-4) instead of raw key
// bytes, and normalizes index keys to a fixed 32-byte prefix per §4.6.
//
//	SST FILE LAYOUT
//	+-----------------------------------------------------+
//	| data block 0 (32 KiB, CRC32C-sealed)                 |
//	| data block 1                                         |
//	| ...                                                  |
//	| data block N                                         |
//	+-----------------------------------------------------+
//	| index block: count:u32, then count * (offset:u64 + firstKey32:32B) |
//	+-----------------------------------------------------+
//	| bloom block: bloom/v3's self-describing m/k + bitset |
//	+-----------------------------------------------------+
//	| footer (32B): magic, version, pad, indexOff, bloomOff, entries, crc32c |
//	+-----------------------------------------------------+
package sst

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"iter"
	"os"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/akkaradb/akkaradb/block"
	"github.com/akkaradb/akkaradb/record"
)

const (
	magic          uint32 = 0x414B5353 // "AKSS"
	formatVersion  uint16 = 1
	footerSize            = 32
	indexEntrySize        = 8 + 32 // blockOffset:u64 + firstKey32:32B
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// BloomFPR is the target false-positive rate the Bloom filter is sized for.
const BloomFPR = 0.01

// Writer consumes a key-ordered stream of records and produces a sealed SST
// file. Every byte written to the file also flows through a running
// CRC32C hash so the footer's crc32c-over-the-whole-prefix can be finalized
// without a second pass over the file.
type Writer struct {
	path   string
	f      *os.File
	hasher hash.Hash32
	mw     io.Writer
	offset int64

	blockW   *block.Writer
	blockBuf [block.Size]byte

	index   []indexEntry
	fps     []uint64
	entries int64
	minKey  []byte
	maxKey  []byte
}

type indexEntry struct {
	offset   int64
	firstKey [32]byte
}

// Create opens path for writing a new SST.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sst: create %s: %w", path, err)
	}
	w := &Writer{path: path, f: f, hasher: crc32.New(crc32cTable)}
	w.mw = io.MultiWriter(f, w.hasher)
	w.blockW = block.NewWriter(w.blockBuf[:])
	return w, nil
}

// Write appends r to the current data block, sealing and flushing the
// current block first if r would not fit. r's Key must be >= every
// previously written key (callers supply an already-ordered stream).
func (w *Writer) Write(r record.Record) error {
	if w.minKey == nil || bytes.Compare(r.Key, w.minKey) < 0 {
		w.minKey = append([]byte(nil), r.Key...)
	}
	if w.maxKey == nil || bytes.Compare(r.Key, w.maxKey) > 0 {
		w.maxKey = append([]byte(nil), r.Key...)
	}

	if w.blockW.Len() == 0 {
		w.index = append(w.index, indexEntry{offset: w.offset, firstKey: record.NormalizeKey32(r.Key)})
	}

	ok, err := w.blockW.TryAppend(&r)
	if err != nil {
		return err
	}
	if !ok {
		if err := w.sealBlock(); err != nil {
			return err
		}
		w.index = append(w.index, indexEntry{offset: w.offset, firstKey: record.NormalizeKey32(r.Key)})
		ok, err = w.blockW.TryAppend(&r)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("sst: record for key %q does not fit in an empty block", r.Key)
		}
	}

	w.fps = append(w.fps, record.KeyFP64(r.Key))
	w.entries++
	return nil
}

func (w *Writer) sealBlock() error {
	if w.blockW.Len() == 0 {
		return nil
	}
	sealed := w.blockW.End()
	if _, err := w.mw.Write(sealed); err != nil {
		return err
	}
	w.offset += block.Size
	w.blockW.Begin()
	return nil
}

// writeIndexBlock writes the sparse index and returns its absolute offset.
func (w *Writer) writeIndexBlock() (int64, error) {
	start := w.offset
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(w.index)))
	if _, err := w.mw.Write(countBuf[:]); err != nil {
		return 0, err
	}
	w.offset += 4
	for _, e := range w.index {
		var offBuf [8]byte
		binary.LittleEndian.PutUint64(offBuf[:], uint64(e.offset))
		if _, err := w.mw.Write(offBuf[:]); err != nil {
			return 0, err
		}
		if _, err := w.mw.Write(e.firstKey[:]); err != nil {
			return 0, err
		}
		w.offset += indexEntrySize
	}
	return start, nil
}

// writeBloomBlock builds a Bloom filter sized for BloomFPR over the
// collected fingerprints and writes it out, returning its absolute offset.
// bloom.BloomFilter.WriteTo is self-describing (it encodes its own m/k
// ahead of the bit array), so the reader can reconstruct it without any
// side-channel header.
func (w *Writer) writeBloomBlock() (int64, error) {
	start := w.offset
	n := uint(w.entries)
	if n == 0 {
		n = 1
	}
	filter := bloom.NewWithEstimates(n, BloomFPR)
	var fpBuf [8]byte
	for _, fp := range w.fps {
		binary.LittleEndian.PutUint64(fpBuf[:], fp)
		filter.Add(fpBuf[:])
	}

	written, err := filter.WriteTo(w.mw)
	if err != nil {
		return 0, fmt.Errorf("sst: writing bloom filter: %w", err)
	}
	w.offset += written
	return start, nil
}

func (w *Writer) writeFooter(indexOff, bloomOff int64) error {
	buf := make([]byte, footerSize-4)
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint16(buf[4:6], formatVersion)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(indexOff))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(bloomOff))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(w.entries))

	if _, err := w.mw.Write(buf); err != nil {
		return err
	}
	crc := w.hasher.Sum32()
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	_, err := w.f.Write(crcBuf[:]) // not hashed: it IS the checksum
	return err
}

// Finish seals any pending data block and writes the index, Bloom filter and
// footer, returning the min/max keys observed.
func (w *Writer) Finish() (minKey, maxKey []byte, entries int64, err error) {
	if err := w.sealBlock(); err != nil {
		return nil, nil, 0, err
	}
	indexOff, err := w.writeIndexBlock()
	if err != nil {
		return nil, nil, 0, err
	}
	bloomOff, err := w.writeBloomBlock()
	if err != nil {
		return nil, nil, 0, err
	}
	if err := w.writeFooter(indexOff, bloomOff); err != nil {
		return nil, nil, 0, err
	}
	if err := w.f.Sync(); err != nil {
		return nil, nil, 0, err
	}
	if err := w.f.Close(); err != nil {
		return nil, nil, 0, err
	}
	return w.minKey, w.maxKey, w.entries, nil
}

// Abort closes and removes a partially-written SST, used when a caller fails
// mid-write (e.g. a crash during compaction must leave inputs intact but the
// half-written output is garbage).
func (w *Writer) Abort() {
	_ = w.f.Close()
	_ = os.Remove(w.path)
}

// WriteAll drains a key-ordered sequence into a new SST at path.
func WriteAll(path string, seq iter.Seq[record.Record]) (minKey, maxKey []byte, entries int64, err error) {
	w, err := Create(path)
	if err != nil {
		return nil, nil, 0, err
	}
	for r := range seq {
		if err := w.Write(r); err != nil {
			w.Abort()
			return nil, nil, 0, err
		}
	}
	return w.Finish()
}
