package sst

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"iter"
	"os"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/akkaradb/akkaradb/block"
	"github.com/akkaradb/akkaradb/errs"
	"github.com/akkaradb/akkaradb/record"
)

// Footer is the parsed fixed-size tail of an SST file.
type Footer struct {
	Magic    uint32
	Version  uint16
	IndexOff int64
	BloomOff int64
	Entries  uint32
	CRC32C   uint32
}

// Reader opens a sealed SST for point lookups and range scans. The sparse
// index and Bloom filter are resident; data blocks are read from disk on
// demand, per §4.6.
type Reader struct {
	path   string
	f      *os.File
	size   int64
	footer Footer
	index  []indexEntry
	bloom  *bloom.BloomFilter

	MinKey []byte
	MaxKey []byte
}

// Open validates the footer's magic, version and whole-file CRC32C, then
// loads the sparse index and Bloom filter into memory.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sst: open %s: %w", path, err)
	}
	r, err := newReader(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func newReader(f *os.File, path string) (*Reader, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size < footerSize {
		return nil, errs.Wrap(errs.KindCorrupt, errs.ErrCorrupt, errs.Unit{File: path})
	}

	footerBuf := make([]byte, footerSize)
	if _, err := f.ReadAt(footerBuf, size-footerSize); err != nil {
		return nil, fmt.Errorf("sst: reading footer of %s: %w", path, err)
	}
	ft := Footer{
		Magic:    binary.LittleEndian.Uint32(footerBuf[0:4]),
		Version:  binary.LittleEndian.Uint16(footerBuf[4:6]),
		IndexOff: int64(binary.LittleEndian.Uint64(footerBuf[8:16])),
		BloomOff: int64(binary.LittleEndian.Uint64(footerBuf[16:24])),
		Entries:  binary.LittleEndian.Uint32(footerBuf[24:28]),
		CRC32C:   binary.LittleEndian.Uint32(footerBuf[28:32]),
	}
	if ft.Magic != magic {
		return nil, errs.Wrap(errs.KindCorrupt, errs.ErrCorrupt, errs.Unit{File: path})
	}
	if ft.Version > formatVersion {
		return nil, errs.Wrap(errs.KindFormatUnsupported, errs.ErrFormatUnsupported, errs.Unit{File: path})
	}
	if err := verifyWholeFileCRC(f, size, ft.CRC32C, path); err != nil {
		return nil, err
	}

	index, err := readIndex(f, ft.IndexOff, ft.BloomOff)
	if err != nil {
		return nil, err
	}
	filter, err := readBloom(f, ft.BloomOff, size-footerSize)
	if err != nil {
		return nil, err
	}

	r := &Reader{path: path, f: f, size: size, footer: ft, index: index, bloom: filter}
	r.loadBounds()
	return r, nil
}

// loadBounds reads the first and last data blocks once, purely to surface
// MinKey/MaxKey for callers building range-overlap decisions (compaction
// input selection, manifest SSTSeal events).
func (r *Reader) loadBounds() {
	if len(r.index) == 0 {
		return
	}
	if views, err := r.blockViews(0); err == nil && len(views) > 0 {
		r.MinKey = views[0].Copy().Key
	}
	if views, err := r.blockViews(len(r.index) - 1); err == nil && len(views) > 0 {
		r.MaxKey = views[len(views)-1].Copy().Key
	}
}

// verifyWholeFileCRC streams bytes [0, size-4) through a CRC32C hash and
// compares it against want, per I6.
func verifyWholeFileCRC(f *os.File, size int64, want uint32, path string) error {
	h := crc32.New(crc32cTable)
	if _, err := io.Copy(h, io.NewSectionReader(f, 0, size-4)); err != nil {
		return fmt.Errorf("sst: hashing %s: %w", path, err)
	}
	if h.Sum32() != want {
		return errs.Wrap(errs.KindCorrupt, errs.ErrCorrupt, errs.Unit{File: path})
	}
	return nil
}

func readIndex(f *os.File, indexOff, bloomOff int64) ([]indexEntry, error) {
	sr := io.NewSectionReader(f, indexOff, bloomOff-indexOff)
	var countBuf [4]byte
	if _, err := io.ReadFull(sr, countBuf[:]); err != nil {
		return nil, fmt.Errorf("sst: reading index count: %w", err)
	}
	count := binary.LittleEndian.Uint32(countBuf[:])

	entries := make([]indexEntry, 0, count)
	var entryBuf [indexEntrySize]byte
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(sr, entryBuf[:]); err != nil {
			return nil, fmt.Errorf("sst: reading index entry %d: %w", i, err)
		}
		e := indexEntry{offset: int64(binary.LittleEndian.Uint64(entryBuf[0:8]))}
		copy(e.firstKey[:], entryBuf[8:8+32])
		entries = append(entries, e)
	}
	return entries, nil
}

func readBloom(f *os.File, bloomOff, end int64) (*bloom.BloomFilter, error) {
	sr := io.NewSectionReader(f, bloomOff, end-bloomOff)
	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(sr); err != nil {
		return nil, fmt.Errorf("sst: reading bloom filter: %w", err)
	}
	return filter, nil
}

// ContainsMaybe runs the Bloom check on key's SipHash fingerprint. false
// means key is definitely absent; true means it might be present.
func (r *Reader) ContainsMaybe(key []byte) bool {
	var fpBuf [8]byte
	binary.LittleEndian.PutUint64(fpBuf[:], record.KeyFP64(key))
	return r.bloom.Test(fpBuf[:])
}

// blockIndexFor returns the index of the candidate block whose firstKey32
// is <= key, or -1 if key sorts before every block's first key.
func (r *Reader) blockIndexFor(key []byte) int {
	norm := record.NormalizeKey32(key)
	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].firstKey[:], norm[:]) > 0
	})
	return i - 1
}

// blockViews reads and validates data block i, returning its record views.
func (r *Reader) blockViews(i int) ([]block.RecordView, error) {
	buf := make([]byte, block.Size)
	if _, err := r.f.ReadAt(buf, r.index[i].offset); err != nil {
		return nil, fmt.Errorf("sst: reading block %d of %s: %w", i, r.path, err)
	}
	cur, err := block.NewCursor(buf)
	if err != nil {
		return nil, errs.Wrap(errs.KindCorrupt, err, errs.Unit{File: r.path, Offset: r.index[i].offset})
	}
	return cur.All()
}

// Lookup performs a point lookup, scanning the candidate block for the
// highest-seq match (I2 tie-break on tombstones). Callers should usually
// call ContainsMaybe first to skip SSTs the Bloom filter rules out.
func (r *Reader) Lookup(key []byte) (record.Record, bool, error) {
	idx := r.blockIndexFor(key)
	if idx < 0 {
		return record.Record{}, false, nil
	}
	views, err := r.blockViews(idx)
	if err != nil {
		return record.Record{}, false, err
	}

	var best record.Record
	found := false
	for _, v := range views {
		if !bytes.Equal(v.Key, key) {
			continue
		}
		cand := v.Copy()
		if !found || record.ShouldReplace(&best, &cand) {
			best = cand
			found = true
		}
	}
	return best, found, nil
}

// Scan yields every record with from <= key < toExclusive, in ascending
// order. A nil from starts at the beginning of the file; a nil toExclusive
// runs to the end.
func (r *Reader) Scan(from, toExclusive []byte) iter.Seq2[record.Record, error] {
	return func(yield func(record.Record, error) bool) {
		start := 0
		if from != nil {
			if idx := r.blockIndexFor(from); idx >= 0 {
				start = idx
			}
		}
		for bi := start; bi < len(r.index); bi++ {
			views, err := r.blockViews(bi)
			if err != nil {
				yield(record.Record{}, err)
				return
			}
			for _, v := range views {
				if from != nil && bytes.Compare(v.Key, from) < 0 {
					continue
				}
				if toExclusive != nil && bytes.Compare(v.Key, toExclusive) >= 0 {
					return
				}
				if !yield(v.Copy(), nil) {
					return
				}
			}
		}
	}
}

// Entries reports the number of records recorded in the footer.
func (r *Reader) Entries() int64 { return int64(r.footer.Entries) }

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.f.Close() }
