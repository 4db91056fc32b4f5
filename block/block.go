// Package block packs streams of records into fixed 32 KiB CRC32C-sealed
// blocks and unpacks them back into zero-copy record views, per §4.1.
//
// Layout: [payloadLen:u32] [payload: repeated (AKHdr32 + key + value)]
// [zero pad] [crc32c:u32]. CRC32C covers bytes [0, Size-4).
package block

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/akkaradb/akkaradb/errs"
	"github.com/akkaradb/akkaradb/record"
)

// Size is the fixed on-disk block size (BLOCK_SIZE).
const Size = 32 * 1024

// PayloadLimit is the maximum number of payload bytes a block can hold.
const PayloadLimit = Size - 8

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// ChecksumPrefix computes CRC32C over buf[0:Size-4].
func ChecksumPrefix(buf []byte) uint32 {
	return crc32.Checksum(buf[:Size-4], crc32cTable)
}

// Writer packs records into a single 32 KiB buffer. Reset with Begin before
// each block; call TryAppend until it returns false, then End to seal.
type Writer struct {
	buf        []byte // caller-owned Size-byte buffer
	payloadLen int
}

// NewWriter wraps a caller-provided Size-byte buffer (normally borrowed from
// bufpool) in a Writer.
func NewWriter(buf []byte) *Writer {
	if len(buf) != Size {
		panic("block: writer buffer must be exactly Size bytes")
	}
	w := &Writer{buf: buf}
	w.Begin()
	return w
}

// Begin resets the buffer and reserves 4 bytes for payloadLen.
func (w *Writer) Begin() {
	clear(w.buf)
	w.payloadLen = 0
}

// Len reports the current tentative payload length.
func (w *Writer) Len() int { return w.payloadLen }

// Remaining reports how many more payload bytes can be admitted.
func (w *Writer) Remaining() int { return PayloadLimit - w.payloadLen }

// TryAppend admits r into the block if it fits. It returns false (without
// mutating the block) when the record would overflow PayloadLimit — the
// caller must then End the current block and start a new one.
func (w *Writer) TryAppend(r *record.Record) (bool, error) {
	hdr, err := record.HeaderOf(r)
	if err != nil {
		return false, err
	}
	need := record.HeaderSize + len(r.Key) + len(r.Value)
	if w.payloadLen+need > PayloadLimit {
		return false, nil
	}

	off := 4 + w.payloadLen
	record.PutHeader(w.buf[off:off+record.HeaderSize], hdr)
	off += record.HeaderSize
	off += copy(w.buf[off:], r.Key)
	off += copy(w.buf[off:], r.Value)

	w.payloadLen += need
	return true, nil
}

// End writes the final payloadLen, zero-fills the trailing pad, computes and
// writes the CRC32C, and hands the sealed Size-byte buffer back to the
// caller. The Writer must not be reused without calling Begin again.
func (w *Writer) End() []byte {
	binary.LittleEndian.PutUint32(w.buf[0:4], uint32(w.payloadLen))
	clear(w.buf[4+w.payloadLen : Size-4])
	crc := ChecksumPrefix(w.buf)
	binary.LittleEndian.PutUint32(w.buf[Size-4:Size], crc)
	return w.buf
}

// RecordView is a zero-copy view over a record's bytes inside a sealed block.
// Its Key/Value slices alias the block buffer; the consumer must copy them
// (or pin the block) before the buffer is reused or released.
type RecordView struct {
	Header record.AKHdr32
	Key    []byte
	Value  []byte
}

// Tombstone reports whether this view is a deletion.
func (v RecordView) Tombstone() bool { return v.Header.Tombstone() }

// Copy materializes an owned record.Record out of the view.
func (v RecordView) Copy() record.Record {
	key := append([]byte(nil), v.Key...)
	var val []byte
	if len(v.Value) > 0 {
		val = append([]byte(nil), v.Value...)
	}
	return record.Record{
		Key: key, Value: val, Seq: v.Header.Seq, Flags: v.Header.Flags,
		KeyFP64: v.Header.KeyFP64, MiniKey: v.Header.MiniKey,
	}
}

// Cursor iterates the records inside a validated block, zero-copy.
type Cursor struct {
	buf        []byte
	payloadLen int
	off        int
}

// NewCursor validates payloadLen and the stored CRC, then returns a Cursor
// ready to yield record views. Refuses (returns errs.ErrCorrupt) any block
// whose stored CRC32C does not match the computed CRC over [0, Size-4), per
// I6, or whose declared payloadLen is structurally impossible.
func NewCursor(buf []byte) (*Cursor, error) {
	if len(buf) != Size {
		return nil, errs.Wrap(errs.KindCorrupt, errs.ErrCorrupt, errs.Unit{})
	}
	payloadLen := int(binary.LittleEndian.Uint32(buf[0:4]))
	if payloadLen < 0 || payloadLen > PayloadLimit {
		return nil, errs.Wrap(errs.KindCorrupt, errs.ErrCorrupt, errs.Unit{})
	}
	stored := binary.LittleEndian.Uint32(buf[Size-4 : Size])
	if ChecksumPrefix(buf) != stored {
		return nil, errs.Wrap(errs.KindCorrupt, errs.ErrCorrupt, errs.Unit{})
	}
	return &Cursor{buf: buf, payloadLen: payloadLen, off: 4}, nil
}

// Next yields the next record view, or ok=false once the payload is
// exhausted.
func (c *Cursor) Next() (view RecordView, ok bool, err error) {
	end := 4 + c.payloadLen
	if c.off >= end {
		return RecordView{}, false, nil
	}
	if c.off+record.HeaderSize > end {
		return RecordView{}, false, errs.Wrap(errs.KindCorrupt, errs.ErrCorrupt, errs.Unit{})
	}
	hdr := record.ParseHeader(c.buf[c.off : c.off+record.HeaderSize])
	c.off += record.HeaderSize

	kEnd := c.off + int(hdr.KLen)
	vEnd := kEnd + int(hdr.VLen)
	if kEnd > end || vEnd > end {
		return RecordView{}, false, errs.Wrap(errs.KindCorrupt, errs.ErrCorrupt, errs.Unit{})
	}

	view = RecordView{Header: hdr, Key: c.buf[c.off:kEnd], Value: c.buf[kEnd:vEnd]}
	c.off = vEnd
	return view, true, nil
}

// All drains the cursor into a zero-copy slice of views, for callers that
// prefer non-iterator access (e.g. the SST reader's scan of a single data
// block).
func (c *Cursor) All() ([]RecordView, error) {
	var out []RecordView
	for {
		v, ok, err := c.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}
