// Package record defines the logical key/value record and its fixed 32-byte
// on-disk header (AKHdr32), shared by the block codec, the WAL and the SST
// writer/reader. All multi-byte fields are little-endian, per §3.
package record

import (
	"encoding/binary"
	"errors"

	"github.com/dchest/siphash"
)

// Flags bit layout for AKHdr32.flags.
const (
	FlagTombstone uint8 = 1 << 0
)

// HeaderSize is the fixed, on-disk size of AKHdr32.
const HeaderSize = 32

// siphashK0/K1 are the fixed keys for the keyFP64 SipHash-2-4 fingerprint.
// Fixed (not random) so that keyFP64 is reproducible across process restarts
// and across machines, as required for on-disk Bloom filters and indexes.
const (
	siphashK0 = 0x646b6b72616461 // "akkaradb" folded
	siphashK1 = 0x6b617272646b61
)

// KeyFP64 derives the SipHash-2-4 fingerprint of a key, used as the Bloom
// filter input and carried in every record header for fast filtering.
func KeyFP64(key []byte) uint64 {
	return siphash.Hash(siphashK0, siphashK1, key)
}

// MiniKey packs the first up-to-8 key bytes little-endian into a uint64,
// zero-padded on the right when the key is shorter.
func MiniKey(key []byte) uint64 {
	var buf [8]byte
	n := copy(buf[:], key)
	_ = n
	return binary.LittleEndian.Uint64(buf[:])
}

// Record is the in-memory logical tuple. Key/Value are owned slices (callers
// that hand them to long-lived structures must not mutate them afterwards).
type Record struct {
	Key     []byte
	Value   []byte
	Seq     uint64
	Flags   uint8
	KeyFP64 uint64
	MiniKey uint64
}

// Tombstone reports whether this record represents a deletion.
func (r *Record) Tombstone() bool { return r.Flags&FlagTombstone != 0 }

// New builds a Record, deriving KeyFP64 and MiniKey from key.
func New(key, value []byte, seq uint64, tombstone bool) Record {
	var flags uint8
	if tombstone {
		flags = FlagTombstone
		value = nil
	}
	return Record{
		Key:     key,
		Value:   value,
		Seq:     seq,
		Flags:   flags,
		KeyFP64: KeyFP64(key),
		MiniKey: MiniKey(key),
	}
}

// ShouldReplace implements I2: for the same key, the higher seq wins; on a
// seq tie the tombstone wins; a tombstone is never resurrected at an equal
// seq by a non-tombstone.
func ShouldReplace(old, new *Record) bool {
	if new.Seq != old.Seq {
		return new.Seq > old.Seq
	}
	// Equal seq: tombstone wins, and a live record never displaces an
	// existing tombstone at the same seq.
	if new.Tombstone() && !old.Tombstone() {
		return true
	}
	return false
}

// AKHdr32 is the fixed 32-byte on-disk header.
//
//	0:  kLen:u16  2:  vLen:u32  6:  seq:u64  14: flags:u8  15: pad0:u8=0
//	16: keyFP64:u64                 24: miniKey:u64
type AKHdr32 struct {
	KLen    uint16
	VLen    uint32
	Seq     uint64
	Flags   uint8
	KeyFP64 uint64
	MiniKey uint64
}

var (
	// ErrKeyTooLong is returned when a key exceeds the 65535-byte header limit.
	ErrKeyTooLong = errors.New("record: key exceeds 65535 bytes")
	// ErrValueTooLong is returned when a value cannot be represented in the
	// 32-bit vLen field.
	ErrValueTooLong = errors.New("record: value exceeds 2^32-1 bytes")
	// ErrEmptyKey is returned for a zero-length key (rejected per §8).
	ErrEmptyKey = errors.New("record: empty key is not permitted")
)

// HeaderOf validates r's lengths and builds its AKHdr32.
func HeaderOf(r *Record) (AKHdr32, error) {
	if len(r.Key) == 0 {
		return AKHdr32{}, ErrEmptyKey
	}
	if len(r.Key) > 0xFFFF {
		return AKHdr32{}, ErrKeyTooLong
	}
	if uint64(len(r.Value)) > 0xFFFFFFFF {
		return AKHdr32{}, ErrValueTooLong
	}
	return AKHdr32{
		KLen:    uint16(len(r.Key)),
		VLen:    uint32(len(r.Value)),
		Seq:     r.Seq,
		Flags:   r.Flags,
		KeyFP64: r.KeyFP64,
		MiniKey: r.MiniKey,
	}, nil
}

// PutHeader writes h into buf[0:32], little-endian, at fixed offsets.
func PutHeader(buf []byte, h AKHdr32) {
	_ = buf[31]
	binary.LittleEndian.PutUint16(buf[0:2], h.KLen)
	binary.LittleEndian.PutUint32(buf[2:6], h.VLen)
	binary.LittleEndian.PutUint64(buf[6:14], h.Seq)
	buf[14] = h.Flags
	buf[15] = 0
	binary.LittleEndian.PutUint64(buf[16:24], h.KeyFP64)
	binary.LittleEndian.PutUint64(buf[24:32], h.MiniKey)
}

// ParseHeader reads a 32-byte header out of buf[0:32].
func ParseHeader(buf []byte) AKHdr32 {
	_ = buf[31]
	return AKHdr32{
		KLen:    binary.LittleEndian.Uint16(buf[0:2]),
		VLen:    binary.LittleEndian.Uint32(buf[2:6]),
		Seq:     binary.LittleEndian.Uint64(buf[6:14]),
		Flags:   buf[14],
		KeyFP64: binary.LittleEndian.Uint64(buf[16:24]),
		MiniKey: binary.LittleEndian.Uint64(buf[24:32]),
	}
}

// Tombstone reports whether h's flags mark a deletion.
func (h AKHdr32) Tombstone() bool { return h.Flags&FlagTombstone != 0 }

// NormalizeKey32 truncates keys longer than 32 bytes and zero-pads shorter
// ones on the right, as used by the SST index's firstKey32 entries.
func NormalizeKey32(key []byte) [32]byte {
	var out [32]byte
	n := copy(out[:], key)
	_ = n
	return out
}
