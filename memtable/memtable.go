// Package memtable provides an ordered, concurrent in-memory table of
// MemRecords with I2 replacement semantics and an asynchronous flush trigger,
// per §4.5. The per-shard skip list is adapted from the teacher's generic
// skip list (memtable/skip_list.go) specialized from the generic `ordered`
// key constraint to []byte keys compared with bytes.Compare, and carrying
// record.Record values with seq/tombstone replacement instead of blind
// overwrite.
package memtable

import (
	"bytes"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/akkaradb/akkaradb/record"
)

// Thresholds configures the flush trigger: bytes >= Bytes OR entries >=
// Entries hands off a snapshot and installs a fresh table.
type Thresholds struct {
	Bytes   int64
	Entries int64
}

// DefaultThresholds matches §6's mem.flushThreshold default.
var DefaultThresholds = Thresholds{Bytes: 64 << 20, Entries: 50_000}

// recordOverhead approximates the fixed per-entry bookkeeping cost folded
// into the byte accounting (header + skip-list pointers), so the trigger
// reflects real memory pressure rather than just key+value bytes.
const recordOverhead = 64

const numShards = 16

func shardFor(key []byte) int {
	if len(key) == 0 {
		return 0
	}
	// FNV-1a, cheap and good enough for shard spreading; not used for any
	// on-disk fingerprint (that's record.KeyFP64/SipHash).
	h := uint32(2166136261)
	for _, b := range key {
		h ^= uint32(b)
		h *= 16777619
	}
	return int(h % numShards)
}

// FlushFunc receives an immutable snapshot handed off when a generation
// crosses its threshold. It is invoked on the table's single flush worker
// goroutine; callers must not block it indefinitely.
type FlushFunc func(snap *Snapshot)

// Table is the active, mutable memtable. Reads and writes are non-blocking
// except for brief per-shard synchronization; the generation swap at flush
// time is the only exclusive-latch operation.
type Table struct {
	thresholds Thresholds
	onFlush    FlushFunc

	genMu  sync.Mutex // guards swapping `active`, held only for the swap itself
	active atomic.Pointer[generation]

	flushCh chan *Snapshot
	closeWG sync.WaitGroup
	closeCh chan struct{}
}

type generation struct {
	shards  [numShards]*shard
	bytes   atomic.Int64
	entries atomic.Int64
}

func newGeneration() *generation {
	g := &generation{}
	for i := range g.shards {
		g.shards[i] = &shard{sl: newSkipList()}
	}
	return g
}

type shard struct {
	mu sync.RWMutex
	sl *skipList
}

// New creates an empty Table and starts its single flush worker.
func New(thresholds Thresholds, onFlush FlushFunc) *Table {
	t := &Table{thresholds: thresholds, onFlush: onFlush, flushCh: make(chan *Snapshot, 4), closeCh: make(chan struct{})}
	t.active.Store(newGeneration())
	t.closeWG.Add(1)
	go t.flushLoop()
	return t
}

func (t *Table) flushLoop() {
	defer t.closeWG.Done()
	for {
		select {
		case snap := <-t.flushCh:
			if t.onFlush != nil {
				t.onFlush(snap)
			}
		case <-t.closeCh:
			for {
				select {
				case snap := <-t.flushCh:
					if t.onFlush != nil {
						t.onFlush(snap)
					}
				default:
					return
				}
			}
		}
	}
}

// Close drains any pending flush handoff. It does not flush the current
// active generation; callers that want a final flush call ForceFlush before
// Close (the engine's shutdown path does this explicitly per §5).
func (t *Table) Close() {
	close(t.closeCh)
	t.closeWG.Wait()
}

// Put inserts or replaces a live value for key at seq, subject to I2.
func (t *Table) Put(key, value []byte, seq uint64) {
	t.insert(record.New(append([]byte(nil), key...), append([]byte(nil), value...), seq, false))
}

// Delete inserts a tombstone for key at seq, subject to I2.
func (t *Table) Delete(key []byte, seq uint64) {
	t.insert(record.New(append([]byte(nil), key...), nil, seq, true))
}

func (t *Table) insert(r record.Record) {
	gen := t.active.Load()
	sh := gen.shards[shardFor(r.Key)]

	sh.mu.Lock()
	delta, added := sh.sl.upsert(r)
	sh.mu.Unlock()

	gen.bytes.Add(int64(delta))
	if added {
		gen.entries.Add(1)
	}

	if gen.bytes.Load() >= t.thresholds.Bytes || gen.entries.Load() >= t.thresholds.Entries {
		t.maybeSwap(gen)
	}
}

func (t *Table) maybeSwap(full *generation) {
	t.genMu.Lock()
	defer t.genMu.Unlock()
	if t.active.Load() != full {
		return // another writer already swapped
	}
	t.active.Store(newGeneration())
	snap := &Snapshot{gen: full}
	t.flushCh <- snap
}

// ForceFlush swaps out the active generation regardless of threshold and
// hands it to the flush worker; an empty generation is left in place and
// nothing is handed off. Used at graceful shutdown
// (§5) so the final partial generation is not silently dropped.
func (t *Table) ForceFlush() {
	gen := t.active.Load()
	if gen.entries.Load() == 0 {
		return
	}
	t.maybeSwap(gen)
}

// Get returns the live record for key, or ok=false if absent or the live
// record is a tombstone (callers treat a tombstone as "absent" per §4.5).
func (t *Table) Get(key []byte) (record.Record, bool) {
	r, ok := t.Lookup(key)
	if !ok || r.Tombstone() {
		return record.Record{}, false
	}
	return r, true
}

// Lookup returns key's record as currently held (tombstone or live), or
// ok=false only if the key has no entry at all in this generation. Callers
// that must not silently fall through a tombstone to an older layer (engine's
// current/CompareAndSwap) use this instead of Get.
func (t *Table) Lookup(key []byte) (record.Record, bool) {
	gen := t.active.Load()
	sh := gen.shards[shardFor(key)]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.sl.get(key)
}

// Bytes reports the active generation's approximate footprint.
func (t *Table) Bytes() int64 { return t.active.Load().bytes.Load() }

// Entries reports the active generation's live entry count.
func (t *Table) Entries() int64 { return t.active.Load().entries.Load() }

// Snapshot returns a read-only, ascending-key view of the table's current
// active generation, for callers building a merged iterator (engine's
// Iterator) over live MemTable + SST state. Unlike a flush handoff snapshot,
// the generation it wraps keeps accepting concurrent writes; per-shard locks
// inside Iter/ascend make that safe, at the cost of the view being only
// approximately point-in-time across shards.
func (t *Table) Snapshot() *Snapshot {
	return &Snapshot{gen: t.active.Load()}
}

// Snapshot is an immutable, ascending-key view of a past generation, stable
// under concurrent mutation of the table that superseded it.
type Snapshot struct {
	gen *generation
}

// Iter returns records in ascending key order, optionally bounded
// [from, toExclusive). A nil bound on either side is unbounded.
func (s *Snapshot) Iter(from, toExclusive []byte) iter.Seq[record.Record] {
	return func(yield func(record.Record) bool) {
		merged := mergeShardsAscending(s.gen)
		for _, r := range merged {
			if from != nil && bytes.Compare(r.Key, from) < 0 {
				continue
			}
			if toExclusive != nil && bytes.Compare(r.Key, toExclusive) >= 0 {
				break
			}
			if !yield(r) {
				return
			}
		}
	}
}

// Entries reports how many live+tombstone records this snapshot holds.
func (s *Snapshot) Entries() int64 { return s.gen.entries.Load() }

func mergeShardsAscending(g *generation) []record.Record {
	lists := make([][]record.Record, numShards)
	total := 0
	for i, sh := range g.shards {
		sh.mu.RLock()
		lists[i] = sh.sl.ascend()
		sh.mu.RUnlock()
		total += len(lists[i])
	}
	out := make([]record.Record, 0, total)
	idx := make([]int, numShards)
	for {
		best := -1
		for i, l := range lists {
			if idx[i] >= len(l) {
				continue
			}
			if best == -1 || bytes.Compare(l[idx[i]].Key, lists[best][idx[best]].Key) < 0 {
				best = i
			}
		}
		if best == -1 {
			return out
		}
		out = append(out, lists[best][idx[best]])
		idx[best]++
	}
}
