// Package engine wires the block codec, parity coder, stripe writer/reader,
// WAL, MemTable, SST writer/reader, compactor and manifest into the
// orchestrated put/get/delete/compareAndSwap/iterator/close API described in
// §6, following the teacher's thin-main-over-fat-packages shape (FlashLog's
// main.go declares the DB surface; this package is the concrete
// implementation the façade would sit on top of).
package engine

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/akkaradb/akkaradb/block"
	"github.com/akkaradb/akkaradb/bufpool"
	"github.com/akkaradb/akkaradb/compactor"
	"github.com/akkaradb/akkaradb/config"
	"github.com/akkaradb/akkaradb/manifest"
	"github.com/akkaradb/akkaradb/memtable"
	"github.com/akkaradb/akkaradb/parity"
	"github.com/akkaradb/akkaradb/record"
	"github.com/akkaradb/akkaradb/recovery"
	"github.com/akkaradb/akkaradb/sst"
	"github.com/akkaradb/akkaradb/stripe"
	"github.com/akkaradb/akkaradb/wal"
)

// sstEntry pairs an open reader with the manifest bookkeeping (seal order,
// seal time) the compactor needs; engine.l0/l1 hold these instead of bare
// readers so compaction doesn't have to re-derive them from disk.
type sstEntry struct {
	live   manifest.LiveSST
	reader *sst.Reader
}

// Engine is the concrete storage core behind the façade described in §6.
type Engine struct {
	baseDir string
	opts    config.Options
	coder   parity.Coder
	log     *slog.Logger
	pool    *bufpool.Pool

	seq atomic.Uint64

	wal     *wal.Writer
	mt      *memtable.Table
	stripeW *stripe.Writer
	stripeR *stripe.Reader
	mf      *manifest.Writer
	comp    *compactor.Compactor

	l0Seq atomic.Int64
	l1Seq atomic.Int64

	sstMu      sync.RWMutex
	l0         []*sstEntry // newest-sealed-first
	l1         []*sstEntry
	compacting atomic.Bool
	compactWG  sync.WaitGroup

	casMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Open reconciles baseDir per §4.9, then starts the writer-side components
// (WAL, stripe writer, manifest) and returns a ready Engine.
func Open(baseDir string, opts config.Options, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	coder, err := parity.New(opts.K, opts.M)
	if err != nil {
		return nil, fmt.Errorf("engine: building parity coder: %w", err)
	}

	e := &Engine{baseDir: baseDir, opts: opts, coder: coder, log: log, pool: bufpool.New()}
	e.mt = memtable.New(memtable.Thresholds{Bytes: opts.MemFlushThreshold.Bytes, Entries: opts.MemFlushThreshold.Entries}, e.handleFlush)

	res, err := recovery.Recover(baseDir, opts.K, opts.M, coder, e.mt, log)
	if err != nil {
		e.mt.Close()
		return nil, fmt.Errorf("engine: recovery: %w", err)
	}
	e.seq.Store(res.LastSeq)

	for _, live := range res.ManifestState.LiveSST {
		if n := fileSeqOf(live.File); live.Level == 0 && n > e.l0Seq.Load() {
			e.l0Seq.Store(n)
		} else if live.Level == 1 && n > e.l1Seq.Load() {
			e.l1Seq.Store(n)
		}
	}
	e.l0 = zipEntries(liveSSTSorted(res.ManifestState, 0), res.L0)
	e.l1 = zipEntries(liveSSTSorted(res.ManifestState, 1), res.L1)

	mfw, err := manifest.Open(baseDir, log)
	if err != nil {
		e.closeReaders()
		e.mt.Close()
		return nil, fmt.Errorf("engine: opening manifest writer: %w", err)
	}
	e.mf = mfw

	sw, err := stripe.Open(baseDir, opts.K, opts.M, res.ManifestState.StripesWritten, coder, mfw,
		stripe.GroupCommit{N: opts.StripeFlush.N, T: opts.StripeFlush.T}, log)
	if err != nil {
		mfw.Close()
		e.closeReaders()
		e.mt.Close()
		return nil, fmt.Errorf("engine: opening stripe writer: %w", err)
	}
	e.stripeW = sw

	sr, err := stripe.OpenReader(baseDir, opts.K, opts.M, coder, log)
	if err != nil {
		sw.Close()
		mfw.Close()
		e.closeReaders()
		e.mt.Close()
		return nil, fmt.Errorf("engine: opening stripe reader: %w", err)
	}
	e.stripeR = sr

	ww, err := wal.Open(baseDir, wal.GroupCommit{N: opts.WALGroupCommit.N, T: opts.WALGroupCommit.T}, 0, log)
	if err != nil {
		sr.Close()
		sw.Close()
		mfw.Close()
		e.closeReaders()
		e.mt.Close()
		return nil, fmt.Errorf("engine: opening wal writer: %w", err)
	}
	e.wal = ww

	e.comp = compactor.New(baseDir, mfw, opts.TombstoneTTL, e.l1Seq.Load(), log)

	log.Info("engine opened", "baseDir", baseDir, "lastSeq", res.LastSeq, "l0", len(e.l0), "l1", len(e.l1))
	return e, nil
}

func fileSeqOf(file string) int64 {
	name := strings.TrimSuffix(file, ".sst")
	n, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// liveSSTSorted returns level's live entries newest-seal-first, matching the
// exact order recovery.Recover's openLevel opened its readers in (per §4.9
// step 4), so the result can be zipped positionally with res.L0/res.L1.
func liveSSTSorted(st *manifest.State, level int) []manifest.LiveSST {
	var out []manifest.LiveSST
	for _, live := range st.LiveSST {
		if live.Level == level {
			out = append(out, live)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SealSeq > out[j].SealSeq })
	return out
}

func zipEntries(lives []manifest.LiveSST, readers []*sst.Reader) []*sstEntry {
	n := len(lives)
	if len(readers) < n {
		n = len(readers)
	}
	out := make([]*sstEntry, n)
	for i := 0; i < n; i++ {
		out[i] = &sstEntry{live: lives[i], reader: readers[i]}
	}
	return out
}

// Put assigns the next seq, durably appends the WAL frame, and installs the
// value in the MemTable. Returns the assigned seq.
func (e *Engine) Put(key, value []byte) (uint64, error) {
	if len(key) == 0 {
		return 0, record.ErrEmptyKey
	}
	seq := e.seq.Add(1)
	rec := record.New(append([]byte(nil), key...), append([]byte(nil), value...), seq, false)
	if err := e.wal.Append(&rec); err != nil {
		return 0, err
	}
	e.mt.Put(key, value, seq)
	return seq, nil
}

// Delete inserts a tombstone under the same durability contract as Put.
func (e *Engine) Delete(key []byte) (uint64, error) {
	if len(key) == 0 {
		return 0, record.ErrEmptyKey
	}
	seq := e.seq.Add(1)
	rec := record.New(append([]byte(nil), key...), nil, seq, true)
	if err := e.wal.Append(&rec); err != nil {
		return 0, err
	}
	e.mt.Delete(key, seq)
	return seq, nil
}

// Get looks up key across MemTable, then L0 SSTs newest-first, then L1, then
// (as a last-resort correctness backstop) a full scan of the committed
// stripes, per §6's `get` contract.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	val, _, found, err := e.current(key)
	return val, found, err
}

// current returns key's live value/seq, or found=false if absent or the
// winning record is a tombstone.
func (e *Engine) current(key []byte) (value []byte, seq uint64, found bool, err error) {
	if r, ok := e.mt.Lookup(key); ok {
		if r.Tombstone() {
			return nil, r.Seq, false, nil
		}
		return r.Value, r.Seq, true, nil
	}

	e.sstMu.RLock()
	l0 := append([]*sstEntry(nil), e.l0...)
	l1 := append([]*sstEntry(nil), e.l1...)
	e.sstMu.RUnlock()

	for _, ent := range l0 {
		if !ent.reader.ContainsMaybe(key) {
			continue
		}
		rec, ok, lerr := ent.reader.Lookup(key)
		if lerr != nil {
			return nil, 0, false, lerr
		}
		if ok {
			if rec.Tombstone() {
				return nil, rec.Seq, false, nil
			}
			return rec.Value, rec.Seq, true, nil
		}
	}
	for _, ent := range l1 {
		if !ent.reader.ContainsMaybe(key) {
			continue
		}
		rec, ok, lerr := ent.reader.Lookup(key)
		if lerr != nil {
			return nil, 0, false, lerr
		}
		if ok {
			if rec.Tombstone() {
				return nil, rec.Seq, false, nil
			}
			return rec.Value, rec.Seq, true, nil
		}
	}

	return e.stripeFallback(key)
}

// stripeFallback linearly scans every committed stripe's data lanes for key,
// keeping the highest-seq match. It exists purely as a correctness backstop
// (per §2's "stripe cache fallback") for the case where a key's data made it
// durably into the stripe but, for whatever reason, no live SST still
// references it; it is never the common path.
func (e *Engine) stripeFallback(key []byte) ([]byte, uint64, bool, error) {
	next := e.stripeW.NextIndex()
	var bestVal []byte
	var bestSeq uint64
	found := false

	for idx := int64(0); idx < next; idx++ {
		for lane := 0; lane < e.opts.K; lane++ {
			blk, err := e.stripeR.ReadData(idx, lane)
			if err != nil {
				continue // unreconstructable block: skip, it's a backstop not a guarantee
			}
			cur, err := block.NewCursor(blk)
			if err != nil {
				continue
			}
			views, err := cur.All()
			if err != nil {
				continue
			}
			for _, v := range views {
				if !bytes.Equal(v.Key, key) {
					continue
				}
				cand := v.Copy()
				if !found || record.ShouldReplace(&record.Record{Seq: bestSeq}, &cand) {
					bestVal, bestSeq, found = cand.Value, cand.Seq, true
					if cand.Tombstone() {
						bestVal = nil
					}
				}
			}
		}
	}
	if !found {
		return nil, 0, false, nil
	}
	return bestVal, bestSeq, bestVal != nil, nil
}

// CompareAndSwap atomically replaces key's value iff its current seq equals
// expectedSeq. expectedSeq == 0 matches both a truly-absent key and a
// tombstoned one (the engine does not expose tombstone seqs through Get, so
// 0 is the only representable "I expect nothing live here" precondition).
// newValue == nil performs a delete instead of a put.
func (e *Engine) CompareAndSwap(key []byte, expectedSeq uint64, newValue []byte) (bool, error) {
	e.casMu.Lock()
	defer e.casMu.Unlock()

	_, seq, found, err := e.current(key)
	if err != nil {
		return false, err
	}
	var curSeq uint64
	if found {
		curSeq = seq
	}
	if curSeq != expectedSeq {
		return false, nil
	}
	if newValue == nil {
		if _, err := e.Delete(key); err != nil {
			return false, err
		}
		return true, nil
	}
	if _, err := e.Put(key, newValue); err != nil {
		return false, err
	}
	return true, nil
}

// Cursor yields ascending (key, value) pairs merged across the MemTable
// snapshot and every live SST under I2, bounded [from, toExclusive).
type Cursor = iter.Seq2[record.Record, error]

// Iterator returns a merged ascending view across the MemTable's current
// generation and every live SST, deduplicated by I2. Tombstones are yielded
// (not hidden) so callers can distinguish "deleted" from "never written"
// when iterating, consistent with MemTable snapshot semantics.
func (e *Engine) Iterator(from, toExclusive []byte) Cursor {
	return func(yield func(record.Record, error) bool) {
		var all []record.Record

		snap := e.mt.Snapshot()
		for r := range snap.Iter(from, toExclusive) {
			all = append(all, r)
		}

		e.sstMu.RLock()
		l0 := append([]*sstEntry(nil), e.l0...)
		l1 := append([]*sstEntry(nil), e.l1...)
		e.sstMu.RUnlock()

		for _, ent := range l1 {
			for r, err := range ent.reader.Scan(from, toExclusive) {
				if err != nil {
					yield(record.Record{}, err)
					return
				}
				all = append(all, r)
			}
		}
		for _, ent := range l0 {
			for r, err := range ent.reader.Scan(from, toExclusive) {
				if err != nil {
					yield(record.Record{}, err)
					return
				}
				all = append(all, r)
			}
		}

		sort.SliceStable(all, func(i, j int) bool { return bytes.Compare(all[i].Key, all[j].Key) < 0 })

		i := 0
		for i < len(all) {
			best := all[i]
			j := i + 1
			for j < len(all) && bytes.Equal(all[j].Key, best.Key) {
				if record.ShouldReplace(&best, &all[j]) {
					best = all[j]
				}
				j++
			}
			i = j
			if !yield(best, nil) {
				return
			}
		}
	}
}

// handleFlush is the MemTable's FlushFunc: pack the snapshot into stripe
// blocks and a new L0 SST in one pass, seal both durably, then checkpoint the
// WAL past the records this flush covers.
func (e *Engine) handleFlush(snap *memtable.Snapshot) {
	if snap.Entries() == 0 {
		return
	}

	file := fmt.Sprintf("%06d.sst", e.l0Seq.Add(1))
	if err := os.MkdirAll(sst.Dir(e.baseDir, 0), 0o755); err != nil {
		e.log.Error("flush: mkdir L0 dir", "err", err)
		return
	}
	sstW, err := sst.Create(sst.Path(e.baseDir, 0, file))
	if err != nil {
		e.log.Error("flush: sst.Create", "err", err)
		return
	}

	buf := e.pool.Get()
	blkW := block.NewWriter(buf)
	var maxSeq uint64

	sealBlock := func() error {
		if blkW.Len() == 0 {
			return nil
		}
		sealed := blkW.End()
		if err := e.stripeW.Accept(bufpool.Detach(sealed)); err != nil {
			return err
		}
		buf = e.pool.Get()
		blkW = block.NewWriter(buf)
		return nil
	}

	writeErr := func() error {
		for r := range snap.Iter(nil, nil) {
			if r.Seq > maxSeq {
				maxSeq = r.Seq
			}
			if err := sstW.Write(r); err != nil {
				return err
			}
			rr := r
			ok, err := blkW.TryAppend(&rr)
			if err != nil {
				return err
			}
			if !ok {
				if err := sealBlock(); err != nil {
					return err
				}
				ok, err = blkW.TryAppend(&rr)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("engine: flushed record does not fit an empty block")
				}
			}
		}
		if err := sealBlock(); err != nil {
			return err
		}
		return e.stripeW.Flush()
	}()
	if writeErr != nil {
		e.log.Error("flush failed", "err", writeErr)
		sstW.Abort()
		return
	}

	minKey, maxKey, entries, err := sstW.Finish()
	if err != nil {
		e.log.Error("flush: sst finish", "err", err)
		return
	}

	now := time.Now().UnixMicro()
	sealEvent := manifest.Event{
		Type: manifest.EventSSTSeal, Level: 0, File: file, Entries: entries,
		FirstKeyHex: hex.EncodeToString(minKey), LastKeyHex: hex.EncodeToString(maxKey), TS: now,
	}
	if err := e.mf.Append(sealEvent); err != nil {
		e.log.Error("flush: SSTSeal append", "err", err)
		return
	}
	if err := e.mf.Append(manifest.Event{Type: manifest.EventCheckpoint, Name: "flush", Stripe: e.stripeW.NextIndex(), LastSeq: maxSeq, TS: now}); err != nil {
		e.log.Warn("flush: checkpoint append", "err", err)
	} else if err := e.wal.PruneCheckpointed(maxSeq); err != nil {
		e.log.Warn("flush: wal prune", "err", err)
	}

	r, err := sst.Open(sst.Path(e.baseDir, 0, file))
	if err != nil {
		e.log.Error("flush: reopening sealed sst", "err", err)
		return
	}
	live := manifest.LiveSST{Level: 0, File: file, Entries: entries, FirstKeyHex: sealEvent.FirstKeyHex, LastKeyHex: sealEvent.LastKeyHex, SealedAt: now}

	e.sstMu.Lock()
	e.l0 = append([]*sstEntry{{live: live, reader: r}}, e.l0...)
	trigger := len(e.l0) >= compactor.L0Trigger && !e.compacting.Load()
	e.sstMu.Unlock()

	e.log.Debug("flush complete", "file", file, "entries", entries)

	if trigger {
		e.compactWG.Add(1)
		go e.runCompaction()
	}
}

// runCompaction merges every current L0 SST with every current L1 SST into
// one new L1 SST, per §4.7. Only one compaction runs at a time; flushes that
// occur while a compaction is in flight simply prepend new L0 entries ahead
// of the ones being consumed; the engine reconciles its in-memory view
// against that (well-defined, since flush only ever prepends) once the
// compaction's manifest events are durable.
func (e *Engine) runCompaction() {
	defer e.compactWG.Done()
	if !e.compacting.CompareAndSwap(false, true) {
		return
	}
	defer e.compacting.Store(false)

	e.sstMu.RLock()
	l0Snapshot := append([]*sstEntry(nil), e.l0...)
	l1Snapshot := append([]*sstEntry(nil), e.l1...)
	e.sstMu.RUnlock()

	if len(l0Snapshot) < compactor.L0Trigger {
		return
	}

	l0Live := make([]manifest.LiveSST, len(l0Snapshot))
	for i, ent := range l0Snapshot {
		l0Live[i] = ent.live
	}
	l1Live := make([]manifest.LiveSST, len(l1Snapshot))
	for i, ent := range l1Snapshot {
		l1Live[i] = ent.live
	}

	res, err := e.comp.Compact(l0Live, l1Live, time.Now())
	if err != nil {
		e.log.Error("compaction failed", "err", err)
		return
	}

	var newReader *sstEntry
	if res != nil && res.OutputFile != "" {
		r, err := sst.Open(sst.Path(e.baseDir, 1, res.OutputFile))
		if err != nil {
			e.log.Error("compaction: reopening sealed output", "err", err)
		} else {
			newReader = &sstEntry{live: manifest.LiveSST{Level: 1, File: res.OutputFile, Entries: res.Entries, SealedAt: time.Now().UnixMicro()}, reader: r}
		}
	}

	e.sstMu.Lock()
	keepL0 := len(e.l0) - len(l0Snapshot)
	consumed := e.l0[keepL0:]
	e.l0 = append([]*sstEntry(nil), e.l0[:keepL0]...)
	oldL1 := e.l1
	e.l1 = nil
	if newReader != nil {
		e.l1 = append(e.l1, newReader)
	}
	e.sstMu.Unlock()

	for _, ent := range consumed {
		ent.reader.Close()
	}
	for _, ent := range oldL1 {
		ent.reader.Close()
	}

	if res != nil {
		e.log.Info("compaction complete", "consumed", len(res.Consumed), "output", res.OutputFile, "entries", res.Entries)
	}

	e.sstMu.RLock()
	again := len(e.l0) >= compactor.L0Trigger
	e.sstMu.RUnlock()
	if again {
		e.compactWG.Add(1)
		go e.runCompaction()
	}
}

func (e *Engine) closeReaders() {
	e.sstMu.Lock()
	defer e.sstMu.Unlock()
	for _, ent := range e.l0 {
		ent.reader.Close()
	}
	for _, ent := range e.l1 {
		ent.reader.Close()
	}
	e.l0, e.l1 = nil, nil
}

// Close performs the graceful shutdown ordering from §5: drain/flush the
// active MemTable generation, then close in reverse dependency order
// (stripe writer → manifest → WAL); the compactor has no persistent
// goroutine to drain, only in-flight work guarded by e.compacting.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mt.ForceFlush()
		e.mt.Close()
		e.compactWG.Wait()

		var errsList []error
		if err := e.stripeW.Close(); err != nil {
			errsList = append(errsList, err)
		}
		if err := e.stripeR.Close(); err != nil {
			errsList = append(errsList, err)
		}
		if err := e.mf.Close(); err != nil {
			errsList = append(errsList, err)
		}
		if err := e.wal.Close(); err != nil {
			errsList = append(errsList, err)
		}
		e.closeReaders()

		if len(errsList) > 0 {
			e.closeErr = fmt.Errorf("engine: close: %v", errsList)
		}
	})
	return e.closeErr
}

