// Package compactor implements the L0→L1 merge described in §4.7: collapse
// duplicate keys by I2, retire tombstones past their TTL, and seal the
// result as one new L1 SST, retiring every input through the
// CompactionStart/SSTSeal/SSTDelete/CompactionEnd manifest sequence. Input
// files are unlinked only after CompactionEnd is durable, so a crash
// mid-compaction leaves them on disk. Recovery does not resume or redo an
// interrupted compaction; it opens whatever the replayed manifest lists as
// live.
//
// Individual records carry no wall-clock timestamp (only a monotonic seq),
// so tombstone age is approximated from the sealing SST's own seal time
// (manifest.LiveSST.SealedAt) — the moment the tombstone's enclosing
// MemTable snapshot was flushed. Because every existing L1 SST whose range
// could hold an older version of a key is included as a merge input
// alongside the L0 files, a tombstone surviving the merge is, by
// construction, the oldest remaining trace of its key in the store: once
// past tombstoneTTL it can be dropped with no risk of an older value
// resurfacing.
package compactor

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/akkaradb/akkaradb/manifest"
	"github.com/akkaradb/akkaradb/record"
	"github.com/akkaradb/akkaradb/sst"
)

// L0Trigger is the L0 file count that triggers a merge, per §4.7.
const L0Trigger = 4

// Compactor drives L0→L1 merges against baseDir, appending its lifecycle
// events through mf.
type Compactor struct {
	baseDir      string
	mf           *manifest.Writer
	tombstoneTTL time.Duration
	log          *slog.Logger
	fileSeq      atomic.Int64
}

// New creates a Compactor. fileSeqStart seeds the output filename counter
// (recovered from the highest existing L1 file number, so restarts don't
// collide with prior output).
func New(baseDir string, mf *manifest.Writer, tombstoneTTL time.Duration, fileSeqStart int64, log *slog.Logger) *Compactor {
	if log == nil {
		log = slog.Default()
	}
	c := &Compactor{baseDir: baseDir, mf: mf, tombstoneTTL: tombstoneTTL, log: log}
	c.fileSeq.Store(fileSeqStart)
	return c
}

func (c *Compactor) nextFileName() string {
	return fmt.Sprintf("%06d.sst", c.fileSeq.Add(1))
}

// Result describes the outcome of a single Compact call.
type Result struct {
	OutputFile string
	Entries    int64
	Consumed   []string
}

type taggedRecord struct {
	rec      record.Record
	sealedAt int64
}

// Compact merges l0 (the triggering L0 inputs) with l1 (every existing L1
// SST, included so a surviving tombstone can be safely age-dropped), writes
// one sealed L1 output, and retires every input. now is the reference time
// for the tombstoneTTL check. If the merge produces zero surviving records,
// nothing is sealed and the returned Result has an empty OutputFile, but the
// inputs are still retired since their content is now fully superseded or
// expired. Returns a nil Result (no error) only when there are no inputs.
func (c *Compactor) Compact(l0, l1 []manifest.LiveSST, now time.Time) (*Result, error) {
	inputs := append(append([]manifest.LiveSST{}, l0...), l1...)
	if len(inputs) == 0 {
		return nil, nil
	}
	inputFiles := make([]string, len(inputs))
	for i, in := range inputs {
		inputFiles[i] = in.File
	}

	if err := c.mf.Append(manifest.Event{Type: manifest.EventCompactionStart, Level: 1, Inputs: inputFiles, TS: now.UnixMicro()}); err != nil {
		return nil, fmt.Errorf("compactor: CompactionStart: %w", err)
	}

	merged, err := c.mergeInputs(inputs)
	if err != nil {
		return nil, fmt.Errorf("compactor: merging inputs: %w", err)
	}
	survivors := dropExpiredTombstones(merged, c.tombstoneTTL, now)

	res := &Result{Consumed: inputFiles}
	if len(survivors) > 0 {
		outputFile := c.nextFileName()
		minKey, maxKey, entries, err := writeOutput(sst.Path(c.baseDir, 1, outputFile), survivors)
		if err != nil {
			return nil, fmt.Errorf("compactor: writing output sst: %w", err)
		}
		if err := c.mf.Append(manifest.Event{
			Type: manifest.EventSSTSeal, Level: 1, File: outputFile, Entries: entries,
			FirstKeyHex: hex.EncodeToString(minKey), LastKeyHex: hex.EncodeToString(maxKey),
			TS: now.UnixMicro(),
		}); err != nil {
			return nil, fmt.Errorf("compactor: SSTSeal: %w", err)
		}
		res.OutputFile = outputFile
		res.Entries = entries
	}

	for _, in := range inputs {
		if err := c.mf.Append(manifest.Event{Type: manifest.EventSSTDelete, File: in.File, TS: now.UnixMicro()}); err != nil {
			return nil, fmt.Errorf("compactor: SSTDelete(%s): %w", in.File, err)
		}
	}

	if err := c.mf.Append(manifest.Event{
		Type: manifest.EventCompactionEnd, Level: 1, Output: res.OutputFile, Entries: res.Entries, TS: now.UnixMicro(),
	}); err != nil {
		return nil, fmt.Errorf("compactor: CompactionEnd: %w", err)
	}

	// Only once every retiring event above is durable do we physically
	// remove the input files: a crash before this point leaves the inputs
	// on disk. Inputs whose SSTDelete already landed are no longer live in
	// the replayed manifest, and their files are not removed by recovery.
	for _, in := range inputs {
		path := sst.Path(c.baseDir, in.Level, in.File)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.log.Warn("compactor: failed to remove consumed input", "path", path, "err", err)
		}
	}

	c.log.Debug("compaction complete", "inputs", len(inputs), "output", res.OutputFile, "entries", res.Entries)
	return res, nil
}

func (c *Compactor) mergeInputs(inputs []manifest.LiveSST) ([]taggedRecord, error) {
	var all []taggedRecord
	for _, in := range inputs {
		r, err := sst.Open(sst.Path(c.baseDir, in.Level, in.File))
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", in.File, err)
		}
		for rec, err := range r.Scan(nil, nil) {
			if err != nil {
				r.Close()
				return nil, fmt.Errorf("scanning %s: %w", in.File, err)
			}
			all = append(all, taggedRecord{rec: rec, sealedAt: in.SealedAt})
		}
		r.Close()
	}

	sort.SliceStable(all, func(i, j int) bool {
		return bytes.Compare(all[i].rec.Key, all[j].rec.Key) < 0
	})

	// Within each key group, fold pairwise through record.ShouldReplace (I2)
	// to find the winner, exactly as a MemTable upsert or an SST Lookup would.
	out := make([]taggedRecord, 0, len(all))
	i := 0
	for i < len(all) {
		best := all[i]
		j := i + 1
		for j < len(all) && bytes.Equal(all[j].rec.Key, best.rec.Key) {
			if record.ShouldReplace(&best.rec, &all[j].rec) {
				best = all[j]
			}
			j++
		}
		out = append(out, best)
		i = j
	}
	return out, nil
}

func dropExpiredTombstones(in []taggedRecord, ttl time.Duration, now time.Time) []record.Record {
	out := make([]record.Record, 0, len(in))
	for _, tr := range in {
		if tr.rec.Tombstone() && tr.sealedAt != 0 {
			age := now.Sub(time.UnixMicro(tr.sealedAt))
			if age > ttl {
				continue
			}
		}
		out = append(out, tr.rec)
	}
	return out
}

func writeOutput(path string, records []record.Record) (minKey, maxKey []byte, entries int64, err error) {
	w, err := sst.Create(path)
	if err != nil {
		return nil, nil, 0, err
	}
	for _, r := range records {
		if err := w.Write(r); err != nil {
			w.Abort()
			return nil, nil, 0, err
		}
	}
	return w.Finish()
}
