// Package stripe fans sealed 32 KiB blocks out across k data lane files and m
// parity lane files, group-committing fsyncs and reconstructing missing data
// lanes on read, per §4.3. Each lane is a single append-only file; every lane
// holds exactly one block at each stripe index, so lane offset = index *
// block.Size.
package stripe

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/akkaradb/akkaradb/block"
	"github.com/akkaradb/akkaradb/errs"
	"github.com/akkaradb/akkaradb/parity"
)

// State is the per-stripe lifecycle: Accumulating -> ParityEncoded ->
// LanesWritten -> Committed (manifest durable).
type State int

const (
	StateAccumulating State = iota
	StateParityEncoded
	StateLanesWritten
	StateCommitted
)

// ManifestAppender is the narrow slice of manifest.Writer the stripe writer
// needs, kept as a local interface to avoid an import cycle.
type ManifestAppender interface {
	AppendStripeCommit(after int64) error
}

// GroupCommit configures the batching policy: flush after N stripes or after
// T elapses, whichever comes first.
type GroupCommit struct {
	N int
	T time.Duration
}

// DefaultGroupCommit matches §6's stripe.flush default.
var DefaultGroupCommit = GroupCommit{N: 32, T: 500 * time.Microsecond}

func laneDir(baseDir string) string { return filepath.Join(baseDir, "lanes") }

func dataLanePath(baseDir string, i int) string {
	return filepath.Join(laneDir(baseDir), fmt.Sprintf("data_%d", i))
}

func parityLanePath(baseDir string, j int) string {
	return filepath.Join(laneDir(baseDir), fmt.Sprintf("parity_%d", j))
}

// openLanes opens (creating if absent) the k+m lane files for read-write
// append use.
func openLanes(baseDir string, k, m int) (data, par []*os.File, err error) {
	if err := os.MkdirAll(laneDir(baseDir), 0o755); err != nil {
		return nil, nil, err
	}
	data = make([]*os.File, k)
	par = make([]*os.File, m)
	closeAll := func() {
		for _, f := range data {
			if f != nil {
				f.Close()
			}
		}
		for _, f := range par {
			if f != nil {
				f.Close()
			}
		}
	}
	for i := 0; i < k; i++ {
		f, err := os.OpenFile(dataLanePath(baseDir, i), os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		data[i] = f
	}
	for j := 0; j < m; j++ {
		f, err := os.OpenFile(parityLanePath(baseDir, j), os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		par[j] = f
	}
	return data, par, nil
}

// Writer accumulates k consecutive sealed blocks, computes parity, and writes
// the k+m blocks of the resulting stripe across the lane files.
type Writer struct {
	mu       sync.Mutex
	k, m     int
	dataF    []*os.File
	parF     []*os.File
	coder    parity.Coder
	manifest ManifestAppender
	gc       GroupCommit
	log      *slog.Logger

	pending      [][]byte // 0..k-1 accumulated sealed data blocks
	nextIndex    int64    // next stripe index to be written
	sinceCommit  int      // stripes written since last fsync/manifest commit
	lastCommitAt time.Time
}

// Open opens (or creates) the lane files under baseDir/lanes and returns a
// Writer starting at stripe index startIndex (as recovered from the
// manifest's stripesWritten).
func Open(baseDir string, k, m int, startIndex int64, coder parity.Coder, manifest ManifestAppender, gc GroupCommit, log *slog.Logger) (*Writer, error) {
	if log == nil {
		log = slog.Default()
	}
	data, par, err := openLanes(baseDir, k, m)
	if err != nil {
		return nil, err
	}
	return &Writer{
		k: k, m: m, dataF: data, parF: par, coder: coder, manifest: manifest,
		gc: gc, log: log, pending: make([][]byte, 0, k),
		nextIndex: startIndex, lastCommitAt: time.Now(),
	}, nil
}

// Accept buffers a sealed 32 KiB block; once k blocks have accumulated it
// encodes parity and writes the full stripe across all lanes. blk must not be
// mutated by the caller afterwards (ownership transfers in).
func (w *Writer) Accept(blk []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(blk) != block.Size {
		return fmt.Errorf("stripe: block must be %d bytes", block.Size)
	}
	w.pending = append(w.pending, blk)
	if len(w.pending) < w.k {
		return nil
	}
	return w.writeStripeLocked()
}

// Flush forces a short stripe (padded with zero blocks, still recorded) and
// the pending group-commit fsync, used at shutdown per §5.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		for len(w.pending) < w.k {
			w.pending = append(w.pending, make([]byte, block.Size))
		}
		if err := w.writeStripeLocked(); err != nil {
			return err
		}
	}
	return w.commitLocked()
}

func (w *Writer) writeStripeLocked() error {
	data := w.pending
	w.pending = make([][]byte, 0, w.k)

	parBlocks, err := w.coder.Encode(data)
	if err != nil {
		return err
	}
	// State: ParityEncoded.

	idx := w.nextIndex
	off := idx * block.Size
	for i, d := range data {
		if _, err := w.dataF[i].WriteAt(d, off); err != nil {
			return err
		}
	}
	for j, p := range parBlocks {
		if _, err := w.parF[j].WriteAt(p, off); err != nil {
			return err
		}
	}
	// State: LanesWritten.
	w.nextIndex++
	w.sinceCommit++

	if w.sinceCommit >= w.gc.N || time.Since(w.lastCommitAt) >= w.gc.T {
		return w.commitLocked()
	}
	return nil
}

// commitLocked fsyncs every lane and then appends the manifest StripeCommit
// event, which itself fsyncs before this call returns. A stripe is
// considered committed only once that manifest event is durable (I7).
func (w *Writer) commitLocked() error {
	if w.sinceCommit == 0 {
		return nil
	}
	for _, f := range w.dataF {
		if err := f.Sync(); err != nil {
			return err
		}
	}
	for _, f := range w.parF {
		if err := f.Sync(); err != nil {
			return err
		}
	}
	if err := w.manifest.AppendStripeCommit(w.nextIndex); err != nil {
		return err
	}
	w.log.Debug("stripe commit", "after", w.nextIndex, "stripes", w.sinceCommit)
	w.sinceCommit = 0
	w.lastCommitAt = time.Now()
	// State: Committed.
	return nil
}

// NextIndex reports the index the next full stripe will be written to.
func (w *Writer) NextIndex() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextIndex
}

// Close flushes any pending stripe and closes every lane file.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	var first error
	for _, f := range w.dataF {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, f := range w.parF {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Reader reads committed stripes back, reconstructing missing/corrupt data
// lanes via the parity coder.
type Reader struct {
	k, m  int
	dataF []*os.File
	parF  []*os.File
	coder parity.Coder
	log   *slog.Logger
}

// OpenReader opens the lane files read-only.
func OpenReader(baseDir string, k, m int, coder parity.Coder, log *slog.Logger) (*Reader, error) {
	if log == nil {
		log = slog.Default()
	}
	data := make([]*os.File, k)
	par := make([]*os.File, m)
	for i := 0; i < k; i++ {
		f, err := os.OpenFile(dataLanePath(baseDir, i), os.O_RDONLY, 0o644)
		if err != nil {
			return nil, err
		}
		data[i] = f
	}
	for j := 0; j < m; j++ {
		f, err := os.OpenFile(parityLanePath(baseDir, j), os.O_RDONLY, 0o644)
		if err != nil {
			return nil, err
		}
		par[j] = f
	}
	return &Reader{k: k, m: m, dataF: data, parF: par, coder: coder, log: log}, nil
}

func readLaneBlock(f *os.File, idx int64) ([]byte, error) {
	buf := make([]byte, block.Size)
	n, err := f.ReadAt(buf, idx*block.Size)
	if err != nil || n != block.Size {
		return nil, err
	}
	if _, cerr := block.NewCursor(buf); cerr != nil {
		return nil, cerr
	}
	return buf, nil
}

// ReadData returns the data block at (stripe index, data lane dataIdx),
// reconstructing it via parity if the lane is missing or its CRC fails.
// Returns errs.ErrCorrupt wrapped as IO_CORRUPT if the parity coder cannot
// reconstruct the block, and errs.ErrParityMismatch if a reconstructed block
// fails its CRC.
func (r *Reader) ReadData(index int64, dataIdx int) ([]byte, error) {
	if blk, err := readLaneBlock(r.dataF[dataIdx], index); err == nil {
		return blk, nil
	}

	present := make([][]byte, r.k)
	for i := 0; i < r.k; i++ {
		if i == dataIdx {
			continue
		}
		if blk, err := readLaneBlock(r.dataF[i], index); err == nil {
			present[i] = blk
		}
	}
	presentParity := make([][]byte, r.m)
	for j := 0; j < r.m; j++ {
		if blk, err := readLaneBlock(r.parF[j], index); err == nil {
			presentParity[j] = blk
		}
	}

	recovered, err := r.coder.Decode([]int{dataIdx}, present, presentParity)
	if err != nil {
		return nil, errs.Wrap(errs.KindCorrupt, errs.ErrCorrupt, errs.Unit{Stripe: index})
	}
	if len(recovered) == 0 {
		return nil, errs.Wrap(errs.KindCorrupt, errs.ErrCorrupt, errs.Unit{Stripe: index})
	}
	blk := recovered[0]
	if _, cerr := block.NewCursor(blk); cerr != nil {
		return nil, errs.Wrap(errs.KindParityMismatch, errs.ErrParityMismatch, errs.Unit{Stripe: index})
	}
	return blk, nil
}

// Close closes every lane file.
func (r *Reader) Close() error {
	var first error
	for _, f := range r.dataF {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, f := range r.parF {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ValidateTailLengths checks that every lane file is at least
// committedStripes blocks long, per recovery step 2: a lane shorter than
// that is "missing" for every stripe in the shortfall, and more than m such
// shortfalls (across data and parity lanes combined) means some stripe in
// the shortfall cannot be reconstructed. Returns errs.ErrCorrupt wrapped as
// IO_CORRUPT if that budget is exceeded.
func ValidateTailLengths(baseDir string, k, m int, committedStripes int64) error {
	want := committedStripes * block.Size
	short := 0
	for i := 0; i < k; i++ {
		if laneSize(dataLanePath(baseDir, i)) < want {
			short++
		}
	}
	for j := 0; j < m; j++ {
		if laneSize(parityLanePath(baseDir, j)) < want {
			short++
		}
	}
	if short > m {
		return errs.Wrap(errs.KindCorrupt, errs.ErrCorrupt, errs.Unit{Stripe: committedStripes})
	}
	return nil
}

func laneSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// TruncateTail truncates every lane file to committedStripes blocks, dropping
// any partial tail written after the last durable StripeCommit, per the
// recovery protocol (§4.9 step 2).
func TruncateTail(baseDir string, k, m int, committedStripes int64) error {
	size := committedStripes * block.Size
	for i := 0; i < k; i++ {
		if err := truncateLane(dataLanePath(baseDir, i), size); err != nil {
			return err
		}
	}
	for j := 0; j < m; j++ {
		if err := truncateLane(parityLanePath(baseDir, j), size); err != nil {
			return err
		}
	}
	return nil
}

func truncateLane(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() <= size {
		return nil
	}
	return f.Truncate(size)
}
