package compactor

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/akkaradb/akkaradb/manifest"
	"github.com/akkaradb/akkaradb/record"
	"github.com/akkaradb/akkaradb/sst"
)

func writeL0(t *testing.T, dir, file string, recs []record.Record) manifest.LiveSST {
	t.Helper()
	if err := os.MkdirAll(sst.Dir(dir, 0), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	w, err := sst.Create(sst.Path(dir, 0, file))
	if err != nil {
		t.Fatalf("sst.Create: %v", err)
	}
	for _, r := range recs {
		if err := w.Write(r); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	min, max, n, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return manifest.LiveSST{Level: 0, File: file, Entries: n, FirstKeyHex: fmt.Sprintf("%x", min), LastKeyHex: fmt.Sprintf("%x", max)}
}

func TestCompactMergesDedupsAndSealsOneL1File(t *testing.T) {
	dir := t.TempDir()
	now := time.UnixMicro(1_700_000_000_000_000)

	// 4 overlapping L0 inputs: "b" is overwritten across files, "a" and "c"
	// appear once each.
	l0 := []manifest.LiveSST{
		sealedWithTS(writeL0(t, dir, "000001.sst", []record.Record{record.New([]byte("a"), []byte("v1"), 1, false)}), now),
		sealedWithTS(writeL0(t, dir, "000002.sst", []record.Record{record.New([]byte("b"), []byte("v1"), 2, false)}), now),
		sealedWithTS(writeL0(t, dir, "000003.sst", []record.Record{record.New([]byte("b"), []byte("v2"), 3, false)}), now),
		sealedWithTS(writeL0(t, dir, "000004.sst", []record.Record{record.New([]byte("c"), []byte("v1"), 4, false)}), now),
	}

	mfw, err := manifest.Open(dir, nil)
	if err != nil {
		t.Fatalf("manifest.Open: %v", err)
	}
	defer mfw.Close()

	c := New(dir, mfw, 24*time.Hour, 0, nil)
	res, err := c.Compact(l0, nil, now)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res == nil || res.OutputFile == "" {
		t.Fatalf("expected a sealed output file, got %+v", res)
	}
	if res.Entries != 3 {
		t.Fatalf("expected 3 surviving entries (a, b@seq3, c), got %d", res.Entries)
	}

	r, err := sst.Open(sst.Path(dir, 1, res.OutputFile))
	if err != nil {
		t.Fatalf("sst.Open output: %v", err)
	}
	defer r.Close()
	got, ok, err := r.Lookup([]byte("b"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok || string(got.Value) != "v2" {
		t.Fatalf("expected winning value v2 for key b, got %q ok=%v", got.Value, ok)
	}

	for _, in := range l0 {
		if _, err := os.Stat(sst.Path(dir, 0, in.File)); !os.IsNotExist(err) {
			t.Fatalf("expected input %s to be removed after compaction, stat err=%v", in.File, err)
		}
	}
}

func TestCompactDropsTombstonesPastTTL(t *testing.T) {
	dir := t.TempDir()
	sealedAt := time.UnixMicro(1_000_000_000_000_000)
	now := sealedAt.Add(48 * time.Hour)

	l0 := []manifest.LiveSST{
		sealedWithTS(writeL0(t, dir, "000001.sst", []record.Record{record.New([]byte("k"), nil, 1, true)}), sealedAt),
	}

	mfw, err := manifest.Open(dir, nil)
	if err != nil {
		t.Fatalf("manifest.Open: %v", err)
	}
	defer mfw.Close()

	c := New(dir, mfw, 24*time.Hour, 0, nil)
	res, err := c.Compact(l0, nil, now)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res == nil || res.OutputFile != "" {
		t.Fatalf("expected no output file (sole surviving record was an expired tombstone), got %+v", res)
	}

	if _, err := os.Stat(sst.Path(dir, 0, "000001.sst")); !os.IsNotExist(err) {
		t.Fatalf("expected expired-tombstone-only input to still be removed, stat err=%v", err)
	}
}

func TestCompactRetiresInputsAndSealsL1InManifest(t *testing.T) {
	dir := t.TempDir()
	now := time.UnixMicro(1_700_000_000_000_000)

	l0 := []manifest.LiveSST{
		sealedWithTS(writeL0(t, dir, "000001.sst", []record.Record{record.New([]byte("a"), []byte("v1"), 1, false)}), now),
	}

	mfw, err := manifest.Open(dir, nil)
	if err != nil {
		t.Fatalf("manifest.Open: %v", err)
	}

	c := New(dir, mfw, 24*time.Hour, 0, nil)
	if _, err := c.Compact(l0, nil, now); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if err := mfw.Close(); err != nil {
		t.Fatalf("manifest Close: %v", err)
	}

	st, err := manifest.Replay(dir, nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	// The L1 output is also named 000001.sst (the L0 and L1 name counters are
	// separate), so the consumed input is identified by its level.
	if live, ok := st.LiveSST["000001.sst"]; ok && live.Level == 0 {
		t.Fatalf("expected consumed input to be retired from the live set after a durable CompactionEnd+SSTDelete")
	}
	l1Count := 0
	for _, live := range st.LiveSST {
		if live.Level == 1 {
			l1Count++
		}
	}
	if l1Count != 1 {
		t.Fatalf("expected exactly one live L1 sst after replay, got %d", l1Count)
	}
}

func sealedWithTS(live manifest.LiveSST, ts time.Time) manifest.LiveSST {
	live.SealedAt = ts.UnixMicro()
	return live
}
