package memtable

import (
	"sync"
	"testing"
)

func TestTablePutGetDelete(t *testing.T) {
	tbl := New(Thresholds{Bytes: 1 << 30, Entries: 1 << 30}, nil)
	defer tbl.Close()

	tbl.Put([]byte("hello"), []byte("world"), 1)
	got, ok := tbl.Get([]byte("hello"))
	if !ok || string(got.Value) != "world" {
		t.Fatalf("expected hello=world, got %v ok=%v", got, ok)
	}

	if _, ok := tbl.Get([]byte("absent")); ok {
		t.Fatalf("expected absent key to miss")
	}

	tbl.Delete([]byte("hello"), 2)
	if _, ok := tbl.Get([]byte("hello")); ok {
		t.Fatalf("expected tombstoned key to read as absent")
	}

	r, ok := tbl.Lookup([]byte("hello"))
	if !ok || !r.Tombstone() || r.Seq != 2 {
		t.Fatalf("expected Lookup to surface the tombstone itself, got %+v ok=%v", r, ok)
	}
	if _, ok := tbl.Lookup([]byte("absent")); ok {
		t.Fatalf("expected Lookup on a never-written key to miss")
	}
}

func TestTableFlushTrigger(t *testing.T) {
	var mu sync.Mutex
	var flushed []*Snapshot

	tbl := New(Thresholds{Bytes: 1 << 30, Entries: 10}, func(s *Snapshot) {
		mu.Lock()
		flushed = append(flushed, s)
		mu.Unlock()
	})

	for i := 0; i < 25; i++ {
		tbl.Put([]byte{byte(i)}, []byte("v"), uint64(i+1))
	}
	// onFlush runs on the flush worker goroutine; Close drains every pending
	// handoff through it before returning.
	tbl.Close()

	mu.Lock()
	n := len(flushed)
	mu.Unlock()
	if n == 0 {
		t.Fatalf("expected at least one flush handoff past the entries threshold")
	}
}

func TestSnapshotIterAscendingAndBounded(t *testing.T) {
	tbl := New(Thresholds{Bytes: 1 << 30, Entries: 1 << 30}, nil)
	defer tbl.Close()

	keys := []string{"a", "c", "b", "e", "d"}
	for i, k := range keys {
		tbl.Put([]byte(k), []byte("v"), uint64(i+1))
	}

	snap := &Snapshot{gen: tbl.active.Load()}
	var got []string
	for r := range snap.Iter(nil, nil) {
		got = append(got, string(r.Key))
	}
	want := []string{"a", "b", "c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}

	got = got[:0]
	for r := range snap.Iter([]byte("b"), []byte("d")) {
		got = append(got, string(r.Key))
	}
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("bounded iter mismatch: %v", got)
	}
}
