package memtable

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/akkaradb/akkaradb/record"
)

func init() {
	rand.Seed(1)
}

func key(i int) []byte { return []byte(fmt.Sprintf("k%05d", i)) }

func TestSkipListEmpty(t *testing.T) {
	sl := newSkipList()
	if sl.size != 0 {
		t.Fatalf("expected size 0, got %d", sl.size)
	}
	if _, ok := sl.get(key(1)); ok {
		t.Fatalf("expected not found in empty skiplist")
	}
}

func TestSkipListPutAndGetSingle(t *testing.T) {
	sl := newSkipList()
	sl.upsert(record.New(key(10), []byte("ten"), 1, false))

	got, ok := sl.get(key(10))
	if !ok || string(got.Value) != "ten" {
		t.Fatalf("expected (ten,true), got (%v,%v)", got.Value, ok)
	}
}

func TestSkipListHigherSeqWins(t *testing.T) {
	sl := newSkipList()
	sl.upsert(record.New(key(1), []byte("one"), 1, false))
	sl.upsert(record.New(key(1), []byte("uno"), 2, false))

	got, ok := sl.get(key(1))
	if !ok || string(got.Value) != "uno" {
		t.Fatalf("update failed, got (%v,%v)", got.Value, ok)
	}
	if sl.size != 1 {
		t.Fatalf("expected size 1, got %d", sl.size)
	}
}

func TestSkipListStaleSeqLoses(t *testing.T) {
	sl := newSkipList()
	sl.upsert(record.New(key(1), []byte("uno"), 5, false))
	sl.upsert(record.New(key(1), []byte("stale"), 2, false))

	got, _ := sl.get(key(1))
	if string(got.Value) != "uno" {
		t.Fatalf("stale write must not win, got %q", got.Value)
	}
}

func TestSkipListTombstoneBeatsLiveAtSameSeq(t *testing.T) {
	sl := newSkipList()
	sl.upsert(record.New(key(1), []byte("v"), 7, false))
	sl.upsert(record.New(key(1), nil, 7, true))

	got, _ := sl.get(key(1))
	if !got.Tombstone() {
		t.Fatalf("tombstone must win ties, per I2")
	}

	// A live write at the same seq must never resurrect the tombstone.
	sl.upsert(record.New(key(1), []byte("resurrect"), 7, false))
	got, _ = sl.get(key(1))
	if !got.Tombstone() {
		t.Fatalf("tombstone must not be resurrected at equal seq")
	}
}

func TestSkipListSequentialInsertAndGet(t *testing.T) {
	sl := newSkipList()
	for i := 1; i <= 1000; i++ {
		sl.upsert(record.New(key(i), []byte(fmt.Sprint(i*i)), uint64(i), false))
	}
	for i := 1; i <= 1000; i++ {
		got, ok := sl.get(key(i))
		if !ok || string(got.Value) != fmt.Sprint(i*i) {
			t.Fatalf("bad value for key %d", i)
		}
	}
	if sl.size != 1000 {
		t.Fatalf("expected size 1000, got %d", sl.size)
	}
}

func TestSkipListAscendIsSorted(t *testing.T) {
	sl := newSkipList()
	for i := 0; i < 500; i++ {
		sl.upsert(record.New(key(rand.Intn(500)), []byte("v"), uint64(i+1), false))
	}
	out := sl.ascend()
	for i := 1; i < len(out); i++ {
		if bytes.Compare(out[i-1].Key, out[i].Key) >= 0 {
			t.Fatalf("ascend() not strictly increasing at %d", i)
		}
	}
}
