package stripe

import (
	"bytes"
	"os"
	"testing"

	"github.com/akkaradb/akkaradb/block"
	"github.com/akkaradb/akkaradb/parity"
	"github.com/akkaradb/akkaradb/record"
)

type fakeManifest struct {
	commits []int64
}

func (m *fakeManifest) AppendStripeCommit(after int64) error {
	m.commits = append(m.commits, after)
	return nil
}

func sealedBlock(tag int) []byte {
	buf := make([]byte, block.Size)
	bw := block.NewWriter(buf)
	r := record.New([]byte("k"), []byte{byte(tag)}, uint64(tag+1), false)
	if ok, err := bw.TryAppend(&r); err != nil || !ok {
		panic("sealedBlock: record does not fit")
	}
	return bw.End()
}

func TestWriterAccumulatesAndCommits(t *testing.T) {
	dir := t.TempDir()
	coder, err := parity.New(4, 1)
	if err != nil {
		t.Fatalf("parity.New: %v", err)
	}
	mf := &fakeManifest{}
	w, err := Open(dir, 4, 1, 0, coder, mf, GroupCommit{N: 1, T: DefaultGroupCommit.T}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 4; i++ {
		if err := w.Accept(sealedBlock(i)); err != nil {
			t.Fatalf("Accept(%d): %v", i, err)
		}
	}
	if w.NextIndex() != 1 {
		t.Fatalf("expected nextIndex=1 after one full stripe, got %d", w.NextIndex())
	}
	if len(mf.commits) == 0 {
		t.Fatalf("expected a manifest StripeCommit after the group-commit threshold")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestReaderReconstructsLostDataLane(t *testing.T) {
	dir := t.TempDir()
	coder, err := parity.New(4, 1)
	if err != nil {
		t.Fatalf("parity.New: %v", err)
	}
	mf := &fakeManifest{}
	w, err := Open(dir, 4, 1, 0, coder, mf, GroupCommit{N: 1}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	blocks := make([][]byte, 4)
	for i := range blocks {
		blocks[i] = sealedBlock(i)
		if err := w.Accept(append([]byte(nil), blocks[i]...)); err != nil {
			t.Fatalf("Accept: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Corrupt lane 2's stripe-0 block on disk to simulate a lost/corrupt lane.
	path := dataLanePath(dir, 2)
	if err := os.WriteFile(path, make([]byte, block.Size), 0o644); err != nil {
		t.Fatalf("corrupting lane 2: %v", err)
	}

	r, err := OpenReader(dir, 4, 1, coder, nil)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	got, err := r.ReadData(0, 2)
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if !bytes.Equal(got, blocks[2]) {
		t.Fatalf("reconstructed block does not match original")
	}
}
