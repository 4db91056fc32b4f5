package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	opts := Default()
	if opts.K != 4 || opts.M != 2 {
		t.Fatalf("unexpected k/m defaults: %+v", opts)
	}
	if opts.WALGroupCommit.N != 32 || opts.WALGroupCommit.T != 500*time.Microsecond {
		t.Fatalf("unexpected wal.groupCommit default: %+v", opts.WALGroupCommit)
	}
	if opts.MemFlushThreshold.Bytes != 64<<20 || opts.MemFlushThreshold.Entries != 50_000 {
		t.Fatalf("unexpected mem.flushThreshold default: %+v", opts.MemFlushThreshold)
	}
	if !opts.FastMode {
		t.Fatalf("expected fastMode default true")
	}
	if err := opts.Validate(); err != nil {
		t.Fatalf("Default() must validate: %v", err)
	}
}

func TestLoadOverridesWithCommentsAndTrailingCommas(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "akkaradb.jsonc")
	doc := `{
		// data/parity lane counts
		"k": 6,
		"m": 3,
		"wal.groupCommit": {"N": 64, "T": "1ms"},
		"bloomFalsePositive": 0.001,
		"tombstoneTTL": "1h",
		"fastMode": false, // this trailing comma is allowed by hujson
	}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	opts, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if opts.K != 6 || opts.M != 3 {
		t.Fatalf("expected k=6 m=3, got %+v", opts)
	}
	if opts.WALGroupCommit.N != 64 || opts.WALGroupCommit.T != time.Millisecond {
		t.Fatalf("unexpected wal.groupCommit override: %+v", opts.WALGroupCommit)
	}
	if opts.BloomFalsePositive != 0.001 {
		t.Fatalf("unexpected bloomFalsePositive override: %f", opts.BloomFalsePositive)
	}
	if opts.TombstoneTTL != time.Hour {
		t.Fatalf("unexpected tombstoneTTL override: %v", opts.TombstoneTTL)
	}
	if opts.FastMode {
		t.Fatalf("expected fastMode override to false")
	}
	// Untouched keys keep their defaults.
	if opts.BlockSize != 32*1024 {
		t.Fatalf("expected blockSize to keep its default, got %d", opts.BlockSize)
	}
}

func TestLoadRejectsInvalidBlockSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.jsonc")
	if err := os.WriteFile(path, []byte(`{"blockSize": 4096}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected Load to reject a non-32768 blockSize")
	}
}
