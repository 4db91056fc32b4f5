// Package config loads the engine's tunables from a JSON-with-comments file,
// following the hujson.Standardize-then-json.Unmarshal pattern used by
// calvinalkan-agent-task/config.go, generalized from that tool's flat
// Config struct to the engine's nested {N,T}/{bytes,entries} option groups.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"
)

// GroupCommit mirrors wal.GroupCommit/stripe.GroupCommit's {N, T} shape so
// config can populate either without importing those packages (avoiding an
// import cycle with engine, which wires config into both).
type GroupCommit struct {
	N int           `json:"N"`
	T time.Duration `json:"T"`
}

// MemFlush mirrors memtable.Thresholds's {bytes, entries} shape.
type MemFlush struct {
	Bytes   int64 `json:"bytes"`
	Entries int64 `json:"entries"`
}

// IndexResidency selects whether the SST index/Bloom footprint is kept
// resident in memory. §6 only names "resident" today; the field exists so a
// future "onDemand" residency policy has somewhere to land without an
// Options shape change.
type IndexResidency string

const (
	ResidentIndex IndexResidency = "resident"
)

// Options mirrors the recognized config keys in §6.
type Options struct {
	K                  int            `json:"k"`
	M                  int            `json:"m"`
	BlockSize          int            `json:"blockSize"`
	WALGroupCommit     GroupCommit    `json:"wal.groupCommit"`
	StripeFlush        GroupCommit    `json:"stripe.flush"`
	MemFlushThreshold  MemFlush       `json:"mem.flushThreshold"`
	BloomFalsePositive float64        `json:"bloomFalsePositive"`
	TombstoneTTL       time.Duration  `json:"tombstoneTTL"`
	IndexResidency     IndexResidency `json:"index.residency"`
	FastMode           bool           `json:"fastMode"`
}

// Default returns §6's recognized defaults.
func Default() Options {
	return Options{
		K:                  4,
		M:                  2,
		BlockSize:          32 * 1024,
		WALGroupCommit:     GroupCommit{N: 32, T: 500 * time.Microsecond},
		StripeFlush:        GroupCommit{N: 32, T: 500 * time.Microsecond},
		MemFlushThreshold:  MemFlush{Bytes: 64 << 20, Entries: 50_000},
		BloomFalsePositive: 0.01,
		TombstoneTTL:       24 * time.Hour,
		IndexResidency:     ResidentIndex,
		FastMode:           true,
	}
}

// Load reads a JSON-with-comments config file at path, starting from
// Default() and overriding whatever keys the file sets. A durations field
// (wal.groupCommit.T, stripe.flush.T, tombstoneTTL) is accepted either as a
// Go duration string ("500us", "24h") or as a raw nanosecond count, since
// hujson/json round-trips both.
func Load(path string) (Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return Options{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	opts := Default()
	var doc struct {
		K                  *int            `json:"k"`
		M                  *int            `json:"m"`
		BlockSize          *int            `json:"blockSize"`
		WALGroupCommit     *rawGroupCommit `json:"wal.groupCommit"`
		StripeFlush        *rawGroupCommit `json:"stripe.flush"`
		MemFlushThreshold  *MemFlush       `json:"mem.flushThreshold"`
		BloomFalsePositive *float64        `json:"bloomFalsePositive"`
		TombstoneTTL       *rawDuration    `json:"tombstoneTTL"`
		IndexResidency     *IndexResidency `json:"index.residency"`
		FastMode           *bool           `json:"fastMode"`
	}
	if err := json.Unmarshal(std, &doc); err != nil {
		return Options{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}

	if doc.K != nil {
		opts.K = *doc.K
	}
	if doc.M != nil {
		opts.M = *doc.M
	}
	if doc.BlockSize != nil {
		opts.BlockSize = *doc.BlockSize
	}
	if doc.WALGroupCommit != nil {
		opts.WALGroupCommit = doc.WALGroupCommit.GroupCommit()
	}
	if doc.StripeFlush != nil {
		opts.StripeFlush = doc.StripeFlush.GroupCommit()
	}
	if doc.MemFlushThreshold != nil {
		opts.MemFlushThreshold = *doc.MemFlushThreshold
	}
	if doc.BloomFalsePositive != nil {
		opts.BloomFalsePositive = *doc.BloomFalsePositive
	}
	if doc.TombstoneTTL != nil {
		opts.TombstoneTTL = doc.TombstoneTTL.Duration()
	}
	if doc.IndexResidency != nil {
		opts.IndexResidency = *doc.IndexResidency
	}
	if doc.FastMode != nil {
		opts.FastMode = *doc.FastMode
	}

	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// rawGroupCommit accepts {N, T} where T may be a duration string or a raw
// nanosecond number.
type rawGroupCommit struct {
	N int          `json:"N"`
	T rawDuration  `json:"T"`
}

func (r rawGroupCommit) GroupCommit() GroupCommit { return GroupCommit{N: r.N, T: r.T.Duration()} }

// rawDuration unmarshals either a Go duration string ("500us") or a bare
// number of nanoseconds.
type rawDuration time.Duration

func (d *rawDuration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, err)
		}
		*d = rawDuration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("config: duration must be a string or number: %w", err)
	}
	*d = rawDuration(n)
	return nil
}

func (d rawDuration) Duration() time.Duration { return time.Duration(d) }

// Validate rejects option combinations the parity coder or stripe layout
// cannot represent.
func (o Options) Validate() error {
	if o.K <= 0 {
		return fmt.Errorf("config: k must be positive, got %d", o.K)
	}
	if o.M < 0 {
		return fmt.Errorf("config: m must be non-negative, got %d", o.M)
	}
	if o.BlockSize != 32*1024 {
		return fmt.Errorf("config: blockSize is fixed at 32768, got %d", o.BlockSize)
	}
	if o.BloomFalsePositive <= 0 || o.BloomFalsePositive >= 1 {
		return fmt.Errorf("config: bloomFalsePositive must be in (0,1), got %f", o.BloomFalsePositive)
	}
	return nil
}
